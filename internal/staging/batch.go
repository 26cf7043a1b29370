package staging

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/stagehand-ci/stagehand/internal/logfields"
)

// Batch groups the pull requests that carry the same label and target the
// same branch across the project's repositories.
// The pull requests of a batch are staged and merged together.
//
// SkipChecks readies every member regardless of approvals and CI.
// MergeDate is written exactly once, when the batch's staging is
// fast-forwarded onto the target branch.
type Batch struct {
	ID     BatchID
	Target string
	Label  string
	PRs    []PRID

	SkipChecks bool

	MergeDate time.Time
}

// Active returns true while the batch can still accept pull requests and be
// staged.
func (b *Batch) Active() bool { return b.MergeDate.IsZero() }

func (b *Batch) contains(id PRID) bool {
	for _, prID := range b.PRs {
		if prID == id {
			return true
		}
	}

	return false
}

func (b *Batch) remove(id PRID) {
	for i, prID := range b.PRs {
		if prID == id {
			b.PRs = append(b.PRs[:i], b.PRs[i+1:]...)
			return
		}
	}
}

func (b *Batch) clone() *Batch {
	prs := make([]PRID, len(b.PRs))
	copy(prs, b.PRs)

	return &Batch{
		ID:         b.ID,
		Target:     b.Target,
		Label:      b.Label,
		PRs:        prs,
		SkipChecks: b.SkipChecks,
		MergeDate:  b.MergeDate,
	}
}

func (b *Batch) LogFields() []zap.Field {
	return []zap.Field{
		logfields.Batch(int(b.ID)),
		logfields.Branch(b.Target),
		logfields.Label(b.Label),
	}
}

// AssignBatch places the pull request into the batch matching its target
// and label, creating one when none exists.
// Patch-branch labels always get a batch of their own.
// A closed pull request is detached instead, which may dissolve a batch
// that was never staged to success.
// Reassigning a pull request that is already in the right batch is a no-op.
func (tx *Tx) AssignBatch(pr *PullRequest) error {
	if pr.Closed {
		return tx.detachBatch(pr)
	}

	if pr.Merged {
		return nil
	}

	if pr.Batch != 0 {
		batch, err := tx.Batch(pr.Batch)
		if err != nil {
			return err
		}

		if batch.Active() && batch.Target == pr.Target && batch.Label == pr.Label {
			return nil
		}

		if err := tx.detachBatch(pr); err != nil {
			return err
		}
	}

	if !pr.IsPatchBranch() {
		var joined *Batch
		tx.EachBatch(func(batch *Batch) bool {
			if batch.Active() && batch.Target == pr.Target && batch.Label == pr.Label {
				joined = batch
				return false
			}

			return true
		})

		if joined != nil {
			batch, err := tx.Batch(joined.ID)
			if err != nil {
				return err
			}

			batch.PRs = append(batch.PRs, pr.ID)
			pr.Batch = batch.ID
			tx.MarkDirty(pr.ID)

			return nil
		}
	}

	batch := tx.CreateBatch(&Batch{
		Target: pr.Target,
		Label:  pr.Label,
		PRs:    []PRID{pr.ID},
	})
	pr.Batch = batch.ID
	tx.MarkDirty(pr.ID)

	return nil
}

// detachBatch removes the pull request from its batch.
// A batch that loses its last member before ever being merged is deleted.
func (tx *Tx) detachBatch(pr *PullRequest) error {
	if pr.Batch == 0 {
		return nil
	}

	batch, err := tx.Batch(pr.Batch)
	if err != nil {
		return err
	}

	batch.remove(pr.ID)
	pr.Batch = 0

	if len(batch.PRs) == 0 && batch.Active() {
		return tx.DeleteBatch(batch.ID)
	}

	return nil
}

// BatchPRs returns the pull requests of the batch.
// The result is read-only, modifications must go through Tx.PR.
func (tx *Tx) BatchPRs(batch *Batch) []*PullRequest {
	result := make([]*PullRequest, 0, len(batch.PRs))

	for _, id := range batch.PRs {
		if pr, exists := tx.store.prs[id]; exists {
			result = append(result, pr)
		}
	}

	return result
}

// batchPriority is the highest priority among the batch's open pull
// requests.
func (tx *Tx) batchPriority(batch *Batch) Priority {
	result := PriorityDefault

	for _, pr := range tx.BatchPRs(batch) {
		if !pr.Active() {
			continue
		}

		if priorityRank(pr.Priority) > priorityRank(result) {
			result = pr.Priority
		}
	}

	return result
}

// batchReady returns true when every open pull request of the batch is
// ready and unblocked.
// A batch without open pull requests is not ready.
func (tx *Tx) batchReady(batch *Batch) bool {
	var open int

	for _, pr := range tx.BatchPRs(batch) {
		if !pr.Active() {
			continue
		}
		open++

		if pr.State != StateReady || pr.Blocked != "" {
			return false
		}
	}

	return open > 0
}

// StageableBatches returns the batches that are ready to be staged on the
// target branch, most urgent first, stable by batch id.
func (tx *Tx) StageableBatches(target string) []*Batch {
	var result []*Batch

	tx.EachBatch(func(batch *Batch) bool {
		if batch.Active() && batch.Target == target && tx.batchReady(batch) {
			result = append(result, batch)
		}

		return true
	})

	sort.Slice(result, func(i, j int) bool {
		pi, pj := priorityRank(tx.batchPriority(result[i])), priorityRank(tx.batchPriority(result[j]))
		if pi != pj {
			return pi > pj
		}

		return result[i].ID < result[j].ID
	})

	return result
}
