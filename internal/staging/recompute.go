package staging

import (
	"fmt"

	"github.com/stagehand-ci/stagehand/internal/set"
)

// recompute refreshes the computed fields of all dirty pull requests.
// It runs while the transaction still holds the store lock.
// The first phase derives per-context statuses, the aggregated CI status
// and the lifecycle state.
// The second phase recomputes the blocked reason for every batch that
// contains a dirty pull request, because readiness of one PR affects its
// linked PRs.
func (tx *Tx) recompute() {
	batches := set.Set[BatchID]{}

	for id := range tx.dirtyPRs {
		pr, exists := tx.store.prs[id]
		if !exists {
			continue
		}

		tx.recomputePR(pr)

		if pr.Batch != 0 {
			batches.Add(pr.Batch)
		}
	}

	for batchID := range batches {
		batch, exists := tx.store.batches[batchID]
		if !exists {
			continue
		}

		tx.recomputeBlocked(batch)
	}
}

func (tx *Tx) recomputePR(pr *PullRequest) {
	statuses := map[string]CIState{}

	if commit, exists := tx.store.commits[pr.HeadSHA]; exists {
		for context, result := range commit.Statuses {
			statuses[context] = result.State
		}
	}

	// overrides are inherited along the forward-port chain, the nearest
	// ancestor's override wins, the PR's own override wins over all
	var chain []*PullRequest
	for p := pr; p != nil; {
		chain = append(chain, p)
		if p.Parent == 0 {
			break
		}

		p = tx.store.prs[p.Parent]
	}

	for i := len(chain) - 1; i >= 0; i-- {
		for context, state := range chain[i].Overrides {
			statuses[context] = state
		}
	}

	pr.Statuses = statuses

	var required []string
	if repo := tx.store.project.Repo(pr.Repo); repo != nil {
		required = repo.RequiredContexts(pr.Target, false)
	}

	oldStatus := pr.Status
	oldState := pr.State
	pr.Status = aggregateCI(required, statuses)
	pr.State = pr.computeState(tx.batchSkipChecks(pr))

	tx.notifyNewFailure(pr, required, oldStatus)
	tx.queueTagChanges(pr, oldState)
}

func (tx *Tx) batchSkipChecks(pr *PullRequest) bool {
	if pr.Batch == 0 {
		return false
	}

	batch, exists := tx.store.batches[pr.Batch]

	return exists && batch.SkipChecks
}

// stateTags maps a lifecycle state to the labels shown on the remote pull
// request.
var stateTags = map[PRState][]string{
	StateValidated: {"CI passed"},
	StateApproved:  {"approved"},
	StateReady:     {"approved", "CI passed"},
	StateMerged:    {"approved", "CI passed", "merged"},
	StateError:     {"staging failed"},
}

// queueTagChanges enqueues the label updates for a state transition.
func (tx *Tx) queueTagChanges(pr *PullRequest, from PRState) {
	if pr.State == from {
		return
	}

	previous := set.From(stateTags[from])
	current := set.From(stateTags[pr.State])

	var add, remove []string
	for _, tag := range stateTags[pr.State] {
		if !previous.Contains(tag) {
			add = append(add, tag)
		}
	}
	for _, tag := range stateTags[from] {
		if !current.Contains(tag) {
			remove = append(remove, tag)
		}
	}

	if len(add) == 0 && len(remove) == 0 {
		return
	}

	tx.Feedback(&FeedbackMessage{
		Repo:         pr.Repo,
		Number:       pr.Number,
		AddLabels:    add,
		RemoveLabels: remove,
	})
}

// notifyNewFailure posts a comment when CI newly fails on a reviewed pull
// request.
// PreviousFailure dedupes repeated reports for the same head and context.
func (tx *Tx) notifyNewFailure(pr *PullRequest, required []string, oldStatus CIState) {
	if pr.Status != CIFailure || oldStatus == CIFailure {
		return
	}

	if pr.Reviewer == "" || !pr.Active() {
		return
	}

	var failed string
	for _, context := range required {
		if state, exists := pr.Statuses[context]; exists && state.Failed() {
			failed = context
			break
		}
	}

	if failed == "" {
		return
	}

	key := pr.HeadSHA + ":" + failed
	if pr.PreviousFailure == key {
		return
	}
	pr.PreviousFailure = key

	tx.Feedback(&FeedbackMessage{
		Repo:   pr.Repo,
		Number: pr.Number,
		Message: fmt.Sprintf("@%s @%s %q failed on this reviewed PR.",
			pr.Author, pr.Reviewer, failed),
	})
}

// recomputeBlocked refreshes the blocked reason of every open pull request
// in the batch.
// The batch's skip-checks override stands in for readiness as long as no
// member is in error.
func (tx *Tx) recomputeBlocked(batch *Batch) {
	prs := tx.BatchPRs(batch)

	skipChecks := batch.SkipChecks
	if skipChecks {
		for _, pr := range prs {
			if pr.Active() && pr.Error {
				skipChecks = false
				break
			}
		}
	}

	for _, pr := range prs {
		pr.Blocked = tx.blockedReason(pr, prs, skipChecks)
	}
}

func (tx *Tx) blockedReason(pr *PullRequest, linked []*PullRequest, skipChecks bool) string {
	if !pr.Active() {
		return ""
	}

	if pr.Draft {
		return "is in draft"
	}

	if pr.CommitCount > 1 && pr.MergeMethod == MethodNone {
		return "has no merge method"
	}

	if pr.State != StateReady && !skipChecks {
		return "is not ready"
	}

	for _, other := range linked {
		if other.ID == pr.ID || !other.Active() {
			continue
		}

		if other.State != StateReady && !skipChecks {
			return fmt.Sprintf("linked PR %s is not ready", other.Ref())
		}

		if other.Draft {
			return fmt.Sprintf("linked PR %s is in draft", other.Ref())
		}
	}

	return ""
}
