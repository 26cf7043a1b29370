package staging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/stagehand-ci/stagehand/internal/set"
)

// Typed entity identifiers. The zero value never identifies an entity.
type (
	PRID      int
	BatchID   int
	StagingID int
	SplitID   int
)

type prKey struct {
	repo   string
	number int
}

// Store holds all orchestrator entities in memory.
// All reads and writes happen through a Tx, which holds the store lock for
// its lifetime and can roll back every modification it made.
type Store struct {
	mu sync.Mutex

	project *Project

	prs      map[PRID]*PullRequest
	batches  map[BatchID]*Batch
	stagings map[StagingID]*Staging
	splits   map[SplitID]*Split
	commits  map[string]*Commit

	prByNumber map[prKey]PRID

	lastPRID      PRID
	lastBatchID   BatchID
	lastStagingID StagingID
	lastSplitID   SplitID

	outbox []*FeedbackMessage

	logger *zap.Logger
}

func NewStore(project *Project) *Store {
	return &Store{
		project:    project,
		prs:        map[PRID]*PullRequest{},
		batches:    map[BatchID]*Batch{},
		stagings:   map[StagingID]*Staging{},
		splits:     map[SplitID]*Split{},
		commits:    map[string]*Commit{},
		prByNumber: map[prKey]PRID{},
		logger:     zap.L().Named("store"),
	}
}

func (s *Store) Project() *Project { return s.project }

// Begin starts a transaction and locks the store until the transaction is
// committed or rolled back.
func (s *Store) Begin() *Tx {
	s.mu.Lock()

	return &Tx{
		store:         s,
		savedPRs:      map[PRID]*PullRequest{},
		savedBatches:  map[BatchID]*Batch{},
		savedStagings: map[StagingID]*Staging{},
		savedSplits:   map[SplitID]*Split{},
		savedCommits:  map[string]*Commit{},
		dirtyPRs:      set.Set[PRID]{},
	}
}

// TakeOutbox removes and returns all feedback messages that committed
// transactions queued for delivery.
func (s *Store) TakeOutbox() []*FeedbackMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.outbox
	s.outbox = nil

	return result
}

// Tx is a unit of work on the store.
// Every entity it hands out is snapshotted before first access, a Rollback
// restores all of them and undoes creations.
// Feedback queued on the transaction is only published on Commit.
type Tx struct {
	store *Store

	// snapshots of entities before the first modification, a nil value
	// records an entity created in this transaction
	savedPRs      map[PRID]*PullRequest
	savedBatches  map[BatchID]*Batch
	savedStagings map[StagingID]*Staging
	savedSplits   map[SplitID]*Split
	savedCommits  map[string]*Commit

	savedLastPRID      PRID
	savedLastBatchID   BatchID
	savedLastStagingID StagingID
	savedLastSplitID   SplitID
	idsSaved           bool

	dirtyPRs set.Set[PRID]

	feedback []*FeedbackMessage

	done bool
}

func (tx *Tx) saveIDs() {
	if tx.idsSaved {
		return
	}

	tx.savedLastPRID = tx.store.lastPRID
	tx.savedLastBatchID = tx.store.lastBatchID
	tx.savedLastStagingID = tx.store.lastStagingID
	tx.savedLastSplitID = tx.store.lastSplitID
	tx.idsSaved = true
}

// PR returns the pull request for modification.
func (tx *Tx) PR(id PRID) (*PullRequest, error) {
	pr, exists := tx.store.prs[id]
	if !exists {
		return nil, fmt.Errorf("pull request %d: %w", id, ErrNotFound)
	}

	if _, saved := tx.savedPRs[id]; !saved {
		tx.savedPRs[id] = pr.clone()
	}

	return pr, nil
}

// PRByNumber returns the pull request identified by repository and number.
func (tx *Tx) PRByNumber(repo string, number int) (*PullRequest, error) {
	id, exists := tx.store.prByNumber[prKey{repo: repo, number: number}]
	if !exists {
		return nil, fmt.Errorf("pull request %s#%d: %w", repo, number, ErrNotFound)
	}

	return tx.PR(id)
}

// PRsByHead returns the ids of all pull requests whose head is the given
// commit.
func (tx *Tx) PRsByHead(sha string) []PRID {
	var result []PRID

	for id, pr := range tx.store.prs {
		if pr.HeadSHA == sha {
			result = append(result, id)
		}
	}

	return result
}

// CreatePR registers a new pull request and assigns its id.
func (tx *Tx) CreatePR(pr *PullRequest) (*PullRequest, error) {
	key := prKey{repo: pr.Repo, number: pr.Number}
	if _, exists := tx.store.prByNumber[key]; exists {
		return nil, fmt.Errorf("pull request %s#%d: %w", pr.Repo, pr.Number, ErrAlreadyExists)
	}

	tx.saveIDs()
	tx.store.lastPRID++
	pr.ID = tx.store.lastPRID

	tx.store.prs[pr.ID] = pr
	tx.store.prByNumber[key] = pr.ID
	tx.savedPRs[pr.ID] = nil
	tx.MarkDirty(pr.ID)

	return pr, nil
}

// EachPR calls fn for every pull request.
// fn must not modify the pull request, modifications must happen via PR().
func (tx *Tx) EachPR(fn func(*PullRequest) bool) {
	for _, pr := range tx.store.prs {
		if !fn(pr) {
			return
		}
	}
}

// Batch returns the batch for modification.
func (tx *Tx) Batch(id BatchID) (*Batch, error) {
	batch, exists := tx.store.batches[id]
	if !exists {
		return nil, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}

	if _, saved := tx.savedBatches[id]; !saved {
		tx.savedBatches[id] = batch.clone()
	}

	return batch, nil
}

func (tx *Tx) CreateBatch(batch *Batch) *Batch {
	tx.saveIDs()
	tx.store.lastBatchID++
	batch.ID = tx.store.lastBatchID

	tx.store.batches[batch.ID] = batch
	tx.savedBatches[batch.ID] = nil

	return batch
}

func (tx *Tx) DeleteBatch(id BatchID) error {
	batch, exists := tx.store.batches[id]
	if !exists {
		return fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}

	if _, saved := tx.savedBatches[id]; !saved {
		tx.savedBatches[id] = batch.clone()
	}

	delete(tx.store.batches, id)

	return nil
}

func (tx *Tx) EachBatch(fn func(*Batch) bool) {
	for _, batch := range tx.store.batches {
		if !fn(batch) {
			return
		}
	}
}

// Staging returns the staging for modification.
func (tx *Tx) Staging(id StagingID) (*Staging, error) {
	staging, exists := tx.store.stagings[id]
	if !exists {
		return nil, fmt.Errorf("staging %d: %w", id, ErrNotFound)
	}

	if _, saved := tx.savedStagings[id]; !saved {
		tx.savedStagings[id] = staging.clone()
	}

	return staging, nil
}

func (tx *Tx) CreateStaging(staging *Staging) *Staging {
	tx.saveIDs()
	tx.store.lastStagingID++
	staging.ID = tx.store.lastStagingID

	tx.store.stagings[staging.ID] = staging
	tx.savedStagings[staging.ID] = nil

	return staging
}

// ActiveStaging returns the active staging for the target branch or nil.
func (tx *Tx) ActiveStaging(target string) *Staging {
	for _, staging := range tx.store.stagings {
		if staging.Active && staging.Target == target {
			return staging
		}
	}

	return nil
}

func (tx *Tx) EachStaging(fn func(*Staging) bool) {
	for _, staging := range tx.store.stagings {
		if !fn(staging) {
			return
		}
	}
}

// Split returns the split for modification.
func (tx *Tx) Split(id SplitID) (*Split, error) {
	split, exists := tx.store.splits[id]
	if !exists {
		return nil, fmt.Errorf("split %d: %w", id, ErrNotFound)
	}

	if _, saved := tx.savedSplits[id]; !saved {
		tx.savedSplits[id] = split.clone()
	}

	return split, nil
}

func (tx *Tx) CreateSplit(split *Split) *Split {
	tx.saveIDs()
	tx.store.lastSplitID++
	split.ID = tx.store.lastSplitID

	tx.store.splits[split.ID] = split
	tx.savedSplits[split.ID] = nil

	return split
}

func (tx *Tx) DeleteSplit(id SplitID) error {
	split, exists := tx.store.splits[id]
	if !exists {
		return fmt.Errorf("split %d: %w", id, ErrNotFound)
	}

	if _, saved := tx.savedSplits[id]; !saved {
		tx.savedSplits[id] = split.clone()
	}

	delete(tx.store.splits, id)

	return nil
}

func (tx *Tx) EachSplit(fn func(*Split) bool) {
	for _, split := range tx.store.splits {
		if !fn(split) {
			return
		}
	}
}

// CommitFor returns the commit record for the SHA, creating it when
// unknown.
func (tx *Tx) CommitFor(sha string) *Commit {
	commit, exists := tx.store.commits[sha]
	if exists {
		if _, saved := tx.savedCommits[sha]; !saved {
			tx.savedCommits[sha] = commit.clone()
		}

		return commit
	}

	commit = newCommit(sha)
	tx.store.commits[sha] = commit
	tx.savedCommits[sha] = nil

	return commit
}

func (tx *Tx) EachCommit(fn func(*Commit) bool) {
	for _, commit := range tx.store.commits {
		if !fn(commit) {
			return
		}
	}
}

// MarkDirty schedules the pull request for recomputation of its statuses,
// state and blocked reason when the transaction commits.
func (tx *Tx) MarkDirty(id PRID) {
	tx.dirtyPRs.Add(id)
}

// MarkDirtyWithDescendants schedules the pull request and all pull requests
// forward-ported from it.
// Override changes propagate along the forward-port chain, so all
// descendants have to be recomputed.
func (tx *Tx) MarkDirtyWithDescendants(id PRID) {
	tx.MarkDirty(id)

	for prID, pr := range tx.store.prs {
		if tx.descendsFrom(pr, id) {
			tx.MarkDirty(prID)
		}
	}
}

func (tx *Tx) descendsFrom(pr *PullRequest, ancestor PRID) bool {
	for pr != nil && pr.Parent != 0 {
		if pr.Parent == ancestor {
			return true
		}

		pr = tx.store.prs[pr.Parent]
	}

	return false
}

// Feedback queues a message for delivery after commit.
func (tx *Tx) Feedback(msg *FeedbackMessage) {
	tx.feedback = append(tx.feedback, msg)
}

// Commit recomputes all dirty pull requests, publishes queued feedback and
// releases the store lock.
func (tx *Tx) Commit() {
	if tx.done {
		panic("transaction already finished")
	}
	tx.done = true

	tx.recompute()

	tx.store.outbox = append(tx.store.outbox, tx.feedback...)

	tx.store.mu.Unlock()
}

// Rollback undoes every modification of the transaction, drops queued
// feedback and releases the store lock.
func (tx *Tx) Rollback() {
	if tx.done {
		panic("transaction already finished")
	}
	tx.done = true

	for id, saved := range tx.savedPRs {
		if saved == nil {
			pr := tx.store.prs[id]
			delete(tx.store.prs, id)
			delete(tx.store.prByNumber, prKey{repo: pr.Repo, number: pr.Number})

			continue
		}

		tx.store.prs[id].restore(saved)
	}

	for id, saved := range tx.savedBatches {
		if saved == nil {
			delete(tx.store.batches, id)
			continue
		}

		tx.store.batches[id] = saved
	}

	for id, saved := range tx.savedStagings {
		if saved == nil {
			delete(tx.store.stagings, id)
			continue
		}

		tx.store.stagings[id] = saved
	}

	for id, saved := range tx.savedSplits {
		if saved == nil {
			delete(tx.store.splits, id)
			continue
		}

		tx.store.splits[id] = saved
	}

	for sha, saved := range tx.savedCommits {
		if saved == nil {
			delete(tx.store.commits, sha)
			continue
		}

		tx.store.commits[sha] = saved
	}

	if tx.idsSaved {
		tx.store.lastPRID = tx.savedLastPRID
		tx.store.lastBatchID = tx.savedLastBatchID
		tx.store.lastStagingID = tx.savedLastStagingID
		tx.store.lastSplitID = tx.savedLastSplitID
	}

	tx.store.mu.Unlock()
}
