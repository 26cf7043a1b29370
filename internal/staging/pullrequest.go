package staging

import (
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/stagehand-ci/stagehand/internal/logfields"
	"github.com/stagehand-ci/stagehand/internal/set"
)

// PRState is the lifecycle state of a pull request.
type PRState string

const (
	StateOpened    PRState = "opened"
	StateApproved  PRState = "approved"
	StateValidated PRState = "validated"
	StateReady     PRState = "ready"
	StateMerged    PRState = "merged"
	StateClosed    PRState = "closed"
	StateError     PRState = "error"
)

// MergeMethod is how a pull request's commits are integrated on merge.
type MergeMethod string

const (
	MethodNone        MergeMethod = ""
	MethodMerge       MergeMethod = "merge"
	MethodRebaseFF    MergeMethod = "rebase-ff"
	MethodRebaseMerge MergeMethod = "rebase-merge"
	MethodSquash      MergeMethod = "squash"
)

// Priority controls how urgently a pull request is staged.
type Priority string

const (
	PriorityDefault Priority = "default"
	PriorityPrio    Priority = "priority"
	PriorityAlone   Priority = "alone"
)

func priorityRank(p Priority) int {
	switch p {
	case PriorityAlone:
		return 2
	case PriorityPrio:
		return 1
	default:
		return 0
	}
}

// FWPolicy controls forward-porting of a merged pull request.
type FWPolicy string

const (
	FWDefault FWPolicy = "default"
	FWNo      FWPolicy = "no"
	FWSkipCI  FWPolicy = "skipci"
)

// patchLabelRe matches labels of single-PR patch branches, which are never
// grouped with other pull requests.
var patchLabelRe = regexp.MustCompile(`:patch-\d+$`)

type prData struct {
	ID     PRID
	Repo   string
	Number int

	Target string
	Label  string

	HeadSHA     string
	CommitCount int
	Draft       bool
	Author      string

	MergeMethod MergeMethod
	Priority    Priority
	FW          FWPolicy

	Reviewer      string
	Delegates     set.Set[string]
	Overrides     map[string]CIState
	CancelStaging bool

	Merged bool
	Closed bool
	Error  bool

	// forward-port chain, zero when the PR was opened by a human
	Parent PRID
	Source PRID

	Batch BatchID

	// computed on transaction commit
	State    PRState
	Status   CIState
	Statuses map[string]CIState
	Blocked  string

	// dedup flags for notifications
	PreviousFailure string
	LinkWarned      bool
	MethodWarned    bool
}

// PullRequest is one pull request tracked by the orchestrator.
// The computed fields State, Status, Statuses and Blocked are refreshed by
// the store when a transaction that touched the PR commits.
type PullRequest struct {
	prData

	rowMu sync.Mutex
}

// NewPullRequest returns a pull request in its initial state.
func NewPullRequest(repo string, number int) *PullRequest {
	return &PullRequest{
		prData: prData{
			Repo:      repo,
			Number:    number,
			Priority:  PriorityDefault,
			FW:        FWDefault,
			Delegates: set.Set[string]{},
			Overrides: map[string]CIState{},
			State:     StateOpened,
			Status:    CIPending,
			Statuses:  map[string]CIState{},
		},
	}
}

// Ref returns the "repo#number" identifier used in user-facing messages.
func (pr *PullRequest) Ref() string {
	return fmt.Sprintf("%s#%d", pr.Repo, pr.Number)
}

// DisplayLabel is the grouping label including the target branch.
func (pr *PullRequest) DisplayLabel() string {
	return pr.Label
}

// IsPatchBranch returns true for single-PR patch labels that must not be
// grouped with other pull requests.
func (pr *PullRequest) IsPatchBranch() bool {
	return patchLabelRe.MatchString(pr.Label)
}

// Active returns true while the pull request participates in staging.
func (pr *PullRequest) Active() bool {
	return !pr.Merged && !pr.Closed
}

// computeState derives the lifecycle state from the stored flags and the
// aggregated CI status.
// Merged, closed and error are sticky and take precedence, a batch with the
// skip-checks override is ready without approval or CI.
func (pr *PullRequest) computeState(skipChecks bool) PRState {
	switch {
	case pr.Merged:
		return StateMerged
	case pr.Closed:
		return StateClosed
	case pr.Error:
		return StateError
	case skipChecks:
		return StateReady
	}

	idx := 0
	if pr.Reviewer != "" {
		idx |= 1
	}
	if pr.Status == CISuccess {
		idx |= 2
	}

	return [...]PRState{StateOpened, StateApproved, StateValidated, StateReady}[idx]
}

// aggregateCI reduces per-context results to a single state against the
// required contexts.
// A failed required context decides the result immediately, a missing
// result counts as pending.
func aggregateCI(required []string, statuses map[string]CIState) CIState {
	result := CISuccess

	for _, context := range required {
		state, exists := statuses[context]
		if !exists {
			result = CIPending
			continue
		}

		if state.Failed() {
			return CIFailure
		}

		if state == CIPending {
			result = CIPending
		}
	}

	return result
}

func (pr *PullRequest) clone() *PullRequest {
	data := pr.prData

	data.Delegates = pr.Delegates.Clone()

	data.Overrides = make(map[string]CIState, len(pr.Overrides))
	for context, state := range pr.Overrides {
		data.Overrides[context] = state
	}

	data.Statuses = make(map[string]CIState, len(pr.Statuses))
	for context, state := range pr.Statuses {
		data.Statuses[context] = state
	}

	return &PullRequest{prData: data}
}

func (pr *PullRequest) restore(from *PullRequest) {
	pr.prData = from.prData
}

// LockRow locks the pull request's row lock.
// It serializes forge-side operations on the PR and must be acquired
// without holding the store lock.
func (pr *PullRequest) LockRow() { pr.rowMu.Lock() }

// TryLockRow attempts to take the row lock without blocking.
func (pr *PullRequest) TryLockRow() bool { return pr.rowMu.TryLock() }

func (pr *PullRequest) UnlockRow() { pr.rowMu.Unlock() }

func (pr *PullRequest) LogFields() []zap.Field {
	return []zap.Field{
		logfields.Repository(pr.Repo),
		logfields.PullRequest(pr.Number),
		logfields.Branch(pr.Target),
		zap.String("pr_state", string(pr.State)),
	}
}
