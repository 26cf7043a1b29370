package staging

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/stagehand-ci/stagehand/internal/logfields"
	"github.com/stagehand-ci/stagehand/internal/set"
)

// StagingState is the lifecycle state of a staging.
type StagingState string

const (
	StagingPending   StagingState = "pending"
	StagingSuccess   StagingState = "success"
	StagingFailure   StagingState = "failure"
	StagingFFFailed  StagingState = "ff_failed"
	StagingCancelled StagingState = "cancelled"
)

// Staging is a speculative merge of one or more batches into a target
// branch, built on the staging branches and validated by CI before the
// target branches are fast-forwarded.
//
// StatusesCache records the last observed CI results on the staging heads.
// It is only updated while the staging is pending, once the staging reaches
// a final state the cache is frozen.
type Staging struct {
	ID      StagingID
	Target  string
	Batches []BatchID

	// per repository: the staged head and the target branch tip the
	// staging was built on
	Heads map[string]string
	Tips  map[string]string

	State  StagingState
	Active bool
	Reason string

	StagedAt time.Time
	Timeout  time.Time

	StatusesCache map[string]*ContextResult
}

func (s *Staging) clone() *Staging {
	batches := make([]BatchID, len(s.Batches))
	copy(batches, s.Batches)

	heads := make(map[string]string, len(s.Heads))
	for repo, sha := range s.Heads {
		heads[repo] = sha
	}

	tips := make(map[string]string, len(s.Tips))
	for repo, sha := range s.Tips {
		tips[repo] = sha
	}

	cache := make(map[string]*ContextResult, len(s.StatusesCache))
	for key, result := range s.StatusesCache {
		cp := *result
		cache[key] = &cp
	}

	return &Staging{
		ID:            s.ID,
		Target:        s.Target,
		Batches:       batches,
		Heads:         heads,
		Tips:          tips,
		State:         s.State,
		Active:        s.Active,
		Reason:        s.Reason,
		StagedAt:      s.StagedAt,
		Timeout:       s.Timeout,
		StatusesCache: cache,
	}
}

func (s *Staging) setState(state StagingState, reason string) {
	s.State = state
	s.Reason = reason
}

// HeadOf returns true when sha is one of the staging's heads.
func (s *Staging) HeadOf(sha string) bool {
	for _, head := range s.Heads {
		if head == sha {
			return true
		}
	}

	return false
}

func (s *Staging) LogFields() []zap.Field {
	return []zap.Field{
		logfields.Staging(int(s.ID)),
		logfields.Branch(s.Target),
		zap.String("staging_state", string(s.State)),
	}
}

func stagingStatusKey(repo, context string) string {
	return repo + ":" + context
}

// ValidateStagings re-evaluates the CI results of all pending stagings and
// moves finished ones to success or failure.
//
// checked holds the commits whose statuses changed since the last sweep.
// Every pending context observed on a checked head re-arms the timeout
// deadline, a context that never reported anything counts as pending but
// does not re-arm.
// The re-arm is applied even when the staging fails in the same evaluation.
func (tx *Tx) ValidateStagings(now time.Time, checked set.Set[string]) {
	project := tx.store.project

	tx.EachStaging(func(s *Staging) bool {
		if !s.Active || s.State != StagingPending {
			return true
		}

		staging, err := tx.Staging(s.ID)
		if err != nil {
			return true
		}

		aggregate := CISuccess
		var failedKey string
		var failedURL string

		for _, repoName := range project.Repos.Keys() {
			repo := project.Repo(repoName)
			commit := tx.store.commits[staging.Heads[repoName]]
			headChecked := checked.Contains(staging.Heads[repoName])

			required := repo.RequiredContexts(staging.Target, true)
			sort.Strings(required)

			for _, context := range required {
				key := stagingStatusKey(repoName, context)

				var observed *ContextResult
				if commit != nil {
					observed = commit.Statuses[context]
				}

				if observed == nil {
					if aggregate == CISuccess {
						aggregate = CIPending
					}

					continue
				}

				if observed.State == CIPending && headChecked {
					staging.Timeout = now.Add(project.CITimeout)
				}

				cp := *observed
				staging.StatusesCache[key] = &cp

				if observed.State.Failed() && failedKey == "" {
					failedKey = key
					failedURL = observed.TargetURL
				}

				if observed.State == CIPending && aggregate == CISuccess {
					aggregate = CIPending
				}
			}
		}

		switch {
		case failedKey != "":
			reason := fmt.Sprintf("%s failed", failedKey)
			if failedURL != "" {
				reason = fmt.Sprintf("%s failed (view more at %s)", failedKey, failedURL)
			}

			staging.setState(StagingFailure, reason)

		case aggregate == CISuccess:
			staging.setState(StagingSuccess, "")

		case now.After(staging.Timeout):
			staging.setState(StagingFailure,
				fmt.Sprintf("timed out (>%d minutes)", int(project.CITimeout.Minutes())))
		}

		return true
	})
}

// CancelActiveStaging cancels the active staging of the target branch.
// It returns the cancelled staging or nil when none was active.
func (tx *Tx) CancelActiveStaging(target, reason string) *Staging {
	active := tx.ActiveStaging(target)
	if active == nil {
		return nil
	}

	staging, err := tx.Staging(active.ID)
	if err != nil {
		return nil
	}

	staging.setState(StagingCancelled, reason)
	staging.Active = false

	return staging
}
