package staging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stagehand-ci/stagehand/internal/githubclt"
	"github.com/stagehand-ci/stagehand/internal/logfields"
)

func tmpBranch(target string) string     { return "tmp." + target }
func stagingBranch(target string) string { return "staging." + target }

// ffPauses is the pause ladder of the fast-forward retry loop.
// The dry run on the tmp branches already proved the update possible, real
// failures here are transient.
// A failed attempt sleeps for the next rung before retrying, the final zero
// rung surfaces the last failure.
var ffPauses = []time.Duration{
	100 * time.Millisecond,
	300 * time.Millisecond,
	500 * time.Millisecond,
	900 * time.Millisecond,
	0,
}

// CreateStagings builds a new staging for every managed branch that has
// none active and has batches or splits waiting.
func (s *Service) CreateStagings(ctx context.Context) {
	for _, target := range s.project.Branches {
		if err := s.createStaging(ctx, target); err != nil {
			s.logger.Error("creating staging failed",
				logfields.Branch(target),
				zap.Error(err),
			)
		}
	}
}

type plannedPR struct {
	id       PRID
	pr       *PullRequest
	batch    BatchID
	repo     string
	number   int
	head     string
	author   string
	reviewer string
}

type stagingPlan struct {
	target  string
	batches []BatchID
	prs     []*plannedPR
}

// cancelForUrgent cancels the active staging when a ready pull request
// with the cancel=staging flag is waiting outside of it.
func (s *Service) cancelForUrgent(target string) {
	tx := s.store.Begin()
	defer tx.Commit()

	active := tx.ActiveStaging(target)
	if active == nil {
		return
	}

	staged := map[BatchID]struct{}{}
	for _, batchID := range active.Batches {
		staged[batchID] = struct{}{}
	}

	urgent := false
	tx.EachPR(func(pr *PullRequest) bool {
		if pr.Active() && pr.Target == target && pr.CancelStaging &&
			pr.State == StateReady && pr.Blocked == "" {
			if _, inStaging := staged[pr.Batch]; !inStaging {
				urgent = true
				return false
			}
		}

		return true
	})

	if !urgent {
		return
	}

	cancelled := tx.CancelActiveStaging(target, "unstaged to make room for an urgent PR")
	if cancelled != nil {
		metrics.StagingFinishedInc(cancelled.Target, stagingResultCancelled)

		s.logger.Info("staging cancelled for an urgent PR",
			append(cancelled.LogFields(), logfields.Event("staging_cancelled_urgent"))...,
		)
	}
}

func (s *Service) createStaging(ctx context.Context, target string) error {
	s.cancelForUrgent(target)

	plan := s.planStaging(target)
	if plan == nil {
		return nil
	}

	// row locks serialize forge operations per PR, taken in id order and
	// never while holding the store lock
	for _, p := range plan.prs {
		p.pr.LockRow()
	}
	defer func() {
		for _, p := range plan.prs {
			p.pr.UnlockRow()
		}
	}()

	heads, tips, conflicted, err := s.buildStagedHeads(ctx, plan)
	if err != nil {
		return err
	}

	return s.commitStaging(plan, heads, tips, conflicted)
}

// planStaging picks the batches of the next staging under the store lock.
// Splits of previously failed stagings take precedence over new batches.
// A batch with "alone" priority is only staged with other "alone" batches.
func (s *Service) planStaging(target string) *stagingPlan {
	tx := s.store.Begin()
	defer tx.Commit()

	if tx.ActiveStaging(target) != nil {
		return nil
	}

	var batches []*Batch

	splits := tx.PendingSplits(target)
	if len(splits) != 0 {
		split := splits[0]

		for _, batchID := range split.Batches {
			batch, err := tx.Batch(batchID)
			if err != nil {
				continue
			}

			if batch.Active() && tx.batchReady(batch) {
				batches = append(batches, batch)
			}
		}

		_ = tx.DeleteSplit(split.ID)

		if len(batches) == 0 {
			return nil
		}
	} else {
		stageable := tx.StageableBatches(target)
		if len(stageable) == 0 {
			return nil
		}

		if tx.batchPriority(stageable[0]) == PriorityAlone {
			for _, batch := range stageable {
				if tx.batchPriority(batch) == PriorityAlone {
					batches = append(batches, batch)
				}
			}
		} else {
			batches = stageable
		}

		if limit := s.project.BatchLimit; limit > 0 && len(batches) > limit {
			batches = batches[:limit]
		}
	}

	plan := stagingPlan{target: target}

	for _, batch := range batches {
		plan.batches = append(plan.batches, batch.ID)

		for _, pr := range tx.BatchPRs(batch) {
			if !pr.Active() {
				continue
			}

			plan.prs = append(plan.prs, &plannedPR{
				id:       pr.ID,
				pr:       pr,
				batch:    batch.ID,
				repo:     pr.Repo,
				number:   pr.Number,
				head:     pr.HeadSHA,
				author:   pr.Author,
				reviewer: pr.Reviewer,
			})
		}
	}

	sort.Slice(plan.prs, func(i, j int) bool { return plan.prs[i].id < plan.prs[j].id })

	return &plan
}

// buildStagedHeads merges the planned pull requests batch by batch onto the
// tmp branches and pushes the result to the staging branches.
// A batch whose merge conflicts is dropped, the tmp branches are reset to
// their state before the batch and staging continues with the remaining
// batches.
func (s *Service) buildStagedHeads(ctx context.Context, plan *stagingPlan) (heads, tips map[string]string, conflicted map[BatchID]string, err error) {
	heads = map[string]string{}
	tips = map[string]string{}
	conflicted = map[BatchID]string{}

	for _, repoName := range s.project.Repos.Keys() {
		tip, err := s.forgeHead(ctx, repoName, plan.target)
		if err != nil {
			return nil, nil, nil, err
		}

		tips[repoName] = tip
		heads[repoName] = tip

		if err := s.forgeSetRef(ctx, repoName, tmpBranch(plan.target), tip); err != nil {
			return nil, nil, nil, err
		}
	}

	for _, batchID := range plan.batches {
		preBatch := map[string]string{}
		for repo, sha := range heads {
			preBatch[repo] = sha
		}

		var conflictErr *githubclt.MergeConflictError

		for _, p := range plan.prs {
			if p.batch != batchID {
				continue
			}

			message := s.mergeMessage(p)

			sha, err := s.forgeMerge(ctx, p.repo, tmpBranch(plan.target), p.head, message)
			if err != nil {
				if errors.As(err, &conflictErr) {
					break
				}

				return nil, nil, nil, err
			}

			if sha != "" {
				heads[p.repo] = sha
			}
		}

		if conflictErr != nil {
			conflicted[batchID] = conflictErr.Error()

			for repo, sha := range preBatch {
				if heads[repo] == sha {
					continue
				}

				if err := s.forgeSetRef(ctx, repo, tmpBranch(plan.target), sha); err != nil {
					return nil, nil, nil, err
				}

				heads[repo] = sha
			}
		}
	}

	for _, repoName := range s.project.Repos.Keys() {
		if err := s.forgeSetRef(ctx, repoName, stagingBranch(plan.target), heads[repoName]); err != nil {
			return nil, nil, nil, err
		}
	}

	return heads, tips, conflicted, nil
}

func (s *Service) mergeMessage(p *plannedPR) string {
	message := fmt.Sprintf("staging merge of %s/%d\n\ncloses %s#%d", p.repo, p.number, p.repo, p.number)

	if reviewer, exists := s.project.Reviewers[p.reviewer]; exists && reviewer.Email != "" {
		message += fmt.Sprintf("\n\nSigned-off-by: %s <%s>", reviewer.Login, reviewer.Email)
	}

	return message
}

// commitStaging records the built staging in the store.
// Conflicted batches are dropped with an error on their pull requests, pull
// requests that changed while the heads were built abort the attempt.
func (s *Service) commitStaging(plan *stagingPlan, heads, tips map[string]string, conflicted map[BatchID]string) error {
	tx := s.store.Begin()
	defer tx.Commit()

	var staged []BatchID

	for _, batchID := range plan.batches {
		if detail, isConflicted := conflicted[batchID]; isConflicted {
			s.failBatch(tx, batchID, "unable to stage PR (merge conflict)", detail)
			continue
		}

		staged = append(staged, batchID)
	}

	if len(staged) == 0 {
		return nil
	}

	for _, p := range plan.prs {
		if _, isConflicted := conflicted[p.batch]; isConflicted {
			continue
		}

		pr, err := tx.PR(p.id)
		if err != nil || !pr.Active() || pr.HeadSHA != p.head {
			s.logger.Info("pull request changed while staging was built, aborting staging",
				logfields.Repository(p.repo),
				logfields.PullRequest(p.number),
				logfields.Event("staging_aborted"),
			)

			return nil
		}
	}

	now := time.Now()
	staging := tx.CreateStaging(&Staging{
		Target:        plan.target,
		Batches:       staged,
		Heads:         heads,
		Tips:          tips,
		State:         StagingPending,
		Active:        true,
		StagedAt:      now,
		Timeout:       now.Add(s.project.CITimeout),
		StatusesCache: map[string]*ContextResult{},
	})

	s.logger.Info("staging created",
		append(staging.LogFields(),
			zap.Int("batches", len(staged)),
			logfields.Event("staging_created"),
		)...,
	)

	return nil
}

// failBatch marks all open pull requests of the batch as failed and
// notifies their authors and reviewers.
func (s *Service) failBatch(tx *Tx, batchID BatchID, reason, detail string) {
	batch, err := tx.Batch(batchID)
	if err != nil {
		return
	}

	for _, pr := range tx.BatchPRs(batch) {
		if pr.Active() {
			s.failPR(tx, pr.ID, reason, detail)
		}
	}
}

// failPR puts the pull request into the error state and notifies its author
// and reviewer.
func (s *Service) failPR(tx *Tx, id PRID, reason, detail string) {
	pr, err := tx.PR(id)
	if err != nil {
		return
	}

	pr.Error = true
	tx.MarkDirty(pr.ID)

	message := fmt.Sprintf("@%s staging failed: %s", pr.Author, reason)
	if pr.Reviewer != "" {
		message = fmt.Sprintf("@%s @%s staging failed: %s", pr.Author, pr.Reviewer, reason)
	}

	tx.Feedback(&FeedbackMessage{
		Repo:    pr.Repo,
		Number:  pr.Number,
		Message: message,
	})

	s.logger.Info("pull request marked failed",
		append(pr.LogFields(),
			logfields.Reason(reason),
			zap.String("detail", detail),
			logfields.Event("pr_staging_failed"),
		)...,
	)
}

// CheckStagings handles stagings whose validation finished: successful ones
// are fast-forwarded onto their targets, failed ones are bisected or their
// pull requests marked failed.
func (s *Service) CheckStagings(ctx context.Context) {
	for _, plan := range s.collectFinished() {
		if plan.success {
			if err := s.finalizeStaging(ctx, plan); err != nil {
				s.logger.Error("finalizing staging failed",
					logfields.Staging(int(plan.id)),
					zap.Error(err),
				)
			}

			continue
		}

		s.handleFailedStaging(plan)
	}
}

type finishedStaging struct {
	id       StagingID
	target   string
	success  bool
	reason   string
	batches  []BatchID
	heads    map[string]string
	statuses map[string]*ContextResult
	prs      []*plannedPR
}

func (s *Service) collectFinished() []*finishedStaging {
	tx := s.store.Begin()
	defer tx.Commit()

	var result []*finishedStaging

	tx.EachStaging(func(staging *Staging) bool {
		if !staging.Active {
			return true
		}

		if staging.State != StagingSuccess && staging.State != StagingFailure {
			return true
		}

		statuses := make(map[string]*ContextResult, len(staging.StatusesCache))
		for key, result := range staging.StatusesCache {
			cp := *result
			statuses[key] = &cp
		}

		finished := finishedStaging{
			id:       staging.ID,
			target:   staging.Target,
			success:  staging.State == StagingSuccess,
			reason:   staging.Reason,
			batches:  staging.Batches,
			heads:    staging.Heads,
			statuses: statuses,
		}

		for _, batchID := range staging.Batches {
			batch, err := tx.Batch(batchID)
			if err != nil {
				continue
			}

			for _, pr := range tx.BatchPRs(batch) {
				if !pr.Active() {
					continue
				}

				finished.prs = append(finished.prs, &plannedPR{
					id:     pr.ID,
					pr:     pr,
					batch:  batchID,
					repo:   pr.Repo,
					number: pr.Number,
				})
			}
		}

		sort.Slice(finished.prs, func(i, j int) bool { return finished.prs[i].id < finished.prs[j].id })

		result = append(result, &finished)

		return true
	})

	return result
}

// finalizeStaging fast-forwards the target branches to the staged heads.
//
// The update is rehearsed on the tmp branches first: only when every
// repository's tmp branch can be fast-forwarded from the current target
// tip, the real branches are touched.
// This keeps the repositories consistent, a genuinely impossible
// fast-forward is detected before any target branch moved.
func (s *Service) finalizeStaging(ctx context.Context, plan *finishedStaging) error {
	for _, p := range plan.prs {
		p.pr.LockRow()
	}
	defer func() {
		for _, p := range plan.prs {
			p.pr.UnlockRow()
		}
	}()

	for _, repoName := range s.project.Repos.Keys() {
		head, staged := plan.heads[repoName]
		if !staged {
			continue
		}

		tip, err := s.forgeHead(ctx, repoName, plan.target)
		if err != nil {
			return err
		}

		if err := s.forgeSetRef(ctx, repoName, tmpBranch(plan.target), tip); err != nil {
			return err
		}

		if err := s.forgeFastForward(ctx, repoName, tmpBranch(plan.target), head); err != nil {
			var ffErr *githubclt.FastForwardError
			if errors.As(err, &ffErr) {
				s.markFFFailed(plan, repoName, err)
				return nil
			}

			return err
		}
	}

	if err := s.fastForwardTargets(ctx, plan); err != nil {
		var ffErr *githubclt.FastForwardError
		if errors.As(err, &ffErr) {
			s.markFFFailed(plan, "", err)
			return nil
		}

		return err
	}

	s.markMerged(plan)

	return nil
}

// fastForwardTargets updates the real target branches repository by
// repository.
// The first repository fails fast, nothing moved yet and the staging can
// still be rebuilt.
// Once a target branch was updated the remaining repositories are retried
// along the pause ladder to keep the repositories consistent.
func (s *Service) fastForwardTargets(ctx context.Context, plan *finishedStaging) error {
	updated := 0

	for _, repoName := range s.project.Repos.Keys() {
		head, staged := plan.heads[repoName]
		if !staged {
			continue
		}

		if err := s.fastForwardRepo(ctx, repoName, plan.target, head, updated > 0); err != nil {
			return err
		}

		updated++
	}

	return nil
}

func (s *Service) fastForwardRepo(ctx context.Context, repoName, branch, head string, retry bool) error {
	if !retry {
		return s.forgeFastForward(ctx, repoName, branch, head)
	}

	var err error
	for _, pause := range ffPauses {
		if err = s.forgeFastForward(ctx, repoName, branch, head); err == nil {
			return nil
		}

		if pause == 0 {
			break
		}

		time.Sleep(pause)
	}

	return err
}

func (s *Service) markFFFailed(plan *finishedStaging, repoName string, cause error) {
	tx := s.store.Begin()
	defer tx.Commit()

	staging, err := tx.Staging(plan.id)
	if err != nil {
		return
	}

	staging.setState(StagingFFFailed, "fast forward failed")
	staging.Active = false

	metrics.StagingFinishedInc(staging.Target, stagingResultFFFailed)

	s.logger.Error("fast forwarding the target branch failed, staging will be rebuilt",
		append(staging.LogFields(),
			logfields.Repository(repoName),
			zap.Error(cause),
			logfields.Event("staging_ff_failed"),
		)...,
	)
}

// markMerged records the staging as merged: its batches close, its pull
// requests are merged and notified.
func (s *Service) markMerged(plan *finishedStaging) {
	tx := s.store.Begin()
	defer tx.Commit()

	staging, err := tx.Staging(plan.id)
	if err != nil {
		return
	}

	staging.Active = false

	mergedAt := time.Now()
	for _, batchID := range plan.batches {
		if batch, err := tx.Batch(batchID); err == nil {
			batch.MergeDate = mergedAt
		}
	}

	for _, p := range plan.prs {
		pr, err := tx.PR(p.id)
		if err != nil {
			continue
		}

		pr.Merged = true
		tx.MarkDirty(pr.ID)
		metrics.MergedPRsInc(pr.Repo)

		tx.Feedback(&FeedbackMessage{
			Repo:    pr.Repo,
			Number:  pr.Number,
			Message: fmt.Sprintf("Merged at %s, thanks!", plan.heads[pr.Repo]),
			Close:   true,
		})
	}

	metrics.StagingFinishedInc(staging.Target, stagingResultMerged)

	s.logger.Info("staging merged",
		append(staging.LogFields(), logfields.Event("staging_merged"))...,
	)
}

// handleFailedStaging deactivates a failed staging.
// With more than one batch the failure can not be attributed, the batches
// are bisected into two splits that are restaged separately.
// A single-batch staging pins the failure on the pull requests of the
// repository whose CI context failed, a timeout blames every pull request
// of the batch.
func (s *Service) handleFailedStaging(plan *finishedStaging) {
	tx := s.store.Begin()
	defer tx.Commit()

	staging, err := tx.Staging(plan.id)
	if err != nil {
		return
	}

	staging.Active = false

	if len(plan.batches) > 1 {
		mid := len(plan.batches) / 2

		first := make([]BatchID, mid)
		copy(first, plan.batches[:mid])
		second := make([]BatchID, len(plan.batches)-mid)
		copy(second, plan.batches[mid:])

		tx.CreateSplit(&Split{Target: plan.target, Batches: first})
		tx.CreateSplit(&Split{Target: plan.target, Batches: second})

		metrics.StagingFinishedInc(staging.Target, stagingResultSplit)

		s.logger.Info("staging failed, bisecting batches",
			append(staging.LogFields(),
				logfields.Reason(staging.Reason),
				zap.Int("batches", len(plan.batches)),
				logfields.Event("staging_split"),
			)...,
		)

		return
	}

	reason := plan.reason
	if reason == "" {
		reason = "unknown reason"
	}

	blamed := false
	if repoName := failedRepo(plan.statuses); repoName != "" {
		for _, p := range plan.prs {
			if p.repo == repoName {
				s.failPR(tx, p.id, reason, "")
				blamed = true
			}
		}
	}

	if !blamed {
		for _, batchID := range plan.batches {
			s.failBatch(tx, batchID, reason, "")
		}
	}

	metrics.StagingFinishedInc(staging.Target, stagingResultFailed)

	s.logger.Info("staging failed",
		append(staging.LogFields(), logfields.Reason(reason), logfields.Event("staging_failed"))...,
	)
}

// failedRepo returns the repository of the first cached CI context in a
// failed state, or "" when none failed.
// With multiple failed contexts any of them identifies a culprit, the pick
// is arbitrary.
func failedRepo(statuses map[string]*ContextResult) string {
	for key, result := range statuses {
		if result.State.Failed() {
			repo, _, _ := strings.Cut(key, ":")
			return repo
		}
	}

	return ""
}

// forge call helpers, all retried via the retryer

func (s *Service) forgeHead(ctx context.Context, repoName, branch string) (string, error) {
	owner, repo, err := splitRepoName(repoName)
	if err != nil {
		return "", err
	}

	var result string
	err = s.retryer.Run(ctx, func(ctx context.Context) error {
		sha, err := s.clt.Head(ctx, owner, repo, branch)
		if err != nil {
			return err
		}

		result = sha
		return nil
	}, []zap.Field{logfields.Repository(repoName), logfields.Branch(branch)})

	return result, err
}

func (s *Service) forgeSetRef(ctx context.Context, repoName, branch, sha string) error {
	owner, repo, err := splitRepoName(repoName)
	if err != nil {
		return err
	}

	return s.retryer.Run(ctx, func(ctx context.Context) error {
		return s.clt.SetRef(ctx, owner, repo, branch, sha)
	}, []zap.Field{logfields.Repository(repoName), logfields.Branch(branch), logfields.Commit(sha)})
}

func (s *Service) forgeFastForward(ctx context.Context, repoName, branch, sha string) error {
	owner, repo, err := splitRepoName(repoName)
	if err != nil {
		return err
	}

	return s.retryer.Run(ctx, func(ctx context.Context) error {
		return s.clt.FastForward(ctx, owner, repo, branch, sha)
	}, []zap.Field{logfields.Repository(repoName), logfields.Branch(branch), logfields.Commit(sha)})
}

func (s *Service) forgeMerge(ctx context.Context, repoName, base, head, message string) (string, error) {
	owner, repo, err := splitRepoName(repoName)
	if err != nil {
		return "", err
	}

	var result string
	err = s.retryer.Run(ctx, func(ctx context.Context) error {
		sha, err := s.clt.MergeBranch(ctx, owner, repo, base, head, message)
		if err != nil {
			return err
		}

		result = sha
		return nil
	}, []zap.Field{logfields.Repository(repoName), logfields.Branch(base), logfields.Commit(head)})

	return result, err
}
