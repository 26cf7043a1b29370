// Package staging implements a merge queue across the repositories of a
// project.
//
// Pull requests carrying the same label and targeting the same branch are
// grouped into batches, ready batches are merged speculatively on staging
// branches, validated by CI and fast-forwarded onto their target branches
// when CI passes.
package staging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stagehand-ci/stagehand/internal/githubclt"
	"github.com/stagehand-ci/stagehand/internal/logfields"
	"github.com/stagehand-ci/stagehand/internal/retry"
	"github.com/stagehand-ci/stagehand/internal/set"
)

const defFeedbackWorkers = 4

// Service drives the merge queue.
// Events are applied through the Apply* methods, the periodic jobs run via
// Run or can be invoked directly.
type Service struct {
	store   *Store
	project *Project
	clt     ForgeClient
	retryer *retry.Retryer

	deliverer *deliverer

	fetchMu    sync.Mutex
	fetchJobs  []fetchJob
	fetchKnown map[prKey]struct{}

	interval time.Duration

	logger *zap.Logger
}

type fetchJob struct {
	repo   string
	number int
}

func NewService(project *Project, clt ForgeClient, interval time.Duration) *Service {
	retryer := retry.NewRetryer()

	return &Service{
		store:      NewStore(project),
		project:    project,
		clt:        clt,
		retryer:    retryer,
		deliverer:  newDeliverer(clt, retryer, defFeedbackWorkers),
		fetchKnown: map[prKey]struct{}{},
		interval:   interval,
		logger:     zap.L().Named("staging"),
	}
}

// Store exposes the entity store, intended for the http listing handler and
// tests.
func (s *Service) Store() *Store { return s.store }

// ApplyStatusUpdate records a CI result for a commit.
// The affected pull requests and stagings are re-evaluated by the next
// sweep.
func (s *Service) ApplyStatusUpdate(ev *StatusEvent) {
	tx := s.store.Begin()
	defer tx.Commit()

	commit := tx.CommitFor(ev.SHA)
	commit.SetStatus(ev.Context, ev.State, ev.TargetURL)

	metrics.StatusEventsInc()

	s.logger.Debug("status update recorded",
		logfields.Commit(ev.SHA),
		logfields.Context(ev.Context),
		zap.String("status_state", string(ev.State)),
		logfields.Event("status_recorded"),
	)
}

// SweepCommits re-evaluates all pull requests whose head commit received
// new CI results and validates the pending stagings.
func (s *Service) SweepCommits(now time.Time) {
	tx := s.store.Begin()
	defer tx.Commit()

	checked := set.Set[string]{}

	tx.EachCommit(func(c *Commit) bool {
		if !c.ToCheck {
			return true
		}

		commit := tx.CommitFor(c.SHA)
		commit.ToCheck = false
		checked.Add(commit.SHA)

		for _, prID := range tx.PRsByHead(commit.SHA) {
			tx.MarkDirty(prID)
		}

		return true
	})

	tx.ValidateStagings(now, checked)
}

// UpsertPullRequest creates or updates the tracked state of a pull request
// from its forge-side state.
func (s *Service) UpsertPullRequest(data *PREventData) error {
	repo := s.project.Repo(data.Repo)
	if repo == nil {
		return nil // unmanaged repository
	}

	tx := s.store.Begin()

	pr, err := tx.PRByNumber(data.Repo, data.Number)
	if err != nil {
		pr = NewPullRequest(data.Repo, data.Number)
		pr.Author = data.Author

		if pr, err = tx.CreatePR(pr); err != nil {
			tx.Rollback()
			return err
		}
	}

	label := repo.RemapLabel(data.Label)

	pushed := pr.HeadSHA != "" && pr.HeadSHA != data.HeadSHA
	retargeted := pr.Target != "" && pr.Target != data.Target

	pr.Target = data.Target
	pr.Label = label
	pr.HeadSHA = data.HeadSHA
	pr.CommitCount = data.CommitCount
	pr.Draft = data.Draft
	pr.Merged = pr.Merged || data.Merged

	if pushed {
		// a new head invalidates the review and a previous failed
		// staging attempt
		pr.Reviewer = ""
		pr.Error = false
	}

	closed := false
	if data.Closed && !pr.Closed {
		closed = s.closePR(pr)
	} else if !data.Closed && pr.Closed && !pr.Merged {
		pr.Closed = false
		pr.Error = false
	}

	if (pushed || retargeted || closed) && pr.Batch != 0 {
		s.unstageForPR(tx, pr, changeReason(pushed, retargeted, closed))
	}

	if err := tx.AssignBatch(pr); err != nil {
		tx.Rollback()
		return err
	}

	tx.MarkDirty(pr.ID)

	tx.Commit()

	return nil
}

func changeReason(pushed, retargeted, closed bool) string {
	switch {
	case closed:
		return "closed"
	case retargeted:
		return "retargeted"
	default:
		return "updated"
	}
}

// closePR marks the pull request closed and reports whether it did.
// The row lock is only tried: when the PR is being staged right now the
// staging code holds the lock and mutating the PR under its feet would
// corrupt the run, the close is retried on the next forge event.
func (s *Service) closePR(pr *PullRequest) bool {
	if !pr.TryLockRow() {
		s.logger.Info("skipping close of a locked pull request",
			pr.LogFields()...,
		)

		return false
	}
	defer pr.UnlockRow()

	pr.Closed = true
	pr.Reviewer = ""

	return true
}

// unstageForPR cancels the active staging that contains the pull request.
func (s *Service) unstageForPR(tx *Tx, pr *PullRequest, reason string) {
	active := tx.ActiveStaging(pr.Target)
	if active == nil {
		return
	}

	for _, batchID := range active.Batches {
		if batchID != pr.Batch {
			continue
		}

		cancelled := tx.CancelActiveStaging(pr.Target,
			"PR "+pr.Ref()+" "+reason)
		if cancelled != nil {
			metrics.StagingFinishedInc(cancelled.Target, stagingResultCancelled)

			s.logger.Info("staging cancelled",
				append(cancelled.LogFields(), logfields.Reason(cancelled.Reason))...,
			)
		}

		return
	}
}

// ScheduleFetch queues fetching the current github state of a pull
// request.
func (s *Service) ScheduleFetch(repo string, number int) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	key := prKey{repo: repo, number: number}
	if _, queued := s.fetchKnown[key]; queued {
		return
	}

	s.fetchKnown[key] = struct{}{}
	s.fetchJobs = append(s.fetchJobs, fetchJob{repo: repo, number: number})
}

// ProcessFetchJobs fetches all queued pull requests from github and applies
// their state.
func (s *Service) ProcessFetchJobs(ctx context.Context) {
	s.fetchMu.Lock()
	jobs := s.fetchJobs
	s.fetchJobs = nil
	s.fetchKnown = map[prKey]struct{}{}
	s.fetchMu.Unlock()

	for _, job := range jobs {
		if err := s.fetchPR(ctx, job.repo, job.number); err != nil {
			s.logger.Error("fetching pull request failed",
				logfields.Repository(job.repo),
				logfields.PullRequest(job.number),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) fetchPR(ctx context.Context, repoName string, number int) error {
	owner, repo, err := splitRepoName(repoName)
	if err != nil {
		return err
	}

	var snapshot *githubclt.PRSnapshot

	err = s.retryer.Run(ctx, func(ctx context.Context) error {
		snapshot, err = s.clt.PRSnapshot(ctx, owner, repo, number)
		return err
	}, []zap.Field{
		logfields.Repository(repoName),
		logfields.PullRequest(number),
	})
	if err != nil {
		return err
	}

	// seed the head commit with the snapshot statuses, the sweep picks
	// them up like webhook-delivered status events
	tx := s.store.Begin()
	commit := tx.CommitFor(snapshot.HeadSHA)
	for _, status := range snapshot.Statuses {
		commit.SetStatus(status.Context, ciStateOf(status.State), status.URL)
	}
	tx.Commit()

	return s.UpsertPullRequest(&PREventData{
		Repo:        repoName,
		Number:      number,
		Author:      snapshot.Author,
		Target:      snapshot.BaseRef,
		Label:       snapshot.Label,
		HeadSHA:     snapshot.HeadSHA,
		CommitCount: snapshot.CommitCount,
		Draft:       snapshot.Draft,
		Closed:      snapshot.Closed,
		Merged:      snapshot.Merged,
	})
}

func ciStateOf(state githubclt.StatusState) CIState {
	switch state {
	case githubclt.StatusStateSuccess:
		return CISuccess
	case githubclt.StatusStateFailure:
		return CIFailure
	default:
		return CIPending
	}
}

// DeliverOutbound sends all queued feedback messages.
func (s *Service) DeliverOutbound(ctx context.Context) {
	msgs := s.store.TakeOutbox()
	if len(msgs) == 0 {
		return
	}

	s.deliverer.deliver(ctx, msgs)
}

// WarnBlocked notifies authors of approved pull requests that are stuck:
// pull requests with multiple commits that still need a merge method and
// pull requests held back by a linked PR.
// Each warning is sent once, the dedup flag resets when the condition
// clears.
func (s *Service) WarnBlocked() {
	tx := s.store.Begin()
	defer tx.Commit()

	var warnMethod, warnLink, resetLink []PRID

	tx.EachPR(func(pr *PullRequest) bool {
		if !pr.Active() {
			return true
		}

		linkBlocked := strings.HasPrefix(pr.Blocked, "linked PR")

		switch {
		case pr.Reviewer != "" && pr.Blocked == "has no merge method" && !pr.MethodWarned:
			warnMethod = append(warnMethod, pr.ID)

		case linkBlocked && !pr.LinkWarned:
			warnLink = append(warnLink, pr.ID)

		case pr.LinkWarned && !linkBlocked:
			resetLink = append(resetLink, pr.ID)
		}

		return true
	})

	for _, id := range warnMethod {
		pr, err := tx.PR(id)
		if err != nil {
			continue
		}

		pr.MethodWarned = true
		tx.Feedback(&FeedbackMessage{
			Repo:   pr.Repo,
			Number: pr.Number,
			Message: fmt.Sprintf("@%s because this PR has multiple commits, I need to know how to merge it:\n\n"+
				"* `merge` to merge directly, using the PR as merge commit message\n"+
				"* `rebase-merge` to rebase and merge, using the PR as merge commit message\n"+
				"* `rebase-ff` to rebase and fast-forward\n"+
				"* `squash` to squash the PR into a single commit",
				pr.Author),
		})
	}

	for _, id := range warnLink {
		pr, err := tx.PR(id)
		if err != nil {
			continue
		}

		pr.LinkWarned = true
		tx.Feedback(&FeedbackMessage{
			Repo:   pr.Repo,
			Number: pr.Number,
			Message: fmt.Sprintf("@%s this PR %s. Linked pull requests are only staged together, once all of them are ready.",
				pr.Author, pr.Blocked),
		})
	}

	for _, id := range resetLink {
		if pr, err := tx.PR(id); err == nil {
			pr.LinkWarned = false
		}
	}
}

// Run executes the periodic jobs until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs one iteration of the periodic jobs.
func (s *Service) RunOnce(ctx context.Context) {
	s.ProcessFetchJobs(ctx)
	s.SweepCommits(time.Now())
	s.WarnBlocked()
	s.CheckStagings(ctx)
	s.CreateStagings(ctx)
	s.DeliverOutbound(ctx)
}

// Stop waits for in-flight feedback deliveries and stops the retryer.
func (s *Service) Stop() {
	s.retryer.Stop()
	s.deliverer.stop()
}
