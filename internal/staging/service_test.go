package staging

import (
	"context"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-ci/stagehand/internal/githubclt"
)

func TestUpsertIgnoresUnmanagedRepositories(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.UpsertPullRequest(&PREventData{
		Repo: "example/unmanaged", Number: 1, Author: "dev",
		Target: mainBranch, Label: "example:feature-a", HeadSHA: "sha1",
		CommitCount: 1,
	})
	require.NoError(t, err)

	tx := svc.Store().Begin()
	defer tx.Commit()

	_, err = tx.PRByNumber("example/unmanaged", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPushCancelsStagingContainingThePR(t *testing.T) {
	svc, _ := newTestService(t)

	pr := upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")

	tx := svc.Store().Begin()
	stagingID := tx.CreateStaging(&Staging{
		Target:        mainBranch,
		Batches:       []BatchID{pr.Batch},
		Heads:         map[string]string{backendRepo: "staged-b"},
		State:         StagingPending,
		Active:        true,
		Timeout:       time.Now().Add(time.Hour),
		StatusesCache: map[string]*ContextResult{},
	}).ID
	tx.Commit()

	upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha2")

	staging := getStaging(t, svc, stagingID)
	assert.Equal(t, StagingCancelled, staging.State)
	assert.Contains(t, staging.Reason, "example/backend#1 updated")
}

func TestPushLeavesForeignStagingsAlone(t *testing.T) {
	svc, _ := newTestService(t)

	pr1 := upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")
	upsertPR(t, svc, backendRepo, 2, "example:feature-b", "sha2")

	tx := svc.Store().Begin()
	stagingID := tx.CreateStaging(&Staging{
		Target:        mainBranch,
		Batches:       []BatchID{pr1.Batch},
		Heads:         map[string]string{backendRepo: "staged-b"},
		State:         StagingPending,
		Active:        true,
		Timeout:       time.Now().Add(time.Hour),
		StatusesCache: map[string]*ContextResult{},
	}).ID
	tx.Commit()

	upsertPR(t, svc, backendRepo, 2, "example:feature-b", "sha2b")

	assert.Equal(t, StagingPending, getStaging(t, svc, stagingID).State)
}

func TestCloseIsSkippedWhileThePRRowIsLocked(t *testing.T) {
	svc, _ := newTestService(t)

	pr := upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")

	// the row lock is held while forge operations run on the PR, a close
	// event arriving in between must not mutate it
	pr.LockRow()
	defer pr.UnlockRow()

	err := svc.UpsertPullRequest(&PREventData{
		Repo: backendRepo, Number: 1, Author: "dev",
		Target: mainBranch, Label: "example:feature-a", HeadSHA: "sha1",
		CommitCount: 1, Closed: true,
	})
	require.NoError(t, err)

	got := getPR(t, svc, backendRepo, 1)
	assert.False(t, got.Closed)
	assert.NotZero(t, got.Batch, "the skipped close must not detach the PR from its batch")
}

func TestScheduleFetchDedupes(t *testing.T) {
	svc, _ := newTestService(t)

	svc.ScheduleFetch(backendRepo, 5)
	svc.ScheduleFetch(backendRepo, 5)
	svc.ScheduleFetch(backendRepo, 6)

	svc.fetchMu.Lock()
	defer svc.fetchMu.Unlock()
	assert.Len(t, svc.fetchJobs, 2)
}

func TestProcessFetchJobsAppliesForgeState(t *testing.T) {
	svc, clt := newTestService(t)

	clt.EXPECT().PRSnapshot(gomock.Any(), "example", "backend", 5).Return(&githubclt.PRSnapshot{
		Author:      "dev",
		BaseRef:     mainBranch,
		Label:       "example:feature-a",
		HeadSHA:     "sha5",
		CommitCount: 1,
		Statuses: []*githubclt.ContextStatus{
			{Context: ciContext, State: githubclt.StatusStateSuccess},
		},
	}, nil)

	svc.ScheduleFetch(backendRepo, 5)
	svc.ProcessFetchJobs(context.Background())

	pr := getPR(t, svc, backendRepo, 5)
	assert.Equal(t, "sha5", pr.HeadSHA)
	assert.Equal(t, "example:feature-a", pr.Label)

	// the snapshot statuses are seeded on the head commit, the next sweep
	// picks them up
	svc.SweepCommits(time.Now())
	assert.Equal(t, CISuccess, getPR(t, svc, backendRepo, 5).Status)

	// the queue is drained, running again must not refetch
	svc.ProcessFetchJobs(context.Background())
}

func TestWarnMissingMergeMethodOnce(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.UpsertPullRequest(&PREventData{
		Repo: backendRepo, Number: 1, Author: "dev",
		Target: mainBranch, Label: "example:feature-a", HeadSHA: "sha1",
		CommitCount: 2,
	})
	require.NoError(t, err)

	approve(t, svc, backendRepo, 1, "alice")
	require.Equal(t, "has no merge method", getPR(t, svc, backendRepo, 1).Blocked)

	svc.WarnBlocked()

	msgs := takeComments(svc)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "@dev")
	assert.Contains(t, msgs[0].Message, "I need to know how to merge it")

	svc.WarnBlocked()
	assert.Empty(t, svc.Store().TakeOutbox())
}

func TestWarnLinkedPRNotReadyOnceAndReset(t *testing.T) {
	svc, _ := newTestService(t)

	upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")
	upsertPR(t, svc, frontendRepo, 2, "example:feature-a", "sha2")

	setStatus(svc, "sha1", ciContext, CISuccess)
	approve(t, svc, backendRepo, 1, "alice")
	require.Contains(t, getPR(t, svc, backendRepo, 1).Blocked, "linked PR")

	svc.WarnBlocked()

	msgs := takeComments(svc)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "linked PR example/frontend#2 is not ready")
	assert.Contains(t, msgs[0].Message, "only staged together")

	svc.WarnBlocked()
	assert.Empty(t, svc.Store().TakeOutbox())

	// once the linked PR is ready the warning may trigger again later
	setStatus(svc, "sha2", ciContext, CISuccess)
	approve(t, svc, frontendRepo, 2, "alice")

	svc.WarnBlocked()
	assert.False(t, getPR(t, svc, backendRepo, 1).LinkWarned)
}

func TestDeliverOutbound(t *testing.T) {
	svc, clt := newTestService(t)

	tx := svc.Store().Begin()
	tx.Feedback(&FeedbackMessage{
		Repo:    backendRepo,
		Number:  1,
		Message: "Merged at staged-b, thanks!",
		Close:   true,
	})
	tx.Feedback(&FeedbackMessage{
		Repo:         backendRepo,
		Number:       2,
		AddLabels:    []string{"forwardport"},
		RemoveLabels: []string{"conflict"},
	})
	tx.Commit()

	clt.EXPECT().CreateIssueComment(gomock.Any(), "example", "backend", 1, "Merged at staged-b, thanks!").Return(nil)
	clt.EXPECT().ClosePullRequest(gomock.Any(), "example", "backend", 1).Return(nil)
	clt.EXPECT().ChangeLabels(gomock.Any(), "example", "backend", 2, []string{"conflict"}, []string{"forwardport"}).Return(nil)

	svc.DeliverOutbound(context.Background())
}
