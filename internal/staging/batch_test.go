package staging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameLabelSameTargetSharesBatch(t *testing.T) {
	svc, _ := newTestService(t)

	pr1 := upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")
	pr2 := upsertPR(t, svc, frontendRepo, 1, "example:feature-a", "sha2")

	assert.Equal(t, pr1.Batch, pr2.Batch)
}

func TestDifferentLabelsGetOwnBatches(t *testing.T) {
	svc, _ := newTestService(t)

	pr1 := upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")
	pr2 := upsertPR(t, svc, backendRepo, 2, "example:feature-b", "sha2")

	assert.NotEqual(t, pr1.Batch, pr2.Batch)
}

func TestPatchBranchesAreNeverGrouped(t *testing.T) {
	svc, _ := newTestService(t)

	pr1 := upsertPR(t, svc, backendRepo, 1, "example:patch-1", "sha1")
	pr2 := upsertPR(t, svc, frontendRepo, 1, "example:patch-1", "sha2")

	assert.NotEqual(t, pr1.Batch, pr2.Batch)
}

func TestRelabelMovesPRToNewBatch(t *testing.T) {
	svc, _ := newTestService(t)

	pr1 := upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")
	pr2 := upsertPR(t, svc, frontendRepo, 1, "example:feature-a", "sha2")
	require.Equal(t, pr1.Batch, pr2.Batch)

	err := svc.UpsertPullRequest(&PREventData{
		Repo: backendRepo, Number: 1, Author: "dev",
		Target: mainBranch, Label: "example:feature-b", HeadSHA: "sha1",
		CommitCount: 1,
	})
	require.NoError(t, err)

	moved := getPR(t, svc, backendRepo, 1)
	assert.NotEqual(t, pr2.Batch, moved.Batch)

	tx := svc.Store().Begin()
	defer tx.Commit()

	old, err := tx.Batch(pr2.Batch)
	require.NoError(t, err)
	assert.Equal(t, []PRID{pr2.ID}, old.PRs)
}

func TestEmptiedBatchIsDeleted(t *testing.T) {
	svc, _ := newTestService(t)

	pr := upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")
	oldBatch := pr.Batch

	err := svc.UpsertPullRequest(&PREventData{
		Repo: backendRepo, Number: 1, Author: "dev",
		Target: mainBranch, Label: "example:feature-b", HeadSHA: "sha1",
		CommitCount: 1,
	})
	require.NoError(t, err)

	tx := svc.Store().Begin()
	defer tx.Commit()

	_, err = tx.Batch(oldBatch)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClosedSingletonPRDissolvesItsBatch(t *testing.T) {
	svc, _ := newTestService(t)

	pr := upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")
	oldBatch := pr.Batch

	err := svc.UpsertPullRequest(&PREventData{
		Repo: backendRepo, Number: 1, Author: "dev",
		Target: mainBranch, Label: "example:feature-a", HeadSHA: "sha1",
		CommitCount: 1, Closed: true,
	})
	require.NoError(t, err)

	closed := getPR(t, svc, backendRepo, 1)
	assert.Zero(t, closed.Batch)

	tx := svc.Store().Begin()
	_, err = tx.Batch(oldBatch)
	assert.ErrorIs(t, err, ErrNotFound)
	tx.Commit()

	// reopening joins a batch again
	err = svc.UpsertPullRequest(&PREventData{
		Repo: backendRepo, Number: 1, Author: "dev",
		Target: mainBranch, Label: "example:feature-a", HeadSHA: "sha1",
		CommitCount: 1,
	})
	require.NoError(t, err)

	assert.NotZero(t, getPR(t, svc, backendRepo, 1).Batch)
}

func TestClosedPRLeavesItsSharedBatch(t *testing.T) {
	svc, _ := newTestService(t)

	pr1 := upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")
	pr2 := upsertPR(t, svc, frontendRepo, 2, "example:feature-a", "sha2")
	require.Equal(t, pr1.Batch, pr2.Batch)

	err := svc.UpsertPullRequest(&PREventData{
		Repo: backendRepo, Number: 1, Author: "dev",
		Target: mainBranch, Label: "example:feature-a", HeadSHA: "sha1",
		CommitCount: 1, Closed: true,
	})
	require.NoError(t, err)

	assert.Zero(t, getPR(t, svc, backendRepo, 1).Batch)

	tx := svc.Store().Begin()
	defer tx.Commit()

	batch, err := tx.Batch(pr2.Batch)
	require.NoError(t, err)
	assert.Equal(t, []PRID{pr2.ID}, batch.PRs)
}

func TestBatchNotReadyWhileLinkedPRIsNot(t *testing.T) {
	svc, _ := newTestService(t)

	upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")
	upsertPR(t, svc, frontendRepo, 2, "example:feature-a", "sha2")

	setStatus(svc, "sha1", ciContext, CISuccess)
	approve(t, svc, backendRepo, 1, "alice")

	pr := getPR(t, svc, backendRepo, 1)
	assert.Equal(t, StateReady, pr.State)
	assert.Equal(t, "linked PR example/frontend#2 is not ready", pr.Blocked)

	tx := svc.Store().Begin()
	defer tx.Commit()
	assert.Empty(t, tx.StageableBatches(mainBranch))
}

func TestDraftPRBlocksItsBatch(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.UpsertPullRequest(&PREventData{
		Repo: backendRepo, Number: 1, Author: "dev",
		Target: mainBranch, Label: "example:feature-a", HeadSHA: "sha1",
		CommitCount: 1, Draft: true,
	})
	require.NoError(t, err)

	setStatus(svc, "sha1", ciContext, CISuccess)
	approve(t, svc, backendRepo, 1, "alice")

	assert.Equal(t, "is in draft", getPR(t, svc, backendRepo, 1).Blocked)

	tx := svc.Store().Begin()
	defer tx.Commit()
	assert.Empty(t, tx.StageableBatches(mainBranch))
}

func TestMultiCommitPRNeedsMergeMethod(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.UpsertPullRequest(&PREventData{
		Repo: backendRepo, Number: 1, Author: "dev",
		Target: mainBranch, Label: "example:feature-a", HeadSHA: "sha1",
		CommitCount: 3,
	})
	require.NoError(t, err)

	setStatus(svc, "sha1", ciContext, CISuccess)
	approve(t, svc, backendRepo, 1, "alice")

	assert.Equal(t, "has no merge method", getPR(t, svc, backendRepo, 1).Blocked)

	err = svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "alice", Body: "@stagehand rebase-ff",
	})
	require.NoError(t, err)

	pr := getPR(t, svc, backendRepo, 1)
	assert.Equal(t, MethodRebaseFF, pr.MergeMethod)
	assert.Empty(t, pr.Blocked)
}

func TestStageableBatchesOrderedByPriority(t *testing.T) {
	svc, _ := newTestService(t)

	pr1 := upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")
	pr2 := upsertPR(t, svc, backendRepo, 2, "example:feature-b", "sha2")

	setStatus(svc, "sha1", ciContext, CISuccess)
	setStatus(svc, "sha2", ciContext, CISuccess)
	approve(t, svc, backendRepo, 1, "alice")
	approve(t, svc, backendRepo, 2, "alice")

	err := svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 2, Author: "ops-admin", Body: "@stagehand priority",
	})
	require.NoError(t, err)

	tx := svc.Store().Begin()
	defer tx.Commit()

	batches := tx.StageableBatches(mainBranch)
	require.Len(t, batches, 2)
	assert.Equal(t, pr2.Batch, batches[0].ID)
	assert.Equal(t, pr1.Batch, batches[1].ID)
}
