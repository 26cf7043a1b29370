package staging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommands(t *testing.T) {
	testcases := []struct {
		name     string
		body     string
		commands []string
		errs     int
	}{
		{
			name:     "approve",
			body:     "@stagehand r+",
			commands: []string{"approve"},
		},
		{
			name:     "multiple directives on one line",
			body:     "@stagehand r+ rebase-ff",
			commands: []string{"approve", "method=rebase-ff"},
		},
		{
			name:     "directives on multiple lines",
			body:     "looks good\n@stagehand r+\n@stagehand priority",
			commands: []string{"approve", "priority=priority"},
		},
		{
			name: "tokens before the mention are ignored",
			body: "r+ is what I would say",
		},
		{
			name:     "forward port policy",
			body:     "@stagehand fw=no",
			commands: []string{"fw=no"},
		},
		{
			name:     "override with contexts",
			body:     "@stagehand override=ci/legal,ci/tests",
			commands: []string{"override=ci/legal,ci/tests"},
		},
		{
			name:     "delegate to users",
			body:     "@stagehand delegate=@carol,dave",
			commands: []string{"delegate=@carol,dave"},
		},
		{
			name: "unknown token",
			body: "@stagehand frobnicate",
			errs: 1,
		},
		{
			name:     "unknown token poisons only parsing",
			body:     "@stagehand r+ frobnicate",
			commands: []string{"approve"},
			errs:     1,
		},
		{
			name: "unknown forward port policy",
			body: "@stagehand fw=sideways",
			errs: 1,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			parsed, errs := parseCommands("stagehand", tc.body)

			var got []string
			for _, cmd := range parsed {
				got = append(got, cmd.String())
			}

			assert.Equal(t, tc.commands, got)
			assert.Len(t, errs, tc.errs)
		})
	}
}

func TestCommandsAreAllOrNothing(t *testing.T) {
	svc, _ := newTestService(t)

	upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")

	err := svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "alice",
		Body: "@stagehand r+ frobnicate",
	})
	require.NoError(t, err)

	assert.Empty(t, getPR(t, svc, backendRepo, 1).Reviewer,
		"the valid approval must not be applied when another directive is rejected")

	msgs := svc.Store().TakeOutbox()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "@alice")
	assert.Contains(t, msgs[0].Message, `unknown command "frobnicate"`)
	assert.Contains(t, msgs[0].Message, ignoredFooter)
}

func TestRejectionWithoutValidDirectivesOmitsFooter(t *testing.T) {
	svc, _ := newTestService(t)

	upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")

	err := svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "alice",
		Body: "@stagehand frobnicate",
	})
	require.NoError(t, err)

	msgs := svc.Store().TakeOutbox()
	require.Len(t, msgs, 1)
	assert.NotContains(t, msgs[0].Message, ignoredFooter)
}

func TestApproveByNonReviewerIsRejected(t *testing.T) {
	svc, _ := newTestService(t)

	upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")

	err := svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "random-user",
		Body: "@stagehand r+",
	})
	require.NoError(t, err)

	assert.Empty(t, getPR(t, svc, backendRepo, 1).Reviewer)

	msgs := svc.Store().TakeOutbox()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "you can't review+")
}

func TestApproveRequiresKnownEmail(t *testing.T) {
	svc, _ := newTestService(t)

	upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")

	err := svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "mallory",
		Body: "@stagehand r+",
	})
	require.NoError(t, err)

	assert.Empty(t, getPR(t, svc, backendRepo, 1).Reviewer)

	msgs := svc.Store().TakeOutbox()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message,
		"I must know your email before you can review PRs. Please contact an administrator.")
}

func TestSelfReviewNeedsTheRight(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.UpsertPullRequest(&PREventData{
		Repo: backendRepo, Number: 1, Author: "bob",
		Target: mainBranch, Label: "example:feature-a", HeadSHA: "sha1",
		CommitCount: 1,
	})
	require.NoError(t, err)

	err = svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "bob", Body: "@stagehand r+",
	})
	require.NoError(t, err)

	assert.Empty(t, getPR(t, svc, backendRepo, 1).Reviewer)

	msgs := svc.Store().TakeOutbox()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "you can't review+ your own PR")
}

func TestSelfReviewWithTheRight(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.UpsertPullRequest(&PREventData{
		Repo: backendRepo, Number: 1, Author: "alice",
		Target: mainBranch, Label: "example:feature-a", HeadSHA: "sha1",
		CommitCount: 1,
	})
	require.NoError(t, err)

	approve(t, svc, backendRepo, 1, "alice")

	assert.Equal(t, "alice", getPR(t, svc, backendRepo, 1).Reviewer)
}

func TestDelegateMayApprove(t *testing.T) {
	svc, _ := newTestService(t)

	upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")

	err := svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "alice",
		Body: "@stagehand delegate=@carol",
	})
	require.NoError(t, err)

	approve(t, svc, backendRepo, 1, "carol")

	assert.Equal(t, "carol", getPR(t, svc, backendRepo, 1).Reviewer)
}

func TestRepeatedApprovalOnReadyPRIsRejected(t *testing.T) {
	svc, _ := newTestService(t)

	upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")
	setStatus(svc, "sha1", ciContext, CISuccess)
	approve(t, svc, backendRepo, 1, "alice")
	svc.Store().TakeOutbox()

	err := svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "bob", Body: "@stagehand r+",
	})
	require.NoError(t, err)

	assert.Equal(t, "alice", getPR(t, svc, backendRepo, 1).Reviewer)

	msgs := svc.Store().TakeOutbox()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message,
		"this PR is already reviewed, reviewing it again is useless.")
}

func TestApprovalPropagatesToForwardPortAncestors(t *testing.T) {
	svc, _ := newTestService(t)

	parent := upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")
	child := upsertPR(t, svc, backendRepo, 2, "example:feature-a-fp", "sha2")

	tx := svc.Store().Begin()
	childW, err := tx.PR(child.ID)
	require.NoError(t, err)
	childW.Parent = parent.ID
	tx.Commit()

	approve(t, svc, backendRepo, 2, "alice")

	assert.Equal(t, "alice", getPR(t, svc, backendRepo, 2).Reviewer)
	assert.Equal(t, "alice", getPR(t, svc, backendRepo, 1).Reviewer,
		"approving the forward-port must approve the open ancestor too")
}

func TestUnapproveClearsReviewAndError(t *testing.T) {
	svc, _ := newTestService(t)

	pr := upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")
	setStatus(svc, "sha1", ciContext, CISuccess)
	approve(t, svc, backendRepo, 1, "alice")

	tx := svc.Store().Begin()
	writable, err := tx.PR(pr.ID)
	require.NoError(t, err)
	writable.Error = true
	tx.MarkDirty(writable.ID)
	tx.Commit()

	err = svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "alice", Body: "@stagehand r-",
	})
	require.NoError(t, err)

	got := getPR(t, svc, backendRepo, 1)
	assert.False(t, got.Error, "r- must clear the error state")
	assert.Empty(t, got.Reviewer)
	assert.Equal(t, StateValidated, got.State)
}

func TestUnapproveWithNothingToClearIsRejected(t *testing.T) {
	svc, _ := newTestService(t)

	upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")

	err := svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "alice", Body: "@stagehand r-",
	})
	require.NoError(t, err)

	msgs := takeComments(svc)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "r- makes no sense in the current PR state")
}

func TestUnapproveRevokesSkipChecks(t *testing.T) {
	svc, _ := newTestService(t)

	pr := upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")

	err := svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "ops-admin", Body: "@stagehand skipchecks",
	})
	require.NoError(t, err)
	require.Equal(t, StateReady, getPR(t, svc, backendRepo, 1).State)

	err = svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "ops-admin", Body: "@stagehand r-",
	})
	require.NoError(t, err)

	got := getPR(t, svc, backendRepo, 1)
	assert.Equal(t, StateOpened, got.State)
	assert.Empty(t, got.Reviewer)

	tx := svc.Store().Begin()
	defer tx.Commit()

	batch, err := tx.Batch(pr.Batch)
	require.NoError(t, err)
	assert.False(t, batch.SkipChecks)
}

func TestSourceDelegateMayApproveForwardPort(t *testing.T) {
	svc, _ := newTestService(t)

	source := upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")

	err := svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "alice",
		Body: "@stagehand delegate=@carol",
	})
	require.NoError(t, err)

	err = svc.UpsertPullRequest(&PREventData{
		Repo: backendRepo, Number: 2, Author: "stagehand",
		Target: mainBranch, Label: "example:feature-a-fp", HeadSHA: "sha2",
		CommitCount: 1,
	})
	require.NoError(t, err)

	port := getPR(t, svc, backendRepo, 2)

	tx := svc.Store().Begin()
	portW, err := tx.PR(port.ID)
	require.NoError(t, err)
	portW.Source = source.ID
	tx.Commit()

	approve(t, svc, backendRepo, 2, "carol")

	assert.Equal(t, "carol", getPR(t, svc, backendRepo, 2).Reviewer,
		"a delegate of the original PR must be able to approve its ports")
}

func TestSourceAuthorMayApprovePortOnceAncestorsMerged(t *testing.T) {
	svc, _ := newTestService(t)

	source := upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")

	err := svc.UpsertPullRequest(&PREventData{
		Repo: backendRepo, Number: 2, Author: "stagehand",
		Target: mainBranch, Label: "example:feature-a-fp", HeadSHA: "sha2",
		CommitCount: 1,
	})
	require.NoError(t, err)

	port := getPR(t, svc, backendRepo, 2)

	tx := svc.Store().Begin()
	portW, err := tx.PR(port.ID)
	require.NoError(t, err)
	portW.Parent = source.ID
	portW.Source = source.ID
	tx.Commit()

	approve(t, svc, backendRepo, 2, "dev")
	assert.Empty(t, getPR(t, svc, backendRepo, 2).Reviewer,
		"the author may not approve the port while its ancestor is open")

	tx = svc.Store().Begin()
	sourceW, err := tx.PR(source.ID)
	require.NoError(t, err)
	sourceW.Merged = true
	tx.MarkDirty(sourceW.ID)
	tx.Commit()

	approve(t, svc, backendRepo, 2, "dev")
	assert.Equal(t, "dev", getPR(t, svc, backendRepo, 2).Reviewer)
}

func TestOverrideRequiresTheContextRight(t *testing.T) {
	svc, _ := newTestService(t)

	upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")

	err := svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "bob",
		Body: "@stagehand override=" + legalContext,
	})
	require.NoError(t, err)

	assert.Empty(t, getPR(t, svc, backendRepo, 1).Overrides)

	msgs := svc.Store().TakeOutbox()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, `you are not allowed to override "ci/legal"`)

	err = svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "alice",
		Body: "@stagehand override=" + legalContext,
	})
	require.NoError(t, err)

	assert.Equal(t, CISuccess, getPR(t, svc, backendRepo, 1).Overrides[legalContext])
}

func TestRetryOutsideErrorStateIsRejected(t *testing.T) {
	svc, _ := newTestService(t)

	upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")

	err := svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "alice", Body: "@stagehand retry",
	})
	require.NoError(t, err)

	msgs := svc.Store().TakeOutbox()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "retry makes no sense when the PR is not in error")
}

func TestCommentWithoutDirectivesIsIgnored(t *testing.T) {
	svc, _ := newTestService(t)

	upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")

	err := svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "alice",
		Body: "thanks, looks good to me!",
	})
	require.NoError(t, err)

	assert.Empty(t, svc.Store().TakeOutbox())
}

func TestBotOwnCommentsAreIgnored(t *testing.T) {
	svc, _ := newTestService(t)

	upsertPR(t, svc, backendRepo, 1, "example:feature-a", "sha1")

	err := svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 1, Author: "stagehand",
		Body: "@stagehand r+",
	})
	require.NoError(t, err)

	assert.Empty(t, getPR(t, svc, backendRepo, 1).Reviewer)
}

func TestCommentOnUnknownPRSchedulesFetch(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.ApplyComment(&CommentEvent{
		Repo: backendRepo, Number: 99, Author: "alice", Body: "@stagehand r+",
	})
	require.NoError(t, err)

	svc.fetchMu.Lock()
	defer svc.fetchMu.Unlock()

	require.Len(t, svc.fetchJobs, 1)
	assert.Equal(t, fetchJob{repo: backendRepo, number: 99}, svc.fetchJobs[0])
}
