package staging

import (
	"context"
	"fmt"
	"strings"

	"github.com/stagehand-ci/stagehand/internal/githubclt"
)

// ForgeClient is the github surface the orchestrator depends on.
// githubclt.Client implements it.
type ForgeClient interface {
	Head(ctx context.Context, owner, repo, branch string) (string, error)
	SetRef(ctx context.Context, owner, repo, branch, sha string) error
	FastForward(ctx context.Context, owner, repo, branch, sha string) error
	MergeBranch(ctx context.Context, owner, repo, base, head, commitMessage string) (string, error)
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error
	ClosePullRequest(ctx context.Context, owner, repo string, prNumber int) error
	ChangeLabels(ctx context.Context, owner, repo string, issueOrPRNr int, remove, add []string) error
	PRSnapshot(ctx context.Context, owner, repo string, prNumber int) (*githubclt.PRSnapshot, error)
}

var _ ForgeClient = &githubclt.Client{}

// splitRepoName splits an "owner/name" repository identifier.
func splitRepoName(fullName string) (owner, name string, err error) {
	owner, name, found := strings.Cut(fullName, "/")
	if !found || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repository name: %q", fullName)
	}

	return owner, name, nil
}
