// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/go-github/v43/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/stagehand-ci/stagehand/internal/logfields"
	"github.com/stagehand-ci/stagehand/internal/stagerr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

var ErrPullRequestIsClosed = errors.New("pull request is closed")

// FastForwardError is returned when a branch could not be fast-forwarded to
// the wanted commit, because the update is not a fast-forward.
type FastForwardError struct {
	Branch string
	SHA    string
	err    error
}

func (e *FastForwardError) Error() string {
	return fmt.Sprintf("branch %q can not be fast-forwarded to %s: %s", e.Branch, e.SHA, e.err)
}

func (e *FastForwardError) Unwrap() error { return e.err }

// MergeConflictError is returned when two heads can not be merged
// automatically.
type MergeConflictError struct {
	Base string
	Head string
	err  error
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merging %s into %s failed with a conflict: %s", e.Head, e.Base, e.err)
}

func (e *MergeConflictError) Unwrap() error { return e.err }

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is an github API client.
// All methods return a stagerr.RetryableError when an operation can be retried.
// This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// Head returns the commit SHA that the branch currently points to.
func (clt *Client) Head(ctx context.Context, owner, repo, branch string) (string, error) {
	ref, _, err := clt.restClt.Git.GetRef(ctx, owner, repo, "heads/"+branch)
	if err != nil {
		return "", clt.wrapRetryableErrors(err)
	}

	obj := ref.GetObject()
	if obj == nil || obj.GetSHA() == "" {
		return "", errors.New("github returned a ref without an object SHA")
	}

	return obj.GetSHA(), nil
}

// SetRef sets the branch to the given commit, creating the branch when it
// does not exist yet.
// The update is forced, it does not have to be a fast-forward.
func (clt *Client) SetRef(ctx context.Context, owner, repo, branch, sha string) error {
	refName := "refs/heads/" + branch
	ref := &github.Reference{
		Ref:    &refName,
		Object: &github.GitObject{SHA: &sha},
	}

	_, _, err := clt.restClt.Git.UpdateRef(ctx, owner, repo, ref, true)
	if err == nil {
		clt.logger.Debug("branch was set",
			logfields.Repository(owner+"/"+repo),
			logfields.Branch(branch),
			logfields.Commit(sha),
			logfields.Event("github_ref_updated"),
		)

		return nil
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusUnprocessableEntity {
		if _, _, createErr := clt.restClt.Git.CreateRef(ctx, owner, repo, ref); createErr == nil {
			clt.logger.Debug("branch was created",
				logfields.Repository(owner+"/"+repo),
				logfields.Branch(branch),
				logfields.Commit(sha),
				logfields.Event("github_ref_created"),
			)

			return nil
		}
	}

	return clt.wrapRetryableErrors(err)
}

// FastForward updates the branch to the given commit without forcing.
// When github rejects the update because it is not a fast-forward, a
// *FastForwardError is returned.
func (clt *Client) FastForward(ctx context.Context, owner, repo, branch, sha string) error {
	refName := "refs/heads/" + branch

	_, _, err := clt.restClt.Git.UpdateRef(ctx, owner, repo, &github.Reference{
		Ref:    &refName,
		Object: &github.GitObject{SHA: &sha},
	}, false)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusUnprocessableEntity {
			return &FastForwardError{Branch: branch, SHA: sha, err: err}
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

// MergeBranch merges head into the base branch via the github merge API and
// returns the SHA of the created merge commit.
// When github rejects the merge because of a conflict, a *MergeConflictError
// is returned.
// When base already contains head, an empty SHA is returned.
func (clt *Client) MergeBranch(ctx context.Context, owner, repo, base, head, commitMessage string) (string, error) {
	commit, resp, err := clt.restClt.Repositories.Merge(ctx, owner, repo, &github.RepositoryMergeRequest{
		Base:          &base,
		Head:          &head,
		CommitMessage: &commitMessage,
	})
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusConflict {
			return "", &MergeConflictError{Base: base, Head: head, err: err}
		}

		return "", clt.wrapRetryableErrors(err)
	}

	if resp.StatusCode == http.StatusNoContent || commit == nil {
		return "", nil
	}

	return commit.GetSHA(), nil
}

// CreateIssueComment creates a comment in a issue or pull request
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

// ClosePullRequest closes an open pull request.
func (clt *Client) ClosePullRequest(ctx context.Context, owner, repo string, prNumber int) error {
	closed := "closed"

	_, _, err := clt.restClt.PullRequests.Edit(ctx, owner, repo, prNumber, &github.PullRequest{State: &closed})
	return clt.wrapRetryableErrors(err)
}

// ChangeLabels removes and adds labels on a pull request or issue.
// Removing a label that the issue does not have succeeds.
func (clt *Client) ChangeLabels(ctx context.Context, owner, repo string, issueOrPRNr int, remove, add []string) error {
	for _, label := range remove {
		_, err := clt.restClt.Issues.RemoveLabelForIssue(ctx, owner, repo, issueOrPRNr, label)
		if err != nil {
			var respErr *github.ErrorResponse
			if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusNotFound {
				clt.logger.Debug("removing label returned a not found response, interpreting it as success",
					logfields.Repository(owner+"/"+repo),
					logfields.PullRequest(issueOrPRNr),
					logfields.Label(label),
					logfields.Event("github_remove_label_returned_not_found"),
					zap.Error(err),
				)

				continue
			}

			return clt.wrapRetryableErrors(err)
		}
	}

	if len(add) == 0 {
		return nil
	}

	_, _, err := clt.restClt.Issues.AddLabelsToIssue(ctx, owner, repo, issueOrPRNr, add)
	return clt.wrapRetryableErrors(err)
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return stagerr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return stagerr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return stagerr.NewRetryableAnytimeError(err)
	}

	return err
}
