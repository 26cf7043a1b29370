package githubclt

import (
	"context"
	"fmt"

	"github.com/shurcooL/githubv4"
)

// StatusState is the state of a single commit status context or check run.
type StatusState string

const (
	StatusStateSuccess StatusState = "success"
	StatusStatePending StatusState = "pending"
	StatusStateFailure StatusState = "failure"
)

// ContextStatus is the state of one CI context on a commit.
// It represents GitHub CheckRuns and Commit statuses.
type ContextStatus struct {
	Context string
	State   StatusState
	URL     string
}

// PRSnapshot is the current github-side state of a pull request.
// Label is the "owner:branch" head reference.
type PRSnapshot struct {
	Author      string
	BaseRef     string
	Label       string
	HeadSHA     string
	Draft       bool
	Closed      bool
	Merged      bool
	CommitCount int
	Statuses    []*ContextStatus
}

// StatusesByContext returns the snapshot statuses keyed by context name.
func (s *PRSnapshot) StatusesByContext() map[string]*ContextStatus {
	result := make(map[string]*ContextStatus, len(s.Statuses))
	for _, status := range s.Statuses {
		result[status.Context] = status
	}

	return result
}

type querySnapshotCheckRun struct {
	Name       string
	Conclusion githubv4.CheckConclusionState
	Status     githubv4.CheckStatusState
	DetailsURL string
}

type querySnapshotStatusContext struct {
	State     githubv4.StatusState
	Context   string
	TargetURL string
}

// PRSnapshot fetches the head commit, draft flag, commit count and CI
// statuses of a pull request in a single GraphQL query.
func (clt *Client) PRSnapshot(ctx context.Context, owner, repo string, prNumber int) (*PRSnapshot, error) {
	type graphQLQuerySnapshot struct {
		Repository struct {
			PullRequest struct {
				IsDraft bool
				Closed  bool
				Merged  bool

				BaseRefName string
				HeadRefName string

				Author struct {
					Login string
				}

				HeadRepositoryOwner struct {
					Login string
				}

				Commits struct {
					TotalCount int
					Nodes      []struct {
						Commit struct {
							Oid               string
							StatusCheckRollup struct {
								Contexts struct {
									PageInfo struct {
										EndCursor   string
										HasNextPage bool
									}
									Edges []struct {
										Node struct {
											CheckRun      querySnapshotCheckRun      `graphql:"... on CheckRun"`
											StatusContext querySnapshotStatusContext `graphql:"... on StatusContext"`
										}
									}
								} `graphql:"contexts(first: $contextsFirst, after: $contextsAfter)"`
							}
						}
					}
				} `graphql:"commits(last: $commitsLast)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	var result PRSnapshot

	vars := map[string]any{
		"owner":         githubv4.String(owner),
		"name":          githubv4.String(repo),
		"number":        githubv4.Int(prNumber),
		"commitsLast":   githubv4.Int(1),
		"contextsFirst": githubv4.Int(100),
		"contextsAfter": (*githubv4.String)(nil),
	}

	for {
		var q graphQLQuerySnapshot

		err := clt.graphQLClt.Query(ctx, &q, vars)
		if err != nil {
			return nil, clt.wrapGraphQLRetryableErrors(err)
		}

		pr := q.Repository.PullRequest
		if len(pr.Commits.Nodes) == 0 {
			return nil, fmt.Errorf("pull request %s/%s#%d has no commits", owner, repo, prNumber)
		}

		commitsNode := pr.Commits.Nodes[0].Commit

		if result.HeadSHA == "" {
			result.HeadSHA = commitsNode.Oid
		} else if result.HeadSHA != commitsNode.Oid {
			// head changed between pages, restart
			vars["contextsAfter"] = (*githubv4.String)(nil)
			result = PRSnapshot{}

			continue
		}

		for _, edge := range commitsNode.StatusCheckRollup.Contexts.Edges {
			node := edge.Node
			if node.CheckRun.Name != "" {
				state, err := checkRunToStatusState(node.CheckRun.Status, node.CheckRun.Conclusion)
				if err != nil {
					return nil, fmt.Errorf("converting checkRun %q state failed: %w", node.CheckRun.Name, err)
				}

				result.Statuses = append(result.Statuses, &ContextStatus{
					Context: node.CheckRun.Name,
					State:   state,
					URL:     node.CheckRun.DetailsURL,
				})

				continue
			}

			state, err := statusContextToStatusState(node.StatusContext.State)
			if err != nil {
				return nil, fmt.Errorf("converting %q status context state failed: %w", node.StatusContext.Context, err)
			}

			result.Statuses = append(result.Statuses, &ContextStatus{
				Context: node.StatusContext.Context,
				State:   state,
				URL:     node.StatusContext.TargetURL,
			})
		}

		pageInfo := commitsNode.StatusCheckRollup.Contexts.PageInfo
		if !pageInfo.HasNextPage {
			result.Author = pr.Author.Login
			result.BaseRef = pr.BaseRefName
			result.Label = pr.HeadRepositoryOwner.Login + ":" + pr.HeadRefName
			result.Draft = pr.IsDraft
			result.Closed = pr.Closed
			result.Merged = pr.Merged
			result.CommitCount = pr.Commits.TotalCount

			return &result, nil
		}

		if pageInfo.EndCursor == "" {
			return nil, fmt.Errorf("retrieving all contexts failed, HasNextPage is set but EndCursor is empty")
		}

		vars["contextsAfter"] = githubv4.String(pageInfo.EndCursor)
	}
}

func checkRunToStatusState(status githubv4.CheckStatusState, conclusion githubv4.CheckConclusionState) (StatusState, error) {
	switch status {
	case githubv4.CheckStatusStateInProgress,
		githubv4.CheckStatusStatePending,
		githubv4.CheckStatusStateQueued,
		githubv4.CheckStatusStateRequested,
		githubv4.CheckStatusStateWaiting:
		return StatusStatePending, nil

	case githubv4.CheckStatusStateCompleted:
		return checkConclusionToStatusState(conclusion)

	default:
		return "", fmt.Errorf("unsupported status value: %q", status)
	}
}

func checkConclusionToStatusState(conclusion githubv4.CheckConclusionState) (StatusState, error) {
	switch conclusion {
	case githubv4.CheckConclusionStateCancelled,
		githubv4.CheckConclusionStateFailure,
		githubv4.CheckConclusionStateStale,
		githubv4.CheckConclusionStateStartupFailure,
		githubv4.CheckConclusionStateTimedOut:
		return StatusStateFailure, nil

	case githubv4.CheckConclusionStateActionRequired:
		return StatusStatePending, nil

	case githubv4.CheckConclusionStateNeutral,
		githubv4.CheckConclusionStateSkipped,
		githubv4.CheckConclusionStateSuccess:
		return StatusStateSuccess, nil

	default:
		return "", fmt.Errorf("unsupported conclusion value: %q", conclusion)
	}
}

func statusContextToStatusState(state githubv4.StatusState) (StatusState, error) {
	switch state {
	case githubv4.StatusStateError,
		githubv4.StatusStateFailure:
		return StatusStateFailure, nil

	case githubv4.StatusStateExpected,
		githubv4.StatusStatePending:
		return StatusStatePending, nil

	case githubv4.StatusStateSuccess:
		return StatusStateSuccess, nil

	default:
		return "", fmt.Errorf("unsupported status state value: %q", state)
	}
}
