package staging

// CIState is the aggregated or per-context result of CI on a commit.
type CIState string

const (
	CIPending CIState = "pending"
	CISuccess CIState = "success"
	CIFailure CIState = "failure"
	CIError   CIState = "error"
)

// Failed returns true for the failure and error states.
func (s CIState) Failed() bool {
	return s == CIFailure || s == CIError
}

// ContextResult is the last reported result of one CI context.
type ContextResult struct {
	State     CIState
	TargetURL string
}

// Commit records the CI results reported for one commit SHA.
// ToCheck marks commits whose results changed and whose pull requests still
// have to be re-evaluated by the sweeper.
type Commit struct {
	SHA      string
	Statuses map[string]*ContextResult
	ToCheck  bool
}

func newCommit(sha string) *Commit {
	return &Commit{
		SHA:      sha,
		Statuses: map[string]*ContextResult{},
	}
}

// SetStatus records a CI result and marks the commit for sweeping.
func (c *Commit) SetStatus(context string, state CIState, targetURL string) {
	c.Statuses[context] = &ContextResult{State: state, TargetURL: targetURL}
	c.ToCheck = true
}

func (c *Commit) clone() *Commit {
	statuses := make(map[string]*ContextResult, len(c.Statuses))
	for context, result := range c.Statuses {
		cp := *result
		statuses[context] = &cp
	}

	return &Commit{
		SHA:      c.SHA,
		Statuses: statuses,
		ToCheck:  c.ToCheck,
	}
}
