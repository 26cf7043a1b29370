package staging

// StatusEvent reports the result of one CI context on a commit.
type StatusEvent struct {
	Repo      string
	SHA       string
	Context   string
	State     CIState
	TargetURL string
}

// PREventData is the forge-side state of a pull request, delivered by a
// webhook event or fetched on demand.
type PREventData struct {
	Repo        string
	Number      int
	Author      string
	Target      string
	Label       string
	HeadSHA     string
	CommitCount int
	Draft       bool
	Closed      bool
	Merged      bool
}

// CommentEvent is a comment posted on a pull request.
type CommentEvent struct {
	Repo   string
	Number int
	Author string
	Body   string
}
