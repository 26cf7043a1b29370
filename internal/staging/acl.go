package staging

// acl is the capability set of a comment author towards one pull request.
type acl struct {
	login    string
	admin    bool
	reviewer *Reviewer
	author   bool
}

func (s *Service) aclFor(login string, pr *PullRequest) acl {
	result := acl{
		login:  login,
		admin:  s.project.Admins.Contains(login),
		author: login == pr.Author || pr.Delegates.Contains(login),
	}

	if reviewer, exists := s.project.Reviewers[login]; exists {
		result.reviewer = reviewer
	}

	return result
}

// canReview returns true when the user may approve pull requests of the
// repository.
// Approving one's own pull request additionally requires the self_review
// right, delegates may always approve the PR that was delegated to them.
func (a acl) canReview(pr *PullRequest) bool {
	if pr.Delegates.Contains(a.login) {
		return true
	}

	if a.reviewer == nil || !a.reviewer.Review || !a.reviewer.reviewsRepo(pr.Repo) {
		return false
	}

	if a.login == pr.Author && !a.reviewer.SelfReview {
		return false
	}

	return true
}

// canApprove decides whether the user may approve the pull request.
// On a forward port the rights of the original PR extend down the chain:
// its reviewers and delegates may approve any port, its author may approve
// ports whose ancestors have all been merged.
func (s *Service) canApprove(tx *Tx, user acl, pr *PullRequest) bool {
	if user.canReview(pr) {
		return true
	}

	if pr.Source == 0 {
		return false
	}

	source, exists := tx.store.prs[pr.Source]
	if !exists {
		return false
	}

	if s.aclFor(user.login, source).canReview(source) {
		return true
	}

	if user.login != source.Author || pr.Parent == 0 {
		return false
	}

	for parentID := pr.Parent; parentID != 0; {
		parent, exists := tx.store.prs[parentID]
		if !exists || !parent.Merged {
			return false
		}

		parentID = parent.Parent
	}

	return true
}

// canOverride returns true when the user may override the CI context.
func (a acl) canOverride(context string) bool {
	return a.reviewer != nil && a.reviewer.OverrideContexts.Contains(context)
}

// canInteract returns true for users with any relationship to the PR.
func (a acl) canInteract() bool {
	return a.admin || a.author || a.reviewer != nil
}
