package staging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/stagehand-ci/stagehand/internal/logfields"
)

// ignoredFooter is appended to a rejection when the comment also contained
// valid directives, none of which were applied.
const ignoredFooter = "For your own safety I've ignored everything in your comment."

type command struct {
	name string
	arg  string
}

func (c *command) String() string {
	if c.arg == "" {
		return c.name
	}

	return c.name + "=" + c.arg
}

// parseCommands extracts the directives addressed to the bot.
// Tokens following a mention of the bot, up to the end of the line, are
// directives.
// An unparseable token poisons the whole comment: parsed returns the
// directives recognized so far and the errors for the rest.
func parseCommands(botName, body string) (parsed []*command, errs []string) {
	mention := "@" + botName

	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(line)

		addressed := false
		for _, field := range fields {
			if !addressed {
				if field == mention {
					addressed = true
				}

				continue
			}

			cmd, err := parseToken(field)
			if err != "" {
				errs = append(errs, err)
				continue
			}

			parsed = append(parsed, cmd)
		}
	}

	return parsed, errs
}

func parseToken(token string) (*command, string) {
	switch token {
	case "r+", "review+":
		return &command{name: "approve"}, ""
	case "r-", "review-":
		return &command{name: "unapprove"}, ""
	case "retry":
		return &command{name: "retry"}, ""
	case "check":
		return &command{name: "check"}, ""
	case "skipchecks":
		return &command{name: "skipchecks"}, ""
	case "close":
		return &command{name: "close"}, ""
	case "merge", "rebase-ff", "rebase-merge", "squash":
		return &command{name: "method", arg: token}, ""
	case "default", "priority", "alone":
		return &command{name: "priority", arg: token}, ""
	case "delegate+":
		return &command{name: "delegate"}, ""
	}

	if name, arg, found := strings.Cut(token, "="); found {
		switch name {
		case "fw":
			switch arg {
			case "no", "default", "skipci":
				return &command{name: "fw", arg: arg}, ""
			}

			return nil, fmt.Sprintf("unknown forward-port policy %q", arg)

		case "cancel":
			if arg == "staging" {
				return &command{name: "cancel", arg: arg}, ""
			}

		case "override":
			if arg != "" {
				return &command{name: "override", arg: arg}, ""
			}

		case "delegate":
			if arg != "" {
				return &command{name: "delegate", arg: arg}, ""
			}
		}
	}

	return nil, fmt.Sprintf("unknown command %q", token)
}

// ApplyComment interprets the directives of a pull request comment.
//
// Directives are applied all-or-nothing: when any of them fails to parse or
// is rejected, the transaction is rolled back, nothing is applied and a
// single comment reports every problem.
func (s *Service) ApplyComment(ev *CommentEvent) error {
	if ev.Author == s.project.BotName {
		return nil
	}

	commands, parseErrs := parseCommands(s.project.BotName, ev.Body)
	if len(commands) == 0 && len(parseErrs) == 0 {
		return nil
	}

	tx := s.store.Begin()

	pr, err := tx.PRByNumber(ev.Repo, ev.Number)
	if err != nil {
		tx.Rollback()
		s.ScheduleFetch(ev.Repo, ev.Number)

		return nil
	}

	user := s.aclFor(ev.Author, pr)

	var rejections []string
	rejections = append(rejections, parseErrs...)

	var fetches []prKey

	if len(parseErrs) == 0 {
		for _, cmd := range commands {
			if rejection := s.applyCommand(tx, pr, user, cmd, &fetches); rejection != "" {
				rejections = append(rejections, rejection)
			}
		}
	}

	if len(rejections) != 0 {
		tx.Rollback()

		metrics.CommandsInc(commandResultRejected)
		s.rejectComment(ev, rejections, len(commands) != 0)

		return nil
	}

	metrics.CommandsInc(commandResultApplied)

	tx.MarkDirty(pr.ID)
	tx.Commit()

	for _, key := range fetches {
		s.ScheduleFetch(key.repo, key.number)
	}

	s.logger.Info("commands applied",
		logfields.Repository(ev.Repo),
		logfields.PullRequest(ev.Number),
		zap.String("author", ev.Author),
		zap.Int("commands", len(commands)),
		logfields.Event("commands_applied"),
	)

	return nil
}

func (s *Service) rejectComment(ev *CommentEvent, rejections []string, hadValid bool) {
	message := fmt.Sprintf("@%s %s", ev.Author, strings.Join(rejections, "\n"))
	if hadValid {
		message += "\n\n" + ignoredFooter
	}

	tx := s.store.Begin()
	tx.Feedback(&FeedbackMessage{
		Repo:    ev.Repo,
		Number:  ev.Number,
		Message: message,
	})
	tx.Commit()

	s.logger.Info("commands rejected",
		logfields.Repository(ev.Repo),
		logfields.PullRequest(ev.Number),
		zap.String("author", ev.Author),
		zap.Strings("rejections", rejections),
		logfields.Event("commands_rejected"),
	)
}

// applyCommand applies one directive and returns a rejection message when
// the user may not run it or it makes no sense in the PR's state.
func (s *Service) applyCommand(tx *Tx, pr *PullRequest, user acl, cmd *command, fetches *[]prKey) string {
	switch cmd.name {
	case "approve":
		return s.applyApprove(tx, pr, user)

	case "unapprove":
		if !user.canInteract() {
			return "you can't review-"
		}

		var batch *Batch
		if pr.Batch != 0 {
			batch, _ = tx.Batch(pr.Batch)
		}
		skipped := batch != nil && batch.SkipChecks

		if pr.Reviewer == "" && !pr.Error && !skipped {
			return "r- makes no sense in the current PR state"
		}

		pr.Reviewer = ""
		pr.Error = false

		if skipped {
			batch.SkipChecks = false
			for _, member := range tx.BatchPRs(batch) {
				tx.MarkDirty(member.ID)
			}
		}

		s.unstageForPR(tx, pr, "unreviewed by "+user.login)

		return ""

	case "retry":
		if !user.canInteract() {
			return "you can't retry"
		}

		if !pr.Error {
			return "retry makes no sense when the PR is not in error"
		}

		pr.Error = false

		return ""

	case "check":
		*fetches = append(*fetches, prKey{repo: pr.Repo, number: pr.Number})
		return ""

	case "fw":
		if !user.canInteract() {
			return "you can't set a forward-port policy"
		}

		pr.FW = FWPolicy(cmd.arg)

		return ""

	case "skipchecks":
		if !user.admin {
			return "you can't skipchecks"
		}

		batch, err := tx.Batch(pr.Batch)
		if err != nil {
			return "skipchecks needs the PR to be batched"
		}

		batch.SkipChecks = true

		// skipping checks also stands in for the missing approvals
		for _, member := range tx.BatchPRs(batch) {
			if member.Reviewer == "" {
				if writable, err := tx.PR(member.ID); err == nil {
					writable.Reviewer = user.login
				}
			}

			tx.MarkDirty(member.ID)
		}

		return ""

	case "cancel":
		if !user.admin && user.reviewer == nil {
			return "you can't cancel stagings"
		}

		pr.CancelStaging = true
		if pr.State == StateReady {
			tx.CancelActiveStaging(pr.Target, "cancelled by "+user.login+" on "+pr.Ref())
		}

		return ""

	case "method":
		if !user.canInteract() {
			return fmt.Sprintf("you can't set the merge method to %s", cmd.arg)
		}

		pr.MergeMethod = MergeMethod(cmd.arg)
		pr.MethodWarned = false

		return ""

	case "priority":
		if !user.admin {
			return fmt.Sprintf("you can't set the priority to %s", cmd.arg)
		}

		switch cmd.arg {
		case "alone":
			pr.Priority = PriorityAlone
		case "priority":
			pr.Priority = PriorityPrio
		default:
			pr.Priority = PriorityDefault
		}

		return ""

	case "override":
		for _, context := range strings.Split(cmd.arg, ",") {
			context = strings.TrimSpace(context)
			if context == "" {
				continue
			}

			if !user.canOverride(context) {
				return fmt.Sprintf("you are not allowed to override %q", context)
			}

			pr.Overrides[context] = CISuccess
		}

		tx.MarkDirtyWithDescendants(pr.ID)

		return ""

	case "delegate":
		if user.reviewer == nil && !user.admin {
			return "you can't delegate reviews"
		}

		if cmd.arg == "" {
			pr.Delegates.Add(pr.Author)
			return ""
		}

		for _, login := range strings.Split(cmd.arg, ",") {
			login = strings.TrimPrefix(strings.TrimSpace(login), "@")
			if login != "" {
				pr.Delegates.Add(login)
			}
		}

		return ""

	case "close":
		if !user.canInteract() {
			return "you can't close this PR"
		}

		if s.closePR(pr) {
			s.unstageForPR(tx, pr, "closed by "+user.login)

			if err := tx.AssignBatch(pr); err != nil {
				return "closing the PR failed, try again later"
			}
		}

		tx.Feedback(&FeedbackMessage{Repo: pr.Repo, Number: pr.Number, Close: true})

		return ""
	}

	return fmt.Sprintf("unknown command %q", cmd.String())
}

// applyApprove approves the pull request.
// On a forward-ported pull request the approval propagates to all open
// ancestors of the chain the user may approve.
func (s *Service) applyApprove(tx *Tx, pr *PullRequest, user acl) string {
	if !s.canApprove(tx, user, pr) {
		if user.reviewer != nil && user.login == pr.Author {
			return "you can't review+ your own PR"
		}

		return "you can't review+"
	}

	if user.reviewer != nil && user.reviewer.Email == "" && !pr.Delegates.Contains(user.login) {
		return "I must know your email before you can review PRs. Please contact an administrator."
	}

	if pr.State == StateReady && pr.Reviewer != "" {
		return "this PR is already reviewed, reviewing it again is useless."
	}

	if pr.Closed {
		return "this PR is closed, review is pointless"
	}

	pr.Reviewer = user.login
	pr.Error = false

	for parentID := pr.Parent; parentID != 0; {
		parent, err := tx.PR(parentID)
		if err != nil {
			break
		}

		if parent.Active() && parent.Reviewer == "" && s.canApprove(tx, user, parent) {
			parent.Reviewer = user.login
			tx.MarkDirty(parent.ID)
		}

		parentID = parent.Parent
	}

	return ""
}
