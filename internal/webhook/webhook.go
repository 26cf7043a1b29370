// Package webhook receives github webhook events and feeds them into the
// staging service.
package webhook

import (
	"net/http"

	"github.com/google/go-github/v43/github"
	"go.uber.org/zap"

	"github.com/stagehand-ci/stagehand/internal/logfields"
	"github.com/stagehand-ci/stagehand/internal/staging"
)

const loggerName = "github_webhook"

type Handler struct {
	service *staging.Service
	secret  []byte
	logger  *zap.Logger
}

func New(service *staging.Service, secret string) *Handler {
	return &Handler{
		service: service,
		secret:  []byte(secret),
		logger:  zap.L().Named(loggerName),
	}
}

// HTTPHandler validates and dispatches a github webhook delivery.
func (h *Handler) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	payload, err := github.ValidatePayload(req, h.secret)
	if err != nil {
		h.logger.Info("webhook payload validation failed",
			logfields.Event("webhook_payload_invalid"),
			zap.Error(err),
		)

		http.Error(resp, "payload validation failed", http.StatusBadRequest)
		return
	}

	eventType := github.WebHookType(req)

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		h.logger.Info("parsing webhook payload failed",
			logfields.Event("webhook_payload_unparseable"),
			zap.String("event_type", eventType),
			zap.Error(err),
		)

		http.Error(resp, "parsing payload failed", http.StatusBadRequest)
		return
	}

	h.dispatch(eventType, event)

	resp.WriteHeader(http.StatusOK)
}

func (h *Handler) dispatch(eventType string, event any) {
	switch ev := event.(type) {
	case *github.StatusEvent:
		h.service.ApplyStatusUpdate(&staging.StatusEvent{
			Repo:      ev.GetRepo().GetFullName(),
			SHA:       ev.GetSHA(),
			Context:   ev.GetContext(),
			State:     statusState(ev.GetState()),
			TargetURL: ev.GetTargetURL(),
		})

	case *github.IssueCommentEvent:
		if ev.GetAction() != "created" || !ev.GetIssue().IsPullRequest() {
			return
		}

		err := h.service.ApplyComment(&staging.CommentEvent{
			Repo:   ev.GetRepo().GetFullName(),
			Number: ev.GetIssue().GetNumber(),
			Author: ev.GetComment().GetUser().GetLogin(),
			Body:   ev.GetComment().GetBody(),
		})
		if err != nil {
			h.logger.Error("applying comment failed",
				logfields.Repository(ev.GetRepo().GetFullName()),
				logfields.PullRequest(ev.GetIssue().GetNumber()),
				zap.Error(err),
			)
		}

	case *github.PullRequestEvent:
		pr := ev.GetPullRequest()

		err := h.service.UpsertPullRequest(&staging.PREventData{
			Repo:        ev.GetRepo().GetFullName(),
			Number:      ev.GetNumber(),
			Author:      pr.GetUser().GetLogin(),
			Target:      pr.GetBase().GetRef(),
			Label:       pr.GetHead().GetLabel(),
			HeadSHA:     pr.GetHead().GetSHA(),
			CommitCount: pr.GetCommits(),
			Draft:       pr.GetDraft(),
			Closed:      pr.GetState() == "closed",
			Merged:      pr.GetMerged(),
		})
		if err != nil {
			h.logger.Error("applying pull request event failed",
				logfields.Repository(ev.GetRepo().GetFullName()),
				logfields.PullRequest(ev.GetNumber()),
				zap.Error(err),
			)
		}

	default:
		h.logger.Debug("ignoring webhook event",
			logfields.Event("webhook_event_ignored"),
			zap.String("event_type", eventType),
		)
	}
}

func statusState(state string) staging.CIState {
	switch state {
	case "success":
		return staging.CISuccess
	case "failure":
		return staging.CIFailure
	case "error":
		return staging.CIError
	default:
		return staging.CIPending
	}
}
