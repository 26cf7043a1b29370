package staging

import (
	"context"

	"go.uber.org/zap"

	"github.com/stagehand-ci/stagehand/internal/logfields"
	"github.com/stagehand-ci/stagehand/internal/retry"
	"github.com/stagehand-ci/stagehand/internal/routines"
)

// FeedbackMessage is an outbound side effect of a committed transaction:
// a comment to post, labels to change or a pull request to close.
// Messages are delivered asynchronously by the feedback deliverer.
type FeedbackMessage struct {
	Repo   string
	Number int

	Message      string
	AddLabels    []string
	RemoveLabels []string
	Close        bool
}

// deliverer sends queued feedback messages to github.
// Deliveries run on a worker pool, failed deliveries are retried with the
// retryer.
type deliverer struct {
	clt     ForgeClient
	retryer *retry.Retryer
	pool    *routines.Pool
	logger  *zap.Logger
}

func newDeliverer(clt ForgeClient, retryer *retry.Retryer, poolSize int) *deliverer {
	return &deliverer{
		clt:     clt,
		retryer: retryer,
		pool:    routines.NewPool(poolSize),
		logger:  zap.L().Named("feedback"),
	}
}

// deliver queues the messages on the worker pool.
func (d *deliverer) deliver(ctx context.Context, msgs []*FeedbackMessage) {
	for _, msg := range msgs {
		msg := msg
		d.pool.Queue(func() {
			d.deliverMsg(ctx, msg)
		})
	}
}

func (d *deliverer) deliverMsg(ctx context.Context, msg *FeedbackMessage) {
	owner, repo, err := splitRepoName(msg.Repo)
	if err != nil {
		d.logger.Error("discarding feedback message with invalid repository",
			logfields.Repository(msg.Repo),
			zap.Error(err),
		)

		return
	}

	logF := []zap.Field{
		logfields.Repository(msg.Repo),
		logfields.PullRequest(msg.Number),
	}

	err = d.retryer.Run(ctx, func(ctx context.Context) error {
		if len(msg.AddLabels) != 0 || len(msg.RemoveLabels) != 0 {
			if err := d.clt.ChangeLabels(ctx, owner, repo, msg.Number, msg.RemoveLabels, msg.AddLabels); err != nil {
				return err
			}
		}

		if msg.Message != "" {
			if err := d.clt.CreateIssueComment(ctx, owner, repo, msg.Number, msg.Message); err != nil {
				return err
			}
		}

		if msg.Close {
			if err := d.clt.ClosePullRequest(ctx, owner, repo, msg.Number); err != nil {
				return err
			}
		}

		return nil
	}, logF)
	if err != nil {
		d.logger.Error("delivering feedback message failed",
			append(logF, zap.Error(err), logfields.Event("feedback_delivery_failed"))...,
		)

		return
	}

	d.logger.Debug("feedback message delivered",
		append(logF, logfields.Event("feedback_delivered"))...,
	)
}

func (d *deliverer) stop() {
	d.pool.Wait()
}
