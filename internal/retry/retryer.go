// Package retry provides running operations repeatedly until they succeed.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/stagehand-ci/stagehand/internal/logfields"
	"github.com/stagehand-ci/stagehand/internal/stagerr"
)

// defTimeout is the default maximum duration for which an operation is
// retried.
const defTimeout = 20 * time.Minute

const defBackoffInitialInterval = 5 * time.Second

// Retryer executes a function repeatedly until it was successful or a cancel
// condition happened.
type Retryer struct {
	logger                 *zap.Logger
	defTimeout             time.Duration
	backoffInitialInterval time.Duration
	shutdownChan           chan struct{}
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                 zap.L().Named("retryer"),
		defTimeout:             defTimeout,
		backoffInitialInterval: defBackoffInitialInterval,
		shutdownChan:           make(chan struct{}),
	}
}

func logFieldResult(val string) zap.Field {
	return zap.String("result", val)
}

// Run executes fn until it succeeds, it returns an error that does not wrap
// stagerr.RetryableError, the retry timeout expired or the execution was
// aborted via the context.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	ctx, cancelFunc := context.WithTimeout(ctx, r.defTimeout)
	defer cancelFunc()

	deadline, _ := ctx.Deadline()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval

	for {
		select {
		case <-ctx.Done():
			r.logger.Info(
				"operation cancelled",
				append([]zap.Field{
					logfields.Event("retryer_cancelled"),
					logFieldResult("cancelled"),
					zap.Error(ctx.Err()),
				}, logF...)...,
			)

			return ctx.Err()

		case <-retryTimer.C:
			tryCnt++
			logger := r.logger.With(zap.Uint("try_count", tryCnt)).With(logF...)

			err := fn(ctx)
			if err == nil {
				logger.Debug(
					"operation executed successfully",
					logfields.Event("retryer_op_successful"),
					logFieldResult("success"),
				)

				return nil
			}

			logger = logger.With(zap.Error(err))

			if errors.Is(err, context.Canceled) {
				logger.Info(
					"operation cancelled",
					logfields.Event("retryer_op_cancelled"),
					logFieldResult("cancelled"),
				)

				return err
			}

			var retryError *stagerr.RetryableError
			if !errors.As(err, &retryError) {
				logger.Debug(
					"operation failed, error is not retryable",
					logfields.Event("retryer_op_failed"),
					logFieldResult("failure"),
				)

				return err
			}

			if retryError.After.After(deadline) {
				logger.Info(
					"operation failed, next possible retry time is after timeout expiration",
					logfields.Event("retryer_op_failed"),
					zap.Time("earliest_allowed_retry", retryError.After),
				)

				return err
			}

			var retryIn time.Duration
			if until := time.Until(retryError.After); until > 0 {
				retryIn = until
			} else {
				retryIn = bo.NextBackOff()
			}

			retryTimer.Reset(retryIn)
			logger.Debug(
				"operation failed, retry scheduled",
				logfields.Event("retryer_op_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
			)

		case <-r.shutdownChan:
			r.logger.Info(
				"retryer terminating, operation not executed",
				append([]zap.Field{
					logfields.Event("retryer_terminated"),
					logFieldResult("cancelled"),
				}, logF...)...,
			)

			return nil
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
