// Package logfields provides constructors for zap log fields that are
// used in multiple packages.
package logfields

import "go.uber.org/zap"

func PullRequest(val int) zap.Field {
	return zap.Int("github.pull_request", val)
}

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func Branch(val string) zap.Field {
	return zap.String("git.branch", val)
}

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}

func Label(val string) zap.Field {
	return zap.String("github.label", val)
}

func Context(val string) zap.Field {
	return zap.String("ci.context", val)
}

func Staging(val int) zap.Field {
	return zap.Int("staging.id", val)
}

func Batch(val int) zap.Field {
	return zap.Int("batch.id", val)
}

func Reason(val string) zap.Field {
	return zap.String("reason", val)
}
