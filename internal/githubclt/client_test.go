package githubclt

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-github/v43/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/stagehand-ci/stagehand/internal/stagerr"
)

func newTestClient(t *testing.T) *Client {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	return New("")
}

func testHTTPResponse(code int) *http.Response {
	return &http.Response{
		StatusCode: code,
		Request: &http.Request{
			Method: http.MethodGet,
			URL:    &url.URL{},
		},
	}
}

func TestRateLimitErrorsAreRetryableAtResetTime(t *testing.T) {
	clt := newTestClient(t)

	reset := time.Now().Add(3 * time.Minute)
	err := clt.wrapRetryableErrors(&github.RateLimitError{
		Rate: github.Rate{
			Limit: 5000,
			Reset: github.Timestamp{Time: reset},
		},
		Response: testHTTPResponse(http.StatusForbidden),
	})

	var retryable *stagerr.RetryableError
	require.ErrorAs(t, err, &retryable)
	assert.Equal(t, reset, retryable.After)
}

func TestServerErrorsAreRetryable(t *testing.T) {
	clt := newTestClient(t)

	err := clt.wrapRetryableErrors(&github.ErrorResponse{
		Response: testHTTPResponse(http.StatusBadGateway),
	})

	var retryable *stagerr.RetryableError
	assert.ErrorAs(t, err, &retryable)
}

func TestClientErrorsAreNotRetryable(t *testing.T) {
	clt := newTestClient(t)

	cause := &github.ErrorResponse{
		Response: testHTTPResponse(http.StatusNotFound),
	}

	err := clt.wrapRetryableErrors(cause)
	assert.Same(t, error(cause), err)

	var retryable *stagerr.RetryableError
	assert.False(t, errors.As(err, &retryable))
}

func TestGraphQLServerErrorsAreRetryable(t *testing.T) {
	clt := newTestClient(t)

	err := clt.wrapGraphQLRetryableErrors(
		errors.New("non-200 OK status code: 502 Bad Gateway body"))

	var retryable *stagerr.RetryableError
	assert.ErrorAs(t, err, &retryable)

	err = clt.wrapGraphQLRetryableErrors(
		errors.New("non-200 OK status code: 401 Unauthorized body"))
	assert.False(t, errors.As(err, &retryable))

	plain := errors.New("something else went wrong")
	assert.Same(t, plain, clt.wrapGraphQLRetryableErrors(plain))
}

func TestFastForwardErrorUnwraps(t *testing.T) {
	cause := errors.New("update is not a fast forward")
	err := &FastForwardError{Branch: "main", SHA: "abc123", err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), `branch "main"`)
	assert.Contains(t, err.Error(), "abc123")
}

func TestMergeConflictErrorUnwraps(t *testing.T) {
	cause := errors.New("merge conflict")
	err := &MergeConflictError{Base: "tmp.main", Head: "abc123", err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "tmp.main")
	assert.Contains(t, err.Error(), "abc123")
}
