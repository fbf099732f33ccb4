package discord

import (
	"errors"
	"net/http"
	"testing"

	"github.com/disgoorg/disgo/rest"
	"github.com/shardguard/shardguard/internal/moderation/enforce"
	"github.com/stretchr/testify/assert"
)

func restError(status int) error {
	return &rest.Error{Response: &http.Response{StatusCode: status}}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.NoError(t, classify(nil))

	assert.ErrorIs(t, classify(restError(http.StatusForbidden)), enforce.ErrForbidden)
	assert.ErrorIs(t, classify(restError(http.StatusTooManyRequests)), enforce.ErrTransient)
	assert.ErrorIs(t, classify(restError(http.StatusBadGateway)), enforce.ErrTransient)

	// A 404 is neither a permission problem nor transient; it is returned
	// unchanged so the executor fails fast without retrying.
	notFound := classify(restError(http.StatusNotFound))
	assert.Error(t, notFound)
	assert.NotErrorIs(t, notFound, enforce.ErrForbidden)
	assert.NotErrorIs(t, notFound, enforce.ErrTransient)

	// Transport failures never reach the REST layer and are retried.
	assert.ErrorIs(t, classify(errors.New("connection reset")), enforce.ErrTransient)
}
