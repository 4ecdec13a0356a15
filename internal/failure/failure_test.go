package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindTransient, KindOf(errors.New("dial tcp: refused")))
	assert.Equal(t, KindData, KindOf(Dataf("dispatch", "missing %s", "document_ref")))
	assert.Equal(t, KindReconcile, KindOf(fmt.Errorf("stage sync: %w", Reconcile("push", errors.New("503")))))
	assert.Equal(t, KindConflict, KindOf(Conflict("idempotency", errors.New("hash mismatch"))))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(errors.New("timeout")))
	assert.True(t, Retryable(Reconcile("push", context.DeadlineExceeded)))
	assert.False(t, Retryable(Data("decode", errors.New("bad json"))))
	assert.False(t, Retryable(Conflict("idempotency", errors.New("x"))))
	assert.False(t, Retryable(ErrCancelled))
}

func TestCancelledMatches(t *testing.T) {
	err := fmt.Errorf("stage compose: %w", &Error{Kind: KindCancelled, Op: "stage compose", Err: errors.New("job cancelled")})
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.False(t, errors.Is(Data("x", errors.New("y")), ErrCancelled))
}

func TestDataNil(t *testing.T) {
	assert.NoError(t, Data("op", nil))
}
