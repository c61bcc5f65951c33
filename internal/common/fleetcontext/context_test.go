package fleetcontext

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultLogger = logrus.WithField("foo", "bar")

func TestNew(t *testing.T) {
	ctx := New(context.Background(), defaultLogger)
	require.Equal(t, defaultLogger, ctx.Log)
	require.Equal(t, context.Background(), ctx.Context)
}

func TestBackground(t *testing.T) {
	ctx := Background()
	require.Equal(t, ctx.Context, context.Background())
}

func TestFromContext_ReusesLogger(t *testing.T) {
	ctx := WithLogField(Background(), "worker", "A1.W1")
	assert.Same(t, ctx, FromContext(ctx))

	wrapped := FromContext(context.Background())
	assert.NotNil(t, wrapped.Log)
}

func TestWithLogFields(t *testing.T) {
	ctx := WithLogFields(Background(), logrus.Fields{"testId": "map", "phase": "setup"})
	require.Equal(t, context.Background(), ctx.Context)
	assert.Equal(t, logrus.Fields{"testId": "map", "phase": "setup"}, ctx.Log.Data)
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), 50*time.Millisecond)
	defer cancel()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context did not time out")
	}
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestErrGroup_KeepsLogger(t *testing.T) {
	parent := WithLogField(Background(), "agent", "A1")
	g, ctx := ErrGroup(parent)
	g.Go(func() error { return nil })
	require.NoError(t, g.Wait())
	assert.Equal(t, parent.Log, ctx.Log)
}
