package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_OpenByDefault(t *testing.T) {
	g := New()
	assert.True(t, g.IsOpen())
	require.NoError(t, g.AwaitOpen(context.Background()))
}

func TestGate_ReopenWithoutCloseIsNoop(t *testing.T) {
	g := New()
	g.SetOpen(true)
	assert.True(t, g.IsOpen())
	require.NoError(t, g.AwaitOpen(context.Background()))
}

func TestGate_ReleasesAllWaiters(t *testing.T) {
	g := New()
	g.SetOpen(false)

	const waiters = 8
	var released int32
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.AwaitOpen(context.Background()) == nil {
				atomic.AddInt32(&released, 1)
			}
		}()
	}

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&released))

	g.SetOpen(true)
	wg.Wait()
	assert.Equal(t, int32(waiters), atomic.LoadInt32(&released))
}

func TestGate_ContextCancelled(t *testing.T) {
	g := New()
	g.SetOpen(false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.AwaitOpen(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, g.IsOpen())
}

func TestGate_CloseAfterOpenBlocksAgain(t *testing.T) {
	g := New()
	g.SetOpen(false)
	g.SetOpen(true)
	g.SetOpen(false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, g.AwaitOpen(ctx))
}
