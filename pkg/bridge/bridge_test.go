package bridge

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaneisley/simplerest/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	cfg := config.LoadWithDefaults()
	cfg.MaxParallelRequests = 2
	b, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(b.Stop)
	return b
}

func TestNew_OnlyOneBridge(t *testing.T) {
	// Given a running bridge
	b := newTestBridge(t)

	// When a second one is constructed
	second, err := New(nil, nil)

	// Then construction fails with the distinguished error
	assert.ErrorIs(t, err, ErrBridgeExists)
	assert.Nil(t, second)

	current, err := Current()
	require.NoError(t, err)
	assert.Same(t, b, current)
}

func TestCurrent_NotInitialized(t *testing.T) {
	_, err := Current()
	assert.ErrorIs(t, err, ErrNotInitialized)

	b, err := New(nil, nil)
	require.NoError(t, err)
	b.Stop()

	_, err = Current()
	assert.ErrorIs(t, err, ErrNotInitialized)

	// And a new bridge may be started after stop
	again, err := New(nil, nil)
	require.NoError(t, err)
	again.Stop()
}

func TestExecute_ReturnsValue(t *testing.T) {
	b := newTestBridge(t)

	got, err := Execute(b, func(ctx context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestExecute_PropagatesError(t *testing.T) {
	b := newTestBridge(t)
	boom := errors.New("boom")

	_, err := Execute(b, func(ctx context.Context) (string, error) {
		return "", boom
	})

	assert.ErrorIs(t, err, boom)
}

func TestExecute_RecoversPanic(t *testing.T) {
	b := newTestBridge(t)

	_, err := Execute(b, func(ctx context.Context) (int, error) {
		panic("kaboom")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestExecute_NilBridge(t *testing.T) {
	_, err := Execute[int](nil, func(ctx context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestExecuteNoWait_Join(t *testing.T) {
	// Given an op that waits for a signal
	b := newTestBridge(t)
	release := make(chan struct{})

	task, err := ExecuteNoWait(b, func(ctx context.Context) (string, error) {
		<-release
		return "done", nil
	})
	require.NoError(t, err)

	// Then the caller is not blocked until it joins
	select {
	case <-task.Done():
		t.Fatal("task finished before it was released")
	default:
	}

	close(release)
	got, err := task.Join()
	require.NoError(t, err)
	assert.Equal(t, "done", got)
}

func TestExecuteGroup_MixedOutcomes(t *testing.T) {
	// Given a group where one op fails and one panics
	b := newTestBridge(t)
	boom := errors.New("boom")

	ops := []Op[int]{
		func(ctx context.Context) (int, error) { return 1, nil },
		func(ctx context.Context) (int, error) { return 0, boom },
		func(ctx context.Context) (int, error) { panic("bad op") },
		func(ctx context.Context) (int, error) {
			time.Sleep(20 * time.Millisecond)
			return 4, nil
		},
	}

	// When the group runs
	outcomes, err := ExecuteGroup(b, ops...)

	// Then every op reports its own outcome in submission order
	require.NoError(t, err)
	require.Len(t, outcomes, 4)
	assert.Equal(t, 1, outcomes[0].Value)
	assert.NoError(t, outcomes[0].Err)
	assert.ErrorIs(t, outcomes[1].Err, boom)
	assert.ErrorContains(t, outcomes[2].Err, "bad op")
	assert.Equal(t, 4, outcomes[3].Value)
	assert.NoError(t, outcomes[3].Err)
}

func TestExecuteGroup_BoundedParallelism(t *testing.T) {
	b := newTestBridge(t)

	var running, peak int32
	op := func(ctx context.Context) (struct{}, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return struct{}{}, nil
	}

	ops := make([]Op[struct{}], 8)
	for i := range ops {
		ops[i] = op
	}

	task, err := ExecuteGroupNoWait(b, ops...)
	require.NoError(t, err)
	outcomes, err := task.Join()

	require.NoError(t, err)
	assert.Len(t, outcomes, 8)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestExecuteStream_PullsValues(t *testing.T) {
	b := newTestBridge(t)

	s, err := ExecuteStream(b, func(ctx context.Context, emit func(string) error) error {
		for _, v := range []string{"a", "b", "c"} {
			if err := emit(v); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	got, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestExecuteStreamNoWait_PropagatesError(t *testing.T) {
	b := newTestBridge(t)
	broken := errors.New("broken pipe")

	s, err := ExecuteStreamNoWait(b, func(ctx context.Context, emit func(int) error) error {
		if err := emit(1); err != nil {
			return err
		}
		return broken
	})
	require.NoError(t, err)

	v, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, broken)
}

func TestStream_CloseStopsProducer(t *testing.T) {
	b := newTestBridge(t)
	stopped := make(chan error, 1)

	s, err := ExecuteStream(b, func(ctx context.Context, emit func(int) error) error {
		for i := 0; ; i++ {
			if err := emit(i); err != nil {
				stopped <- err
				return nil
			}
		}
	})
	require.NoError(t, err)

	v, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	s.Close()

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, io.ErrClosedPipe)
	case <-time.After(time.Second):
		t.Fatal("producer kept running after close")
	}
}

func TestStop_DoesNotAwaitOutstandingWork(t *testing.T) {
	// Given an op that only ends when its context is cancelled
	cfg := config.LoadWithDefaults()
	b, err := New(cfg, nil)
	require.NoError(t, err)

	task, err := ExecuteNoWait(b, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		time.Sleep(time.Second)
		return 1, nil
	})
	require.NoError(t, err)

	// When the bridge stops
	start := time.Now()
	b.Stop()

	// Then the caller is released without waiting for the op
	_, err = task.Join()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	_, err = ExecuteNoWait(b, func(ctx context.Context) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrNotInitialized)
}
