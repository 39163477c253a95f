package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockService struct {
	started atomic.Bool
	stopped atomic.Bool
	startFn func() error
	order   *stopOrder
	name    string
}

type stopOrder struct {
	mu    sync.Mutex
	names []string
}

func (m *mockService) Start() error {
	m.started.Store(true)
	if m.startFn != nil {
		return m.startFn()
	}
	// Block until stopped
	for !m.stopped.Load() {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func (m *mockService) Stop(context.Context) error {
	m.stopped.Store(true)
	if m.order != nil {
		m.order.mu.Lock()
		m.order.names = append(m.order.names, m.name)
		m.order.mu.Unlock()
	}
	return nil
}

func waitStarted(t *testing.T, svcs ...*mockService) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		all := true
		for _, s := range svcs {
			all = all && s.started.Load()
		}
		if all {
			return
		}
		select {
		case <-deadline:
			t.Fatal("services did not start in time")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestLifecycleStartsAndStopsServicesInReverseOrder(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t), time.Second)

	order := &stopOrder{}
	svc1 := &mockService{name: "svc1", order: order}
	svc2 := &mockService{name: "svc2", order: order}
	lc.Add("svc1", svc1)
	lc.Add("svc2", svc2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- lc.Run(ctx)
	}()

	waitStarted(t, svc1, svc2)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}

	assert.True(t, svc1.stopped.Load())
	assert.True(t, svc2.stopped.Load())
	assert.Equal(t, []string{"svc2", "svc1"}, order.names)
}

func TestLifecycleServiceFailureTriggersShutdown(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t), time.Second)

	healthy := &mockService{}
	failing := &mockService{startFn: func() error { return errors.New("bind failed") }}
	lc.Add("healthy", healthy)
	lc.Add("failing", failing)

	done := make(chan error, 1)
	go func() {
		done <- lc.Run(context.Background())
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "service failing")
		assert.Contains(t, err.Error(), "bind failed")
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}
	assert.True(t, healthy.stopped.Load())
}

func TestLifecycleStopErrorReported(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t), 0)
	release := make(chan struct{})
	svc := &FuncService{
		StartFn: func() error {
			<-release
			return nil
		},
		StopFn: func(context.Context) error {
			close(release)
			return errors.New("drain timeout")
		},
	}
	lc.Add("stuck", svc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := lc.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopping stuck")
}

func TestFuncService(t *testing.T) {
	started := false
	var stopCtx context.Context

	svc := &FuncService{
		StartFn: func() error {
			started = true
			return nil
		},
		StopFn: func(ctx context.Context) error {
			stopCtx = ctx
			return nil
		},
	}

	assert.NoError(t, svc.Start())
	assert.True(t, started)

	ctx := context.Background()
	assert.NoError(t, svc.Stop(ctx))
	assert.Equal(t, ctx, stopCtx)
}
