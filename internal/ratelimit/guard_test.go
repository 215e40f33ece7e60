package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_ResolvesImmediatelyWhenActive(t *testing.T) {
	g := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, g.Acquire(ctx))
}

func TestReport_PausesAndQueuesAcquirers(t *testing.T) {
	g := New(nil)
	g.Report(StatePausedRateLimit, 50*time.Millisecond)

	assert.Equal(t, StatePausedRateLimit, g.Status().State)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- g.Acquire(ctx)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not resolve after resume timer fired")
	}

	assert.Equal(t, StateActive, g.Status().State)
}

func TestReport_SpendingLimitNotDowngradedByRateLimit(t *testing.T) {
	g := New(nil)
	g.Report(StatePausedSpendingLimit, time.Hour)
	g.Report(StatePausedRateLimit, time.Millisecond)

	assert.Equal(t, StatePausedSpendingLimit, g.Status().State)
}

func TestResume_Manual(t *testing.T) {
	g := New(nil)
	g.Report(StatePausedRateLimit, time.Hour)

	released := make(chan error, 1)
	go func() {
		released <- g.Acquire(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	g.Resume()

	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("manual resume did not release queued acquirer")
	}
	assert.Equal(t, StateActive, g.Status().State)
}

func TestShutdown_ReleasesQueuedCallersWithoutResuming(t *testing.T) {
	g := New(nil)
	g.Report(StatePausedRateLimit, time.Hour)

	released := make(chan error, 1)
	go func() {
		released <- g.Acquire(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	g.Shutdown()

	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not release queued acquirer")
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	g := New(nil)
	g.Report(StatePausedRateLimit, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Acquire(ctx)
	assert.Error(t, err)
}

func TestStatus_EventsBounded(t *testing.T) {
	g := New(nil)
	g.maxEvents = 3

	for i := 0; i < 5; i++ {
		g.Report(StatePausedRateLimit, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}

	assert.LessOrEqual(t, len(g.Status().Events), 3)
}
