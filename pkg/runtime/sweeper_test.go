// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/kairosforge/pkg/session"
)

type testExpirer struct {
	calls    int64
	deadline int64
	ch       chan struct{}
}

func (t *testExpirer) ExpireIdle(ctx context.Context, _ time.Time) (int, error) {
	atomic.AddInt64(&t.calls, 1)
	if deadline, ok := ctx.Deadline(); ok {
		atomic.StoreInt64(&t.deadline, deadline.UnixNano())
	}
	select {
	case t.ch <- struct{}{}:
	default:
	}
	return 0, nil
}

func TestSessionSweeperTimeout(t *testing.T) {
	expirer := &testExpirer{ch: make(chan struct{}, 1)}
	sw := NewSessionSweeper(expirer, 10*time.Millisecond, time.Hour, 50*time.Millisecond, quiet())
	sw.Start()
	defer sw.Stop()

	select {
	case <-expirer.ch:
	case <-time.After(time.Second):
		t.Fatalf("expected sweeper call")
	}
	if atomic.LoadInt64(&expirer.deadline) == 0 {
		t.Fatalf("expected deadline to be set on sweep context")
	}
}

func TestSessionSweeperDisabled(t *testing.T) {
	expirer := &testExpirer{ch: make(chan struct{}, 1)}
	sw := NewSessionSweeper(expirer, 0, time.Hour, 0, quiet())
	sw.Start()
	defer sw.Stop()
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt64(&expirer.calls) != 0 {
		t.Fatal("disabled sweeper must not run")
	}
}

func TestSessionSweepRemovesIdleSessions(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	_ = store.Create(ctx, session.Session{ID: "old", CreatedAt: time.Now().Add(-48 * time.Hour)})
	_ = store.Create(ctx, session.Session{ID: "new"})

	sw := NewSessionSweeper(store, time.Minute, 24*time.Hour, 0, quiet())
	if n := sw.Sweep(ctx); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if ids := store.List(); len(ids) != 1 || ids[0] != "new" {
		t.Fatalf("remaining sessions %v", ids)
	}
}
