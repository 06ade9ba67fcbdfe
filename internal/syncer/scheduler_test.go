package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinic-calendar-sync/internal/domain"
)

type countingRunner struct {
	mu      sync.Mutex
	calls   []string
	pushErr error
	pullErr error
	pulled  chan struct{}
}

func (r *countingRunner) RunSync(ctx context.Context, kind domain.SyncKind) (*domain.SyncLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "push:"+string(kind))
	return &domain.SyncLog{}, r.pushErr
}

func (r *countingRunner) PullFromProvider(ctx context.Context) (*domain.SyncLog, error) {
	r.mu.Lock()
	r.calls = append(r.calls, "pull")
	r.mu.Unlock()
	if r.pulled != nil {
		r.pulled <- struct{}{}
	}
	return &domain.SyncLog{}, r.pullErr
}

func (r *countingRunner) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestScheduler_TickPushesThenPulls(t *testing.T) {
	tests := []struct {
		name    string
		pushErr error
		pullErr error
	}{
		{"ok", nil, nil},
		{"not connected", domain.ErrNotConnected, domain.ErrNotConnected},
		{"busy", domain.ErrSyncAlreadyInProgress, nil},
		{"push failure does not stop pull", errors.New("boom"), nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := &countingRunner{pushErr: tc.pushErr, pullErr: tc.pullErr}
			NewScheduler(r, "").Tick(context.Background())
			assert.Equal(t, []string{"push:incremental", "pull"}, r.snapshot())
		})
	}
}

func TestScheduler_TickSkipsWhenCancelled(t *testing.T) {
	r := &countingRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewScheduler(r, "").Tick(ctx)
	assert.Empty(t, r.snapshot())
}

func TestScheduler_StartPullsImmediately(t *testing.T) {
	r := &countingRunner{pulled: make(chan struct{}, 1)}
	s := NewScheduler(r, "@every 1h")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	select {
	case <-r.pulled:
	case <-time.After(2 * time.Second):
		t.Fatal("no pull on start")
	}
	assert.Equal(t, []string{"pull"}, r.snapshot())
}

func TestScheduler_InvalidSpec(t *testing.T) {
	s := NewScheduler(&countingRunner{}, "not a schedule")
	assert.Error(t, s.Start(context.Background()))
}
