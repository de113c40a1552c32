package board

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		worker Worker
		want   WorkerStatus
	}{
		{
			name:   "fresh heartbeat keeps reported status",
			worker: Worker{Status: WorkerWorking, LastHeartbeat: now.Add(-60 * time.Second)},
			want:   WorkerWorking,
		},
		{
			name:   "heartbeat at the freshness boundary still counts",
			worker: Worker{Status: WorkerIdle, LastHeartbeat: now.Add(-HeartbeatFreshness)},
			want:   WorkerIdle,
		},
		{
			name:   "stale heartbeat reads offline",
			worker: Worker{Status: WorkerWorking, LastHeartbeat: now.Add(-121 * time.Second)},
			want:   WorkerOffline,
		},
		{
			name:   "never heartbeated reads offline",
			worker: Worker{Status: WorkerIdle},
			want:   WorkerOffline,
		},
		{
			name:   "error status survives while fresh",
			worker: Worker{Status: WorkerError, LastHeartbeat: now.Add(-time.Second)},
			want:   WorkerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.worker.EffectiveStatus(now))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrClaimConflict))
	assert.False(t, IsTransient(ErrDependencyCycle))
	assert.False(t, IsTransient(ErrNotFound))
	assert.False(t, IsTransient(&APIError{Status: 400}))
	assert.False(t, IsTransient(&APIError{Status: 409}))
	assert.True(t, IsTransient(&APIError{Status: 429}))
	assert.True(t, IsTransient(&APIError{Status: 500}))
	assert.True(t, IsTransient(&APIError{Status: 503}))
	assert.True(t, IsTransient(assert.AnError))
}
