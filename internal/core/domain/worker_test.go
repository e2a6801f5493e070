package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to WorkerState
		want     bool
	}{
		{WorkerIdle, WorkerFetching, true},
		{WorkerFetching, WorkerForwarding, true},
		{WorkerFetching, WorkerIdle, true},
		{WorkerForwarding, WorkerCommitting, true},
		{WorkerForwarding, WorkerFetching, false},
		{WorkerCommitting, WorkerFetching, true},
		{WorkerCommitting, WorkerIdle, true},
		{WorkerIdle, WorkerStopped, true},
		{WorkerStopped, WorkerIdle, false},
		{WorkerIdle, WorkerCommitting, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestExitCause_Restartable(t *testing.T) {
	assert.True(t, ExitCrash.Restartable())
	assert.True(t, ExitLiveness.Restartable())
	assert.False(t, ExitCancelled.Restartable())
	assert.False(t, ExitFatalAuth.Restartable())
	assert.False(t, ExitFatalConfig.Restartable())
	assert.False(t, ExitPermanentFail.Restartable())
}

func TestExitCauseFor(t *testing.T) {
	assert.Equal(t, ExitFatalAuth, ExitCauseFor(KindFatalAuth))
	assert.Equal(t, ExitFatalConfig, ExitCauseFor(KindFatalConfig))
	assert.Equal(t, ExitPermanentFail, ExitCauseFor(KindPermanent))
	assert.Equal(t, ExitCrash, ExitCauseFor(KindTransient))
}
