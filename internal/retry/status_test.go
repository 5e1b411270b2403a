package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetrierStatus_Predicates(t *testing.T) {
	assert.True(t, Stopped().IsStopped())
	assert.True(t, Running().IsRunning())
	assert.True(t, Failed().IsFailed())

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	idle := Idle(since)
	assert.True(t, idle.IsIdle())
	assert.Equal(t, since, idle.IdleSince())
}

func TestRetrierStatus_ShouldStart(t *testing.T) {
	assert.True(t, Stopped().ShouldStart())
	assert.False(t, Running().ShouldStart())
	assert.False(t, Failed().ShouldStart())
	assert.False(t, Idle(time.Now()).ShouldStart())
}

func TestRetrierStatus_String(t *testing.T) {
	assert.Equal(t, "stopped", Stopped().String())
	assert.Equal(t, "running", Running().String())
	assert.Equal(t, "failed", Failed().String())
	assert.Contains(t, Idle(time.Now()).String(), "idle(since=")
}
