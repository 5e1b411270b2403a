package retry

import (
	"fmt"
	"time"
)

// RetrierStatus is the lifecycle state of one Retrier's campaign for a
// tower. Idle carries the instant the campaign gave up, used by the
// Manager to compute auto-wake.
type RetrierStatus struct {
	kind      retrierKind
	idleSince time.Time
}

type retrierKind uint8

const (
	retrierStopped retrierKind = iota
	retrierRunning
	retrierFailed
	retrierIdle
)

// Stopped: never started, or finished successfully; may hold pending work.
func Stopped() RetrierStatus { return RetrierStatus{kind: retrierStopped} }

// Running: currently executing a backoff campaign.
func Running() RetrierStatus { return RetrierStatus{kind: retrierRunning} }

// Failed: terminal; this Retrier will not run again in this process.
func Failed() RetrierStatus { return RetrierStatus{kind: retrierFailed} }

// Idle: campaign exhausted without resolution, since records when.
func Idle(since time.Time) RetrierStatus { return RetrierStatus{kind: retrierIdle, idleSince: since} }

func (s RetrierStatus) IsStopped() bool { return s.kind == retrierStopped }
func (s RetrierStatus) IsRunning() bool { return s.kind == retrierRunning }
func (s RetrierStatus) IsFailed() bool  { return s.kind == retrierFailed }
func (s RetrierStatus) IsIdle() bool    { return s.kind == retrierIdle }

// IdleSince returns the instant the campaign went idle. Zero value if the
// status is not Idle.
func (s RetrierStatus) IdleSince() time.Time { return s.idleSince }

// ShouldStart reports whether a Retrier in this status, with non-empty
// pending work, is a candidate for the Manager's start pass.
func (s RetrierStatus) ShouldStart() bool { return s.IsStopped() }

func (s RetrierStatus) String() string {
	switch s.kind {
	case retrierStopped:
		return "stopped"
	case retrierRunning:
		return "running"
	case retrierFailed:
		return "failed"
	case retrierIdle:
		return fmt.Sprintf("idle(since=%s)", s.idleSince.Format(time.RFC3339))
	default:
		return fmt.Sprintf("retrier_status(%d)", s.kind)
	}
}
