package orchestrator

import (
	"sync"
	"time"
)

// decisionCapacity bounds the in-memory decision log.
const decisionCapacity = 100

// Decision explains why an evaluation dispatched a task or took no action.
type Decision struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"` // "dispatch", "defer", "skip", "idle"
	Reason string    `json:"reason"`
	TaskID string    `json:"taskId,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Decision reasons recorded by the evaluator.
const (
	decisionDispatched     = "dispatched"
	decisionCapacityFull   = "capacity-full"
	decisionCooldownActive = "cooldown-active"
	decisionNotDue         = "not-due"
	decisionIdle           = "idle"
	decisionPaused         = "paused"
	decisionSkipFailing    = "skip-failing"
)

// decisionLog is a bounded ring of recent decisions, oldest evicted first.
type decisionLog struct {
	mu   sync.Mutex
	buf  []Decision
	next int
	full bool
}

func newDecisionLog() *decisionLog {
	return &decisionLog{buf: make([]Decision, decisionCapacity)}
}

func (l *decisionLog) record(d Decision) {
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = d
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
}

// Recent returns the logged decisions, oldest first.
func (l *decisionLog) Recent() []Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]Decision, l.next)
		copy(out, l.buf[:l.next])
		return out
	}
	out := make([]Decision, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	out = append(out, l.buf[:l.next]...)
	return out
}
