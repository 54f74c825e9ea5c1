package session

import (
	"time"
)

type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transition records a single status change.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

const historySize = 50

// history is a fixed-size ring buffer of the most recent transitions.
type history struct {
	entries [historySize]Transition
	head    int
	count   int
}

func (h *history) record(t Transition) {
	h.entries[h.head] = t
	h.head = (h.head + 1) % historySize
	if h.count < historySize {
		h.count++
	}
}

// list returns transitions oldest first.
func (h *history) list() []Transition {
	if h.count == 0 {
		return nil
	}
	out := make([]Transition, h.count)
	if h.count < historySize {
		copy(out, h.entries[:h.count])
		return out
	}
	n := copy(out, h.entries[h.head:])
	copy(out[n:], h.entries[:h.head])
	return out
}
