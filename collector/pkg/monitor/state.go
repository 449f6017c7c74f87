package monitor

import (
	"fmt"
	"time"
)

type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateChange is published on every monitor transition.
type StateChange struct {
	Monitor string
	From    State
	To      State
	Time    time.Time
}

func (c StateChange) String() string {
	return fmt.Sprintf("%s: %s -> %s", c.Monitor, c.From, c.To)
}

// Stats are the totals of the streams a monitor has closed.
type Stats struct {
	Opened    int
	Skipped   int
	Records   uint64
	Bytes     uint64
	Lost      uint64
	Resyncs   uint64
	Throttled uint64
	Pauses    uint64
}

func (s *Stats) Add(other Stats) {
	s.Opened += other.Opened
	s.Skipped += other.Skipped
	s.Records += other.Records
	s.Bytes += other.Bytes
	s.Lost += other.Lost
	s.Resyncs += other.Resyncs
	s.Throttled += other.Throttled
	s.Pauses += other.Pauses
}
