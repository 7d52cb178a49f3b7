package cache

import "fmt"

// refreshState gates background work so that each cache runs at most one
// worker at a time.
type refreshState int

const (
	refreshIdle refreshState = iota
	refreshWaiting
	refreshRunning
)

func (s refreshState) String() string {
	switch s {
	case refreshIdle:
		return "IDLE"
	case refreshWaiting:
		return "WAITING"
	case refreshRunning:
		return "RUNNING"
	}
	return fmt.Sprintf("refreshState(%d)", int(s))
}

type jobState int

const (
	jobWaiting jobState = iota
	jobRunning
	jobDone
)

func (s jobState) String() string {
	switch s {
	case jobWaiting:
		return "WAITING"
	case jobRunning:
		return "RUNNING"
	case jobDone:
		return "DONE"
	}
	return fmt.Sprintf("jobState(%d)", int(s))
}
