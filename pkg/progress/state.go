package progress

import "sync/atomic"

// ConnState is the connection lifecycle: disconnected -> connecting ->
// connected -> (terminal | disconnected). One enumerated state instead of a
// pile of booleans, so "stopped listening but still marked connected" cannot
// happen by construction.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateTerminal
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateTerminal:
		return "terminal"
	}
	return "unknown"
}

type connState struct {
	v atomic.Int32
}

func (c *connState) get() ConnState { return ConnState(c.v.Load()) }

func (c *connState) set(s ConnState) { c.v.Store(int32(s)) }

// transition moves from -> to atomically; it reports false when the state
// changed under us, which callers treat as "someone else decided first".
func (c *connState) transition(from, to ConnState) bool {
	return c.v.CompareAndSwap(int32(from), int32(to))
}
