// Package housekeeping runs a lightweight periodic operational digest:
// once a minute it logs how many polls and commands ran, succeeded, or
// were dropped since the last tick. It is deliberately separate from the
// per-poll status stream (internal/jsonserver, internal/modbustcp) which
// already carries the live Device Snapshot at a much higher rate.
package housekeeping

import "sync/atomic"

// Counters is a set of process-wide operational counters. The composition
// root increments these from the poll loop and the command router; the
// Service reads and resets them once a minute.
type Counters struct {
	pollsOK         atomic.Int64
	pollsFailed     atomic.Int64
	commandsRouted  atomic.Int64
	commandsDropped atomic.Int64
}

// NewCounters returns a zeroed Counters.
func NewCounters() *Counters { return &Counters{} }

func (c *Counters) PollOK()         { c.pollsOK.Add(1) }
func (c *Counters) PollFailed()     { c.pollsFailed.Add(1) }
func (c *Counters) CommandRouted()  { c.commandsRouted.Add(1) }
func (c *Counters) CommandDropped() { c.commandsDropped.Add(1) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	PollsOK         int64
	PollsFailed     int64
	CommandsRouted  int64
	CommandsDropped int64
}

// snapshotAndReset reads the current values and zeroes them, so each
// logged digest covers only the interval since the previous one.
func (c *Counters) snapshotAndReset() Snapshot {
	return Snapshot{
		PollsOK:         c.pollsOK.Swap(0),
		PollsFailed:     c.pollsFailed.Swap(0),
		CommandsRouted:  c.commandsRouted.Swap(0),
		CommandsDropped: c.commandsDropped.Swap(0),
	}
}
