// Package runner executes a ramp profile against a session pool.
//
// A [Scheduler] walks the plan's steps in order and moves through the states
//
//	Idle -> Starting -> Running <-> Paused -> Stopping -> Completed | Failed
//
// Starting initializes the pool; if no session connects the run fails before
// any probe is sent. Each step is validated when it begins, dispatched to the
// pool at its target rate and held open until its active time reaches the
// step duration. Active time is measured by re-checking a pausable clock on
// every tick, so pauses extend a step by exactly the paused time and drift is
// bounded by a few tick widths.
//
// After the last step (or on Stop) the scheduler suspends dispatch, waits for
// outstanding probes to resolve for at most the drain period, tears down the
// pool and discards whatever is left as failed.
//
// # Usage
//
//	s := runner.New(runner.Options{
//		Plan:       p,
//		Pool:       pool,
//		Tracker:    tracker,
//		Aggregator: agg,
//	})
//	err := s.Run(ctx) // blocks until Completed or Failed
//
// Pause, Resume and Stop may be called from any goroutine while Run is active.
// An [Observer] receives state transitions and step boundaries.
package runner
