// Package jobs runs detached background work on a bounded worker pool.
//
// Every submitted Job yields a Handle that reports its terminal state, so a
// failure after the submitter has returned is a state transition (and an
// optional OnFailure hook), never a lost goroutine.
package jobs
