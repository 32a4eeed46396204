// Package store persists operation goals, publishing accounts, and the
// scheduled publish jobs the scheduler and pipeline operate on.
//
// All job status mutations go through Transition, an atomic compare-and-set
// on the status column. That primitive is what lets a timer fire and a manual
// "run now" race without double-executing a job.
package store
