// Package execution decides how a run is executed: inline or in an isolated
// worker process.
//
// Overview
// A Manager executes runs and can try to terminate them. There are exactly two
// managers and New picks one from the configuration:
//   - SyncManager drives the run in the calling goroutine and returns its
//     events. It can't terminate anything.
//   - SubprocessManager launches one worker process per run, keeps it in a
//     process table and watches it with a reaper goroutine.
//
// Worker processes are the same binary re-executed with the hidden _worker
// command. The request is written to the worker's stdin as JSON; it carries the
// pipeline handle and an instance.Ref, never live objects.
//
// Data flow:
//
//	SubprocessManager           worker (RunWorker)            instance
//	    |                             |                           |
//	    | PIPELINE_PROCESS_START -----------------------------------> |
//	    | Launch -------------------->|                           |
//	    | table[run_id] = process     | PIPELINE_PROCESS_STARTED->|
//	    |                             | pipeline events --------->|
//	    |                             | PIPELINE_PROCESS_EXITED ->|
//	    | reaper: process dead?       |                           |
//	    |   GetRunByID -------------------------------------------->|
//	    |   unfinished: synthetic PIPELINE_FAILURE ---------------->|
//
// Invariants:
//   - The process table is the only shared mutable state. Its lock is never
//     held across liveness checks, waits or event delivery.
//   - An entry leaves the table exactly once. Only the goroutine which removed
//     it may report the run as crashed, so a dead run gets at most one
//     synthetic failure.
//   - A run which finished on its own is never reported as crashed.
//   - After Join returns the table is empty.
package execution
