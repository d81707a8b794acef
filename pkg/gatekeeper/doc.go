// Package gatekeeper is the single writer of the FSM state file.
//
// Producers never touch the state file. They append requests to the queue
// and the gatekeeper applies them one at a time:
//
//	rule engine ----+
//	mission --------+--> fsm_requests.json --Drain--> Gatekeeper --Set--> fsm_state.json
//	operator CLI ---+                                     |
//	                                                      +--Append--> fsm_journal.db
//
// # Loop
//
//  1. Drain the queue (non-blocking; a busy queue means "next tick").
//  2. For each request in file order: skip it if it has no event, apply it
//     to the machine, and on success write the state file before looking
//     at the next request.
//  3. Sleep for the poll interval.
//
// # Failures
//
// An illegal event is a silent no-op. A malformed entry is logged and
// skipped. A failed state write is logged to the error log and leaves the
// in-memory machine ahead of the file; the gatekeeper stays dirty and
// retries the write on the next tick, with or without new requests.
package gatekeeper
