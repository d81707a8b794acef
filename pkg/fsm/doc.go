// Package fsm holds the bot's operating-mode state machine.
//
// The machine is pure: no file I/O, no locking across processes. The
// gatekeeper owns the only long-lived instance and persists what Export
// returns after every accepted transition.
//
// # Default table
//
//	IDLE ----START_MISSION----> MISSION_ACTIVE ---OBSTACLE_DETECTED---> AVOIDING
//	 ^  \                        |      ^                                 |
//	 |   CHARGE             PAUSE/END   +--------OBSTACLE_CLEARED---------+
//	 |    v                      |
//	 | CHARGING <-------- IDLE <-+
//	 |    |
//	 +----+ CHARGE_COMPLETE
//
//	any operational state --FAULT--> ERROR --RESET--> IDLE
//
// # Rejection
//
// An event with no edge out of the current state is not an error.
// TriggerEvent returns false, the state does not move and history does not
// grow. Producers are fire-and-forget, so nothing is reported back to them.
//
// # Persistence shape
//
// Export produces a Snapshot: current state, last event, time in the current
// state, the outgoing events, the full table, the per-state register and the
// history. Load is the inverse and is what makes a gatekeeper restart keep
// its history.
package fsm
