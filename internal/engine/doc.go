// Package engine assembles the Solar Fleet Console state core.
//
// An Engine owns the single event loop on which the telemetry session,
// authoritative table, override stores and action guards live. Reads run as
// loop tasks, so every view is consistent with the frames and timers
// processed before it.
package engine
