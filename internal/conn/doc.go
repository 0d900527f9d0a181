// Package conn implements the telemetry session lifecycle for the Solar Fleet Console.
//
// A Manager holds at most one live session, moving between Disconnected,
// Connecting and Connected. Any transport error or clean close schedules a
// reconnect after a fixed delay, retried without limit until Stop.
package conn
