// Package audit implements the action audit log for the Solar Fleet Console.
//
// Every action outcome is appended as one JSON line with the caller, target,
// outcome code and latency. The file is rotated by size.
package audit
