// Package adapter defines the remote action adapter for the Solar Fleet Console.
//
// An ActionAdapter issues a remedial action (cleaning) for a unit or a group
// against the farm's request/response API. Every failure is normalized to one
// of the codes NOT_FOUND, BUSY, UNAVAILABLE, REJECTED, INVALID_RESPONSE or
// INTERNAL and wrapped in a *DispatchError that keeps the original error for
// diagnostics.
package adapter
