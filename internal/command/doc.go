// Package command implements the action coordinator for the Solar Fleet Console.
//
// The coordinator guards against duplicate actions, calls the remote action
// adapter, and on success installs optimistic overrides with a two-phase
// timer (in-flight visual, then suppression). Failures release the guard and
// leave stream state untouched. Every outcome is audited.
package command
