// Package tools runs host programs on behalf of command handlers.
//
// Ownership boundary:
// - process execution with context cancellation
//
// - exit code and output capture
package tools
