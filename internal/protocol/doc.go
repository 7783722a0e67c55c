// Package protocol owns the NSCP wire contract.
//
// Ownership boundary:
// - frame: signature/payload primitives and the incremental digest functions
// - schema: envelope and command message encoding
// - version: envelope version compatibility checks
package protocol
