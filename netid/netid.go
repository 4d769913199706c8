// Package netid defines the node-identifier and flow-key types shared by
// the admission pipeline, the reliability protocol, and the endpoint
// shaper.
package netid

import "fmt"

// ID is an endpoint identifier in [0, MaxNodes), with one sentinel value
// OutOfBoundary denoting "anything outside the managed network".
type ID uint16

// OutOfBoundary is the sentinel ID for traffic whose destination (or
// source) cannot be resolved to a managed endpoint.
const OutOfBoundary ID = 0xffff

// Valid reports whether id identifies a real, in-boundary endpoint below
// maxNodes.
func (id ID) Valid(maxNodes int) bool {
	return id != OutOfBoundary && int(id) < maxNodes
}

func (id ID) String() string {
	if id == OutOfBoundary {
		return "out-of-boundary"
	}
	return fmt.Sprintf("node-%d", uint16(id))
}

// Flow is the (source, destination) key identifying a demand stream.
type Flow struct {
	Src ID
	Dst ID
}

func (f Flow) String() string {
	return fmt.Sprintf("%s->%s", f.Src, f.Dst)
}
