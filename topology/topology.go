// Package topology resolves endpoint MAC addresses to node ids and node
// ids to racks, from a YAML-configured table of exact MAC addresses and
// racks (standing in for the reference implementation's compile-time
// perfect hash). Addresses are matched whole; there is no prefix matching.
package topology

import (
	"fmt"
	"net"
	"os"

	"github.com/fastpass-project/fastpass/netid"
	"gopkg.in/yaml.v3"
)

// NodeEntry binds one managed MAC address to a node id and a rack.
type NodeEntry struct {
	MAC  string `yaml:"mac"`
	Node uint16 `yaml:"node"`
	Rack uint16 `yaml:"rack"`
}

// Doc is the on-disk shape of a topology file.
type Doc struct {
	MaxNodes int         `yaml:"max_nodes"`
	Nodes    []NodeEntry `yaml:"nodes"`
}

// Table is a resolved, query-ready topology: MAC-to-node lookup and
// node-to-rack lookup.
type Table struct {
	maxNodes int
	byMAC    map[string]netid.ID
	rackOf   map[netid.ID]uint16
}

// Load reads and parses a topology document from path.
func Load(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: read %s: %w", path, err)
	}
	var doc Doc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("topology: parse %s: %w", path, err)
	}
	return FromDoc(doc)
}

// FromDoc builds a Table from an already-parsed document, validating MAC
// syntax and node-id bounds.
func FromDoc(doc Doc) (*Table, error) {
	t := &Table{
		maxNodes: doc.MaxNodes,
		byMAC:    make(map[string]netid.ID, len(doc.Nodes)),
		rackOf:   make(map[netid.ID]uint16, len(doc.Nodes)),
	}
	for _, e := range doc.Nodes {
		mac, err := net.ParseMAC(e.MAC)
		if err != nil {
			return nil, fmt.Errorf("topology: node %d: %w", e.Node, err)
		}
		id := netid.ID(e.Node)
		if !id.Valid(t.maxNodes) {
			return nil, fmt.Errorf("topology: node %d out of range [0,%d)", e.Node, t.maxNodes)
		}
		t.byMAC[mac.String()] = id
		t.rackOf[id] = e.Rack
	}
	return t, nil
}

// MaxNodes returns the configured node-id ceiling.
func (t *Table) MaxNodes() int { return t.maxNodes }

// NodeIDFor maps a MAC address to a managed node id, or reports
// netid.OutOfBoundary for an address that is not in the table.
func (t *Table) NodeIDFor(mac net.HardwareAddr) (netid.ID, bool) {
	id, ok := t.byMAC[mac.String()]
	if !ok {
		return netid.OutOfBoundary, false
	}
	return id, true
}

// Rack returns the rack id of a managed node, or false if id is unknown
// or out-of-boundary.
func (t *Table) Rack(id netid.ID) (uint16, bool) {
	r, ok := t.rackOf[id]
	return r, ok
}

// SameRack reports whether a and b are both known and share a rack.
func (t *Table) SameRack(a, b netid.ID) bool {
	ra, ok := t.Rack(a)
	if !ok {
		return false
	}
	rb, ok := t.Rack(b)
	return ok && ra == rb
}
