package topology

import (
	"net"
	"testing"

	"github.com/fastpass-project/fastpass/netid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDocAndLookup(t *testing.T) {
	doc := Doc{
		MaxNodes: 16,
		Nodes: []NodeEntry{
			{MAC: "02:00:00:00:00:01", Node: 1, Rack: 0},
			{MAC: "02:00:00:00:00:02", Node: 2, Rack: 0},
			{MAC: "02:00:00:00:00:03", Node: 3, Rack: 1},
		},
	}
	table, err := FromDoc(doc)
	require.NoError(t, err)

	mac, err := net.ParseMAC("02:00:00:00:00:01")
	require.NoError(t, err)
	id, ok := table.NodeIDFor(mac)
	assert.True(t, ok)
	assert.Equal(t, netid.ID(1), id)

	unknownMAC, err := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	gotID, ok := table.NodeIDFor(unknownMAC)
	assert.False(t, ok)
	assert.Equal(t, netid.OutOfBoundary, gotID)

	assert.True(t, table.SameRack(netid.ID(1), netid.ID(2)))
	assert.False(t, table.SameRack(netid.ID(1), netid.ID(3)))
}

func TestFromDocRejectsOutOfRange(t *testing.T) {
	doc := Doc{
		MaxNodes: 4,
		Nodes:    []NodeEntry{{MAC: "02:00:00:00:00:09", Node: 9, Rack: 0}},
	}
	_, err := FromDoc(doc)
	assert.Error(t, err)
}
