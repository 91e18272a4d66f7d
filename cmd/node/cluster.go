package main

import (
	"crypto/ed25519"
	"strings"

	"github.com/ruvnet/ledgermesh/internal/consensus/updater"
	"github.com/ruvnet/ledgermesh/internal/gossip"
	"github.com/ruvnet/ledgermesh/internal/ledgerfn"
	"github.com/ruvnet/ledgermesh/internal/peerid"
)

// staticCluster is the minimal cluster/session collaborator this
// binary wires in: membership, liveness, and addressing are normally
// owned by a separate handshake layer, but a node still needs
// something concrete to run against, so this reads a fixed peer list
// from configuration rather than discovering membership dynamically.
type staticCluster struct {
	addrByPeer map[peerid.PeerID]string
}

// newStaticCluster parses "address@peeridhex" entries into a fixed
// peer set.
func newStaticCluster(entries []string) *staticCluster {
	c := &staticCluster{addrByPeer: make(map[peerid.PeerID]string, len(entries))}
	for _, e := range entries {
		parts := strings.SplitN(e, "@", 2)
		if len(parts) != 2 {
			continue
		}
		id, err := peerid.Parse(parts[1])
		if err != nil {
			continue
		}
		c.addrByPeer[id] = parts[0]
	}
	return c
}

// Snapshot satisfies gossip.PeerSet.
func (c *staticCluster) Snapshot() []gossip.Peer {
	out := make([]gossip.Peer, 0, len(c.addrByPeer))
	for id, addr := range c.addrByPeer {
		out = append(out, gossip.Peer{ID: id, Address: addr})
	}
	return out
}

// Peers satisfies manager.ClusterView[ledgerfn.Epoch]. Every
// configured peer is treated as ready and able to facilitate from the
// current epoch, since the registration exchange has not yet raised
// any peer's registered epoch when a node first starts up.
func (c *staticCluster) Peers() []updater.Peer[ledgerfn.Epoch] {
	out := make([]updater.Peer[ledgerfn.Epoch], 0, len(c.addrByPeer))
	for id := range c.addrByPeer {
		out = append(out, updater.Peer[ledgerfn.Epoch]{ID: id, Ready: true})
	}
	return out
}

// Responsive satisfies manager.ClusterView[ledgerfn.Epoch].
func (c *staticCluster) Responsive(id peerid.PeerID) bool {
	_, ok := c.addrByPeer[id]
	return ok
}

// Address satisfies p2p.AddressBook.
func (c *staticCluster) Address(id peerid.PeerID) (string, bool) {
	addr, ok := c.addrByPeer[id]
	return addr, ok
}

// any returns an arbitrary configured peer, used to pick a bootstrap
// target for the registration exchange when this node starts as an
// observer rather than a facilitator.
func (c *staticCluster) any() (peerid.PeerID, bool) {
	for id := range c.addrByPeer {
		return id, true
	}
	return peerid.PeerID{}, false
}

// publicKeyLookup recovers the ed25519 public key embedded in a
// PeerID: PeerID.FromPublicKey zero-pads the 32-byte key up to the
// 64-byte identifier width, so the key is always its first 32 bytes.
func (c *staticCluster) publicKeyLookup(id peerid.PeerID) (ed25519.PublicKey, bool) {
	if _, ok := c.addrByPeer[id]; !ok {
		return nil, false
	}
	return ed25519.PublicKey(id[:ed25519.PublicKeySize]), true
}
