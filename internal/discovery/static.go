package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/peerlink"
)

// StaticDiscovery implements Discovery using a static list of seed nodes.
// A seed is either "id=host:port" or a bare "host:port" used as its own id.
type StaticDiscovery struct {
	seedNodes []string
}

// Peer is a peer node known by id and address
type Peer struct {
	id      string
	address string
}

// NewPeer creates a peer node
func NewPeer(id, address string) *Peer {
	return &Peer{id: id, address: address}
}

func (p *Peer) ID() string      { return p.id }
func (p *Peer) Address() string { return p.address }
func (p *Peer) IsHealthy() bool { return true } // Static discovery assumes healthy

// ParseSeed parses "id=host:port" or "host:port"
func ParseSeed(seed string) (*Peer, error) {
	seed = strings.TrimSpace(seed)
	id, address, found := strings.Cut(seed, "=")
	if !found {
		address = seed
		id = seed
	}
	id, address = strings.TrimSpace(id), strings.TrimSpace(address)
	if id == "" || address == "" {
		return nil, fmt.Errorf("invalid seed node %q", seed)
	}
	return NewPeer(id, address), nil
}

// NewStaticDiscovery creates a new static discovery service with the given seed nodes
func NewStaticDiscovery(seedNodes []string) *StaticDiscovery {
	return &StaticDiscovery{
		seedNodes: seedNodes,
	}
}

// FindPeers returns peer nodes from the static seed node list
func (s *StaticDiscovery) FindPeers(ctx context.Context) ([]peerlink.PeerNode, error) {
	peers := make([]peerlink.PeerNode, 0, len(s.seedNodes))
	for _, seed := range s.seedNodes {
		peer, err := ParseSeed(seed)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	return peers, nil
}
