package loadbalancer

import (
	"crypto/sha256"
	"encoding/binary"
)

// GatewaySelector picks a media gateway for a channel by rendezvous
// hashing. Every participant of an office hashes the same channel name,
// so the whole office lands on the same gateway instance without any
// shared state; removing a gateway only moves the channels it owned.
type GatewaySelector struct {
	gateways []string
}

// NewGatewaySelector creates a selector over the configured gateway
// endpoints.
func NewGatewaySelector(gateways []string) *GatewaySelector {
	return &GatewaySelector{gateways: gateways}
}

// Pick returns the gateway owning the key, or "" when none are configured.
func (s *GatewaySelector) Pick(key string) string {
	if len(s.gateways) == 0 {
		return ""
	}
	if len(s.gateways) == 1 {
		return s.gateways[0]
	}

	var best string
	var bestScore uint64
	for _, gw := range s.gateways {
		score := rendezvousScore(key, gw)
		if best == "" || score > bestScore {
			best = gw
			bestScore = score
		}
	}
	return best
}

// Gateways returns the configured endpoints.
func (s *GatewaySelector) Gateways() []string {
	return s.gateways
}

func rendezvousScore(key, gateway string) uint64 {
	h := sha256.New()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(gateway))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}
