package cluster

import (
	"time"

	"github.com/amirimatin/go-clusteradmin/pkg/membership"
	"github.com/amirimatin/go-clusteradmin/pkg/metadata"
	"github.com/amirimatin/go-clusteradmin/pkg/transport"
)

// Status is a JSON-serializable snapshot of this node suitable for the
// admin endpoint and tooling.
type Status struct {
	Peer      transport.PeerID `json:"peer"`
	Machine   metadata.ID      `json:"machine"`
	Name      string           `json:"name"`
	Addr      string           `json:"addr"`
	AdminAddr string           `json:"adminAddr,omitempty"`
	// Healthy is false while any critical issue is reported.
	Healthy  bool                    `json:"healthy"`
	Peers    []transport.PeerID      `json:"peers"`
	Channels []string                `json:"channels"`
	Members  []membership.MemberInfo `json:"members,omitempty"`
	// GossipHealth is memberlist's awareness score; 0 is healthy.
	GossipHealth *int      `json:"gossipHealth,omitempty"`
	Machines     int       `json:"machines"`
	Issues       int       `json:"issues"`
	Conflicts    int       `json:"conflicts"`
	StartedAt    time.Time `json:"startedAt"`
	// Warnings contains any non-fatal observations.
	Warnings []string `json:"warnings,omitempty"`
}
