// Package membership abstracts the gossip layer that tells a node which other
// nodes exist. Nodes advertise their peer transport address in member
// metadata; the cluster layer dials whatever membership reports.
package membership

import (
	"context"
	"time"
)

// Metadata keys carried by every member.
const (
	MetaPeerAddr  = "peer"
	MetaAdminAddr = "admin"
	MetaMachine   = "machine"
)

// MemberInfo describes a cluster member as observed by the membership layer.
type MemberInfo struct {
	ID   string            `json:"id"`
	Addr string            `json:"addr"`
	Meta map[string]string `json:"meta,omitempty"`
}

// PeerAddr is the member's peer transport address, if it advertised one.
func (m MemberInfo) PeerAddr() string { return m.Meta[MetaPeerAddr] }

type EventType string

const (
	// EventJoin indicates a member joined or became visible.
	EventJoin EventType = "join"
	// EventUpdate indicates a member changed its metadata.
	EventUpdate EventType = "update"
	// EventLeave indicates a member left or was declared dead. memberlist
	// does not tell the two apart.
	EventLeave EventType = "leave"
)

// Event is the translated membership change notification.
type Event struct {
	Type   EventType
	Member MemberInfo
	At     time.Time
}

// Membership is the abstraction over the underlying gossip/failure-detection
// layer.
type Membership interface {
	Start(ctx context.Context) error
	Join(seeds []string) error
	Local() MemberInfo
	Members() []MemberInfo
	Events() <-chan Event
	Leave() error
	Stop() error
}
