// Package discovery provides seed addresses. With gossip membership enabled
// the seeds are membership addresses; otherwise they are peer transport
// addresses dialed directly.
package discovery

import "context"

// Discovery yields the current seed list. Implementations may block on I/O
// and must honour ctx.
type Discovery interface {
	Seeds(ctx context.Context) []string
}

// Func adapts a function to Discovery.
type Func func(ctx context.Context) []string

func (f Func) Seeds(ctx context.Context) []string { return f(ctx) }
