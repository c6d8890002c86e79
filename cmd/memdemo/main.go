// Command memdemo runs a bare gossip member and prints membership events,
// including the peer and admin addresses a clusteradm node advertises. It
// is useful to check that a node's memberlist port is reachable.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	dStatic "github.com/amirimatin/go-clusteradmin/pkg/discovery/static"
	base "github.com/amirimatin/go-clusteradmin/pkg/membership"
	ml "github.com/amirimatin/go-clusteradmin/pkg/membership/memberlist"
)

func main() {
	var (
		id        = flag.String("id", "memdemo", "node id")
		bind      = flag.String("bind", ":7946", "bind host:port")
		advertise = flag.String("advertise", "", "advertise host:port (optional)")
		joinCSV   = flag.String("join", "", "comma-separated seeds (host:port)")
	)
	flag.Parse()

	ctx, cancel := signalContext()
	defer cancel()

	m, err := ml.New(ml.Options{NodeID: *id, Bind: *bind, Advertise: *advertise, Logger: log.Default()})
	if err != nil {
		log.Fatal(err)
	}
	if err := m.Start(ctx); err != nil {
		log.Fatal(err)
	}

	if seeds := dStatic.Parse(*joinCSV); len(seeds) > 0 {
		if err := m.Join(seeds); err != nil {
			log.Printf("join error: %v", err)
		}
	}

	fmt.Println("memdemo started. Press Ctrl+C to exit.")
	go func(evch <-chan base.Event) {
		for e := range evch {
			fmt.Printf("event: %-6s id=%s addr=%s peer=%s admin=%s at=%s\n",
				e.Type, e.Member.ID, e.Member.Addr, e.Member.PeerAddr(), e.Member.Meta[base.MetaAdminAddr], e.At.Format(time.RFC3339))
		}
	}(m.Events())

	<-ctx.Done()
	_ = m.Leave()
	_ = m.Stop()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
