package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clusteradm"

var (
	once sync.Once

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_connected",
		Help:      "Number of peers with an established outbound stream",
	})

	PeerEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peer_events_total",
		Help:      "Peer up/down events observed by the transport",
	}, []string{"type"})

	// Mailbox multiplexer
	MailboxSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mailbox",
		Name:      "sent_total",
		Help:      "Messages handed to the transport per channel",
	}, []string{"channel"})
	MailboxReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mailbox",
		Name:      "received_total",
		Help:      "Messages delivered to a channel handler",
	}, []string{"channel"})
	MailboxDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mailbox",
		Name:      "dropped_total",
		Help:      "Messages dropped by the multiplexer",
	}, []string{"channel", "reason"})
	MailboxQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mailbox",
		Name:      "queue_depth",
		Help:      "Outbound messages waiting per peer",
	}, []string{"peer"})

	// Directory
	DirectoryEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "directory",
		Name:      "entries",
		Help:      "Entries in the local directory view, own entry included",
	})
	DirectoryUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "directory",
		Name:      "updates_total",
		Help:      "Directory entries received from peers",
	})

	// Semilattice metadata
	MetadataLocalChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "semilattice",
		Name:      "local_changes_total",
		Help:      "Local changes applied",
	}, []string{"channel"})
	MetadataMerges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "semilattice",
		Name:      "merges_total",
		Help:      "Remote documents merged, by whether the local value changed",
	}, []string{"channel", "changed"})
	MetadataBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "semilattice",
		Name:      "broadcasts_total",
		Help:      "Full-document sends to peers",
	}, []string{"channel"})
	MalformedPayloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_payloads_total",
		Help:      "Payloads dropped because they could not be decoded",
	}, []string{"channel"})

	// Issues
	Issues = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "issues",
		Name:      "current",
		Help:      "Issues reported by the last aggregation, by machine and kind",
	}, []string{"machine", "kind"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(PeersConnected)
		prometheus.MustRegister(PeerEvents)
		prometheus.MustRegister(MailboxSent)
		prometheus.MustRegister(MailboxReceived)
		prometheus.MustRegister(MailboxDropped)
		prometheus.MustRegister(MailboxQueueDepth)
		prometheus.MustRegister(DirectoryEntries)
		prometheus.MustRegister(DirectoryUpdates)
		prometheus.MustRegister(MetadataLocalChanges)
		prometheus.MustRegister(MetadataMerges)
		prometheus.MustRegister(MetadataBroadcasts)
		prometheus.MustRegister(MalformedPayloads)
		prometheus.MustRegister(Issues)
	})
}
