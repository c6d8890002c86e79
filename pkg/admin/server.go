// Package admin serves a node's view of the cluster over HTTP/JSON: status,
// issues, the directory and the metadata document, plus metrics and a
// health probe. It is meant for operators and the clusteradm CLI.
package admin

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirimatin/go-clusteradmin/pkg/cluster"
	"github.com/amirimatin/go-clusteradmin/pkg/directory"
	"github.com/amirimatin/go-clusteradmin/pkg/internal/logutil"
	"github.com/amirimatin/go-clusteradmin/pkg/issues"
	"github.com/amirimatin/go-clusteradmin/pkg/metadata"
	"github.com/amirimatin/go-clusteradmin/pkg/observability/tracing"
)

// Handlers back the endpoints. Rename is optional; without it the rename
// endpoint answers 501.
type Handlers struct {
	Status    func(ctx context.Context) (*cluster.Status, error)
	Issues    func() []issues.Issue
	Directory func() []directory.Entry
	Metadata  func() metadata.Cluster
	Rename    func(ctx context.Context, req RenameRequest) error
}

// NodeHandlers serves n.
func NodeHandlers(n *cluster.Node) Handlers {
	return Handlers{
		Status:    n.Status,
		Issues:    n.Issues().All,
		Directory: n.Directory().Entries,
		Metadata:  n.Metadata().Get,
		Rename: func(ctx context.Context, req RenameRequest) error {
			return n.Edit(ctx, func(c *metadata.Cluster) error { return req.apply(c, n.MachineID()) })
		},
	}
}

// MetadataView is the /metadata response: the raw document with its
// vector clocks and the fields currently in conflict.
type MetadataView struct {
	Document  metadata.Cluster    `json:"document"`
	Conflicts []metadata.Conflict `json:"conflicts"`
}

// RenameRequest names a record by kind and id, or by its current name, and
// gives it a new name. Writing a name also resolves a name conflict.
type RenameRequest struct {
	Kind string      `json:"kind"`
	ID   metadata.ID `json:"id,omitempty"`
	From string      `json:"from,omitempty"`
	Name string      `json:"name"`
}

// RenameResponse reports whether a rename was applied.
type RenameResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func (r RenameRequest) apply(c *metadata.Cluster, origin metadata.ID) error {
	id := r.ID
	if id == "" {
		var ok bool
		switch r.Kind {
		case metadata.KindMachine:
			id, ok = c.MachineByName(r.From)
		case metadata.KindDatacenter:
			id, ok = c.DatacenterByName(r.From)
		case metadata.KindNamespace:
			id, ok = c.NamespaceByName(r.From)
		}
		if !ok {
			return fmt.Errorf("%s %q: %w", r.Kind, r.From, metadata.ErrNotFound)
		}
	}
	switch r.Kind {
	case metadata.KindMachine:
		return c.RenameMachine(origin, id, r.Name)
	case metadata.KindDatacenter:
		return c.RenameDatacenter(origin, id, r.Name)
	case metadata.KindNamespace:
		return c.RenameNamespace(origin, id, r.Name)
	}
	return fmt.Errorf("kind %q: %w", r.Kind, metadata.ErrInvalid)
}

// Server is a minimal HTTP server exposing the admin endpoints.
type Server struct {
	bind   string
	logger *log.Logger
	tlsCfg *tls.Config

	mu  sync.Mutex
	srv *http.Server
	lis net.Listener
}

// NewServer binds to the given TCP address (e.g., ":7480").
func NewServer(bind string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler returns the routing mux for h.
func Handler(h Handlers) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", get("admin.status", func(r *http.Request) (any, error) {
		return h.Status(r.Context())
	}))
	mux.HandleFunc("/issues", get("admin.issues", func(*http.Request) (any, error) {
		out := h.Issues()
		if out == nil {
			out = []issues.Issue{}
		}
		return out, nil
	}))
	mux.HandleFunc("/directory", get("admin.directory", func(*http.Request) (any, error) {
		return h.Directory(), nil
	}))
	mux.HandleFunc("/metadata", get("admin.metadata", func(*http.Request) (any, error) {
		doc := h.Metadata()
		conflicts := doc.Conflicts()
		if conflicts == nil {
			conflicts = []metadata.Conflict{}
		}
		return MetadataView{Document: doc, Conflicts: conflicts}, nil
	}))
	mux.HandleFunc("/rename", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.Rename == nil {
			http.Error(w, "rename not supported", http.StatusNotImplemented)
			return
		}
		var req RenameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "admin.rename", "kind", req.Kind)
		defer end()
		code, resp := http.StatusOK, RenameResponse{Accepted: true}
		if err := h.Rename(ctx, req); err != nil {
			resp = RenameResponse{Error: err.Error()}
			code = http.StatusInternalServerError
			if errors.Is(err, metadata.ErrNotFound) {
				code = http.StatusNotFound
			} else if errors.Is(err, metadata.ErrInvalid) || errors.Is(err, metadata.ErrRemoved) {
				code = http.StatusBadRequest
			}
		}
		writeJSON(w, code, resp)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func get(span string, fn func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), span)
		defer end()
		out, err := fn(r.WithContext(ctx))
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, cluster.ErrNotStarted) || errors.Is(err, cluster.ErrStopped) {
				code = http.StatusServiceUnavailable
			}
			http.Error(w, fmt.Sprintf("%s error: %v", span, err), code)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start listens and serves h. The server is shut down when the context is
// canceled.
func (s *Server) Start(ctx context.Context, h Handlers) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	srv := &http.Server{Handler: Handler(h), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.srv, s.lis = srv, ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logutil.Errorf(s.logger, "admin: server error: %v", err)
		}
	}()
	logutil.Infof(s.logger, "admin: listening on %s", ln.Addr())
	return nil
}

// Addr returns the listening address once started, else the bind address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return srv.Shutdown(c)
}
