// Package statusapi exposes a small read-only HTTP surface for observing
// a running tracehost daemon — separate from the RPC re-export listener,
// which carries the actual agent_session protocol (spec.md §6). This
// surface exists purely for operators/monitoring and is not part of the
// control plane the spec defines.
package statusapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tracehost/internal/provider"
)

// Registry is the minimal view statusapi needs into a running Service:
// the set of currently known providers. control.Service satisfies this
// directly; the daemon passes it to NewServer at startup.
type Registry interface {
	Providers() []*provider.Provider
}

// providerView is the JSON-serialisable projection of a Provider this
// surface exposes; Provider itself is not marshalled directly since its
// HostSession factory closure isn't serialisable.
type providerView struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Server is the read-only status HTTP server.
type Server struct {
	router chi.Router
	mu     sync.RWMutex
	reg    Registry
}

// NewServer builds the status server's router. reg may be set later via
// SetRegistry if the Service isn't ready yet at construction time.
func NewServer(reg Registry) *Server {
	s := &Server{reg: reg}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/providers", s.handleProviders)
	s.router = r

	return s
}

// SetRegistry swaps the backing registry, e.g. once the control.Service
// has started and its provider list is meaningful.
func (s *Server) SetRegistry(reg Registry) {
	s.mu.Lock()
	s.reg = reg
	s.mu.Unlock()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	reg := s.reg
	s.mu.RUnlock()

	views := []providerView{}
	if reg != nil {
		for _, p := range reg.Providers() {
			views = append(views, providerView{Name: p.Name, Kind: p.Kind.String()})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}
