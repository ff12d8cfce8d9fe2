package server

import (
	"encoding/json"
	"net/http"
	"regexp"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/burrownet/burrow/auth"
	"github.com/burrownet/burrow/tunnel"
)

// Don't allow A-Z uppercase since browsers lowercase the host anyway.
var subdomainRE = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// Descriptor is the allocation response handed to the client agent.
type Descriptor struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
	CachedURL    string `json:"cached_url,omitempty"`
	IP           string `json:"ip,omitempty"`
}

type apiStatus struct {
	Tunnels int         `json:"tunnels"`
	Mem     memoryUsage `json:"mem"`
}

type memoryUsage struct {
	RSS       uint64 `json:"rss"`
	HeapTotal uint64 `json:"heap_total"`
	HeapUsed  uint64 `json:"heap_used"`
	External  uint64 `json:"external"`
}

type tunnelStatus struct {
	ConnectedSockets int `json:"connected_sockets"`
}

type api struct {
	opts    Options
	manager *tunnel.Manager
	gate    *auth.Gate
	log     zerolog.Logger
}

// newRouter builds the control-plane router: allocation on the root
// path plus the status endpoints.
func newRouter(opts Options, manager *tunnel.Manager, gate *auth.Gate, log zerolog.Logger) http.Handler {
	a := &api{
		opts:    opts,
		manager: manager,
		gate:    gate,
		log:     log.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(a.log))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"burrow-server"}`))
	})

	r.Get("/api/status", a.status)
	r.Get("/api/tunnels/{id}/status", a.tunnelStatus)
	r.Get("/", a.allocateNew)
	r.Get("/{subdomain}", a.allocate)

	return r
}

// requestLogger logs each control-plane request with its outcome.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiStatus{
		Tunnels: a.manager.Count(),
		Mem:     readMemoryUsage(),
	})
}

func (a *api) tunnelStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t := a.manager.Get(id)
	if t == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, tunnelStatus{ConnectedSockets: t.ConnectedSockets()})
}

// allocateNew serves `GET /?new`, assigning a random subdomain.
func (a *api) allocateNew(w http.ResponseWriter, r *http.Request) {
	if !r.URL.Query().Has("new") {
		http.Error(w, "Request subdomain is invalid, only lowercase letters, numbers and inner hyphens are allowed", http.StatusBadRequest)
		return
	}
	a.handleAllocation(w, r, tunnel.NewSentinel)
}

func (a *api) allocate(w http.ResponseWriter, r *http.Request) {
	subdomain := chi.URLParam(r, "subdomain")
	if !subdomainRE.MatchString(subdomain) {
		http.Error(w, "Request subdomain is invalid, only lowercase letters, numbers and inner hyphens are allowed", http.StatusBadRequest)
		return
	}
	a.handleAllocation(w, r, subdomain)
}

func (a *api) handleAllocation(w http.ResponseWriter, r *http.Request, subdomain string) {
	a.log.Debug().Str("subdomain", subdomain).Str("auth_mode", string(a.gate.Mode())).Msg("allocation requested")

	if a.gate.Required() {
		credential := r.URL.Query().Get("credential")
		if credential == "" {
			http.Error(w, "Credentials not provided", http.StatusUnauthorized)
			return
		}
		ok, err := a.gate.CredentialIsValid(r.Context(), credential, subdomain)
		if err != nil {
			a.log.Error().Err(err).Msg("credential validation failed")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
	}

	t, err := a.manager.Put(subdomain)
	if err != nil {
		a.log.Error().Err(err).Str("subdomain", subdomain).Msg("tunnel creation failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	scheme := "http"
	if a.opts.Secure {
		scheme = "https"
	}
	desc := Descriptor{
		ID:           t.ID,
		Port:         t.Port(),
		MaxConnCount: a.opts.MaxSockets,
		URL:          scheme + "://" + t.ID + "." + a.opts.Domain,
		IP:           a.opts.ProxyIP,
	}
	a.log.Debug().Str("tunnel", desc.ID).Int("port", desc.Port).Msg("tunnel allocated")
	writeJSON(w, http.StatusOK, desc)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readMemoryUsage maps Go runtime heap statistics onto the status
// response's memory block.
func readMemoryUsage() memoryUsage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return memoryUsage{
		RSS:       ms.Sys,
		HeapTotal: ms.HeapSys,
		HeapUsed:  ms.HeapAlloc,
		External:  ms.Sys - ms.HeapSys,
	}
}
