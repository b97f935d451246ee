// Package httpapi is the HTTP channel: device pairing and admin
// lifecycle, scope-checked command execution, event polling with ACK,
// and a JSON-RPC MCP surface.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/owliabot/owliabot/internal/agent"
	"github.com/owliabot/owliabot/internal/devices"
	"github.com/owliabot/owliabot/internal/infra"
	"github.com/owliabot/owliabot/internal/observability"
)

// Error codes returned in the response envelope.
const (
	ErrUnauthorized    = "ERR_UNAUTHORIZED"
	ErrForbidden       = "ERR_FORBIDDEN"
	ErrInvalidRequest  = "ERR_INVALID_REQUEST"
	ErrNotFound        = "ERR_NOT_FOUND"
	ErrRateLimit       = "ERR_RATE_LIMIT"
	ErrDeviceNotPaired = "ERR_DEVICE_NOT_PAIRED"
	ErrUnknownTool     = "ERR_UNKNOWN_TOOL"
	ErrInternal        = "ERR_INTERNAL"
)

const (
	defaultMaxBodyBytes   = 1 << 20
	defaultEventBatchSize = 100
	idempotencyTTL        = 10 * time.Minute
)

// Config holds the server settings.
type Config struct {
	Host         string
	Port         int
	GatewayToken string

	// IPAllowlist restricts non-public routes when set. Entries are
	// plain IPs or CIDR blocks.
	IPAllowlist []string

	// AutoEnroll queues unknown device ids as pending on first contact.
	AutoEnroll bool

	DeviceRateWindow   time.Duration
	DeviceRateMax      int
	EventsMaxPerDevice int
	MaxBodyBytes       int64

	Version string
}

// Server is the HTTP channel server.
type Server struct {
	config   Config
	devices  *devices.Store
	infra    *infra.Store
	registry *agent.Registry
	executor *agent.Executor
	logger   *slog.Logger
	metrics  *observability.Metrics

	agentID   string
	allowNets []*net.IPNet
	allowIPs  []net.IP
	startedAt time.Time
	httpSrv   *http.Server
	now       func() time.Time
}

// Deps wires the server's collaborators.
type Deps struct {
	Devices  *devices.Store
	Infra    *infra.Store
	Registry *agent.Registry
	Executor *agent.Executor
	AgentID  string
	Logger   *slog.Logger
	Metrics  *observability.Metrics

	// PromRegistry, when set, is served on /metrics.
	PromRegistry *prometheus.Registry
}

// NewServer builds the server and its route table.
func NewServer(config Config, deps Deps) (*Server, error) {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.EventsMaxPerDevice <= 0 {
		config.EventsMaxPerDevice = defaultEventBatchSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    config,
		devices:   deps.Devices,
		infra:     deps.Infra,
		registry:  deps.Registry,
		executor:  deps.Executor,
		agentID:   deps.AgentID,
		logger:    logger.With("component", "httpapi"),
		metrics:   deps.Metrics,
		startedAt: time.Now(),
		now:       time.Now,
	}
	if err := s.parseAllowlist(config.IPAllowlist); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()

	// Public routes.
	mux.HandleFunc("GET /health", s.handleHealth)
	if deps.PromRegistry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.PromRegistry, promhttp.HandlerOpts{}))
	}

	// Gateway-token routes.
	mux.HandleFunc("GET /status", s.guarded(s.gatewayAuth(s.handleStatus)))
	mux.HandleFunc("POST /admin/approve", s.guarded(s.gatewayAuth(s.handleApprove)))
	mux.HandleFunc("POST /admin/reject", s.guarded(s.gatewayAuth(s.handleReject)))
	mux.HandleFunc("POST /admin/revoke", s.guarded(s.gatewayAuth(s.handleRevoke)))
	mux.HandleFunc("POST /admin/scope", s.guarded(s.gatewayAuth(s.handleScope)))
	mux.HandleFunc("POST /admin/rotate-token", s.guarded(s.gatewayAuth(s.handleRotateToken)))
	mux.HandleFunc("POST /admin/api-keys", s.guarded(s.gatewayAuth(s.handleCreateAPIKey)))
	mux.HandleFunc("GET /admin/api-keys", s.guarded(s.gatewayAuth(s.handleListAPIKeys)))
	mux.HandleFunc("DELETE /admin/api-keys/{id}", s.guarded(s.gatewayAuth(s.handleDeleteAPIKey)))

	// Device routes.
	mux.HandleFunc("POST /pair/request", s.guarded(s.handlePairRequest))
	mux.HandleFunc("GET /pair/status", s.guarded(s.handlePairStatus))
	mux.HandleFunc("GET /events/poll", s.guarded(s.deviceAuth(s.handleEventsPoll)))
	mux.HandleFunc("POST /command/tool", s.guarded(s.deviceAuth(s.handleCommandTool)))
	mux.HandleFunc("POST /command/system", s.guarded(s.deviceAuth(s.handleCommandSystem)))
	mux.HandleFunc("POST /mcp", s.guarded(s.deviceAuth(s.handleMCP)))

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:           s.withBodyLimit(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the route table, for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) withBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// guarded applies the IP allowlist to a non-public route.
func (s *Server) guarded(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.ipAllowed(r) {
			writeErr(w, http.StatusForbidden, ErrForbidden, "ip not allowed")
			return
		}
		// Expired rows are cleaned up opportunistically on entry.
		if s.infra != nil {
			if err := s.infra.Cleanup(r.Context(), s.now()); err != nil {
				s.logger.Warn("cleanup failed", "error", err)
			}
		}
		next(w, r)
	}
}

func (s *Server) parseAllowlist(entries []string) error {
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return fmt.Errorf("ip allowlist entry %q: %w", entry, err)
			}
			s.allowNets = append(s.allowNets, network)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return fmt.Errorf("ip allowlist entry %q: not an ip or cidr", entry)
		}
		s.allowIPs = append(s.allowIPs, ip)
	}
	return nil
}

func (s *Server) ipAllowed(r *http.Request) bool {
	if len(s.allowNets) == 0 && len(s.allowIPs) == 0 {
		return true
	}
	ip := net.ParseIP(normalizeRemoteAddr(r.RemoteAddr))
	if ip == nil {
		return false
	}
	for _, allowed := range s.allowIPs {
		if allowed.Equal(ip) {
			return true
		}
	}
	for _, network := range s.allowNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// normalizeRemoteAddr strips the port, the IPv4-mapped prefix, and
// maps the IPv6 loopback onto the IPv4 one.
func normalizeRemoteAddr(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimPrefix(addr, "::ffff:")
	if addr == "::1" {
		return "127.0.0.1"
	}
	return addr
}

// envelope is the standard non-MCP response shape.
type envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *errDetail `json:"error,omitempty"`
}

type errDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: data})
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{OK: false, Error: &errDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{
		"version": s.config.Version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"agent":   s.agentID,
	})
}
