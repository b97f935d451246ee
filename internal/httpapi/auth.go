package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/owliabot/owliabot/internal/devices"
	"github.com/owliabot/owliabot/pkg/models"
)

// identity is an authenticated HTTP caller, either a paired device or
// an API key.
type identity struct {
	ID            string
	Scopes        []models.DeviceScope
	ToolAllowlist []string
	ToolDenylist  []string
}

// HasScope mirrors the device semantics: admin implies everything.
func (id *identity) HasScope(scope models.DeviceScope) bool {
	for _, s := range id.Scopes {
		if s == scope || s == models.ScopeAdmin {
			return true
		}
	}
	return false
}

// AllowsTool applies the caller's tool filter. The denylist always
// wins; an empty allowlist admits every tool the scopes permit.
func (id *identity) AllowsTool(name string) bool {
	for _, t := range id.ToolDenylist {
		if t == name {
			return false
		}
	}
	if len(id.ToolAllowlist) == 0 {
		return true
	}
	for _, t := range id.ToolAllowlist {
		if t == name {
			return true
		}
	}
	return false
}

type deviceHandler func(w http.ResponseWriter, r *http.Request, caller *identity)

// gatewayAuth admits requests carrying the static gateway token.
func (s *Server) gatewayAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Gateway-Token")
		if s.config.GatewayToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.config.GatewayToken)) != 1 {
			writeErr(w, http.StatusUnauthorized, ErrUnauthorized, "invalid gateway token")
			return
		}
		next(w, r)
	}
}

// deviceAuth resolves the caller from either a bearer API key or the
// device id/token header pair. Unknown device ids are auto-enrolled as
// pending when enabled.
func (s *Server) deviceAuth(next deviceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			plaintext := strings.TrimPrefix(auth, "Bearer ")
			key, err := s.devices.AuthenticateAPIKey(ctx, plaintext)
			if err != nil {
				writeErr(w, http.StatusUnauthorized, ErrUnauthorized, "invalid api key")
				return
			}
			s.serveAuthed(w, r, &identity{ID: "key:" + key.ID, Scopes: key.Scopes}, next)
			return
		}

		deviceID := r.Header.Get("X-Device-Id")
		deviceToken := r.Header.Get("X-Device-Token")
		if deviceID == "" {
			writeErr(w, http.StatusUnauthorized, ErrUnauthorized, "missing credentials")
			return
		}

		device, err := s.devices.Authenticate(ctx, deviceID, deviceToken)
		switch {
		case err == nil:
			s.serveAuthed(w, r, &identity{
				ID:            device.ID,
				Scopes:        device.Scopes,
				ToolAllowlist: device.ToolAllowlist,
				ToolDenylist:  device.ToolDenylist,
			}, next)
		case errors.Is(err, devices.ErrNotFound):
			if s.config.AutoEnroll {
				if _, enrollErr := s.devices.RequestPairing(ctx, deviceID, ""); enrollErr != nil {
					s.logger.Warn("auto-enroll failed", "device", deviceID, "error", enrollErr)
				}
			}
			writeErr(w, http.StatusUnauthorized, ErrDeviceNotPaired, "device not paired")
		case errors.Is(err, devices.ErrNotPaired):
			writeErr(w, http.StatusUnauthorized, ErrDeviceNotPaired, "device not paired")
		case errors.Is(err, devices.ErrBadToken):
			writeErr(w, http.StatusUnauthorized, ErrUnauthorized, "invalid device token")
		default:
			s.logger.Error("device auth failed", "error", err)
			writeErr(w, http.StatusInternalServerError, ErrInternal, "authentication failed")
		}
	}
}

// serveAuthed applies the per-device rate limit before the handler.
func (s *Server) serveAuthed(w http.ResponseWriter, r *http.Request, caller *identity, next deviceHandler) {
	if s.config.DeviceRateMax > 0 && s.infra != nil {
		decision, err := s.infra.CheckRateLimit(r.Context(),
			"device:"+caller.ID, s.config.DeviceRateWindow, s.config.DeviceRateMax, s.now())
		if err != nil {
			s.logger.Error("device rate check failed", "error", err)
		} else if !decision.Allowed {
			if s.metrics != nil {
				s.metrics.RateLimitCounter.WithLabelValues("device").Inc()
			}
			w.Header().Set("X-RateLimit-Reset", decision.ResetAt.UTC().Format("2006-01-02T15:04:05Z07:00"))
			writeErr(w, http.StatusTooManyRequests, ErrRateLimit, "device rate limit exceeded")
			return
		}
	}
	next(w, r, caller)
}

// requireScope fails closed with 403 when the caller lacks the scope.
func requireScope(w http.ResponseWriter, caller *identity, scope models.DeviceScope) bool {
	if !caller.HasScope(scope) {
		writeErr(w, http.StatusForbidden, ErrForbidden, "missing scope: "+string(scope))
		return false
	}
	return true
}
