package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/owliabot/owliabot/internal/agent"
	"github.com/owliabot/owliabot/internal/devices"
	"github.com/owliabot/owliabot/pkg/models"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	list, err := s.devices.List(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, ErrInternal, "listing devices failed")
		return
	}
	var pending int
	for _, d := range list {
		if d.Status == models.DevicePending {
			pending++
		}
	}
	writeOK(w, map[string]any{
		"agent":   s.agentID,
		"devices": list,
		"pending": pending,
	})
}

// --- pairing ---

type pairRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name,omitempty"`
}

func (s *Server) handlePairRequest(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.DeviceID) == "" {
		writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "device_id is required")
		return
	}
	device, err := s.devices.RequestPairing(r.Context(), req.DeviceID, req.Name)
	if err != nil {
		s.logger.Error("pairing request failed", "device", req.DeviceID, "error", err)
		writeErr(w, http.StatusInternalServerError, ErrInternal, "pairing request failed")
		return
	}
	writeOK(w, map[string]any{"device_id": device.ID, "status": device.Status})
}

func (s *Server) handlePairStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = r.Header.Get("X-Device-Id")
	}
	if deviceID == "" {
		writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "device_id is required")
		return
	}
	status, err := s.devices.Status(r.Context(), deviceID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, ErrInternal, "status lookup failed")
		return
	}
	writeOK(w, map[string]any{"device_id": deviceID, "status": status})
}

// --- admin: device lifecycle ---

type deviceActionRequest struct {
	DeviceID      string               `json:"device_id"`
	Scopes        []models.DeviceScope `json:"scopes,omitempty"`
	ToolAllowlist []string             `json:"tool_allowlist,omitempty"`
	ToolDenylist  []string             `json:"tool_denylist,omitempty"`
}

func (r *deviceActionRequest) grant() devices.Grant {
	return devices.Grant{
		Scopes:        r.Scopes,
		ToolAllowlist: r.ToolAllowlist,
		ToolDenylist:  r.ToolDenylist,
	}
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req deviceActionRequest
	if err := decodeBody(r, &req); err != nil || req.DeviceID == "" {
		writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "device_id is required")
		return
	}
	token, err := s.devices.Approve(r.Context(), req.DeviceID, req.grant())
	if err != nil {
		s.writeDeviceErr(w, req.DeviceID, err)
		return
	}
	writeOK(w, map[string]any{"device_id": req.DeviceID, "token": token})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req deviceActionRequest
	if err := decodeBody(r, &req); err != nil || req.DeviceID == "" {
		writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "device_id is required")
		return
	}
	if err := s.devices.Reject(r.Context(), req.DeviceID); err != nil {
		s.writeDeviceErr(w, req.DeviceID, err)
		return
	}
	writeOK(w, map[string]any{"device_id": req.DeviceID, "status": "rejected"})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req deviceActionRequest
	if err := decodeBody(r, &req); err != nil || req.DeviceID == "" {
		writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "device_id is required")
		return
	}
	if err := s.devices.Revoke(r.Context(), req.DeviceID); err != nil {
		s.writeDeviceErr(w, req.DeviceID, err)
		return
	}
	writeOK(w, map[string]any{"device_id": req.DeviceID, "status": models.DeviceRevoked})
}

func (s *Server) handleScope(w http.ResponseWriter, r *http.Request) {
	var req deviceActionRequest
	if err := decodeBody(r, &req); err != nil || req.DeviceID == "" {
		writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "device_id is required")
		return
	}
	if err := s.devices.SetGrant(r.Context(), req.DeviceID, req.grant()); err != nil {
		if errors.Is(err, devices.ErrInvalidScope) {
			writeErr(w, http.StatusBadRequest, ErrInvalidRequest, err.Error())
			return
		}
		s.writeDeviceErr(w, req.DeviceID, err)
		return
	}
	writeOK(w, map[string]any{"device_id": req.DeviceID, "scopes": req.Scopes})
}

func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	var req deviceActionRequest
	if err := decodeBody(r, &req); err != nil || req.DeviceID == "" {
		writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "device_id is required")
		return
	}
	token, err := s.devices.RotateToken(r.Context(), req.DeviceID)
	if err != nil {
		s.writeDeviceErr(w, req.DeviceID, err)
		return
	}
	writeOK(w, map[string]any{"device_id": req.DeviceID, "token": token})
}

func (s *Server) writeDeviceErr(w http.ResponseWriter, deviceID string, err error) {
	switch {
	case errors.Is(err, devices.ErrNotFound):
		writeErr(w, http.StatusNotFound, ErrNotFound, "unknown device: "+deviceID)
	case errors.Is(err, devices.ErrNotPending):
		writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "device is not pending: "+deviceID)
	case errors.Is(err, devices.ErrNotPaired):
		writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "device is not paired: "+deviceID)
	default:
		s.logger.Error("device operation failed", "device", deviceID, "error", err)
		writeErr(w, http.StatusInternalServerError, ErrInternal, "device operation failed")
	}
}

// --- admin: api keys ---

type apiKeyRequest struct {
	Name   string               `json:"name"`
	Scopes []models.DeviceScope `json:"scopes"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req apiKeyRequest
	if err := decodeBody(r, &req); err != nil || req.Name == "" {
		writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "name is required")
		return
	}
	key, plaintext, err := s.devices.CreateAPIKey(r.Context(), req.Name, req.Scopes)
	if err != nil {
		if errors.Is(err, devices.ErrInvalidScope) {
			writeErr(w, http.StatusBadRequest, ErrInvalidRequest, err.Error())
			return
		}
		s.logger.Error("api key creation failed", "error", err)
		writeErr(w, http.StatusInternalServerError, ErrInternal, "api key creation failed")
		return
	}
	writeOK(w, map[string]any{"id": key.ID, "key": plaintext, "scopes": key.Scopes})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.devices.ListAPIKeys(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, ErrInternal, "listing api keys failed")
		return
	}
	writeOK(w, map[string]any{"keys": keys})
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.devices.DeleteAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, devices.ErrKeyNotFound) {
			writeErr(w, http.StatusNotFound, ErrNotFound, "unknown api key: "+id)
			return
		}
		writeErr(w, http.StatusInternalServerError, ErrInternal, "api key deletion failed")
		return
	}
	writeOK(w, map[string]any{"id": id, "deleted": true})
}

// --- events ---

// handleEventsPoll serves the per-device event log. Any authenticated
// device may poll its own feed.
func (s *Server) handleEventsPoll(w http.ResponseWriter, r *http.Request, caller *identity) {
	query := r.URL.Query()

	if ackStr := query.Get("ack"); ackStr != "" {
		ack, err := strconv.ParseInt(ackStr, 10, 64)
		if err != nil {
			writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "ack must be an integer")
			return
		}
		if err := s.infra.AckEvents(r.Context(), caller.ID, ack); err != nil {
			writeErr(w, http.StatusInternalServerError, ErrInternal, "ack failed")
			return
		}
	}

	var since int64
	if sinceStr := query.Get("since"); sinceStr != "" {
		parsed, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil {
			writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "since must be an integer")
			return
		}
		since = parsed
	}

	result, err := s.infra.PollEventsForDevice(r.Context(), caller.ID, since, s.config.EventsMaxPerDevice)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, ErrInternal, "event poll failed")
		return
	}
	if result.Dropped > 0 {
		w.Header().Set("X-Events-Dropped", strconv.Itoa(result.Dropped))
	}
	writeOK(w, map[string]any{
		"cursor": result.Cursor,
		"events": result.Events,
	})
}

// --- commands ---

type toolCallRequest struct {
	Calls []struct {
		ID        string          `json:"id,omitempty"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	} `json:"calls"`
}

type toolCallResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
}

// handleCommandTool runs a batch of tool calls through the executor
// pipeline. Each name is scope-checked against the caller before any
// execution happens.
func (s *Server) handleCommandTool(w http.ResponseWriter, r *http.Request, caller *identity) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "unreadable body")
		return
	}

	var req toolCallRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Calls) == 0 {
		writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "calls is required")
		return
	}

	// Fail closed on the whole batch before running anything.
	for _, call := range req.Calls {
		tool, ok := s.registry.Get(call.Name)
		if !ok {
			writeErr(w, http.StatusForbidden, ErrUnknownTool, "unknown tool: "+call.Name)
			return
		}
		if scope, ok := requiredScope(call.Name, tool.Security.Level); ok && !caller.HasScope(scope) {
			writeErr(w, http.StatusForbidden, ErrForbidden,
				fmt.Sprintf("tool %s requires scope %s", call.Name, scope))
			return
		}
		if !caller.AllowsTool(call.Name) {
			writeErr(w, http.StatusForbidden, ErrForbidden,
				"tool not permitted for this device: "+call.Name)
			return
		}
	}

	if replayed := s.replayIdempotent(w, r, caller, body); replayed {
		return
	}

	calls := make([]models.ToolCall, len(req.Calls))
	for i, c := range req.Calls {
		id := c.ID
		if id == "" {
			id = fmt.Sprintf("http_%d", i+1)
		}
		calls[i] = models.ToolCall{ID: id, Name: c.Name, Arguments: c.Arguments}
	}
	tcx := &agent.ToolContext{
		AgentID:        s.agentID,
		SessionKey:     fmt.Sprintf("agent:%s:http:conv:device:%s", s.agentID, caller.ID),
		Channel:        string(models.ChannelHTTP),
		ConversationID: "device:" + caller.ID,
		UserID:         caller.ID,
	}
	results := s.executor.ExecuteToolCalls(r.Context(), calls, tcx)

	out := make([]toolCallResult, len(results))
	for i, res := range results {
		out[i] = toolCallResult{
			ToolCallID: res.ToolCallID,
			ToolName:   res.ToolName,
			Success:    res.Success,
			Data:       res.Data,
			Error:      res.Error,
		}
	}
	s.respondIdempotent(w, r, caller, body, map[string]any{"results": out})
}

// requiredScope maps a tool onto the device scope it needs. Read tools
// need none. Names carrying the MCP separator always need mcp scope.
func requiredScope(name string, level agent.SecurityLevel) (models.DeviceScope, bool) {
	if strings.Contains(name, "__") {
		return models.ScopeMCP, true
	}
	switch level {
	case agent.SecurityWrite:
		return models.ScopeTier3, true
	case agent.SecuritySign:
		return models.ScopeTier1, true
	default:
		return "", false
	}
}

type systemCommandRequest struct {
	Action string `json:"action"`
}

// handleCommandSystem serves non-tool system actions.
func (s *Server) handleCommandSystem(w http.ResponseWriter, r *http.Request, caller *identity) {
	if !requireScope(w, caller, models.ScopeSystem) {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "unreadable body")
		return
	}
	var req systemCommandRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Action == "" {
		writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "action is required")
		return
	}
	if replayed := s.replayIdempotent(w, r, caller, body); replayed {
		return
	}

	switch req.Action {
	case "ping":
		s.respondIdempotent(w, r, caller, body, map[string]any{"pong": true})
	case "status":
		s.respondIdempotent(w, r, caller, body, map[string]any{
			"agent":   s.agentID,
			"version": s.config.Version,
			"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
			"tools":   len(s.registry.List()),
		})
	default:
		writeErr(w, http.StatusBadRequest, ErrInvalidRequest, "unknown action: "+req.Action)
	}
}

// --- idempotency ---

// replayIdempotent returns true when the request carried an
// Idempotency-Key with a stored response, which has been written back
// verbatim.
func (s *Server) replayIdempotent(w http.ResponseWriter, r *http.Request, caller *identity, body []byte) bool {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || s.infra == nil {
		return false
	}
	rec, err := s.infra.GetIdempotency(r.Context(), idempotencyKey(caller.ID, key))
	if err != nil {
		s.logger.Warn("idempotency lookup failed", "error", err)
		return false
	}
	if rec == nil || rec.RequestHash != requestHash(r, caller.ID, body) {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rec.Response))
	return true
}

// respondIdempotent writes the success envelope and stores the exact
// bytes for replay when an Idempotency-Key was provided.
func (s *Server) respondIdempotent(w http.ResponseWriter, r *http.Request, caller *identity, body []byte, data any) {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(envelope{OK: true, Data: data})

	if key := r.Header.Get("Idempotency-Key"); key != "" && s.infra != nil {
		err := s.infra.SaveIdempotency(r.Context(), idempotencyKey(caller.ID, key),
			requestHash(r, caller.ID, body), buf.String(), s.now().Add(idempotencyTTL))
		if err != nil {
			s.logger.Warn("idempotency save failed", "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func idempotencyKey(callerID, key string) string {
	return "http:" + callerID + ":" + key
}

func requestHash(r *http.Request, callerID string, body []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", r.Method, r.URL.Path)
	h.Write(body)
	fmt.Fprintf(h, "|%s", callerID)
	return hex.EncodeToString(h.Sum(nil))
}
