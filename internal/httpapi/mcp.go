package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/owliabot/owliabot/internal/agent"
	"github.com/owliabot/owliabot/pkg/models"
)

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleMCP serves the JSON-RPC surface used by MCP-speaking clients:
// tools/list, tools/call, servers/list.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request, caller *identity) {
	if !caller.HasScope(models.ScopeMCP) {
		writeErr(w, http.StatusForbidden, ErrForbidden, "missing scope: mcp")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcParseError, Message: "unreadable body"}})
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcParseError, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidRequest, Message: "invalid request"}})
		return
	}

	switch req.Method {
	case "tools/list":
		s.rpcToolsList(w, req)
	case "tools/call":
		s.rpcToolsCall(w, r, caller, req)
	case "servers/list":
		s.rpcServersList(w, req)
	default:
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcMethodNotFound, Message: "method not found: " + req.Method}})
	}
}

type mcpToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (s *Server) rpcToolsList(w http.ResponseWriter, req rpcRequest) {
	defs := s.registry.List()
	tools := make([]mcpToolInfo, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, mcpToolInfo{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Parameters,
		})
	}
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": tools}})
}

type rpcToolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (s *Server) rpcToolsCall(w http.ResponseWriter, r *http.Request, caller *identity, req rpcRequest) {
	var params rpcToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidParams, Message: "name is required"}})
		return
	}
	tool, ok := s.registry.Get(params.Name)
	if !ok {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidParams, Message: "unknown tool: " + params.Name}})
		return
	}
	if scope, need := requiredScope(params.Name, tool.Security.Level); need && !caller.HasScope(scope) {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidParams, Message: "missing scope: " + string(scope)}})
		return
	}
	if !caller.AllowsTool(params.Name) {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidParams, Message: "tool not permitted for this device: " + params.Name}})
		return
	}

	tcx := &agent.ToolContext{
		AgentID:        s.agentID,
		SessionKey:     "agent:" + s.agentID + ":http:conv:device:" + caller.ID,
		Channel:        string(models.ChannelHTTP),
		ConversationID: "device:" + caller.ID,
		UserID:         caller.ID,
	}
	result := s.executor.ExecuteToolCall(r.Context(), models.ToolCall{
		ID:        "mcp_1",
		Name:      params.Name,
		Arguments: params.Arguments,
	}, tcx)

	if !result.Success {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInternalError, Message: result.Error}})
		return
	}
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
		"content": []map[string]any{{"type": "text", "text": renderToolData(result.Data)}},
	}})
}

// rpcServersList groups registered MCP-bridged tools by their server
// prefix (the part before the "__" separator).
func (s *Server) rpcServersList(w http.ResponseWriter, req rpcRequest) {
	seen := make(map[string]int)
	for _, def := range s.registry.List() {
		if i := strings.Index(def.Name, "__"); i > 0 {
			seen[def.Name[:i]]++
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	servers := make([]map[string]any, 0, len(names))
	for _, name := range names {
		servers = append(servers, map[string]any{"name": name, "tools": seen[name]})
	}
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"servers": servers}})
}

func renderToolData(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	// JSON-RPC errors still ride on HTTP 200.
	writeJSON(w, http.StatusOK, resp)
}
