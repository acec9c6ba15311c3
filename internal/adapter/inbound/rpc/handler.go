package rpc

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/trustgate/trustgate/internal/domain/session"
	"github.com/trustgate/trustgate/internal/domain/trust"
	"github.com/trustgate/trustgate/internal/service"
	"github.com/trustgate/trustgate/pkg/rpc"
)

// SessionHeader carries the session id on every request after initialize.
const SessionHeader = "Mcp-Session-Id"

// protocolVersion is the protocol revision advertised in initialize.
const protocolVersion = "2024-11-05"

// maxBodyBytes bounds a single JSON-RPC request body.
const maxBodyBytes = 4 << 20

// Handler serves the session surface on a single path: POST carries
// JSON-RPC, GET opens a server-event stream, DELETE ends the session.
type Handler struct {
	sessions   *SessionStore
	dispatcher *service.Dispatcher
	logger     *slog.Logger

	serverName    string
	serverVersion string
}

// NewHandler creates the transport handler.
func NewHandler(sessions *SessionStore, dispatcher *service.Dispatcher, serverName, serverVersion string, logger *slog.Logger) *Handler {
	return &Handler{
		sessions:      sessions,
		dispatcher:    dispatcher,
		logger:        logger,
		serverName:    serverName,
		serverVersion: serverVersion,
	}
}

// ServeHTTP routes by method.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost processes one JSON-RPC message.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeRPC(w, http.StatusBadRequest, rpc.NewErrorResponse(nil, rpc.CodeParseError, "unreadable body"))
		return
	}

	msg, err := rpc.WrapMessage(body, r.Header.Get(SessionHeader))
	if err != nil {
		h.writeRPC(w, http.StatusBadRequest, rpc.NewErrorResponse(nil, rpc.CodeParseError, "invalid JSON-RPC message"))
		return
	}
	if !msg.IsRequest() {
		// Client-side responses have nowhere to go on this surface.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// initialize is the only method that runs without a session.
	if msg.Method() == rpc.MethodInitialize {
		h.handleInitialize(w, msg)
		return
	}

	sess, ok := h.sessions.Get(msg.SessionID)
	if !ok {
		h.writeRPC(w, http.StatusNotFound,
			rpc.NewErrorResponse(msg.RawID(), rpc.CodeBadSession, "unknown or expired session"))
		return
	}

	if msg.IsNotification() {
		// notifications/initialized and friends: acknowledged, no body.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch msg.Method() {
	case "ping":
		h.writeResult(w, msg, map[string]any{})
	case rpc.MethodToolsList:
		h.writeResult(w, msg, map[string]any{"tools": h.dispatcher.Catalog()})
	case rpc.MethodToolsCall:
		h.handleToolCall(w, r, msg, sess)
	default:
		h.writeRPC(w, http.StatusOK,
			rpc.NewErrorResponse(msg.RawID(), rpc.CodeMethodNotFound,
				fmt.Sprintf("method %q not found", msg.Method())))
	}
}

// handleInitialize mints a session. The agent name from clientInfo is
// required: anonymous agents cannot be audited or policy-matched.
func (h *Handler) handleInitialize(w http.ResponseWriter, msg *rpc.Message) {
	params := msg.ParseParams()
	agent := parseClientInfo(params)
	if agent.Name == "" {
		h.writeRPC(w, http.StatusBadRequest,
			rpc.NewErrorResponse(msg.RawID(), rpc.CodeInvalidRequest,
				"initialize requires clientInfo.name"))
		return
	}

	sess, err := h.sessions.Create(agent)
	if err != nil {
		h.writeRPC(w, http.StatusInternalServerError,
			rpc.NewErrorResponse(msg.RawID(), rpc.CodeInternalError, "session creation failed"))
		return
	}
	h.logger.Info("session initialized",
		"session_id", sess.ID, "agent", agent.Name, "agent_version", agent.Version)

	w.Header().Set(SessionHeader, sess.ID)
	h.writeResult(w, msg, map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo": map[string]any{
			"name":    h.serverName,
			"version": h.serverVersion,
		},
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
	})
}

// handleToolCall runs one tool through the dispatcher.
func (h *Handler) handleToolCall(w http.ResponseWriter, r *http.Request, msg *rpc.Message, sess *session.Session) {
	params := msg.ParseParams()
	name, _ := params["name"].(string)
	if name == "" {
		h.writeRPC(w, http.StatusOK,
			rpc.NewErrorResponse(msg.RawID(), rpc.CodeInvalidRequest, "tools/call requires name"))
		return
	}
	args, _ := params["arguments"].(map[string]any)

	result, err := h.dispatcher.Dispatch(r.Context(), service.ToolCall{
		Name:  name,
		Args:  args,
		Agent: sess.Agent,
	})
	if err != nil {
		if trust.KindOf(err) == trust.KindProtocol {
			h.writeRPC(w, http.StatusOK,
				rpc.NewErrorResponse(msg.RawID(), rpc.CodeInvalidRequest, err.Error()))
			return
		}
		h.logger.Error("tool call failed",
			"tool", name, "session_id", sess.ID, "error", err)
		h.writeResult(w, msg, toolErrorResult(err))
		return
	}
	if result.Denied {
		h.writeResult(w, msg, deniedResult(result))
		return
	}
	h.writeResult(w, msg, toolContentResult(result.Content))
}

// handleGet opens a server-event stream for the session. The gateway pushes
// no unsolicited events today; the stream exists so clients expecting the
// dual-channel transport can connect and block until shutdown.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.sessions.Get(r.Header.Get(SessionHeader)); !ok {
		http.Error(w, "unknown or expired session", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	<-r.Context().Done()
}

// handleDelete ends the session.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if !h.sessions.Delete(id) {
		http.Error(w, "unknown or expired session", http.StatusNotFound)
		return
	}
	h.logger.Info("session closed", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// parseClientInfo lifts the agent identity out of initialize params.
func parseClientInfo(params map[string]any) session.AgentInfo {
	info, _ := params["clientInfo"].(map[string]any)
	name, _ := info["name"].(string)
	version, _ := info["version"].(string)
	return session.AgentInfo{Name: name, Version: version}
}

// toolContentResult wraps tool output in the text-content result shape.
func toolContentResult(content any) map[string]any {
	text, err := json.Marshal(content)
	if err != nil {
		return toolErrorResult(err)
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
	}
}

// deniedResult reports a policy denial as a tool error result, keeping the
// RPC layer successful: the call was handled, the answer is no.
func deniedResult(res service.ToolResult) map[string]any {
	body := map[string]any{"denied": true, "reason": res.Reason}
	if res.ApprovalID != "" {
		body["approvalId"] = res.ApprovalID
	}
	text, _ := json.Marshal(body)
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
		"isError": true,
	}
}

func toolErrorResult(err error) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": err.Error()}},
		"isError": true,
	}
}

func (h *Handler) writeResult(w http.ResponseWriter, msg *rpc.Message, result any) {
	out, err := rpc.NewResultResponse(msg.RawID(), result)
	if err != nil {
		out = rpc.NewErrorResponse(msg.RawID(), rpc.CodeInternalError, "response encoding failed")
	}
	h.writeRPC(w, http.StatusOK, out)
}

func (h *Handler) writeRPC(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.Debug("response write failed", "error", err)
	}
}
