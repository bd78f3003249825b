package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Iron-Ham/crew/internal/errors"
)

const jsonrpcVersion = "2.0"

// JSON-RPC 2.0 standard error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// rpcRequest is a JSON-RPC 2.0 request, or a notification when ID is absent.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *rpcRequest) isNotification() bool { return len(r.ID) == 0 }

// rpcResponse carries exactly one of Result or Error.
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

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func invalidParams(format string, args ...any) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// rpcMethod handles one JSON-RPC method. A nil result is sent as {}.
type rpcMethod func(ctx context.Context, params json.RawMessage) (any, error)

// serveRPC decodes one JSON-RPC request and dispatches it to methods.
// Protocol errors are reported in the response body with status 200;
// notifications are answered with 202 and no body.
func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request, methods map[string]rpcMethod) {
	var req rpcRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeRPC(w, r, nil, nil, &rpcError{Code: codeParseError, Message: "parse error: " + err.Error()})
		return
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		s.writeRPC(w, r, req.ID, nil, &rpcError{Code: codeInvalidRequest, Message: "expected a JSON-RPC 2.0 request with a method"})
		return
	}

	method, ok := methods[req.Method]
	if !ok {
		if req.isNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		s.writeRPC(w, r, req.ID, nil, &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method})
		return
	}

	result, err := method(r.Context(), req.Params)
	if req.isNotification() {
		if err != nil {
			s.logger.Warn("rpc notification failed", "method", req.Method, "error", err.Error())
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.writeRPC(w, r, req.ID, result, err)
}

func (s *Server) writeRPC(w http.ResponseWriter, r *http.Request, id json.RawMessage, result any, err error) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	resp := rpcResponse{JSONRPC: jsonrpcVersion, ID: id}
	switch {
	case err != nil:
		resp.Error = s.rpcErrorFor(r, err)
	case result == nil:
		resp.Result = struct{}{}
	default:
		resp.Result = result
	}
	writeJSON(w, http.StatusOK, resp)
}

// rpcErrorFor maps the error taxonomy onto JSON-RPC error codes.
func (s *Server) rpcErrorFor(r *http.Request, err error) *rpcError {
	var (
		rerr *rpcError
		verr *errors.ValidationError
	)
	switch {
	case errors.As(err, &rerr):
		return rerr
	case errors.As(err, &verr),
		errors.Is(err, errors.ErrInvalidInput),
		errors.Is(err, errors.ErrSessionNotFound):
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}
	s.logger.Error("rpc request failed", "path", r.URL.Path, "error", err.Error())
	return &rpcError{Code: codeInternalError, Message: err.Error()}
}

// decodeParams unmarshals params into v. Absent params leave v untouched.
func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("decode params: %v", err)
	}
	return nil
}
