package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	bundlerpc "workflow-bundles/go-backend/internal/domains/bundle/adapters/rpc"
	"workflow-bundles/go-backend/internal/domains/bundle/usecase"
)

type rpcRequest struct {
	JSONRPC    string          `json:"jsonrpc"`
	ID         json.RawMessage `json:"id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params"`
	APIVersion *int            `json:"api_version,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32700, Message: "parse error"},
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if rpcErr := validateRPCAPIVersion(req.APIVersion); rpcErr != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}

	reqID := s.requestID(w, r)
	cacheKey := ""
	requestHash := ""
	if _, ok := idempotentMethods[req.Method]; ok {
		cacheKey = rpcIdempotencyKey(r.Header.Get(rpcIdempotencyHeader), s.extractRPCToken(r), req.Method)
	}
	if cacheKey != "" {
		requestHash = rpcRequestHash(req)
		cached, hit, mismatch := s.idempotency.get(cacheKey, requestHash, s.now())
		if mismatch {
			writeRPC(w, rpcResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &rpcError{Code: -32090, Message: "idempotency key reused with a different request"},
			})
			return
		}
		if hit {
			s.logger.Info("rpc replayed", "request_id", reqID, "method", req.Method)
			cached.ID = req.ID
			writeRPC(w, cached)
			return
		}
	}

	started := s.now()
	s.logger.Info("rpc request", "request_id", reqID, "method", req.Method, "rpc_id", string(req.ID))
	ctx := usecase.WithActor(r.Context(), r.Header.Get(actorHeader))
	result, rpcErr := s.dispatchRPC(ctx, req.Method, req.Params)
	latency := s.now().Sub(started).Milliseconds()
	if rpcErr != nil {
		s.logger.Error("rpc failed", "request_id", reqID, "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", latency)
	} else {
		s.logger.Info("rpc response", "request_id", reqID, "method", req.Method, "latency_ms", latency)
	}
	resp := rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	}
	if cacheKey != "" && !s.idempotency.remember(cacheKey, requestHash, resp, s.now()) {
		s.logger.Info("rpc result not replayable", "request_id", reqID, "method", req.Method)
	}
	writeRPC(w, resp)
}

func (s *Server) dispatchRPC(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpcError) {
	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil
	case "rpc.version":
		return rpcVersionInfo(), nil
	}
	if result, rpcErr, ok := bundlerpc.Dispatch(ctx, s.service, method, rawParams); ok {
		if rpcErr != nil {
			return nil, &rpcError{Code: rpcErr.Code, Message: rpcErr.Message, Data: rpcErr.Data}
		}
		return result, nil
	}
	return nil, &rpcError{Code: -32601, Message: "method not found"}
}

// requestID echoes the caller's request id or assigns one.
func (s *Server) requestID(w http.ResponseWriter, r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if id == "" || len(id) > 128 {
		id = fmt.Sprintf("rpc_%d", s.now().UnixNano())
	}
	w.Header().Set(requestIDHeader, id)
	return id
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: -32600, Message: "invalid request"},
	})
}
