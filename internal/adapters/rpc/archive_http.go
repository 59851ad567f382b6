package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	bundlerpc "workflow-bundles/go-backend/internal/domains/bundle/adapters/rpc"
	"workflow-bundles/go-backend/internal/domains/bundle/usecase"
)

func (s *Server) handleArchiveDownload(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.Error(w, "invalid bundle id", http.StatusBadRequest)
		return
	}
	reqID := s.requestID(w, r)
	download, err := s.service.Download(r.Context(), id)
	if err != nil {
		s.writeHTTPError(w, reqID, "bundle.download", err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Length", strconv.Itoa(len(download.Data)))
	w.Header().Set("Content-Disposition", "attachment; filename*=UTF-8''"+url.PathEscape(download.FileName))
	_, _ = w.Write(download.Data)
}

func (s *Server) handleArchiveImport(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	reqID := s.requestID(w, r)
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty archive", http.StatusBadRequest)
		return
	}
	ctx := usecase.WithActor(r.Context(), r.Header.Get(actorHeader))
	bundle, err := s.service.Import(ctx, data)
	if err != nil {
		s.writeHTTPError(w, reqID, "bundle.import", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(bundle)
}

// writeHTTPError reuses the JSON-RPC error taxonomy for the raw routes and
// picks the matching HTTP status.
func (s *Server) writeHTTPError(w http.ResponseWriter, reqID, operation string, err error) {
	mapped := bundlerpc.MapError(err, -32000)
	status := httpStatusForCode(mapped.Code)
	s.logger.Error("http request failed", "request_id", reqID, "operation", operation, "rpc_code", mapped.Code, "status", status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rpcError{Code: mapped.Code, Message: mapped.Message, Data: mapped.Data})
}

func httpStatusForCode(code int) int {
	switch code {
	case bundlerpc.CodeNotFound:
		return http.StatusNotFound
	case bundlerpc.CodeDuplicateKey, bundlerpc.CodeVersionConflict, bundlerpc.CodeStorageConflict, bundlerpc.CodeTransition:
		return http.StatusConflict
	case bundlerpc.CodeCorruptArchive, bundlerpc.CodeValidation:
		return http.StatusUnprocessableEntity
	case -32602:
		return http.StatusBadRequest
	case bundlerpc.CodeDeploymentFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
