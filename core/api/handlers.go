package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	coreerrors "github.com/davidahmann/attend/core/errors"
	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
	"github.com/davidahmann/attend/core/schema/validate"
	"github.com/davidahmann/attend/core/timeline"
	"github.com/davidahmann/attend/internal/log"
)

func (h *handler) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, HealthResponse{OK: true, Service: "attend"})
}

func (h *handler) handleIngest(writer http.ResponseWriter, request *http.Request) {
	payload, ok := h.readBody(writer, request)
	if !ok {
		return
	}
	if err := validate.ValidateEvent(payload); err != nil {
		h.writeClassified(writer, err)
		return
	}
	var event schema.ActivityEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		writeError(writer, http.StatusBadRequest, "decode event JSON")
		return
	}
	outcome, err := h.engine.Ingest(request.Context(), event)
	if err != nil {
		h.writeClassified(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, IngestResponse{
		OK:        true,
		Session:   outcome.Session,
		Created:   outcome.Created,
		Duplicate: outcome.Duplicate,
		Orphaned:  outcome.Orphaned,
		Warnings:  outcome.Warnings,
		Finalized: outcome.Finalized,
	})
}

func (h *handler) handleFinalize(writer http.ResponseWriter, request *http.Request) {
	payload, ok := h.readBody(writer, request)
	if !ok {
		return
	}
	var finalizeRequest FinalizeRequest
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &finalizeRequest); err != nil {
			writeError(writer, http.StatusBadRequest, "decode request JSON")
			return
		}
	}
	options := timeline.FinalizeOptions{ScheduledDurationMinutes: finalizeRequest.ScheduledDurationMinutes}
	if finalizeRequest.EndedAt != nil {
		options.EndedAt = finalizeRequest.EndedAt.UTC()
	}
	if finalizeRequest.ScheduledStart != nil {
		options.ScheduledStart = finalizeRequest.ScheduledStart.UTC()
	}
	outcome, err := h.engine.Finalize(request.Context(), chi.URLParam(request, "sessionID"), options)
	if err != nil {
		h.writeClassified(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, OutcomeResponse{OK: true, Outcome: outcome})
}

func (h *handler) handleRevalidate(writer http.ResponseWriter, request *http.Request) {
	outcome, err := h.engine.Revalidate(request.Context(), chi.URLParam(request, "sessionID"))
	if err != nil {
		h.writeClassified(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, OutcomeResponse{OK: true, Outcome: outcome})
}

func (h *handler) handleSession(writer http.ResponseWriter, request *http.Request) {
	sessionID := chi.URLParam(request, "sessionID")
	session, err := h.engine.Session(sessionID)
	if err != nil {
		h.writeClassified(writer, err)
		return
	}
	results := h.engine.Results(sessionID)
	if results == nil {
		results = []schema.ValidationResult{}
	}
	writeJSON(writer, http.StatusOK, SessionResponse{OK: true, Session: session, Results: results})
}

func (h *handler) handleRecord(writer http.ResponseWriter, request *http.Request) {
	record, err := h.engine.Record(request.Context(), chi.URLParam(request, "blockID"))
	if err != nil {
		h.writeClassified(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, RecordResponse{OK: true, Record: record})
}

func (h *handler) handleVerifyRecord(writer http.ResponseWriter, request *http.Request) {
	verification, err := h.engine.VerifyRecord(request.Context(), chi.URLParam(request, "blockID"))
	if err != nil {
		h.writeClassified(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, RecordVerifyResponse{OK: true, RecordVerification: verification})
}

func (h *handler) handleTamper(writer http.ResponseWriter, request *http.Request) {
	report, err := h.engine.DetectTampering(request.Context(), chi.URLParam(request, "blockID"))
	if err != nil {
		h.writeClassified(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, TamperResponse{OK: true, TamperReport: report})
}

// handleVerifyChain accepts the chain key path-escaped because participant and
// counterparty are joined with a slash.
func (h *handler) handleVerifyChain(writer http.ResponseWriter, request *http.Request) {
	chainKey, err := url.PathUnescape(chi.URLParam(request, "chainKey"))
	if err != nil || strings.TrimSpace(chainKey) == "" {
		writeError(writer, http.StatusBadRequest, "invalid chain key")
		return
	}
	verification, err := h.engine.VerifyChain(request.Context(), chainKey)
	if err != nil {
		h.writeClassified(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, ChainVerifyResponse{OK: true, ChainVerification: verification})
}

func (h *handler) handleMerkle(writer http.ResponseWriter, request *http.Request) {
	payload, ok := h.readBody(writer, request)
	if !ok {
		return
	}
	var merkleRequest MerkleRequest
	if err := json.Unmarshal(payload, &merkleRequest); err != nil {
		writeError(writer, http.StatusBadRequest, "decode request JSON")
		return
	}
	root, err := h.engine.MerkleRoot(request.Context(), merkleRequest.BlockIDs)
	if err != nil {
		h.writeClassified(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, MerkleResponse{OK: true, Root: root, BlockIDs: merkleRequest.BlockIDs})
}

func (h *handler) readBody(writer http.ResponseWriter, request *http.Request) ([]byte, bool) {
	request.Body = http.MaxBytesReader(writer, request.Body, h.maxRequestBytes)
	payload, err := io.ReadAll(request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(writer, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		writeError(writer, http.StatusBadRequest, "read request body")
		return nil, false
	}
	return payload, true
}

func (h *handler) writeClassified(writer http.ResponseWriter, err error) {
	status := statusForCategory(coreerrors.CategoryOf(err))
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str(log.FieldStatus, http.StatusText(status)).Msg("request failed")
	}
	writeJSON(writer, status, ErrorResponse{
		OK:        false,
		Error:     err.Error(),
		ErrorCode: coreerrors.CodeOf(err),
		Category:  string(coreerrors.CategoryOf(err)),
		Retryable: coreerrors.RetryableOf(err),
		Hint:      coreerrors.HintOf(err),
	})
}

func statusForCategory(category coreerrors.Category) int {
	switch category {
	case coreerrors.CategoryInvalidInput:
		return http.StatusBadRequest
	case coreerrors.CategoryNotFound:
		return http.StatusNotFound
	case coreerrors.CategoryVerification:
		return http.StatusUnprocessableEntity
	case coreerrors.CategoryStateContention:
		return http.StatusConflict
	case coreerrors.CategoryDependencyMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(writer http.ResponseWriter, status int, message string) {
	writeJSON(writer, status, ErrorResponse{OK: false, Error: strings.TrimSpace(message)})
}

func writeJSON(writer http.ResponseWriter, status int, value any) {
	encoded, err := json.Marshal(value)
	if err != nil {
		http.Error(writer, `{"ok":false,"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_, _ = writer.Write(append(encoded, '\n'))
}
