package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/tsunagi-ai/tsunagi/internal/ctxutil"
	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/topics"
)

type aggregateRequest struct {
	Mode                model.AggregationMode `json:"mode"`
	MeetingID           *uuid.UUID            `json:"meeting_id,omitempty"`
	SimilarityThreshold *float64              `json:"similarity_threshold,omitempty"`
}

// handleTopicsAggregate runs one aggregation pass for the caller's tenant.
func (h *Handlers) handleTopicsAggregate(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	var req aggregateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "malformed request body")
		return
	}

	report, err := h.topics.Aggregate(r.Context(), topics.Request{
		OrgID:     claims.OrgID,
		Mode:      req.Mode,
		MeetingID: req.MeetingID,
		Threshold: req.SimilarityThreshold,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}
