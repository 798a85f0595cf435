package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/validator"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/utils"
)

// DispatchRequest is the body of POST /campaigns/{id}/dispatch.
type DispatchRequest struct {
	ClientID string `json:"client_id" validate:"required"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type dispatchResponse struct {
	Status     string `json:"status"`
	CampaignID string `json:"campaign_id"`
	JobID      string `json:"job_id"`
}

// handleCampaignDispatch enqueues a campaign run. Repeated triggers within
// the same minute share a job id and collapse on the bus.
func (s *Server) handleCampaignDispatch(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")
	log := logger.FromContext(r.Context()).With(zap.String("campaign_id", campaignID))

	var req DispatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.WriteJSONResponse(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if err := validator.Validate(req); err != nil {
		utils.WriteJSONResponse(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	payload := model.JobPayload{
		Job:          model.V1JobCampaign,
		ScheduledFor: s.now().Truncate(time.Minute),
		ClientID:     req.ClientID,
		CampaignID:   campaignID,
	}
	jobID := payload.DedupID()
	if err := s.publisher.Publish(r.Context(), model.V1JobCampaign, req.ClientID, payload, jobID); err != nil {
		log.Error("Failed to enqueue campaign dispatch", zap.Error(err))
		utils.WriteJSONResponse(w, http.StatusServiceUnavailable, errorResponse{Error: "could not enqueue campaign"})
		return
	}

	log.Info("Campaign dispatch enqueued", zap.String("client_id", req.ClientID), zap.String("job_id", jobID))
	utils.WriteJSONResponse(w, http.StatusAccepted, dispatchResponse{Status: "ACCEPTED", CampaignID: campaignID, JobID: jobID})
}
