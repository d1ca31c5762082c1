package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/shortlink"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success("healthy"))
}

// linkHandler validates a short-link token and returns the media object id
// it addresses. Invalid tokens are a boundary 4xx, never a core failure.
func (s *Server) linkHandler(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	id, err := shortlink.Decode(token)
	if err != nil {
		slog.Debug("API link token rejected", "token", token, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid link token"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]uint64{"media_object_id": id}))
}

// replyHandler is the inbound webhook for participant replies.
func (s *Server) replyHandler(w http.ResponseWriter, r *http.Request) {
	var resp models.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON body"))
		return
	}
	if resp.From == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("from is required"))
		return
	}

	if err := s.stateMachine.IngestResponse(r.Context(), resp); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
			return
		}
		slog.Error("API reply ingestion failed", "error", err, "from", resp.From)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to process reply"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Recorded("reply processed"))
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("participant")
	if participantID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("participant query parameter is required"))
		return
	}
	messages, err := s.store.ListDialogMessages(participantID)
	if err != nil {
		slog.Error("API message listing failed", "error", err, "participantID", participantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to list messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messages))
}

// resolveRequest is the payload for manually solving an answered message.
type resolveRequest struct {
	CleanedAnswer string `json:"cleaned_answer,omitempty"`
}

func (s *Server) resolveHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resolveRequest
	if r.Body != nil {
		// An empty body means "resolve with the original answer".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := s.stateMachine.Resolve(r.Context(), id, req.CleanedAnswer); err != nil {
		switch {
		case errors.Is(err, models.ErrMessageNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("message not found"))
		case errors.Is(err, models.ErrInvalidTransition):
			writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		default:
			slog.Error("API resolve failed", "error", err, "id", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to resolve message"))
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) viewedHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.SetMediaContentViewed(id); err != nil {
		if errors.Is(err, models.ErrMessageNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("message not found"))
			return
		}
		slog.Error("API media viewed update failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to update message"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Recorded("media content viewed"))
}

// surveyNextRequest asks for the next screening-survey slide.
type surveyNextRequest struct {
	ParticipantID string `json:"participant_id"`
	SlideID       string `json:"slide_id"`
}

// surveyNextResult carries the navigation decision. Redirected false means
// the participant stays on the current slide.
type surveyNextResult struct {
	NextSlide  string `json:"next_slide,omitempty"`
	Redirected bool   `json:"redirected"`
}

func (s *Server) surveyNextHandler(w http.ResponseWriter, r *http.Request) {
	var req surveyNextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON body"))
		return
	}
	if req.ParticipantID == "" || req.SlideID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("participant_id and slide_id are required"))
		return
	}

	slideRules, err := s.store.GetSlideRules(req.SlideID)
	if err != nil {
		slog.Error("API slide rule load failed", "error", err, "slideID", req.SlideID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load slide rules"))
		return
	}
	vars, err := s.store.GetVariables(req.ParticipantID)
	if err != nil {
		slog.Error("API variable load failed", "error", err, "participantID", req.ParticipantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load variables"))
		return
	}

	next, redirected := s.navigator.NextSlide(req.SlideID, slideRules, vars)
	writeJSONResponse(w, http.StatusOK, models.Success(surveyNextResult{NextSlide: next, Redirected: redirected}))
}

// surveyCompleteRequest marks a participant's screening survey performed.
type surveyCompleteRequest struct {
	ParticipantID string `json:"participant_id"`
}

func (s *Server) surveyCompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req surveyCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("participant_id is required"))
		return
	}

	status, err := s.store.GetDialogStatus(req.ParticipantID)
	if err != nil {
		slog.Error("API dialog status load failed", "error", err, "participantID", req.ParticipantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load dialog status"))
		return
	}
	if status == nil {
		status = &models.DialogStatus{ParticipantID: req.ParticipantID}
	}
	if !status.ScreeningSurveyPerformed {
		status.ScreeningSurveyPerformed = true
		status.ScreeningSurveyPerformedAt = s.stateMachine.Now()
		if err := s.store.SaveDialogStatus(*status); err != nil {
			slog.Error("API dialog status save failed", "error", err, "participantID", req.ParticipantID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to save dialog status"))
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Recorded("screening survey completed"))
}
