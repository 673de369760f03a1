package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/diagnosis-cli/internal/ai"
	"github.com/sells-group/diagnosis-cli/internal/diagnosis"
	"github.com/sells-group/diagnosis-cli/internal/validate"
)

type submitResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
}

type chatRequest struct {
	Prompt       string   `json:"prompt"`
	SystemPrompt string   `json:"systemPrompt"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    int      `json:"maxTokens,omitempty"`
	LocalOnly    bool     `json:"localOnly,omitempty"`
}

type chatResponse struct {
	Success    bool      `json:"success"`
	Response   string    `json:"response"`
	Source     ai.Source `json:"source"`
	ModelUsed  string    `json:"modelUsed"`
	Disclosure string    `json:"disclosure,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"timing": s.svc.Timing(),
	}
	if s.breakers != nil {
		states := make(map[string]string)
		for name, st := range s.breakers.States() {
			states[name] = st.String()
		}
		body["breakers"] = states
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req diagnosis.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	jobID, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		var verr *diagnosis.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "입력값을 확인해 주세요", Fields: verr.Fields})
			return
		}
		zap.L().Error("api: submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "진단 요청을 처리하지 못했습니다")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{Success: true, JobID: jobID})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	resp, err := s.svc.Poll(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, diagnosis.ErrUnknownJob) {
			writeError(w, http.StatusNotFound, "진단 작업을 찾을 수 없습니다")
			return
		}
		zap.L().Error("api: poll failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "진행 상황을 불러오지 못했습니다")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !s.svc.Cleanup(chi.URLParam(r, "jobID")) {
		writeError(w, http.StatusNotFound, "진단 작업을 찾을 수 없습니다")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleValidatePhone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, validate.ValidatePhone(req.Phone))
}

func (s *Server) handleValidateEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, validate.ValidateEmail(req.Email))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, http.StatusServiceUnavailable, "AI 상담 기능이 설정되지 않았습니다")
		return
	}

	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "질문을 입력해 주세요")
		return
	}

	res, err := s.chat.CallModel(r.Context(), req.Prompt, req.SystemPrompt, ai.Options{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		LocalOnly:   req.LocalOnly,
	})
	if err != nil {
		zap.L().Warn("api: chat failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "AI 응답을 받지 못했습니다. 잠시 후 다시 시도해 주세요")
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Success:    true,
		Response:   res.Response,
		Source:     res.Source,
		ModelUsed:  res.ModelUsed,
		Disclosure: ai.DisclosureNote(res),
	})
}
