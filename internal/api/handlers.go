package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tokenbridge/internal/registry"
	"github.com/xkilldash9x/tokenbridge/pkg/credstore"
)

type startRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	OTPSecret string `json:"otp_secret"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if (req.Email == "") != (req.Password == "") {
		s.writeJSON(w, http.StatusBadRequest,
			errorResponse{Error: "email and password must be supplied together"})
		return
	}

	st, err := s.registry.Start(registry.StartRequest{
		Email:     req.Email,
		Password:  req.Password,
		OTPSecret: req.OTPSecret,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.registry.Status(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	shot, err := s.registry.Screenshot(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(shot); err != nil {
		s.logger.Debug("screenshot write failed", zap.Error(err))
	}
}

type submitCodeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleSubmitCode(w http.ResponseWriter, r *http.Request) {
	var req submitCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "code is required"})
		return
	}

	id := chi.URLParam(r, "sessionID")
	if err := s.registry.SubmitCode(r.Context(), id, req.Code); err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.registry.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	cred, err := s.registry.Finish(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cred)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.registry.Cancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.registry.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, st)
}

type addTokenRequest struct {
	Label string `json:"label"`
	Token string `json:"token"`
}

// handleAddToken registers a token obtained outside any browser session. It
// goes through the same identity validation as captured tokens.
func (s *Server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req addTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "token is required"})
		return
	}

	ident, err := s.validator.Validate(r.Context(), req.Token)
	if err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}

	label := strings.TrimSpace(req.Label)
	if label == "" {
		label = ident.Name
	}
	cred := credstore.Credential{
		ID:          uuid.NewString(),
		Label:       label,
		AccountID:   ident.ID,
		AccountName: ident.Name,
		Token:       req.Token,
		Source:      credstore.SourceDirect,
		CapturedAt:  time.Now().UTC(),
	}
	if err := s.store.Save(r.Context(), cred); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.store.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if creds == nil {
		creds = []credstore.Credential{}
	}
	s.writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
