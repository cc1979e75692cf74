package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/zapgate/zapgate/internal/validate"
)

type setWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
}

type webhookResponse struct {
	InstanceID string    `json:"instanceId"`
	URL        string    `json:"url"`
	Events     []string  `json:"events,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (s *APIServer) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validate.Ident(id) {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}

	var req setWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := validate.HTTPURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.RejectPrivateURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub := s.webhooks.Set(id, req.URL, req.Events)
	writeJSON(w, http.StatusOK, webhookResponse{
		InstanceID: sub.InstanceID,
		URL:        sub.URL,
		Events:     sub.Events,
		CreatedAt:  sub.CreatedAt,
	})
}

func (s *APIServer) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sub, ok := s.webhooks.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no webhook configured for this instance")
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{
		InstanceID: sub.InstanceID,
		URL:        sub.URL,
		Events:     sub.Events,
		CreatedAt:  sub.CreatedAt,
	})
}

func (s *APIServer) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !s.webhooks.Remove(id) {
		writeError(w, http.StatusNotFound, "no webhook configured for this instance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"instanceId": id, "status": "removed"})
}
