package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zapgate/zapgate/internal/instance"
	"github.com/zapgate/zapgate/internal/messaging"
	"github.com/zapgate/zapgate/internal/validate"
)

type sendTextRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

type sendMediaRequest struct {
	Number  string `json:"number"`
	Image   string `json:"image,omitempty"`
	Audio   string `json:"audio,omitempty"`
	Video   string `json:"video,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type sendLocationRequest struct {
	Number    string   `json:"number"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Name      string   `json:"name,omitempty"`
}

type sendPixRequest struct {
	Number  string   `json:"number"`
	PixKey  string   `json:"pixKey"`
	Amount  *float64 `json:"amount"`
	Message string   `json:"message,omitempty"`
}

// sendContext decodes the request body and resolves the instance id shared
// by every send handler. It writes the error response itself on failure.
func sendContext(w http.ResponseWriter, r *http.Request, body interface{}) (string, bool) {
	id := r.PathValue("id")
	if !validate.Ident(id) {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return "", false
	}
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	return id, true
}

// writeSendResult maps messaging errors to the documented status codes.
func writeSendResult(w http.ResponseWriter, result messaging.SendResult, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, instance.ErrNotFound):
		writeError(w, http.StatusNotFound, "instance not found")
	case errors.Is(err, instance.ErrNotConnected):
		writeError(w, http.StatusConflict, "instance is not connected")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *APIServer) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req sendTextRequest
	id, ok := sendContext(w, r, &req)
	if !ok {
		return
	}
	if req.Number == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "number and message are required")
		return
	}

	result, err := s.messenger.SendText(r.Context(), id, req.Number, req.Message)
	writeSendResult(w, result, err)
}

func (s *APIServer) handleSendImage(w http.ResponseWriter, r *http.Request) {
	var req sendMediaRequest
	id, ok := sendContext(w, r, &req)
	if !ok {
		return
	}
	if req.Number == "" || req.Image == "" {
		writeError(w, http.StatusBadRequest, "number and image are required")
		return
	}
	if err := validate.HTTPURL(req.Image); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.messenger.SendImage(r.Context(), id, req.Number, req.Image, req.Caption)
	writeSendResult(w, result, err)
}

func (s *APIServer) handleSendAudio(w http.ResponseWriter, r *http.Request) {
	var req sendMediaRequest
	id, ok := sendContext(w, r, &req)
	if !ok {
		return
	}
	if req.Number == "" || req.Audio == "" {
		writeError(w, http.StatusBadRequest, "number and audio are required")
		return
	}
	if err := validate.HTTPURL(req.Audio); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.messenger.SendAudio(r.Context(), id, req.Number, req.Audio)
	writeSendResult(w, result, err)
}

func (s *APIServer) handleSendVideo(w http.ResponseWriter, r *http.Request) {
	var req sendMediaRequest
	id, ok := sendContext(w, r, &req)
	if !ok {
		return
	}
	if req.Number == "" || req.Video == "" {
		writeError(w, http.StatusBadRequest, "number and video are required")
		return
	}
	if err := validate.HTTPURL(req.Video); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.messenger.SendVideo(r.Context(), id, req.Number, req.Video, req.Caption)
	writeSendResult(w, result, err)
}

func (s *APIServer) handleSendLocation(w http.ResponseWriter, r *http.Request) {
	var req sendLocationRequest
	id, ok := sendContext(w, r, &req)
	if !ok {
		return
	}
	if req.Number == "" || req.Latitude == nil || req.Longitude == nil {
		writeError(w, http.StatusBadRequest, "number, latitude and longitude are required")
		return
	}

	result, err := s.messenger.SendLocation(r.Context(), id, req.Number, *req.Latitude, *req.Longitude, req.Name)
	writeSendResult(w, result, err)
}

func (s *APIServer) handleSendPix(w http.ResponseWriter, r *http.Request) {
	var req sendPixRequest
	id, ok := sendContext(w, r, &req)
	if !ok {
		return
	}
	if req.Number == "" || req.PixKey == "" || req.Amount == nil {
		writeError(w, http.StatusBadRequest, "number, pixKey and amount are required")
		return
	}

	result, err := s.messenger.SendPix(r.Context(), id, req.Number, req.PixKey, *req.Amount, req.Message)
	writeSendResult(w, result, err)
}
