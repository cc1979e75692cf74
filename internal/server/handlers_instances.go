package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/zapgate/zapgate/internal/instance"
	"github.com/zapgate/zapgate/internal/validate"
)

type createInstanceRequest struct {
	InstanceID string `json:"instanceId"`
}

type instanceSummary struct {
	InstanceID  string    `json:"instanceId"`
	IsConnected bool      `json:"isConnected"`
	CreatedAt   time.Time `json:"createdAt"`
}

type instanceStatus struct {
	InstanceID       string     `json:"instanceId"`
	Exists           bool       `json:"exists"`
	IsConnected      bool       `json:"isConnected"`
	HasQR            bool       `json:"hasQR"`
	ConnectionStatus string     `json:"connectionStatus"`
	CreatedAt        *time.Time `json:"createdAt,omitempty"`
}

func (s *APIServer) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "instanceId is required")
		return
	}
	if !validate.Ident(req.InstanceID) {
		writeError(w, http.StatusBadRequest, "instanceId contains invalid characters")
		return
	}

	snap, created, err := s.instances.Create(r.Context(), req.InstanceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{
		"instanceId": snap.ID,
		"status":     string(snap.State),
		"qrCode":     snap.QR,
	})
}

func (s *APIServer) handleListInstances(w http.ResponseWriter, r *http.Request) {
	snapshots := s.instances.List()
	summaries := make([]instanceSummary, 0, len(snapshots))
	for _, snap := range snapshots {
		summaries = append(summaries, instanceSummary{
			InstanceID:  snap.ID,
			IsConnected: snap.Connected,
			CreatedAt:   snap.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

// handleInstanceStatus always answers 200; an unknown id is reported with
// exists:false rather than an error.
func (s *APIServer) handleInstanceStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	snap, err := s.instances.Get(id)
	if errors.Is(err, instance.ErrNotFound) {
		writeJSON(w, http.StatusOK, instanceStatus{
			InstanceID:       id,
			Exists:           false,
			ConnectionStatus: "not_found",
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	createdAt := snap.CreatedAt
	writeJSON(w, http.StatusOK, instanceStatus{
		InstanceID:       snap.ID,
		Exists:           true,
		IsConnected:      snap.Connected,
		HasQR:            snap.HasQR(),
		ConnectionStatus: string(snap.State),
		CreatedAt:        &createdAt,
	})
}

// handleInstanceQR returns the pending pairing code, creating the instance
// implicitly and waiting briefly when none is available yet.
func (s *APIServer) handleInstanceQR(w http.ResponseWriter, r *http.Request) {
	code, ok := s.waitForQR(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"qrCode": code})
}

// handleInstanceQRImage renders the pairing code as a PNG.
func (s *APIServer) handleInstanceQRImage(w http.ResponseWriter, r *http.Request) {
	code, ok := s.waitForQR(w, r)
	if !ok {
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to render QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		log.Printf("[APIServer] failed to write QR image: %v", err)
	}
}

// waitForQR resolves the pairing code for the QR endpoints, writing the 404
// response itself when none materialises. The bool reports success.
func (s *APIServer) waitForQR(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !validate.Ident(id) {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return "", false
	}

	code, err := s.instances.WaitForQR(r.Context(), id, s.opts.QRWaitTimeout)
	if errors.Is(err, instance.ErrQRNotAvailable) {
		writeError(w, http.StatusNotFound, "QR code not available (instance may already be connected)")
		return "", false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return "", false
	}
	return code, true
}

func (s *APIServer) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.instances.Delete(r.Context(), id)
	if errors.Is(err, instance.ErrNotFound) {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.webhooks != nil {
		s.webhooks.Remove(id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"instanceId": id, "status": "deleted"})
}
