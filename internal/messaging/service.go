// Package messaging implements outbound message composition and delivery
// on top of a connected instance's session.
package messaging

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/zapgate/zapgate/internal/wasocket"
)

// SessionSource resolves a live session for a connected instance. The
// supervisor implements it; tests substitute fakes.
type SessionSource interface {
	SessionFor(instanceID string) (wasocket.Session, error)
}

// SendResult reports a delivered message.
type SendResult struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// Service sends text, media, location and PIX messages through instance
// sessions. Remote media URLs are downloaded before handing the payload to
// the session.
type Service struct {
	sessions SessionSource
	media    *MediaFetcher
}

// NewService creates a messaging service.
func NewService(sessions SessionSource) *Service {
	return &Service{
		sessions: sessions,
		media:    NewMediaFetcher(),
	}
}

// FormatNumber normalises a phone number to a protocol JID: every
// non-digit is stripped and the messaging domain appended. Inputs that
// already carry a domain are passed through untouched.
func FormatNumber(number string) string {
	if strings.Contains(number, "@") {
		return number
	}
	var digits strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String() + "@s.whatsapp.net"
}

// SendText sends a plain text message.
func (s *Service) SendText(ctx context.Context, instanceID, number, text string) (SendResult, error) {
	return s.send(ctx, instanceID, number, wasocket.Outbound{Text: text})
}

// SendImage downloads the image at imageURL and sends it with an optional
// caption.
func (s *Service) SendImage(ctx context.Context, instanceID, number, imageURL, caption string) (SendResult, error) {
	data, contentType, err := s.media.Fetch(ctx, imageURL)
	if err != nil {
		return SendResult{}, err
	}
	return s.send(ctx, instanceID, number, wasocket.Outbound{
		Image:    data,
		Caption:  caption,
		MimeType: contentType,
	})
}

// SendAudio downloads the audio at audioURL and sends it as a voice note.
func (s *Service) SendAudio(ctx context.Context, instanceID, number, audioURL string) (SendResult, error) {
	data, _, err := s.media.Fetch(ctx, audioURL)
	if err != nil {
		return SendResult{}, err
	}
	return s.send(ctx, instanceID, number, wasocket.Outbound{
		Audio:    data,
		MimeType: "audio/mp4",
		PTT:      true,
	})
}

// SendVideo downloads the video at videoURL and sends it with an optional
// caption.
func (s *Service) SendVideo(ctx context.Context, instanceID, number, videoURL, caption string) (SendResult, error) {
	data, _, err := s.media.Fetch(ctx, videoURL)
	if err != nil {
		return SendResult{}, err
	}
	return s.send(ctx, instanceID, number, wasocket.Outbound{
		Video:    data,
		Caption:  caption,
		MimeType: "video/mp4",
	})
}

// SendLocation sends a geographic point with an optional place name.
func (s *Service) SendLocation(ctx context.Context, instanceID, number string, latitude, longitude float64, name string) (SendResult, error) {
	return s.send(ctx, instanceID, number, wasocket.Outbound{
		Location: &wasocket.Location{
			Latitude:  latitude,
			Longitude: longitude,
			Name:      name,
		},
	})
}

// SendPix sends a PIX payment request: a formatted text block plus a
// copy-key quick-reply button.
func (s *Service) SendPix(ctx context.Context, instanceID, number, pixKey string, amount float64, message string) (SendResult, error) {
	if message == "" {
		message = "Pagamento via PIX"
	}
	return s.send(ctx, instanceID, number, wasocket.Outbound{
		Text:   fmt.Sprintf("%s\n\n💰 Valor: R$ %.2f\n🔑 Chave PIX: %s", message, amount, pixKey),
		Footer: "Clique no botão abaixo para copiar a chave PIX",
		Buttons: []wasocket.Button{
			{ID: "copy_pix", Text: "📋 Copiar Chave PIX"},
		},
	})
}

func (s *Service) send(ctx context.Context, instanceID, number string, out wasocket.Outbound) (SendResult, error) {
	session, err := s.sessions.SessionFor(instanceID)
	if err != nil {
		return SendResult{}, err
	}

	jid := FormatNumber(number)
	receipt, err := session.Send(ctx, jid, out)
	if err != nil {
		return SendResult{}, fmt.Errorf("messaging: send to %s: %w", jid, err)
	}

	log.Printf("[Messaging] Message %s sent via instance %s", receipt.MessageID, instanceID)
	return SendResult{
		MessageID: receipt.MessageID,
		Timestamp: receipt.Timestamp.Unix(),
	}, nil
}
