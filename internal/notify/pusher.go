package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"remark/api/internal/store"
)

var ErrUnexpectedStatusCode = errors.New("unexpected status code")

// Pusher is the opaque push-delivery sink: deliver one serialized message to
// one device. Implementations own the actual transport.
type Pusher interface {
	Send(ctx context.Context, device store.Device, payload []byte) error
}

// HTTPPusher delivers messages to an external push gateway over HTTP.
type HTTPPusher struct {
	gatewayURL string
	client     *http.Client
}

func NewHTTPPusher(gatewayURL string) *HTTPPusher {
	return &HTTPPusher{
		gatewayURL: gatewayURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPPusher) Send(ctx context.Context, device store.Device, payload []byte) error {
	body := map[string]any{
		"registration_id": device.RegistrationID,
		"message":         json.RawMessage(payload),
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.gatewayURL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send push request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatusCode, resp.StatusCode)
	}
	return nil
}

// LogPusher is the fallback sink when no gateway is configured; it only logs.
type LogPusher struct{}

func (LogPusher) Send(_ context.Context, device store.Device, payload []byte) error {
	log.Printf("push (no gateway configured) device=%s payload=%s", device.RegistrationID, payload)
	return nil
}
