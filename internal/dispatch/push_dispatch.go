package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PushDispatcher posts notifications to an HTTP push gateway that owns device
// tokens. A 2xx response counts every recipient as delivered.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushDispatcher(endpoint, key string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushDispatcher) Notify(ctx context.Context, n Notification) (int, error) {
	b, err := json.Marshal(map[string]any{"message": n})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	if n.ID != "" {
		req.Header.Set("Idempotency-Key", n.ID)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("push gateway returned %d", resp.StatusCode)
	}
	return len(n.Recipients), nil
}
