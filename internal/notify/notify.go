// Package notify posts best-effort notifications after successful stage
// commits. A notification failure never fails the populate batch.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"scanline/internal/key"
)

// Notifier is the post-commit hook. Implementations should be quick; the
// executor calls them inline between keys.
type Notifier interface {
	StagePopulated(ctx context.Context, stageID string, k key.Key) error
}

// Webhook posts a JSON payload per populated key, mirroring the chat
// notifications the pipeline sends when a relation fills in.
type Webhook struct {
	URL    string
	Client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{URL: url, Client: &http.Client{Timeout: timeout}}
}

type payload struct {
	Stage string  `json:"stage"`
	Key   key.Key `json:"key"`
	TS    string  `json:"ts"`
	Text  string  `json:"text"`
}

func (w *Webhook) StagePopulated(ctx context.Context, stageID string, k key.Key) error {
	body, err := json.Marshal(payload{
		Stage: stageID,
		Key:   k,
		TS:    time.Now().UTC().Format(time.RFC3339),
		Text:  fmt.Sprintf("%s for %s has been populated.", stageID, k),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %s", w.URL, resp.Status)
	}
	return nil
}
