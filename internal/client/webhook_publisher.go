package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LeventeLantos/sequenced-messaging/internal/model"
)

// WebhookPublisher posts dispatch batches to an HTTP delivery endpoint.
// The endpoint answers 202 with the number of messages it accepted.
type WebhookPublisher struct {
	url    string
	client *http.Client
}

func NewWebhookPublisher(url string, timeout time.Duration) *WebhookPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookPublisher{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type batchRequest struct {
	Messages []model.DispatchMessage `json:"messages"`
}

type batchResponse struct {
	Accepted *int `json:"accepted"`
}

func (c *WebhookPublisher) PublishBatch(ctx context.Context, msgs []model.DispatchMessage) error {
	reqBody, err := json.Marshal(batchRequest{Messages: msgs})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var br batchResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if br.Accepted == nil {
		return fmt.Errorf("missing accepted count in response body=%q", string(body))
	}
	if *br.Accepted != len(msgs) {
		return fmt.Errorf("endpoint accepted %d of %d messages", *br.Accepted, len(msgs))
	}

	return nil
}
