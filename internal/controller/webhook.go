package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ignite/email-verifier/internal/domain"
)

// WebhookPayload is the completion notification POSTed to the response_url.
type WebhookPayload struct {
	RequestID       string                   `json:"request_id"`
	Status          string                   `json:"status"`
	TotalEmails     int                      `json:"total_emails"`
	CompletedEmails int                      `json:"completed_emails"`
	Results         []domain.VerificationObj `json:"results"`
	Timestamp       string                   `json:"timestamp"`
}

// WebhookSender delivers completion notifications with bounded retries.
// Delivery counts as sent only on HTTP 200; everything else burns an attempt.
type WebhookSender struct {
	client      *http.Client
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration)
	now         func() time.Time
}

// NewWebhookSender creates a sender. timeout bounds each POST.
func NewWebhookSender(timeout time.Duration, maxAttempts int) *WebhookSender {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &WebhookSender{
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		sleep:       sleepCtx,
		now:         time.Now,
	}
}

// Send POSTs the payload to url, retrying up to the attempt cap with a
// linear backoff capped at 10s. An empty url is treated as delivered with
// zero attempts so the request is never retried later.
func (w *WebhookSender) Send(ctx context.Context, url string, results []domain.VerificationObj, requestID string, totalEmails int) (sent bool, attempts int) {
	if url == "" {
		return true, 0
	}

	payload := WebhookPayload{
		RequestID:       requestID,
		Status:          "completed",
		TotalEmails:     totalEmails,
		CompletedEmails: len(results),
		Results:         results,
		Timestamp:       w.now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Webhook] marshal %s: %v", requestID, err)
		return false, 0
	}

	for attempts = 1; attempts <= w.maxAttempts; attempts++ {
		if ok := w.post(ctx, url, body); ok {
			log.Printf("[Webhook] delivered %s on attempt %d", requestID, attempts)
			return true, attempts
		}
		if ctx.Err() != nil {
			return false, attempts
		}
		if attempts < w.maxAttempts {
			backoff := time.Duration(attempts*2) * time.Second
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			w.sleep(ctx, backoff)
		}
	}
	log.Printf("[Webhook] giving up on %s after %d attempts", requestID, w.maxAttempts)
	return false, w.maxAttempts
}

func (w *WebhookSender) post(ctx context.Context, url string, body []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Printf("[Webhook] build request: %v", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		log.Printf("[Webhook] post %s: %v", url, err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
