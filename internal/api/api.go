// Package api is the HTTP ingress: it accepts verification requests into the
// durable queue and serves per-request status rows, health, and metrics.
package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/email-verifier/internal/controller"
	"github.com/ignite/email-verifier/internal/domain"
	"github.com/ignite/email-verifier/internal/metrics"
	"github.com/ignite/email-verifier/internal/queue"
)

// Handlers holds the stores the ingress routes touch.
type Handlers struct {
	queue      *queue.Queue
	results    *controller.Results
	serverUUID string
}

// NewHandlers creates the ingress handlers.
func NewHandlers(q *queue.Queue, results *controller.Results, serverUUID string) *Handlers {
	return &Handlers{queue: q, results: results, serverUUID: serverUUID}
}

// Router builds the chi mux with the full route set.
func Router(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/verify", h.Verify)
		r.Get("/requests/{requestID}", h.GetRequest)
	})
	return r
}

type verifyRequest struct {
	RequestID   string   `json:"request_id"`
	Emails      []string `json:"emails"`
	ResponseURL string   `json:"response_url"`
}

type verifyResponse struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
}

// Verify enqueues a verification request. Duplicate request ids are treated
// as success so caller retries stay idempotent.
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	var in verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, verifyResponse{Msg: "invalid JSON body"})
		return
	}
	if in.RequestID == "" {
		writeJSON(w, http.StatusBadRequest, verifyResponse{Msg: "request_id is required"})
		return
	}
	if len(in.Emails) == 0 {
		writeJSON(w, http.StatusBadRequest, verifyResponse{Msg: "emails must be non-empty"})
		return
	}

	req := domain.Request{
		RequestID:   in.RequestID,
		Emails:      in.Emails,
		ResponseURL: in.ResponseURL,
	}
	added, err := h.queue.Add(r.Context(), req)
	if err != nil {
		log.Printf("[API] enqueue %s: %v", in.RequestID, err)
		writeJSON(w, http.StatusInternalServerError, verifyResponse{Msg: "enqueue failed"})
		return
	}
	if !added {
		writeJSON(w, http.StatusOK, verifyResponse{Success: true, Msg: "request already queued"})
		return
	}

	if err := h.results.EnsureQueued(r.Context(), in.RequestID, len(in.Emails)); err != nil {
		log.Printf("[API] results row %s: %v", in.RequestID, err)
	}
	writeJSON(w, http.StatusOK, verifyResponse{Success: true, Msg: "request queued"})
}

type requestResponse struct {
	RequestID       string                   `json:"request_id"`
	Status          domain.RequestStatus     `json:"status"`
	Verifying       bool                     `json:"verifying"`
	GreylistFound   bool                     `json:"greylist_found"`
	BlacklistFound  bool                     `json:"blacklist_found"`
	TotalEmails     int                      `json:"total_emails"`
	CompletedEmails int                      `json:"completed_emails"`
	WebhookSent     bool                     `json:"webhook_sent"`
	Results         []domain.VerificationObj `json:"results,omitempty"`
}

// GetRequest serves the status row for one request.
func (h *Handlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")
	row, err := h.results.Get(r.Context(), id)
	if err != nil {
		log.Printf("[API] get %s: %v", id, err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if row == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse{
		RequestID:       row.RequestID,
		Status:          row.Status,
		Verifying:       row.Verifying,
		GreylistFound:   row.GreylistFound,
		BlacklistFound:  row.BlacklistFound,
		TotalEmails:     row.TotalEmails,
		CompletedEmails: row.CompletedEmails,
		WebhookSent:     row.WebhookSent,
		Results:         row.Results,
	})
}

// Health reports liveness and the process identity.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"server_uuid": h.serverUUID,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}
