package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ignite/email-verifier/internal/controller"
	"github.com/ignite/email-verifier/internal/domain"
	"github.com/ignite/email-verifier/internal/queue"
	"github.com/ignite/email-verifier/internal/store"
)

func newTestRouter(t *testing.T) (http.Handler, *queue.Queue, *controller.Results) {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Bootstrap(context.Background()))

	q := queue.New(db)
	results := controller.NewResults(db)
	return Router(NewHandlers(q, results, "test-uuid")), q, results
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestVerify_EnqueuesRequest(t *testing.T) {
	h, q, results := newTestRouter(t)

	rec := postJSON(t, h, "/api/verify", `{
		"request_id": "r1",
		"emails": ["a@example.com", "b@example.com"],
		"response_url": "https://caller.example/hook"
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool   `json:"success"`
		Msg     string `json:"msg"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)

	ctx := context.Background()
	head, err := q.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, "r1", head.RequestID)
	require.Equal(t, "https://caller.example/hook", head.ResponseURL)

	row, err := results.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, row.Status)
	require.Equal(t, 2, row.TotalEmails)
}

func TestVerify_DuplicateIsSuccess(t *testing.T) {
	h, q, _ := newTestRouter(t)
	body := `{"request_id": "r1", "emails": ["a@example.com"]}`

	require.Equal(t, http.StatusOK, postJSON(t, h, "/api/verify", body).Code)
	rec := postJSON(t, h, "/api/verify", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "already queued")

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestVerify_RejectsEmptyEmails(t *testing.T) {
	h, _, _ := newTestRouter(t)
	rec := postJSON(t, h, "/api/verify", `{"request_id": "r1", "emails": []}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerify_RejectsMissingID(t *testing.T) {
	h, _, _ := newTestRouter(t)
	rec := postJSON(t, h, "/api/verify", `{"emails": ["a@example.com"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRequest(t *testing.T) {
	h, _, results := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, results.EnsureQueued(ctx, "r2", 1))
	require.NoError(t, results.Complete(ctx, "r2", []domain.VerificationObj{
		{Email: "a@example.com", Reachable: domain.ReachableYes},
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/requests/r2", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status          domain.RequestStatus     `json:"status"`
		CompletedEmails int                      `json:"completed_emails"`
		Results         []domain.VerificationObj `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, domain.StatusCompleted, resp.Status)
	require.Equal(t, 1, resp.CompletedEmails)
	require.Len(t, resp.Results, 1)
}

func TestGetRequest_NotFound(t *testing.T) {
	h, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/requests/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	h, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "test-uuid")
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
