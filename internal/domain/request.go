package domain

// Request is one bulk verification job, identified end-to-end by RequestID.
type Request struct {
	RequestID   string   `json:"request_id"`
	Emails      []string `json:"emails"`
	ResponseURL string   `json:"response_url,omitempty"`
}

// RequestStatus is the durable lifecycle state of a request in the results table.
type RequestStatus string

const (
	StatusQueued     RequestStatus = "queued"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
)
