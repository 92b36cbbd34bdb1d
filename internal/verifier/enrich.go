package verifier

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/email-verifier/internal/domain"
)

// Delta is the merge payload a specialized verification path produces for
// one email. Only the fields the path learned anything about matter; the
// collation step folds them into the VerificationObj.
type Delta struct {
	SMTP            domain.SMTPFlags
	Reachable       domain.Reachability
	Gravatar        bool
	Suggestion      string
	Error           bool
	ErrorMsg        string
	Greylisted      bool
	RequiresRecheck bool
}

// Enricher is a specialized verification path for one mail organization,
// e.g. a Microsoft login probe or a Yahoo alternate check. When no enricher
// claims an organization, the standard SMTP probe runs instead.
type Enricher interface {
	Name() string
	// Handles reports whether this enricher serves the given verification
	// method label.
	Handles(method string) bool
	Verify(ctx context.Context, emails []string) (map[string]Delta, error)
}

// GravatarChecker looks up whether an email has a Gravatar profile image, a
// weak liveness signal merged into the verdict.
type GravatarChecker struct {
	client  *http.Client
	baseURL string
}

// NewGravatarChecker creates a checker with a bounded-timeout client.
func NewGravatarChecker() *GravatarChecker {
	return &GravatarChecker{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: "https://www.gravatar.com",
	}
}

// Has reports whether a Gravatar exists for the email. Lookup failures count
// as absent; this signal is best-effort.
func (g *GravatarChecker) Has(ctx context.Context, email string) bool {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	url := fmt.Sprintf("%s/avatar/%s?d=404", g.baseURL, hex.EncodeToString(sum[:]))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
