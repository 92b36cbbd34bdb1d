package verifier

import (
	"strings"
	"time"
)

// Verification methods per organization profile.
const (
	MethodSMTP           = "smtp_verification"
	MethodMicrosoftLogin = "microsoft_login_verification"
	MethodYahooAlternate = "yahoo_alternate_verification"
)

// Grouping strategies for batching within an organization.
const (
	GroupByOrganization = "organization"
	GroupByMXDomain     = "mx_domain"
	GroupByDomain       = "domain"
)

// RateLimitSpec caps RCPT probe throughput toward one organization.
type RateLimitSpec struct {
	RequestsPerSecond int
	BurstLimit        int
}

// Profile tunes how a batch toward one mail organization is probed.
type Profile struct {
	Organization        string
	BatchSize           int
	ParallelConnections int
	DelayBetweenBatches time.Duration
	MaxRetries          int
	Timeout             time.Duration
	RateLimit           RateLimitSpec
	GroupBy             string
	Method              string
}

// mxRule matches an MX host substring to an organization label. First match
// wins, so more specific patterns come first.
type mxRule struct {
	pattern string
	org     string
}

var mxRules = []mxRule{
	{".protection.outlook.com", "microsoft"},
	{"olc.protection.outlook.com", "microsoft"},
	{"google.com", "google"},
	{"googlemail.com", "google"},
	{"outlook.com", "microsoft"},
	{"hotmail.com", "microsoft"},
	{"yahoodns.net", "yahoo"},
	{"yahoo.com", "yahoo"},
	{"icloud.com", "apple"},
	{"apple.com", "apple"},
	{"protonmail.ch", "protonmail"},
	{"proton.ch", "protonmail"},
	{"fastmail.com", "fastmail"},
	{"messagingengine.com", "fastmail"},
	{"zoho.com", "zoho"},
	{"zoho.eu", "zoho"},
	{"yandex.net", "yandex"},
	{"yandex.ru", "yandex"},
	{"mail.ru", "mailru"},
	{"gmx.net", "gmx"},
	{"gmx.com", "gmx"},
	{"mailgun.org", "mailgun"},
	{"sendgrid.net", "sendgrid"},
	{"amazonses.com", "amazon_ses"},
	{"amazonaws.com", "amazon_ses"},
}

// singleRecipientPatterns mark MX infrastructures that tolerate only one
// recipient per session; their batches are re-grouped by recipient domain.
var singleRecipientPatterns = []string{
	"google.com", ".protection.outlook.com", "icloud.com",
}

// businessPrefixes suggest a self-hosted company mail server.
var businessPrefixes = []string{"mx.", "mx1.", "mx2.", "mail.", "smtp.", "in.", "inbound."}

// hostingPatterns indicate shared hosting providers with standard behavior.
var hostingPatterns = []string{
	"secureserver.net", "registrar-servers.com", "ovh.net", "hostinger",
	"bluehost.com", "dreamhost.com", "hostgator", "mimecast", "pphosted.com",
	"barracudanetworks.com", "mxrecord.io", "emailsrvr.com",
}

// ClassifyMX maps an MX host to an organization label.
func ClassifyMX(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return "unknown_mx_ultra_conservative"
	}
	for _, r := range mxRules {
		if strings.Contains(host, r.pattern) {
			return r.org
		}
	}
	for _, p := range hostingPatterns {
		if strings.Contains(host, p) {
			return "standard"
		}
	}
	for _, p := range businessPrefixes {
		if strings.HasPrefix(host, p) {
			return "business_smtp_standard"
		}
	}
	if strings.Count(host, ".") < 1 {
		return "unknown_mx_ultra_conservative"
	}
	return "unknown_mx_conservative"
}

// IsSingleRecipientMX reports whether the host requires one recipient per
// session.
func IsSingleRecipientMX(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, p := range singleRecipientPatterns {
		if strings.Contains(host, p) {
			return true
		}
	}
	return false
}

var profiles = map[string]Profile{
	"google":    {BatchSize: 1, ParallelConnections: 2, DelayBetweenBatches: 2 * time.Second, MaxRetries: 2, Timeout: 15 * time.Second, RateLimit: RateLimitSpec{5, 10}, GroupBy: GroupByDomain, Method: MethodSMTP},
	"microsoft": {BatchSize: 1, ParallelConnections: 2, DelayBetweenBatches: 3 * time.Second, MaxRetries: 2, Timeout: 20 * time.Second, RateLimit: RateLimitSpec{3, 6}, GroupBy: GroupByDomain, Method: MethodMicrosoftLogin},
	"yahoo":     {BatchSize: 2, ParallelConnections: 1, DelayBetweenBatches: 4 * time.Second, MaxRetries: 1, Timeout: 20 * time.Second, RateLimit: RateLimitSpec{2, 4}, GroupBy: GroupByOrganization, Method: MethodYahooAlternate},
	"apple":     {BatchSize: 1, ParallelConnections: 1, DelayBetweenBatches: 3 * time.Second, MaxRetries: 2, Timeout: 15 * time.Second, RateLimit: RateLimitSpec{3, 6}, GroupBy: GroupByDomain, Method: MethodSMTP},
	"protonmail": {BatchSize: 3, ParallelConnections: 1, DelayBetweenBatches: 2 * time.Second, MaxRetries: 2, Timeout: 15 * time.Second, RateLimit: RateLimitSpec{5, 10}, GroupBy: GroupByOrganization, Method: MethodSMTP},
	"fastmail":  {BatchSize: 5, ParallelConnections: 2, DelayBetweenBatches: time.Second, MaxRetries: 2, Timeout: 15 * time.Second, RateLimit: RateLimitSpec{10, 20}, GroupBy: GroupByOrganization, Method: MethodSMTP},
	"zoho":      {BatchSize: 3, ParallelConnections: 1, DelayBetweenBatches: 2 * time.Second, MaxRetries: 2, Timeout: 15 * time.Second, RateLimit: RateLimitSpec{5, 10}, GroupBy: GroupByOrganization, Method: MethodSMTP},
	"yandex":    {BatchSize: 3, ParallelConnections: 1, DelayBetweenBatches: 2 * time.Second, MaxRetries: 2, Timeout: 15 * time.Second, RateLimit: RateLimitSpec{5, 10}, GroupBy: GroupByOrganization, Method: MethodSMTP},
	"mailru":    {BatchSize: 3, ParallelConnections: 1, DelayBetweenBatches: 3 * time.Second, MaxRetries: 1, Timeout: 20 * time.Second, RateLimit: RateLimitSpec{3, 6}, GroupBy: GroupByOrganization, Method: MethodSMTP},
	"gmx":       {BatchSize: 3, ParallelConnections: 1, DelayBetweenBatches: 2 * time.Second, MaxRetries: 2, Timeout: 15 * time.Second, RateLimit: RateLimitSpec{5, 10}, GroupBy: GroupByOrganization, Method: MethodSMTP},
	"mailgun":   {BatchSize: 10, ParallelConnections: 2, DelayBetweenBatches: time.Second, MaxRetries: 2, Timeout: 15 * time.Second, RateLimit: RateLimitSpec{10, 20}, GroupBy: GroupByMXDomain, Method: MethodSMTP},
	"sendgrid":  {BatchSize: 10, ParallelConnections: 2, DelayBetweenBatches: time.Second, MaxRetries: 2, Timeout: 15 * time.Second, RateLimit: RateLimitSpec{10, 20}, GroupBy: GroupByMXDomain, Method: MethodSMTP},
	"amazon_ses": {BatchSize: 10, ParallelConnections: 2, DelayBetweenBatches: time.Second, MaxRetries: 2, Timeout: 15 * time.Second, RateLimit: RateLimitSpec{10, 20}, GroupBy: GroupByMXDomain, Method: MethodSMTP},
	"business_smtp_standard": {BatchSize: 5, ParallelConnections: 2, DelayBetweenBatches: time.Second, MaxRetries: 2, Timeout: 15 * time.Second, RateLimit: RateLimitSpec{10, 20}, GroupBy: GroupByMXDomain, Method: MethodSMTP},
	"standard":  {BatchSize: 5, ParallelConnections: 2, DelayBetweenBatches: time.Second, MaxRetries: 2, Timeout: 15 * time.Second, RateLimit: RateLimitSpec{10, 20}, GroupBy: GroupByMXDomain, Method: MethodSMTP},
	"unknown_mx_conservative": {BatchSize: 2, ParallelConnections: 1, DelayBetweenBatches: 3 * time.Second, MaxRetries: 1, Timeout: 20 * time.Second, RateLimit: RateLimitSpec{2, 4}, GroupBy: GroupByDomain, Method: MethodSMTP},
	"unknown_mx_ultra_conservative": {BatchSize: 1, ParallelConnections: 1, DelayBetweenBatches: 5 * time.Second, MaxRetries: 1, Timeout: 25 * time.Second, RateLimit: RateLimitSpec{1, 2}, GroupBy: GroupByDomain, Method: MethodSMTP},
}

// ProfileFor returns the processing profile for an organization label,
// falling back to the conservative unknown profile.
func ProfileFor(org string) Profile {
	p, ok := profiles[org]
	if !ok {
		p = profiles["unknown_mx_conservative"]
	}
	p.Organization = org
	return p
}
