package domain

// Reachability is the confidence-labeled deliverability verdict for an email.
type Reachability string

const (
	ReachableYes     Reachability = "yes"
	ReachableNo      Reachability = "no"
	ReachableUnknown Reachability = "unknown"
)

// Syntax holds the parsed pieces of an email address.
type Syntax struct {
	Username string `json:"username"`
	Domain   string `json:"domain"`
	Valid    bool   `json:"valid"`
}

// SMTPFlags holds the per-mailbox verdict reached over the SMTP dialogue.
type SMTPFlags struct {
	HostExists  bool `json:"host_exists"`
	FullInbox   bool `json:"full_inbox"`
	CatchAll    bool `json:"catch_all"`
	Deliverable bool `json:"deliverable"`
	Disabled    bool `json:"disabled"`
}

// MXRecord is one mail exchanger entry, ordered by preference.
type MXRecord struct {
	Host string `json:"host"`
	Pref uint16 `json:"pref"`
}

// VerificationObj is the full per-email verdict returned to callers.
type VerificationObj struct {
	Email        string       `json:"email"`
	Syntax       Syntax       `json:"syntax"`
	Reachable    Reachability `json:"reachable"`
	SMTP         SMTPFlags    `json:"smtp"`
	Disposable   bool         `json:"disposable"`
	RoleAccount  bool         `json:"role_account"`
	Free         bool         `json:"free"`
	HasMXRecords bool         `json:"has_mx_records"`
	MX           []MXRecord   `json:"mx"`
	Error        bool         `json:"error"`
	ErrorMsg     string       `json:"error_msg,omitempty"`
	Gravatar     bool         `json:"gravatar"`
	Suggestion   string       `json:"suggestion,omitempty"`
}

// ResultMap maps email address → verdict for one pass over a request.
type ResultMap map[string]VerificationObj

// Merge copies entries from other into m. When overwrite is false, existing
// entries win (used when archived verdicts must not be clobbered by a second
// pass that may only have seen "greylisted").
func (m ResultMap) Merge(other ResultMap, overwrite bool) {
	for email, obj := range other {
		if _, exists := m[email]; exists && !overwrite {
			continue
		}
		m[email] = obj
	}
}
