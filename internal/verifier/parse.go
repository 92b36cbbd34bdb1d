// Package verifier implements the per-request verification pipeline: quick
// syntactic and list checks, MX resolution, organization-aware batching and
// SMTP probing, then collation into per-email verdicts.
package verifier

import (
	"net/mail"
	"strings"

	"golang.org/x/net/idna"

	"github.com/ignite/email-verifier/internal/domain"
)

// ParseEmail splits an address into username and domain, converting
// internationalized domains to their ASCII form for DNS and SMTP use.
// Valid=false results still carry whatever parts could be extracted.
func ParseEmail(raw string) domain.Syntax {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Syntax{}
	}

	local, dom, ok := splitAddress(raw)
	if !ok {
		return domain.Syntax{Username: local, Domain: dom}
	}
	if len(raw) > 254 || len(local) > 64 {
		return domain.Syntax{Username: local, Domain: dom}
	}

	ascii, ok := toASCIIDomain(strings.ToLower(dom))
	if !ok {
		return domain.Syntax{Username: local, Domain: strings.ToLower(dom)}
	}
	return domain.Syntax{Username: local, Domain: ascii, Valid: true}
}

func splitAddress(raw string) (local, dom string, ok bool) {
	if addr, err := mail.ParseAddress(raw); err == nil {
		raw = addr.Address
	} else if addr, err := mail.ParseAddress("<" + raw + ">"); err == nil {
		raw = addr.Address
	}
	// Unicode local parts are rejected by net/mail, split manually.
	at := strings.LastIndex(raw, "@")
	if at < 1 || at == len(raw)-1 {
		return raw, "", false
	}
	local, dom = raw[:at], raw[at+1:]
	if strings.ContainsAny(dom, " \t") {
		return local, dom, false
	}
	if !strings.Contains(dom, ".") || strings.HasPrefix(dom, ".") || strings.HasSuffix(dom, ".") {
		return local, dom, false
	}
	return local, dom, true
}

func toASCIIDomain(dom string) (string, bool) {
	for _, r := range dom {
		if r > 127 {
			ascii, err := idna.Lookup.ToASCII(dom)
			if err != nil {
				return "", false
			}
			return ascii, true
		}
	}
	return dom, true
}
