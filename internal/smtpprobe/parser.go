package smtpprobe

import (
	"fmt"
	"strings"
)

// Reply is one complete server response, possibly assembled from several
// continuation lines.
type Reply struct {
	Code    int
	Message string
}

func (r Reply) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// ErrorType buckets a rejection into the verdict it implies for a recipient.
type ErrorType int

const (
	ErrUnknown ErrorType = iota
	ErrFullInbox
	ErrBlocked
	ErrNotAllowed
	ErrServerUnavailable
	ErrGreylist
)

func (e ErrorType) String() string {
	switch e {
	case ErrFullInbox:
		return "full_inbox"
	case ErrBlocked:
		return "blocked"
	case ErrNotAllowed:
		return "not_allowed"
	case ErrServerUnavailable:
		return "server_unavailable"
	case ErrGreylist:
		return "greylist"
	default:
		return "unknown"
	}
}

// GreylistAnalysis scores how likely a response indicates greylisting.
type GreylistAnalysis struct {
	Greylisted  bool
	Reason      string
	Confidence  int
	ShouldRetry bool
}

func isTempCode(code int) bool {
	return code == 421 || code == 450 || code == 451
}

// AnalyzeGreylist scores a response against the greylist keyword buckets and
// provider patterns. A response counts as greylisting when confidence is at
// least 50 with a 421/450/451 status, or a high-confidence keyword appears
// regardless of code.
func AnalyzeGreylist(code int, msg string) GreylistAnalysis {
	if _, anti := matchKeyword(msg, greylistAntiPatterns); anti {
		return GreylistAnalysis{Reason: "storage_or_quota"}
	}

	if kw, ok := matchKeyword(msg, greylistHighKeywords); ok {
		return GreylistAnalysis{
			Greylisted:  true,
			Reason:      "keyword:" + kw,
			Confidence:  90,
			ShouldRetry: true,
		}
	}

	var (
		confidence int
		reason     string
	)
	if name, ok := matchServerPattern(msg); ok {
		confidence, reason = 75, "server_pattern:"+name
	} else if kw, ok := matchKeyword(msg, greylistMediumKeywords); ok {
		confidence, reason = 60, "keyword:"+kw
	} else if kw, ok := matchKeyword(msg, greylistLowKeywords); ok {
		confidence, reason = 50, "keyword:"+kw
	}

	if confidence >= 50 && isTempCode(code) {
		return GreylistAnalysis{
			Greylisted:  true,
			Reason:      reason,
			Confidence:  confidence,
			ShouldRetry: true,
		}
	}
	return GreylistAnalysis{
		Reason:      reason,
		Confidence:  confidence,
		ShouldRetry: isTempCode(code),
	}
}

// ErrorAnalysis classifies a non-2xx response for a recipient.
type ErrorAnalysis struct {
	Classification string // permanent, temporary, unknown
	Type           ErrorType
	ShouldRetry    bool
	Confidence     int
	Message        string
}

// AnalyzeError maps a rejection onto an error bucket using status codes and
// the keyword catalogs.
func AnalyzeError(code int, msg string) ErrorAnalysis {
	a := ErrorAnalysis{Message: strings.TrimSpace(msg), Classification: "unknown"}

	if _, ok := matchKeyword(msg, fullInboxKeywords); ok {
		a.Type = ErrFullInbox
		a.Classification = "temporary"
		a.Confidence = 85
		return a
	}

	if kw, blocked := matchKeyword(msg, blacklistKeywords); blocked && (code == 550 || code == 554) {
		if kw == "not allowed" || kw == "relay access denied" {
			a.Type = ErrNotAllowed
		} else {
			a.Type = ErrBlocked
		}
		a.Classification = "permanent"
		a.Confidence = 90
		return a
	}

	if _, ok := matchKeyword(msg, invalidRecipientKeywords); ok && code >= 500 {
		a.Type = ErrServerUnavailable
		a.Classification = "permanent"
		a.Confidence = 90
		return a
	}

	gl := AnalyzeGreylist(code, msg)
	if gl.Greylisted {
		a.Type = ErrGreylist
		a.Classification = "temporary"
		a.ShouldRetry = true
		a.Confidence = gl.Confidence
		return a
	}

	switch {
	case code >= 500:
		a.Classification = "permanent"
		a.Confidence = 70
	case code >= 400:
		a.Classification = "temporary"
		a.ShouldRetry = true
		a.Confidence = 60
	}
	return a
}

// IsBlacklistResponse reports whether a session-level response means the
// probing host is blocked outright.
func IsBlacklistResponse(code int, msg string) bool {
	if code != 550 && code != 554 {
		return false
	}
	_, ok := matchKeyword(msg, blacklistKeywords)
	return ok
}

// IsRelayBlock reports whether the response is a relay rejection. Two of
// these for one domain in a session means the rest of the domain is
// unprobeable.
func IsRelayBlock(msg string) bool {
	_, ok := matchKeyword(msg, relayBlockKeywords)
	return ok
}
