// Package smtpprobe drives single-connection SMTP sessions against MX hosts
// to determine per-recipient deliverability without sending mail. A random
// local-part probe is interleaved with each real recipient to detect
// catch-all behavior in the same session.
package smtpprobe

import (
	"regexp"
	"strings"
)

// Greylist keyword buckets. High-confidence words mean greylisting no matter
// the status code; medium and low only count alongside a 421/450/451.
var (
	greylistHighKeywords = []string{
		"greylist", "graylist", "silverlisting",
	}
	greylistMediumKeywords = []string{
		"temporarily", "temporary", "deferred", "try again", "retry later",
	}
	greylistLowKeywords = []string{
		"delay", "retry", "service refuse", "relay access denied",
	}
	// Storage and quota phrasing is never greylisting even when it carries a
	// retry hint.
	greylistAntiPatterns = []string{
		"storage", "full", "quota", "space", "disk",
		"mailbox full", "over quota", "insufficient storage",
	}
)

// Provider-specific deferral phrasings that do not use the usual keywords.
var greylistServerPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"gmail", regexp.MustCompile(`(?i)temporarily_rejected|rate.?limit|receiving mail at a rate|rate.*prevent`)},
	{"outlook", regexp.MustCompile(`(?i)server.?busy|throttl`)},
	{"yahoo", regexp.MustCompile(`(?i)rate.?limit|defer`)},
	{"microsoft", regexp.MustCompile(`(?i)throttl|busy`)},
}

// blacklistKeywords indicate the probing IP is blocked; with a 550/554 the
// whole session is burned, not just one recipient.
var blacklistKeywords = []string{
	"spamhaus", "proofpoint", "cloudmark", "banned", "blacklisted", "block",
	"poor reputation", "junkmail", "spam", "prohibit", "forbid", "disallow",
	"score too low", "connection rejected", "connection refused",
	"dnsbl", "rbl", "rtbl", "rpbl", "snbl", "sbrs", "senderscore",
	"not allowed", "relay access denied",
}

// invalidRecipientKeywords mean the mailbox itself does not exist.
var invalidRecipientKeywords = []string{
	"undeliverable", "does not exist", "user unknown", "user not found",
	"invalid address", "invalid recipient", "recipient rejected",
	"no mailbox", "unknown recipient", "no such user", "address not found",
	"mailbox not found", "non-existent user", "mailbox unavailable",
	"cannot deliver to", "no such recipient", "no such address",
}

var fullInboxKeywords = []string{
	"mailbox full", "over quota", "insufficient storage", "quota exceeded",
	"storage", "disk full", "out of space",
}

var relayBlockKeywords = []string{
	"relay access denied", "relaying denied", "relay not permitted",
	"unable to relay", "not allowed to relay",
}

func matchKeyword(msg string, keywords []string) (string, bool) {
	lower := strings.ToLower(msg)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}

func matchServerPattern(msg string) (string, bool) {
	for _, p := range greylistServerPatterns {
		if p.re.MatchString(msg) {
			return p.name, true
		}
	}
	return "", false
}
