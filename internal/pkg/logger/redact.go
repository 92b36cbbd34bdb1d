package logger

import "strings"

// RedactEmail masks the local part of an address so log lines never carry a
// full recipient: "john.doe@example.com" becomes "jo***@example.com". Local
// parts of two characters or fewer are masked entirely, and anything that is
// not local@domain comes back as "***@***".
func RedactEmail(email string) string {
	local, dom, ok := strings.Cut(email, "@")
	if !ok || dom == "" || strings.Contains(dom, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + dom
	}
	return local[:2] + "***@" + dom
}
