package verifier

import (
	"strings"
	"sync"
)

// roleAccounts are local parts that address a function rather than a person.
var roleAccounts = map[string]struct{}{
	"abuse": {}, "admin": {}, "administrator": {}, "billing": {},
	"compliance": {}, "contact": {}, "devnull": {}, "dns": {},
	"enquiries": {}, "enquiry": {}, "feedback": {}, "ftp": {},
	"help": {}, "hello": {}, "hostmaster": {}, "info": {},
	"inquiries": {}, "investorrelations": {}, "jobs": {}, "legal": {},
	"list": {}, "mail": {}, "mailer-daemon": {}, "marketing": {},
	"media": {}, "news": {}, "newsletter": {}, "no-reply": {},
	"noreply": {}, "office": {}, "orders": {}, "postmaster": {},
	"press": {}, "privacy": {}, "recruiting": {}, "root": {},
	"sales": {}, "security": {}, "service": {}, "spam": {},
	"staff": {}, "support": {}, "sysadmin": {}, "team": {},
	"unsubscribe": {}, "usenet": {}, "uucp": {}, "webmaster": {}, "www": {},
}

// freeDomains are consumer mailbox providers.
var freeDomains = map[string]struct{}{
	"gmail.com": {}, "googlemail.com": {}, "yahoo.com": {}, "yahoo.co.uk": {},
	"yahoo.fr": {}, "yahoo.de": {}, "ymail.com": {}, "rocketmail.com": {},
	"outlook.com": {}, "hotmail.com": {}, "hotmail.co.uk": {}, "live.com": {},
	"msn.com": {}, "icloud.com": {}, "me.com": {}, "mac.com": {},
	"aol.com": {}, "protonmail.com": {}, "proton.me": {}, "pm.me": {},
	"zoho.com": {}, "yandex.com": {}, "yandex.ru": {}, "mail.ru": {},
	"gmx.com": {}, "gmx.net": {}, "gmx.de": {}, "mail.com": {},
	"fastmail.com": {}, "tutanota.com": {}, "tuta.io": {}, "hey.com": {},
	"inbox.ru": {}, "bk.ru": {}, "list.ru": {}, "qq.com": {}, "163.com": {},
	"126.com": {}, "naver.com": {}, "web.de": {}, "t-online.de": {},
	"orange.fr": {}, "wanadoo.fr": {}, "free.fr": {}, "libero.it": {},
	"seznam.cz": {}, "freemail.hu": {}, "citromail.hu": {},
}

// disposableDomains seeds the throwaway-provider list; UpdateDisposableList
// swaps in a refreshed set at runtime.
var disposableDefaults = []string{
	"mailinator.com", "guerrillamail.com", "guerrillamail.net",
	"10minutemail.com", "10minutemail.net", "temp-mail.org", "tempmail.dev",
	"throwaway.email", "yopmail.com", "yopmail.fr", "getnada.com",
	"maildrop.cc", "dispostable.com", "trashmail.com", "trashmail.de",
	"fakeinbox.com", "mailnesia.com", "mytemp.email", "sharklasers.com",
	"spam4.me", "mailcatch.com", "mintemail.com", "tempinbox.com",
	"emailondeck.com", "burnermail.io", "mohmal.com", "tmpmail.net",
	"disposablemail.com", "spamgourmet.com", "mailsac.com",
}

var disposableMu sync.RWMutex
var disposableSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(disposableDefaults))
	for _, d := range disposableDefaults {
		set[d] = struct{}{}
	}
	return set
}()

// IsRoleAccount reports whether the local part addresses a function.
func IsRoleAccount(username string) bool {
	_, ok := roleAccounts[strings.ToLower(username)]
	return ok
}

// IsFreeDomain reports whether the domain is a consumer mailbox provider.
func IsFreeDomain(dom string) bool {
	_, ok := freeDomains[strings.ToLower(dom)]
	return ok
}

// IsDisposable reports whether the domain belongs to a throwaway provider.
func IsDisposable(dom string) bool {
	disposableMu.RLock()
	defer disposableMu.RUnlock()
	_, ok := disposableSet[strings.ToLower(dom)]
	return ok
}

// UpdateDisposableList replaces the disposable-domain set, e.g. from a
// periodically refreshed upstream list.
func UpdateDisposableList(domains []string) {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		set[strings.ToLower(d)] = struct{}{}
	}
	disposableMu.Lock()
	disposableSet = set
	disposableMu.Unlock()
}

// knownProviders are targets for typo suggestions.
var knownProviders = []string{
	"gmail.com", "googlemail.com",
	"yahoo.com", "yahoo.co.uk", "yahoo.fr", "yahoo.de",
	"outlook.com", "hotmail.com", "hotmail.co.uk", "live.com",
	"icloud.com", "me.com", "mac.com",
	"protonmail.com", "proton.me",
	"aol.com", "zoho.com",
	"yandex.com", "yandex.ru",
	"mail.com", "gmx.com", "gmx.net", "gmx.de",
	"fastmail.com", "tutanota.com",
}

const typoThreshold = 2

// SuggestDomain returns the closest well-known provider within the typo
// threshold, or "" when the domain is an exact match or nothing is close.
func SuggestDomain(dom string) string {
	dom = strings.ToLower(dom)
	bestDist := typoThreshold + 1
	best := ""
	for _, provider := range knownProviders {
		if dom == provider {
			return ""
		}
		if d := editDistance(dom, provider); d < bestDist {
			bestDist = d
			best = provider
		}
	}
	return best
}
