package verify

import "strings"

// defaultDisposable is a small built-in set of throwaway-mailbox providers.
// Deployments extend it through configuration.
var defaultDisposable = []string{
	"10minutemail.com",
	"discard.email",
	"dispostable.com",
	"fakeinbox.com",
	"getnada.com",
	"guerrillamail.com",
	"maildrop.cc",
	"mailinator.com",
	"mailnesia.com",
	"mintemail.com",
	"mytemp.email",
	"sharklasers.com",
	"temp-mail.org",
	"tempmail.com",
	"throwawaymail.com",
	"trashmail.com",
	"yopmail.com",
}

// defaultRoles are local parts that address a function rather than a person.
var defaultRoles = []string{
	"abuse", "admin", "administrator", "billing", "contact", "help",
	"hostmaster", "info", "marketing", "noreply", "no-reply", "office",
	"postmaster", "root", "sales", "security", "support", "webmaster",
}

type stringSet map[string]struct{}

func newSet(base []string, extra []string) stringSet {
	s := make(stringSet, len(base)+len(extra))
	for _, v := range base {
		s[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	for _, v := range extra {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			s[v] = struct{}{}
		}
	}
	return s
}

func (s stringSet) has(v string) bool {
	_, ok := s[v]
	return ok
}

// isDisposable matches the domain or any parent domain.
func (s stringSet) isDisposable(domain string) bool {
	for d := domain; d != ""; {
		if s.has(d) {
			return true
		}
		i := strings.IndexByte(d, '.')
		if i < 0 {
			break
		}
		d = d[i+1:]
	}
	return false
}

// isRole ignores "+tag" suffixes and separators, so "support+eu" and
// "no.reply" both count.
func (s stringSet) isRole(local string) bool {
	if i := strings.IndexByte(local, '+'); i >= 0 {
		local = local[:i]
	}
	if s.has(local) {
		return true
	}
	return s.has(strings.NewReplacer(".", "", "_", "", "-", "").Replace(local))
}
