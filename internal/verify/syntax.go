package verify

import (
	"net/mail"
	"strings"

	"golang.org/x/net/idna"

	"github.com/venugopal1902/email-verifier/internal/domain"
)

const (
	maxAddressLen = 254
	maxLocalLen   = 64
	maxLabelLen   = 63
)

// Address is a syntactically valid, normalized email.
type Address struct {
	Email string
	Local string
	// Domain is the ASCII (punycode) form used for DNS and SMTP.
	Domain string
}

// ParseAddress checks email against the RFC 5322 addr-spec grammar plus the
// RFC 5321 length limits. Display names, comments, and IP-literal domains
// are rejected.
func ParseAddress(email string) (Address, *domain.ValidationError) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return Address{}, &domain.ValidationError{Field: "email", Reason: "empty"}
	}
	if len(email) > maxAddressLen {
		return Address{}, &domain.ValidationError{Field: "email", Reason: "longer than 254 octets"}
	}

	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Name != "" || parsed.Address != email {
		return Address{}, &domain.ValidationError{Field: "email", Reason: "not an addr-spec"}
	}

	at := strings.LastIndexByte(email, '@')
	local, host := email[:at], email[at+1:]
	if len(local) > maxLocalLen {
		return Address{}, &domain.ValidationError{Field: "email", Reason: "local part longer than 64 octets"}
	}
	if strings.HasPrefix(host, "[") {
		return Address{}, &domain.ValidationError{Field: "email", Reason: "address literals are not accepted"}
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return Address{}, &domain.ValidationError{Field: "email", Reason: "invalid domain: " + err.Error()}
	}
	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		return Address{}, &domain.ValidationError{Field: "email", Reason: "domain has no TLD"}
	}
	for _, l := range labels {
		if l == "" || len(l) > maxLabelLen {
			return Address{}, &domain.ValidationError{Field: "email", Reason: "invalid domain label"}
		}
	}
	return Address{Email: email, Local: local, Domain: ascii}, nil
}
