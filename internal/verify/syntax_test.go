package verify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddressAccepts(t *testing.T) {
	tests := []struct {
		in, email, domain string
	}{
		{"user@example.com", "user@example.com", "example.com"},
		{"  First.Last+tag@Example.COM ", "first.last+tag@example.com", "example.com"},
		{"o'brien@mail.example.co.uk", "o'brien@mail.example.co.uk", "mail.example.co.uk"},
		{"user@bücher.example", "user@bücher.example", "xn--bcher-kva.example"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			addr, err := ParseAddress(tt.in)
			require.Nil(t, err)
			assert.Equal(t, tt.email, addr.Email)
			assert.Equal(t, tt.domain, addr.Domain)
		})
	}
}

func TestParseAddressRejects(t *testing.T) {
	tests := map[string]string{
		"empty":          "",
		"no at":          "user.example.com",
		"no local":       "@example.com",
		"no domain":      "user@",
		"display name":   "Bob <bob@example.com>",
		"double at":      "a@b@example.com",
		"no tld":         "user@localhost",
		"literal":        "user@[192.0.2.1]",
		"empty label":    "user@example..com",
		"long local":     strings.Repeat("a", 65) + "@example.com",
		"long address":   "a@" + strings.Repeat("b", 250) + ".com",
		"space in local": "us er@example.com",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAddress(in)
			require.NotNil(t, err)
			assert.Equal(t, "email", err.Field)
		})
	}
}

func TestRoleAndDisposableMatching(t *testing.T) {
	roles := newSet(defaultRoles, []string{"Team"})
	assert.True(t, roles.isRole("admin"))
	assert.True(t, roles.isRole("support+eu"))
	assert.True(t, roles.isRole("no.reply"))
	assert.True(t, roles.isRole("team"))
	assert.False(t, roles.isRole("jane"))

	disp := newSet(defaultDisposable, []string{"trash.test"})
	assert.True(t, disp.isDisposable("mailinator.com"))
	assert.True(t, disp.isDisposable("eu.mailinator.com"))
	assert.True(t, disp.isDisposable("trash.test"))
	assert.False(t, disp.isDisposable("example.com"))
}
