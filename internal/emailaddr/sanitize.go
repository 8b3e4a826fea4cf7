// Package emailaddr normalizes email addresses to the canonical form used
// for identity lookups.
package emailaddr

import (
	"errors"
	"net/mail"
	"strings"
	"unicode"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidAddress is returned when a string cannot be reduced to a
// local@domain address.
var ErrInvalidAddress = errors.New("invalid email address")

// MaxLength is the longest canonical address stored; customer_emails.email
// is sized to it.
const MaxLength = 191

// Sanitize returns the canonical lowercase form of raw. A display-name
// wrapper ("Name <addr>") and a mailto: prefix are removed, trailing dots and
// whitespace are stripped, and the domain is converted to its ASCII form.
// Addresses longer than MaxLength are invalid.
func Sanitize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if a, err := mail.ParseAddress(s); err == nil {
		s = a.Address
	} else if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 0 {
			s = s[i+1 : i+j]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.ToLower(s), "mailto:")
	s = strings.TrimRightFunc(s, func(r rune) bool { return r == '.' || unicode.IsSpace(r) })
	s = strings.TrimLeftFunc(s, unicode.IsSpace)

	if strings.Count(s, "@") != 1 || strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return "", ErrInvalidAddress
	}
	local, domain, _ := strings.Cut(s, "@")
	if local == "" || domain == "" {
		return "", ErrInvalidAddress
	}
	if strings.HasPrefix(domain, ".") || strings.Contains(domain, "..") {
		return "", ErrInvalidAddress
	}

	ascii, err := idna.ToASCII(norm.NFC.String(domain))
	if err != nil || ascii == "" {
		return "", ErrInvalidAddress
	}
	out := norm.NFC.String(local) + "@" + strings.ToLower(ascii)
	if len(out) > MaxLength {
		return "", ErrInvalidAddress
	}
	return out, nil
}

// Valid reports whether raw sanitizes successfully.
func Valid(raw string) bool {
	_, err := Sanitize(raw)
	return err == nil
}

// SanitizeList sanitizes every entry of a comma separated list, dropping
// entries that are not addresses and duplicates.
func SanitizeList(raw string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		addr, err := Sanitize(part)
		if err != nil {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
