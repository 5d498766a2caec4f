// Package domain contains entities without logic, just meta-data and validation.
package domain

import (
	"errors"
	"strings"
)

const (
	MaxAddressLen = 3071
	MaxLocalLen   = 1023
)

var (
	ErrAddressEmpty   = errors.New("address empty")
	ErrAddressTooLong = errors.New("address too long")
	ErrAddressDomain  = errors.New("address has no domain")
)

// Address is an XMPP address (JID): [local@]domain[/resource].
type Address string

// ParseAddress validates raw and returns it as an Address.
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrAddressEmpty
	}
	if len(raw) > MaxAddressLen {
		return "", ErrAddressTooLong
	}
	a := Address(raw)
	if a.Domain() == "" {
		return "", ErrAddressDomain
	}
	if len(a.Local()) > MaxLocalLen {
		return "", ErrAddressTooLong
	}
	return a, nil
}

func (a Address) String() string { return string(a) }

// Bare strips the resource part.
func (a Address) Bare() Address {
	if i := strings.IndexByte(string(a), '/'); i >= 0 {
		return a[:i]
	}
	return a
}

func (a Address) Local() string {
	bare := string(a.Bare())
	if i := strings.IndexByte(bare, '@'); i >= 0 {
		return bare[:i]
	}
	return ""
}

func (a Address) Domain() string {
	bare := string(a.Bare())
	if i := strings.IndexByte(bare, '@'); i >= 0 {
		return bare[i+1:]
	}
	return bare
}

func (a Address) Resource() string {
	if i := strings.IndexByte(string(a), '/'); i >= 0 {
		return string(a[i+1:])
	}
	return ""
}

// SameBare reports whether both addresses name the same account, ignoring case.
func (a Address) SameBare(b Address) bool {
	return strings.EqualFold(string(a.Bare()), string(b.Bare()))
}
