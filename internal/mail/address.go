// Package mail defines the message value types shared by the SMTP
// session, the mail store, and the MX relay.
package mail

import (
	"errors"
	"strings"
)

// ErrEmptyAddress is returned when an address is constructed from an
// empty string.
var ErrEmptyAddress = errors.New("mail: address must not be empty")

// Address is an immutable envelope or header address. The address
// string is the canonical identity; DisplayName is carried through the
// pipeline but never participates in equality or lookups.
type Address struct {
	address     string
	DisplayName string
}

// NewAddress constructs an Address, rejecting an empty address string.
func NewAddress(address, displayName string) (Address, error) {
	if address == "" {
		return Address{}, ErrEmptyAddress
	}
	return Address{address: address, DisplayName: displayName}, nil
}

// String returns the canonical address.
func (a Address) String() string {
	return a.address
}

// Domain returns the part of the address after the last '@', or "" if
// the address has no '@'.
func (a Address) Domain() string {
	i := strings.LastIndexByte(a.address, '@')
	if i < 0 {
		return ""
	}
	return a.address[i+1:]
}

// Local returns the part of the address before the last '@', or the
// whole address if it has no '@'.
func (a Address) Local() string {
	i := strings.LastIndexByte(a.address, '@')
	if i < 0 {
		return a.address
	}
	return a.address[:i]
}
