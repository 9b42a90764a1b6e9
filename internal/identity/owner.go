// Package identity resolves the single ledger-owner identity for a caller.
//
// Every caller presents an anonymous device id; some also present an
// authenticated identity. The resolver collapses the two into exactly one
// tagged owner id so that two principals can never share a mutable balance.
package identity

import (
	"errors"
	"strings"
)

// Owner tag prefixes. The tag makes a user-derived key impossible to collide
// with a device-derived key even if the raw identifiers overlap.
const (
	userTag   = "user:"
	deviceTag = "device:"
)

// ErrNoDeviceID is returned when a caller presents no device identity at all.
var ErrNoDeviceID = errors.New("identity: device id required")

// OwnerContext carries the caller identities already extracted from the
// transport layer. UserID is empty for anonymous callers.
type OwnerContext struct {
	DeviceID string
	UserID   string
}

// OwnerID is the single ledger key for a caller.
type OwnerID string

// UserOwnerID tags an authenticated user identifier as a ledger key.
func UserOwnerID(userID string) OwnerID {
	return OwnerID(userTag + userID)
}

// DeviceOwnerID tags an anonymous device identifier as a ledger key.
func DeviceOwnerID(deviceID string) OwnerID {
	return OwnerID(deviceTag + deviceID)
}

// IsUser reports whether the owner id belongs to an authenticated user.
func (o OwnerID) IsUser() bool {
	return strings.HasPrefix(string(o), userTag)
}

// Resolve derives the single owner id for a caller. An authenticated identity
// always wins: the raw device identity is never used as the ledger key for an
// authenticated caller.
func Resolve(oc OwnerContext) (OwnerID, error) {
	if oc.UserID != "" {
		return UserOwnerID(oc.UserID), nil
	}
	if oc.DeviceID == "" {
		return "", ErrNoDeviceID
	}
	return DeviceOwnerID(oc.DeviceID), nil
}
