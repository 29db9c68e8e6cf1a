// Package directory resolves user ids to public keys through the VeilChat
// directory service and caches the results.
//
// Lookup failures fall into two classes. Terminal errors mean the recipient
// cannot receive encrypted messages right now (unknown user, no provisioned
// key) and must never be retried; transient errors (network faults, 5xx) are
// retried within a bounded budget. The split drives both the retry loop and
// the cache's negative entries.
package directory

import "errors"

var (
	// ErrRecipientNotFound is the terminal mapping of HTTP 404: the user id
	// does not exist in the directory.
	ErrRecipientNotFound = errors.New("recipient does not exist")

	// ErrRecipientNotProvisioned is the terminal mapping of HTTP 400: the
	// user exists but has not uploaded an encryption key.
	ErrRecipientNotProvisioned = errors.New("recipient has not provisioned encryption")

	// ErrDirectoryUnavailable wraps every transient failure: connection
	// errors, timeouts, 5xx responses and malformed payloads.
	ErrDirectoryUnavailable = errors.New("directory unavailable")
)

// Terminal reports whether err is a lookup failure that retrying cannot fix.
func Terminal(err error) bool {
	return errors.Is(err, ErrRecipientNotFound) || errors.Is(err, ErrRecipientNotProvisioned)
}
