package models

import "github.com/cockroachdb/errors"

// Error kinds shared by every component. Callers test them with errors.Is.
var (
	ErrCredentialMissing    = errors.New("local key pair is not initialized")
	ErrKeygenFailed         = errors.New("key generation failed")
	ErrKeyUnreadable        = errors.New("public key is unreadable")
	ErrDiscoveryUnavailable = errors.New("zero-config discovery unavailable")
	ErrHostUnreachable      = errors.New("host unreachable")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrPasswordRequired     = errors.New("password required")
	ErrTransferFailed       = errors.New("transfer failed")
	ErrRemoteServiceControl = errors.New("remote service control failed")
	ErrTimeout              = errors.New("operation timed out")
	ErrEmptySelection       = errors.New("no artifact category selected")
	ErrNoNetworkPrefix      = errors.New("could not determine network prefix")
)
