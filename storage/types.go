package storage

import (
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DirectionPush copies local trees to a host.
	DirectionPush = "push"
	// DirectionPull copies a host's trees over the local ones.
	DirectionPull = "pull"
	// DirectionLegacy is the settings-only push with a background restart.
	DirectionLegacy = "legacy"
)

const (
	// RunStatusOK means every selected item transferred.
	RunStatusOK = "ok"
	// RunStatusPartial means some items failed.
	RunStatusPartial = "partial"
	// RunStatusFailed means nothing transferred.
	RunStatusFailed = "failed"
)

const (
	// TrustEventPaired is logged when a host joins the pairing registry.
	TrustEventPaired = "paired"
	// TrustEventUnpaired is logged when a host is removed from the registry.
	TrustEventUnpaired = "unpaired"
	// TrustEventKeyAuthorized is logged when the public key is installed on a host.
	TrustEventKeyAuthorized = "key_authorized"
	// TrustEventKeysGenerated is logged when a new key pair is created.
	TrustEventKeysGenerated = "keys_generated"
	// TrustEventKeysReset is logged when the key pair is removed.
	TrustEventKeysReset = "keys_reset"
	// TrustEventTrustedByName is logged when a host is accepted on its advertised name alone.
	TrustEventTrustedByName = "trusted_by_name"
)

const (
	// SeverityInfo indicates informational context.
	SeverityInfo = "info"
	// SeverityWarning indicates a weaker trust decision worth reviewing.
	SeverityWarning = "warning"
	// SeverityCritical indicates a serious failure.
	SeverityCritical = "critical"
)

// SyncRun is one push or pull against one host.
type SyncRun struct {
	RunID      string
	Host       string
	Direction  string
	Categories []string
	Status     string
	Detail     string
	BackupName string
	StartedAt  int64
	FinishedAt int64
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Host   string
	Since  int64 // unix millis, inclusive
	Limit  int
	Offset int
}

// TrustEvent records a change to what this host trusts.
type TrustEvent struct {
	ID        int64
	EventType string
	Host      *string
	Details   string
	Severity  string
	Timestamp int64
}

// TrustEventFilter narrows GetTrustEvents results.
type TrustEventFilter struct {
	EventType    string
	Host         string
	WarningsOnly bool
	Since        int64 // unix millis, inclusive
	Limit        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionPush, DirectionPull, DirectionLegacy:
		return nil
	default:
		return errors.Newf("invalid direction %q", direction)
	}
}

func validateRunStatus(status string) error {
	switch status {
	case RunStatusOK, RunStatusPartial, RunStatusFailed:
		return nil
	default:
		return errors.Newf("invalid run status %q", status)
	}
}

func validateTrustEventType(eventType string) error {
	switch eventType {
	case TrustEventPaired, TrustEventUnpaired, TrustEventKeyAuthorized,
		TrustEventKeysGenerated, TrustEventKeysReset, TrustEventTrustedByName:
		return nil
	default:
		return errors.Newf("unknown trust event type %q", eventType)
	}
}

func validateSeverity(severity string) error {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return nil
	default:
		return errors.Newf("invalid trust event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// clampLimit applies fallback to non-positive limits and caps the rest.
func clampLimit(limit, fallback int) int {
	switch {
	case limit <= 0:
		return fallback
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
