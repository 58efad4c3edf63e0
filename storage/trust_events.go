package storage

import (
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"
)

// LogTrustEvent records a change to the local trust state. Details are
// free text shown next to the event in the history listing.
func (s *Store) LogTrustEvent(event TrustEvent) error {
	if err := validateTrustEventType(event.EventType); err != nil {
		return err
	}
	if event.Severity == "" {
		event.Severity = defaultSeverity(event.EventType)
	}
	if err := validateSeverity(event.Severity); err != nil {
		return err
	}
	event.Details = strings.TrimSpace(event.Details)
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var host *string
	if event.Host != nil {
		if trimmed := strings.TrimSpace(*event.Host); trimmed != "" {
			host = &trimmed
		}
	}

	if _, err := s.db.Exec(
		`INSERT INTO trust_events (event_type, host, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(host),
		event.Details,
		event.Severity,
		event.Timestamp,
	); err != nil {
		return errors.Wrapf(err, "insert %s event", event.EventType)
	}
	return s.pruneExpired("trust_events", "timestamp")
}

// GetTrustEvents returns events newest first.
func (s *Store) GetTrustEvents(filter TrustEventFilter) ([]TrustEvent, error) {
	var (
		where []string
		args  []any
	)
	if filter.EventType != "" {
		if err := validateTrustEventType(filter.EventType); err != nil {
			return nil, err
		}
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Host != "" {
		where = append(where, "host = ?")
		args = append(args, filter.Host)
	}
	if filter.WarningsOnly {
		where = append(where, "severity <> ?")
		args = append(args, SeverityInfo)
	}
	if filter.Since > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since)
	}

	query := `SELECT id, event_type, host, details, severity, timestamp FROM trust_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, clampLimit(filter.Limit, 100))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query trust events")
	}
	defer rows.Close()

	var events []TrustEvent
	for rows.Next() {
		var (
			event TrustEvent
			host  sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.EventType, &host, &event.Details, &event.Severity, &event.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan trust event")
		}
		event.Host = stringPtr(host)
		events = append(events, event)
	}
	return events, errors.Wrap(rows.Err(), "iterate trust events")
}

// defaultSeverity flags the events that weaken or discard trust.
func defaultSeverity(eventType string) string {
	switch eventType {
	case TrustEventTrustedByName, TrustEventKeysReset:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
