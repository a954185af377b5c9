package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tidewater-ai/bastion/internal/metrics"
	"github.com/tidewater-ai/bastion/internal/store"
)

// Event levels. These are the audit contract, not logrus levels.
const (
	LevelInfo     = "INFO"
	LevelWarn     = "WARN"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Event is one append-only audit row.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Log is the append-only structured event sink backed by the audit_events
// table. Rows older than the retention window are purged in batches.
type Log struct {
	store     *store.Store
	log       *logrus.Entry
	retention time.Duration
	batch     int
	now       func() time.Time
}

// New creates an audit log with the given retention window.
func New(st *store.Store, retentionDays, purgeBatch int) *Log {
	if purgeBatch < 1 {
		purgeBatch = 1000
	}
	return &Log{
		store:     st,
		log:       logrus.WithField("component", "audit"),
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		batch:     purgeBatch,
		now:       time.Now,
	}
}

// Record appends an audit event. It also mirrors the event to the process
// log so operators see it without querying the store.
func (l *Log) Record(ctx context.Context, level, component, eventType, message string, details map[string]any) error {
	detailsJSON := "{}"
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
		detailsJSON = string(raw)
	}

	entry := l.log.WithFields(logrus.Fields{
		"audit_component": component,
		"event_type":      eventType,
	})
	switch level {
	case LevelWarn:
		entry.Warn(message)
	case LevelError, LevelCritical:
		entry.Error(message)
	default:
		entry.Info(message)
	}

	_, err := l.store.Execute(ctx,
		`INSERT INTO audit_events (timestamp, level, component, event_type, message, details_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.now().UTC(), level, component, eventType, message, detailsJSON)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	metrics.RecordAuditEvent(level)
	return nil
}

// Recent returns events newer than since, newest first, capped at limit.
func (l *Log) Recent(ctx context.Context, since time.Time, limit int) ([]Event, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := l.store.DB().QueryContext(ctx,
		`SELECT id, timestamp, level, component, event_type, message, details_json
		 FROM audit_events WHERE timestamp >= ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detailsJSON string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Component, &e.EventType, &e.Message, &detailsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if detailsJSON != "" && detailsJSON != "{}" {
			if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
				// A malformed details blob should not hide the event.
				e.Details = map[string]any{"raw": detailsJSON}
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Purge deletes events older than the retention window, in bounded batches
// so a large backlog never holds the write lock for long. Returns the total
// number of rows deleted.
func (l *Log) Purge(ctx context.Context) (int64, error) {
	cutoff := l.now().Add(-l.retention).UTC()

	var total int64
	for {
		res, err := l.store.Execute(ctx,
			`DELETE FROM audit_events WHERE id IN (
				SELECT id FROM audit_events WHERE timestamp < ? LIMIT ?
			)`, cutoff, l.batch)
		if err != nil {
			return total, fmt.Errorf("failed to purge audit events: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(l.batch) {
			break
		}
	}

	if total > 0 {
		l.log.WithField("purged", total).Info("purged expired audit events")
	}
	return total, nil
}
