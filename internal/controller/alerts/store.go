// Package alerts is the durable event sink for agent-raised alerts.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/common/logger"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

// ErrAlertNotFound is returned when an alert id does not exist.
var ErrAlertNotFound = errors.New("alert not found")

// Alert is a controller-persisted alert. The alert itself is immutable
// after creation; acknowledgement is tracked on the controller record.
type Alert struct {
	ID             string                 `db:"id" json:"id"`
	AgentID        string                 `db:"agent_id" json:"agentId"`
	Level          string                 `db:"level" json:"level"`
	Message        string                 `db:"message" json:"message"`
	Details        map[string]interface{} `db:"-" json:"details,omitempty"`
	CreatedAt      time.Time              `db:"created_at" json:"createdAt"`
	Acknowledged   bool                   `db:"acknowledged" json:"acknowledged"`
	AcknowledgedAt *time.Time             `db:"acknowledged_at" json:"acknowledgedAt,omitempty"`
}

// Store persists alerts in SQLite, sharing the registry database handle.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewStore prepares the alert table on the shared database.
func NewStore(db *sqlx.DB, log *logger.Logger) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_agent ON alerts(agent_id, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize alerts schema: %w", err)
	}
	return &Store{db: db, logger: log.WithFields(zap.String("component", "alerts"))}, nil
}

// Record persists an alert raised by an agent. Implements hub.AlertSink.
func (s *Store) Record(ctx context.Context, agentID string, level protocol.AlertLevel, message string, details map[string]interface{}) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal alert details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, agent_id, level, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), agentID, string(level), message, string(detailsJSON), time.Now().UTC())
	if err != nil {
		return err
	}
	s.logger.Debug("Alert recorded",
		zap.String("agent_id", agentID),
		zap.String("level", string(level)),
		zap.String("message", message))
	return nil
}

type alertRow struct {
	Alert
	DetailsJSON string `db:"details"`
}

// List returns alerts newest first, optionally filtered by agent, with a
// result cap.
func (s *Store) List(ctx context.Context, agentID string, limit int) ([]*Alert, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []alertRow
	var err error
	if agentID != "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM alerts WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM alerts ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}

	alerts := make([]*Alert, 0, len(rows))
	for i := range rows {
		a := rows[i].Alert
		if rows[i].DetailsJSON != "" {
			if err := json.Unmarshal([]byte(rows[i].DetailsJSON), &a.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal alert details: %w", err)
			}
		}
		alerts = append(alerts, &a)
	}
	return alerts, nil
}

// Acknowledge marks an alert as acknowledged.
func (s *Store) Acknowledge(ctx context.Context, alertID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET acknowledged = 1, acknowledged_at = ? WHERE id = ?`,
		time.Now().UTC(), alertID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlertNotFound
	}
	return nil
}
