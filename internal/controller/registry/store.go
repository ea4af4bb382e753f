package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced by the store.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrTokenNotFound = errors.New("token not found")
)

// Store persists agents and registration tokens in SQLite.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (and if needed creates) the registry database.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		hostname TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		last_heartbeat DATETIME,
		observed_ip TEXT NOT NULL DEFAULT '',
		api_address TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		config_blob TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tokens (
		token TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		used_by TEXT,
		used_at DATETIME,
		api_address TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle so sibling stores can share it.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAgent inserts a new agent record.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, public_key, hostname, platform, status, last_heartbeat,
			observed_ip, api_address, metadata, config_blob, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PublicKey, a.Hostname, a.Platform, a.Status, a.LastHeartbeat,
		a.ObservedIP, a.APIAddress, string(meta), a.ConfigBlob, a.CreatedAt, a.UpdatedAt)
	return err
}

type agentRow struct {
	Agent
	MetadataJSON string `db:"metadata"`
}

func (r *agentRow) toAgent() (*Agent, error) {
	a := r.Agent
	if r.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agent metadata: %w", err)
		}
	}
	return &a, nil
}

// GetAgent retrieves an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toAgent()
}

// ListAgents returns all agents ordered by hostname.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM agents ORDER BY hostname, id`); err != nil {
		return nil, err
	}
	agents := make([]*Agent, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toAgent()
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// UpdateAgentStatus sets the status and, for online transitions, the
// heartbeat timestamp and observed IP.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, heartbeat *time.Time, observedIP string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?,
			last_heartbeat = COALESCE(?, last_heartbeat),
			observed_ip = CASE WHEN ? != '' THEN ? ELSE observed_ip END,
			updated_at = ?
		WHERE id = ?`,
		status, heartbeat, observedIP, observedIP, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return s.requireRow(res)
}

// TouchHeartbeat records a heartbeat for an agent.
func (s *Store) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		at, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return s.requireRow(res)
}

// UpdateAgentConfig stores the latest mirror of the agent's Git-backed config.
func (s *Store) UpdateAgentConfig(ctx context.Context, id, configBlob string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET config_blob = ?, updated_at = ? WHERE id = ?`,
		configBlob, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return s.requireRow(res)
}

// UpdateAgentMetadata replaces the operator-supplied metadata bag.
func (s *Store) UpdateAgentMetadata(ctx context.Context, id string, metadata map[string]string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(meta), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return s.requireRow(res)
}

// DeleteAgent removes an agent record. Explicit admin action only.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return s.requireRow(res)
}

func (s *Store) requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// CreateToken inserts a new registration token.
func (s *Store) CreateToken(ctx context.Context, t *Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (token, created_at, expires_at, used_by, used_at, api_address)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.Token, t.CreatedAt, t.ExpiresAt, t.UsedBy, t.UsedAt, t.APIAddress)
	return err
}

// GetToken retrieves a token by its opaque value.
func (s *Store) GetToken(ctx context.Context, token string) (*Token, error) {
	var t Token
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tokens WHERE token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTokens returns all tokens, newest first. Retained for audit.
func (s *Store) ListTokens(ctx context.Context) ([]*Token, error) {
	var tokens []*Token
	err := s.db.SelectContext(ctx, &tokens, `SELECT * FROM tokens ORDER BY created_at DESC`)
	return tokens, err
}

// ConsumeToken atomically marks an unused, unexpired token as used by the
// given agent. Returns ErrTokenNotFound when the token cannot be consumed,
// which covers reuse and expiry.
func (s *Store) ConsumeToken(ctx context.Context, token, agentID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET used_by = ?, used_at = ?
		WHERE token = ? AND used_by IS NULL AND expires_at > ?`,
		agentID, now, token, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}
