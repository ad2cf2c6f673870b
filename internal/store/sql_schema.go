package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects placeholder style and driver for the SQL store.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// driverName maps a dialect to its registered database/sql driver.
func (d Dialect) driverName() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	default:
		return "sqlite"
	}
}

// rebind rewrites '?' placeholders into '$n' for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS installations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		claim_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		scopes TEXT NOT NULL DEFAULT '[]',
		policy TEXT NOT NULL DEFAULT '{}',
		secret_hash TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		last_token_issued_at BIGINT,
		revoked_at BIGINT,
		revoked_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_installations_user ON installations (user_id)`,
	`CREATE TABLE IF NOT EXISTS claims (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		requested_scopes TEXT NOT NULL DEFAULT '[]',
		secret_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		installation_id TEXT NOT NULL DEFAULT '',
		claimed_by TEXT NOT NULL DEFAULT '',
		claimed_at BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS intents (
		id TEXT PRIMARY KEY,
		installation_id TEXT NOT NULL,
		action_kind TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		payload_hash TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		token_hash TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		decided_at BIGINT,
		decided_by TEXT NOT NULL DEFAULT '',
		consumed_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_intents_installation ON intents (installation_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_intents_token ON intents (token_hash)`,
	`CREATE TABLE IF NOT EXISTS intent_keys (
		installation_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		intent_id TEXT NOT NULL,
		expires_at BIGINT NOT NULL,
		PRIMARY KEY (installation_id, idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		installation_id TEXT NOT NULL,
		intent_ids TEXT NOT NULL DEFAULT '[]',
		plan_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		decided_at BIGINT,
		decided_by TEXT NOT NULL DEFAULT '',
		executed_at BIGINT,
		executed_by TEXT NOT NULL DEFAULT '',
		execute_intent_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_plans_installation ON plans (installation_id, status)`,
	`CREATE TABLE IF NOT EXISTS daily_counters (
		installation_id TEXT NOT NULL,
		day TEXT NOT NULL,
		used BIGINT NOT NULL,
		PRIMARY KEY (installation_id, day)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		sequence BIGINT PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		recorded_at BIGINT NOT NULL,
		subject_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		event TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		payload_hash TEXT NOT NULL DEFAULT '',
		failure_kind TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist yet.
func (s *SQL) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement #%d: %w", i, err)
		}
	}
	return nil
}
