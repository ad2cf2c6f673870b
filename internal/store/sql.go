package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

var _ core.Store = (*SQL)(nil)

// maxAppendAttempts bounds retries when concurrent writers race for the next audit sequence.
const maxAppendAttempts = 8

// SQL implements core.Store on PostgreSQL or SQLite.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens the database for dialect and applies the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQL, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// sqlite serializes writers anyway, a single connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", dialect, err)
	}
	s := NewSQL(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an already opened database without migrating it.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

func (s *SQL) Close() error {
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQL) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQL) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQL) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// time encoding: unix nanoseconds, NULL for absent optional timestamps

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return core.NewError(core.KindNotFound, "%s '%s' not found", what, id)
	}
	return fmt.Errorf("loading %s '%s': %w", what, id, err)
}

func checkAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// installations

const (
	installationColumns = `id, user_id, name, claim_id, status, scopes, policy, secret_hash, created_at, last_token_issued_at, revoked_at, revoked_reason`

	queryInsertInstallation = `INSERT INTO installations (` + installationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	querySelectInstallation = `SELECT ` + installationColumns + ` FROM installations WHERE id = ?`
	queryUpdateInstallation = `UPDATE installations SET name = ?, status = ?, scopes = ?, policy = ?, secret_hash = ?, last_token_issued_at = ?, revoked_at = ?, revoked_reason = ? WHERE id = ? AND status = ?`
)

func scanInstallation(row scanner) (*core.Installation, error) {
	var (
		inst              core.Installation
		scopes, policy    string
		createdAt         int64
		lastIssued, revAt sql.NullInt64
	)
	if err := row.Scan(&inst.ID, &inst.UserID, &inst.Name, &inst.ClaimID, &inst.Status, &scopes, &policy,
		&inst.SecretHash, &createdAt, &lastIssued, &revAt, &inst.RevokedReason); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopes), &inst.Scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	if err := json.Unmarshal([]byte(policy), &inst.Policy); err != nil {
		return nil, fmt.Errorf("decoding policy: %w", err)
	}
	inst.CreatedAt = fromNanos(createdAt)
	inst.LastTokenIssuedAt = fromNullNanos(lastIssued)
	inst.RevokedAt = fromNullNanos(revAt)
	return &inst, nil
}

func (s *SQL) CreateInstallation(ctx context.Context, inst *core.Installation) error {
	scopes, err := encodeJSON(inst.Scopes)
	if err != nil {
		return err
	}
	policy, err := encodeJSON(inst.Policy)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db, queryInsertInstallation,
		inst.ID, inst.UserID, inst.Name, inst.ClaimID, string(inst.Status), scopes, policy, inst.SecretHash,
		toNanos(inst.CreatedAt), toNullNanos(inst.LastTokenIssuedAt), toNullNanos(inst.RevokedAt), inst.RevokedReason)
	if err != nil {
		if isUniqueViolation(err) {
			return core.NewError(core.KindConflict, "installation '%s' already exists", inst.ID)
		}
		return fmt.Errorf("inserting installation: %w", err)
	}
	return nil
}

func (s *SQL) GetInstallation(ctx context.Context, id string) (*core.Installation, error) {
	inst, err := scanInstallation(s.queryRow(ctx, s.db, querySelectInstallation, id))
	if err != nil {
		return nil, notFound(err, "installation", id)
	}
	return inst, nil
}

func (s *SQL) ListInstallations(ctx context.Context, userID string) ([]core.Installation, error) {
	query := `SELECT ` + installationColumns + ` FROM installations`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing installations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]core.Installation, 0)
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func (s *SQL) CompareAndSwapInstallation(
	ctx context.Context,
	id string,
	expected core.InstallationStatus,
	mutate func(*core.Installation),
) (*core.Installation, error) {
	current, err := s.GetInstallation(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != expected {
		return current, core.ErrConflict
	}
	mutate(current)

	scopes, err := encodeJSON(current.Scopes)
	if err != nil {
		return nil, err
	}
	policy, err := encodeJSON(current.Policy)
	if err != nil {
		return nil, err
	}
	res, err := s.exec(ctx, s.db, queryUpdateInstallation,
		current.Name, string(current.Status), scopes, policy, current.SecretHash,
		toNullNanos(current.LastTokenIssuedAt), toNullNanos(current.RevokedAt), current.RevokedReason,
		id, string(expected))
	if err != nil {
		return nil, fmt.Errorf("updating installation: %w", err)
	}
	if ok, err := checkAffected(res); err != nil {
		return nil, err
	} else if !ok {
		latest, err := s.GetInstallation(ctx, id)
		if err != nil {
			return nil, err
		}
		return latest, core.ErrConflict
	}
	return current, nil
}

// claims

const (
	claimColumns = `id, name, requested_scopes, secret_hash, status, created_at, expires_at, installation_id, claimed_by, claimed_at`

	queryInsertClaim = `INSERT INTO claims (` + claimColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	querySelectClaim = `SELECT ` + claimColumns + ` FROM claims WHERE id = ?`
	queryUpdateClaim = `UPDATE claims SET status = ?, secret_hash = ?, installation_id = ?, claimed_by = ?, claimed_at = ? WHERE id = ? AND status = ?`
)

func scanClaim(row scanner) (*core.Claim, error) {
	var (
		c                    core.Claim
		scopes               string
		createdAt, expiresAt int64
		claimedAt            sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.Name, &scopes, &c.SecretHash, &c.Status, &createdAt, &expiresAt,
		&c.InstallationID, &c.ClaimedBy, &claimedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopes), &c.RequestedScopes); err != nil {
		return nil, fmt.Errorf("decoding requested scopes: %w", err)
	}
	c.CreatedAt = fromNanos(createdAt)
	c.ExpiresAt = fromNanos(expiresAt)
	c.ClaimedAt = fromNullNanos(claimedAt)
	return &c, nil
}

func (s *SQL) CreateClaim(ctx context.Context, c *core.Claim) error {
	scopes, err := encodeJSON(c.RequestedScopes)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db, queryInsertClaim,
		c.ID, c.Name, scopes, c.SecretHash, string(c.Status), toNanos(c.CreatedAt), toNanos(c.ExpiresAt),
		c.InstallationID, c.ClaimedBy, toNullNanos(c.ClaimedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return core.NewError(core.KindConflict, "claim '%s' already exists", c.ID)
		}
		return fmt.Errorf("inserting claim: %w", err)
	}
	return nil
}

func (s *SQL) GetClaim(ctx context.Context, id string) (*core.Claim, error) {
	c, err := scanClaim(s.queryRow(ctx, s.db, querySelectClaim, id))
	if err != nil {
		return nil, notFound(err, "claim", id)
	}
	return c, nil
}

func (s *SQL) ListClaims(ctx context.Context, status core.ClaimStatus) ([]core.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing claims: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]core.Claim, 0)
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQL) CompareAndSwapClaim(
	ctx context.Context,
	id string,
	expected core.ClaimStatus,
	mutate func(*core.Claim),
) (*core.Claim, error) {
	current, err := s.GetClaim(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != expected {
		return current, core.ErrConflict
	}
	mutate(current)

	res, err := s.exec(ctx, s.db, queryUpdateClaim,
		string(current.Status), current.SecretHash, current.InstallationID, current.ClaimedBy,
		toNullNanos(current.ClaimedAt), id, string(expected))
	if err != nil {
		return nil, fmt.Errorf("updating claim: %w", err)
	}
	if ok, err := checkAffected(res); err != nil {
		return nil, err
	} else if !ok {
		latest, err := s.GetClaim(ctx, id)
		if err != nil {
			return nil, err
		}
		return latest, core.ErrConflict
	}
	return current, nil
}

// intents

const (
	intentColumns = `id, installation_id, action_kind, category, payload_hash, payload, status, idempotency_key, token_hash, created_at, expires_at, decided_at, decided_by, consumed_at`

	queryInsertIntent = `INSERT INTO intents (` + intentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	querySelectIntent = `SELECT ` + intentColumns + ` FROM intents WHERE id = ?`
	queryIntentByKey  = `SELECT intent_id FROM intent_keys WHERE installation_id = ? AND idempotency_key = ?`
	queryIntentByTok  = `SELECT ` + intentColumns + ` FROM intents WHERE token_hash = ?`
	queryUpdateIntent = `UPDATE intents SET status = ?, decided_at = ?, decided_by = ?, consumed_at = ? WHERE id = ? AND status = ?`

	// claims the idempotency slot unless a live intent holds it
	queryClaimIntentKey = `INSERT INTO intent_keys (installation_id, idempotency_key, intent_id, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (installation_id, idempotency_key) DO UPDATE SET intent_id = excluded.intent_id, expires_at = excluded.expires_at
		WHERE intent_keys.expires_at <= ?`
)

func scanIntent(row scanner) (*core.Intent, error) {
	var (
		i                       core.Intent
		payload                 string
		createdAt, expiresAt    int64
		decidedAt, consumedAtNs sql.NullInt64
	)
	if err := row.Scan(&i.ID, &i.InstallationID, &i.ActionKind, &i.Category, &i.PayloadHash, &payload, &i.Status,
		&i.IdempotencyKey, &i.TokenHash, &createdAt, &expiresAt, &decidedAt, &i.DecidedBy, &consumedAtNs); err != nil {
		return nil, err
	}
	if payload != "" {
		i.Payload = json.RawMessage(payload)
	}
	i.CreatedAt = fromNanos(createdAt)
	i.ExpiresAt = fromNanos(expiresAt)
	i.DecidedAt = fromNullNanos(decidedAt)
	i.ConsumedAt = fromNullNanos(consumedAtNs)
	return &i, nil
}

func (s *SQL) getIntent(ctx context.Context, q querier, id string) (*core.Intent, error) {
	i, err := scanIntent(s.queryRow(ctx, q, querySelectIntent, id))
	if err != nil {
		return nil, notFound(err, "intent", id)
	}
	return i, nil
}

func (s *SQL) CreateIntent(ctx context.Context, intent *core.Intent, now time.Time) (*core.Intent, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := s.exec(ctx, tx, queryClaimIntentKey,
		intent.InstallationID, intent.IdempotencyKey, intent.ID, toNanos(intent.ExpiresAt), toNanos(now))
	if err != nil {
		return nil, false, fmt.Errorf("claiming idempotency key: %w", err)
	}
	claimed, err := checkAffected(res)
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		var holderID string
		if err := s.queryRow(ctx, tx, queryIntentByKey, intent.InstallationID, intent.IdempotencyKey).Scan(&holderID); err != nil {
			return nil, false, fmt.Errorf("loading idempotency key holder: %w", err)
		}
		holder, err := s.getIntent(ctx, tx, holderID)
		if err != nil {
			return nil, false, err
		}
		return holder, false, nil
	}

	_, err = s.exec(ctx, tx, queryInsertIntent,
		intent.ID, intent.InstallationID, string(intent.ActionKind), intent.Category, intent.PayloadHash,
		string(intent.Payload), string(intent.Status), intent.IdempotencyKey, intent.TokenHash,
		toNanos(intent.CreatedAt), toNanos(intent.ExpiresAt), toNullNanos(intent.DecidedAt), intent.DecidedBy,
		toNullNanos(intent.ConsumedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, core.NewError(core.KindConflict, "intent '%s' already exists", intent.ID)
		}
		return nil, false, fmt.Errorf("inserting intent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing intent: %w", err)
	}

	stored := cloneIntent(*intent)
	return &stored, true, nil
}

func (s *SQL) GetIntent(ctx context.Context, id string) (*core.Intent, error) {
	return s.getIntent(ctx, s.db, id)
}

func (s *SQL) FindIntentByIdempotencyKey(ctx context.Context, installationID, key string) (*core.Intent, error) {
	var id string
	if err := s.queryRow(ctx, s.db, queryIntentByKey, installationID, key).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NewError(core.KindNotFound, "no intent for idempotency key")
		}
		return nil, fmt.Errorf("loading idempotency key: %w", err)
	}
	return s.getIntent(ctx, s.db, id)
}

func (s *SQL) FindIntentByTokenHash(ctx context.Context, tokenHash string) (*core.Intent, error) {
	if tokenHash == "" {
		return nil, core.NewError(core.KindNotFound, "no intent for token")
	}
	i, err := scanIntent(s.queryRow(ctx, s.db, queryIntentByTok, tokenHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NewError(core.KindNotFound, "no intent for token")
		}
		return nil, fmt.Errorf("loading intent by token: %w", err)
	}
	return i, nil
}

// inClause appends "column IN (?, ?, ...)" for values.
func inClause[T ~string](column string, values []T, args []any) (string, []any) {
	marks := make([]string, len(values))
	for i, v := range values {
		marks[i] = "?"
		args = append(args, string(v))
	}
	return column + " IN (" + strings.Join(marks, ", ") + ")", args
}

func (s *SQL) ListIntents(ctx context.Context, filter core.IntentFilter) ([]core.Intent, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.InstallationIDs) > 0 {
		var clause string
		clause, args = inClause("installation_id", filter.InstallationIDs, args)
		where = append(where, clause)
	}
	if len(filter.Statuses) > 0 {
		var clause string
		clause, args = inClause("status", filter.Statuses, args)
		where = append(where, clause)
	}
	if filter.ActionKind != "" {
		where = append(where, "action_kind = ?")
		args = append(args, string(filter.ActionKind))
	}
	if !filter.ExpiresBefore.IsZero() {
		where = append(where, "expires_at <= ?")
		args = append(args, toNanos(filter.ExpiresBefore))
	}

	query := `SELECT ` + intentColumns + ` FROM intents`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing intents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]core.Intent, 0)
	for rows.Next() {
		i, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

func (s *SQL) CompareAndSwapIntent(
	ctx context.Context,
	id string,
	expected core.IntentStatus,
	mutate func(*core.Intent),
) (*core.Intent, error) {
	current, err := s.getIntent(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if current.Status != expected {
		return current, core.ErrConflict
	}
	mutate(current)

	res, err := s.exec(ctx, s.db, queryUpdateIntent,
		string(current.Status), toNullNanos(current.DecidedAt), current.DecidedBy, toNullNanos(current.ConsumedAt),
		id, string(expected))
	if err != nil {
		return nil, fmt.Errorf("updating intent: %w", err)
	}
	if ok, err := checkAffected(res); err != nil {
		return nil, err
	} else if !ok {
		latest, err := s.getIntent(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		return latest, core.ErrConflict
	}
	return current, nil
}

// plans

const (
	planColumns = `id, installation_id, intent_ids, plan_hash, status, created_at, expires_at, decided_at, decided_by, executed_at, executed_by, execute_intent_id`

	queryInsertPlan = `INSERT INTO plans (` + planColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	querySelectPlan = `SELECT ` + planColumns + ` FROM plans WHERE id = ?`
	queryUpdatePlan = `UPDATE plans SET status = ?, decided_at = ?, decided_by = ?, executed_at = ?, executed_by = ?, execute_intent_id = ? WHERE id = ? AND status = ?`
)

func scanPlan(row scanner) (*core.Plan, error) {
	var (
		p                    core.Plan
		intentIDs            string
		createdAt, expiresAt int64
		decidedAt, execAt    sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.InstallationID, &intentIDs, &p.PlanHash, &p.Status, &createdAt, &expiresAt,
		&decidedAt, &p.DecidedBy, &execAt, &p.ExecutedBy, &p.ExecuteIntentID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(intentIDs), &p.IntentIDs); err != nil {
		return nil, fmt.Errorf("decoding intent ids: %w", err)
	}
	p.CreatedAt = fromNanos(createdAt)
	p.ExpiresAt = fromNanos(expiresAt)
	p.DecidedAt = fromNullNanos(decidedAt)
	p.ExecutedAt = fromNullNanos(execAt)
	return &p, nil
}

func (s *SQL) CreatePlan(ctx context.Context, p *core.Plan) error {
	ids, err := encodeJSON(p.IntentIDs)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db, queryInsertPlan,
		p.ID, p.InstallationID, ids, p.PlanHash, string(p.Status), toNanos(p.CreatedAt), toNanos(p.ExpiresAt),
		toNullNanos(p.DecidedAt), p.DecidedBy, toNullNanos(p.ExecutedAt), p.ExecutedBy, p.ExecuteIntentID)
	if err != nil {
		if isUniqueViolation(err) {
			return core.NewError(core.KindConflict, "plan '%s' already exists", p.ID)
		}
		return fmt.Errorf("inserting plan: %w", err)
	}
	return nil
}

func (s *SQL) GetPlan(ctx context.Context, id string) (*core.Plan, error) {
	p, err := scanPlan(s.queryRow(ctx, s.db, querySelectPlan, id))
	if err != nil {
		return nil, notFound(err, "plan", id)
	}
	return p, nil
}

func (s *SQL) ListPlans(ctx context.Context, filter core.PlanFilter) ([]core.Plan, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.InstallationIDs) > 0 {
		var clause string
		clause, args = inClause("installation_id", filter.InstallationIDs, args)
		where = append(where, clause)
	}
	if len(filter.Statuses) > 0 {
		var clause string
		clause, args = inClause("status", filter.Statuses, args)
		where = append(where, clause)
	}
	if !filter.ExpiresBefore.IsZero() {
		where = append(where, "expires_at <= ?")
		args = append(args, toNanos(filter.ExpiresBefore))
	}

	query := `SELECT ` + planColumns + ` FROM plans`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]core.Plan, 0)
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQL) CompareAndSwapPlan(
	ctx context.Context,
	id string,
	expected core.PlanStatus,
	mutate func(*core.Plan),
) (*core.Plan, error) {
	current, err := s.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != expected {
		return current, core.ErrConflict
	}
	mutate(current)

	res, err := s.exec(ctx, s.db, queryUpdatePlan,
		string(current.Status), toNullNanos(current.DecidedAt), current.DecidedBy, toNullNanos(current.ExecutedAt),
		current.ExecutedBy, current.ExecuteIntentID, id, string(expected))
	if err != nil {
		return nil, fmt.Errorf("updating plan: %w", err)
	}
	if ok, err := checkAffected(res); err != nil {
		return nil, err
	} else if !ok {
		latest, err := s.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		return latest, core.ErrConflict
	}
	return current, nil
}

// counters

const queryIncrementCounter = `INSERT INTO daily_counters (installation_id, day, used) VALUES (?, ?, 1)
	ON CONFLICT (installation_id, day) DO UPDATE SET used = daily_counters.used + 1
	WHERE daily_counters.used < ?`

func (s *SQL) IncrementDailyCounter(ctx context.Context, installationID, day string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	res, err := s.exec(ctx, s.db, queryIncrementCounter, installationID, day, limit)
	if err != nil {
		return false, fmt.Errorf("incrementing daily counter: %w", err)
	}
	return checkAffected(res)
}

// audit

const (
	auditColumns = `sequence, id, recorded_at, subject_type, subject_id, event, actor_type, actor_id, payload_hash, failure_kind, metadata, previous_hash, entry_hash`

	queryLastAudit   = `SELECT ` + auditColumns + ` FROM audit_log ORDER BY sequence DESC LIMIT 1`
	queryInsertAudit = `INSERT INTO audit_log (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

func scanAudit(row scanner) (*core.AuditEntry, error) {
	var (
		e        core.AuditEntry
		seq      int64
		ts       int64
		metadata string
	)
	if err := row.Scan(&seq, &e.ID, &ts, &e.SubjectType, &e.SubjectID, &e.Event, &e.ActorType, &e.ActorID,
		&e.PayloadHash, &e.FailureKind, &metadata, &e.PreviousHash, &e.EntryHash); err != nil {
		return nil, err
	}
	e.Sequence = uint64(seq)
	e.Time = fromNanos(ts)
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding audit metadata: %w", err)
		}
	}
	if len(e.Metadata) == 0 {
		e.Metadata = nil
	}
	return &e, nil
}

func (s *SQL) AppendAudit(
	ctx context.Context,
	build func(last *core.AuditEntry) (*core.AuditEntry, error),
) (*core.AuditEntry, error) {
	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		entry, err := s.appendAuditOnce(ctx, build)
		if err == nil {
			return entry, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("appending audit entry: too much contention: %w", lastErr)
}

func (s *SQL) appendAuditOnce(
	ctx context.Context,
	build func(last *core.AuditEntry) (*core.AuditEntry, error),
) (*core.AuditEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	last, err := scanAudit(s.queryRow(ctx, tx, queryLastAudit))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loading audit chain head: %w", err)
		}
		last = nil
	}

	entry, err := build(last)
	if err != nil {
		return nil, err
	}
	metadata, err := encodeJSON(entry.Metadata)
	if err != nil {
		return nil, err
	}
	if _, err := s.exec(ctx, tx, queryInsertAudit,
		int64(entry.Sequence), entry.ID, toNanos(entry.Time), string(entry.SubjectType), entry.SubjectID,
		string(entry.Event), string(entry.ActorType), entry.ActorID, entry.PayloadHash, string(entry.FailureKind),
		metadata, entry.PreviousHash, entry.EntryHash); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *SQL) ListAudit(ctx context.Context, filter core.AuditFilter) ([]core.AuditEntry, error) {
	where := []string{"sequence > ?"}
	args := []any{int64(filter.AfterSequence)}
	if filter.SubjectType != "" {
		where = append(where, "subject_type = ?")
		args = append(args, string(filter.SubjectType))
	}
	if filter.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.Event != "" {
		where = append(where, "event = ?")
		args = append(args, string(filter.Event))
	}
	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE ` + strings.Join(where, " AND ") + ` ORDER BY sequence`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]core.AuditEntry, 0)
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
