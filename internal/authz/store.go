package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-hr/meridian/internal/platform/db"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("authz: not found")

// ErrInvalidRule indicates a rule that violates the subject invariant or
// is otherwise malformed.
var ErrInvalidRule = errors.New("authz: invalid rule")

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so read helpers
// can run inside or outside a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides PostgreSQL backed persistence for permission rules, role
// memberships, the derived permission matrix, and the version ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for components that manage their own
// transactions, such as the compiler.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func validateRule(rule PermissionRule) error {
	switch rule.SubjectKind {
	case SubjectUser, SubjectRole:
	default:
		return fmt.Errorf("%w: subject kind %q", ErrInvalidRule, rule.SubjectKind)
	}
	if strings.TrimSpace(rule.SubjectID) == "" {
		return fmt.Errorf("%w: subject id required", ErrInvalidRule)
	}
	if len(rule.Permissions) == 0 {
		return fmt.Errorf("%w: permission set empty", ErrInvalidRule)
	}
	for _, code := range rule.Permissions {
		if strings.TrimSpace(code) == "" {
			return fmt.Errorf("%w: blank permission code", ErrInvalidRule)
		}
	}
	if !rule.Scope.Valid() {
		return fmt.Errorf("%w: data scope %q", ErrInvalidRule, rule.Scope)
	}
	if rule.EffectiveUntil != nil && !rule.EffectiveFrom.IsZero() && !rule.EffectiveUntil.After(rule.EffectiveFrom) {
		return fmt.Errorf("%w: effective window ends before it starts", ErrInvalidRule)
	}
	return nil
}

const ruleColumns = `id, subject_kind, subject_id, permissions, data_scope, effective_from, effective_until, active, created_at, updated_at`

func scanRule(row pgx.Row) (PermissionRule, error) {
	var rule PermissionRule
	err := row.Scan(
		&rule.ID,
		&rule.SubjectKind,
		&rule.SubjectID,
		&rule.Permissions,
		&rule.Scope,
		&rule.EffectiveFrom,
		&rule.EffectiveUntil,
		&rule.Active,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	return rule, err
}

func collectRules(rows pgx.Rows) ([]PermissionRule, error) {
	defer rows.Close()
	var rules []PermissionRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// rulesForUser returns every rule addressing the user, either directly or
// through one of their active role memberships. Window and active
// filtering is deliberately left to the compiler so the grant semantics
// live in one place.
func rulesForUser(ctx context.Context, q querier, userID string) ([]PermissionRule, error) {
	rows, err := q.Query(ctx, `
		SELECT `+ruleColumns+` FROM permission_rules
		WHERE (subject_kind = 'user' AND subject_id = $1)
		   OR (subject_kind = 'role' AND subject_id IN (
			SELECT role FROM role_memberships WHERE user_id = $1 AND active
		   ))
		ORDER BY subject_kind = 'user', id`, userID)
	if err != nil {
		return nil, err
	}
	return collectRules(rows)
}

// RulesForUser is the pool-backed variant of rulesForUser.
func (s *Store) RulesForUser(ctx context.Context, userID string) ([]PermissionRule, error) {
	rules, err := rulesForUser(ctx, s.pool, userID)
	if err != nil {
		return nil, fmt.Errorf("authz: rules for user: %w", err)
	}
	return rules, nil
}

func roleMembers(ctx context.Context, q querier, role string) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT user_id FROM role_memberships WHERE role = $1 AND active ORDER BY user_id`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// RoleMembers returns the user IDs holding the role through an active
// membership.
func (s *Store) RoleMembers(ctx context.Context, role string) ([]string, error) {
	users, err := roleMembers(ctx, s.pool, role)
	if err != nil {
		return nil, fmt.Errorf("authz: role members: %w", err)
	}
	return users, nil
}

// recomputeSubjectTx regenerates the matrix rows of every user a rule
// subject reaches, inside the mutating transaction. Committing the
// mutation, the ledger bump, and the projection refresh together is what
// makes the projection reflect a single consistent rule snapshot: if the
// refresh fails the whole mutation rolls back and the ledger never
// advances past a projection it does not describe.
func recomputeSubjectTx(ctx context.Context, q querier, kind SubjectKind, subjectID string, now time.Time) error {
	switch kind {
	case SubjectUser:
		return compileUserTx(ctx, q, subjectID, now)
	case SubjectRole:
		members, err := roleMembers(ctx, q, subjectID)
		if err != nil {
			return fmt.Errorf("role members: %w", err)
		}
		for _, userID := range members {
			if err := compileUserTx(ctx, q, userID, now); err != nil {
				return fmt.Errorf("member %s: %w", userID, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: subject kind %q", ErrInvalidRule, kind)
	}
}

// userIDsWithRules returns every user a full rebuild must cover: anyone
// with a user-specific rule or an active role membership.
func userIDsWithRules(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT subject_id FROM permission_rules WHERE subject_kind = 'user'
		UNION
		SELECT user_id FROM role_memberships WHERE active
		ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// UserIDsWithRules is the pool-backed variant of userIDsWithRules.
func (s *Store) UserIDsWithRules(ctx context.Context) ([]string, error) {
	users, err := userIDsWithRules(ctx, s.pool)
	if err != nil {
		return nil, fmt.Errorf("authz: list users: %w", err)
	}
	return users, nil
}

// CurrentVersion reads the ledger without a transaction.
func (s *Store) CurrentVersion(ctx context.Context) (int64, error) {
	var version int64
	if err := s.pool.QueryRow(ctx, `SELECT version FROM permission_version WHERE id = 1`).Scan(&version); err != nil {
		return 0, fmt.Errorf("authz: current version: %w", err)
	}
	return version, nil
}

// bumpVersion increments the ledger inside the caller's transaction.
// Every committed rule or membership mutation must call this exactly
// once; the single row serialises concurrent writers.
func bumpVersion(ctx context.Context, q querier) (int64, error) {
	var version int64
	err := q.QueryRow(ctx, `UPDATE permission_version SET version = version + 1 WHERE id = 1 RETURNING version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("bump version: %w", err)
	}
	return version, nil
}

// MatrixSnapshot holds entries for one user read together with the
// ledger version they were read under.
type MatrixSnapshot struct {
	Entries map[string]MatrixEntry
	Version int64
}

// MatrixEntriesFor reads the matrix rows for the given permission codes
// and the ledger version in one repeatable-read transaction, so batch
// evaluations never mix two versions.
func (s *Store) MatrixEntriesFor(ctx context.Context, userID string, codes []string) (MatrixSnapshot, error) {
	snap := MatrixSnapshot{Entries: make(map[string]MatrixEntry, len(codes))}
	err := db.WithReadTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT version FROM permission_version WHERE id = 1`).Scan(&snap.Version); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			SELECT user_id, permission, data_scope, sources, compiled_at
			FROM permission_matrix
			WHERE user_id = $1 AND permission = ANY($2)`, userID, codes)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var entry MatrixEntry
			var sources []byte
			if err := rows.Scan(&entry.UserID, &entry.Permission, &entry.Scope, &sources, &entry.CompiledAt); err != nil {
				return err
			}
			if err := json.Unmarshal(sources, &entry.Sources); err != nil {
				return fmt.Errorf("decode sources: %w", err)
			}
			snap.Entries[entry.Permission] = entry
		}
		return rows.Err()
	})
	if err != nil {
		return snap, fmt.Errorf("authz: matrix snapshot: %w", err)
	}
	return snap, nil
}

// replaceUserMatrix regenerates the matrix rows for one user inside the
// caller's transaction. Rows are deleted and re-inserted wholesale;
// incremental patching is forbidden to avoid partial-update divergence.
func replaceUserMatrix(ctx context.Context, q querier, userID string, entries []MatrixEntry) error {
	if _, err := q.Exec(ctx, `DELETE FROM permission_matrix WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear matrix: %w", err)
	}
	for _, entry := range entries {
		sources, err := json.Marshal(entry.Sources)
		if err != nil {
			return fmt.Errorf("encode sources: %w", err)
		}
		_, err = q.Exec(ctx, `
			INSERT INTO permission_matrix (user_id, permission, data_scope, sources, compiled_at)
			VALUES ($1, $2, $3, $4, $5)`,
			entry.UserID, entry.Permission, entry.Scope, sources, entry.CompiledAt)
		if err != nil {
			return fmt.Errorf("insert matrix row: %w", err)
		}
	}
	return nil
}

// GetRule fetches a rule by ID.
func (s *Store) GetRule(ctx context.Context, id int64) (PermissionRule, error) {
	rule, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM permission_rules WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PermissionRule{}, ErrNotFound
		}
		return PermissionRule{}, fmt.Errorf("authz: get rule: %w", err)
	}
	return rule, nil
}

// CreateRule inserts a rule and bumps the ledger in one transaction.
// Returns the stored rule and the new ledger version.
func (s *Store) CreateRule(ctx context.Context, rule PermissionRule) (PermissionRule, int64, error) {
	if err := validateRule(rule); err != nil {
		return PermissionRule{}, 0, err
	}
	if rule.EffectiveFrom.IsZero() {
		rule.EffectiveFrom = time.Now().UTC()
	}
	var version int64
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO permission_rules (subject_kind, subject_id, permissions, data_scope, effective_from, effective_until, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+ruleColumns,
			rule.SubjectKind, rule.SubjectID, rule.Permissions, rule.Scope,
			rule.EffectiveFrom, rule.EffectiveUntil, rule.Active)
		stored, err := scanRule(row)
		if err != nil {
			return err
		}
		rule = stored
		if version, err = bumpVersion(ctx, tx); err != nil {
			return err
		}
		return recomputeSubjectTx(ctx, tx, rule.SubjectKind, rule.SubjectID, time.Now().UTC())
	})
	if err != nil {
		return PermissionRule{}, 0, fmt.Errorf("authz: create rule: %w", err)
	}
	return rule, version, nil
}

// UpdateRule rewrites the mutable attributes of a rule and bumps the
// ledger in one transaction.
func (s *Store) UpdateRule(ctx context.Context, rule PermissionRule) (PermissionRule, int64, error) {
	if err := validateRule(rule); err != nil {
		return PermissionRule{}, 0, err
	}
	var version int64
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE permission_rules
			SET permissions = $2, data_scope = $3, effective_from = $4, effective_until = $5, active = $6, updated_at = now()
			WHERE id = $1
			RETURNING `+ruleColumns,
			rule.ID, rule.Permissions, rule.Scope, rule.EffectiveFrom, rule.EffectiveUntil, rule.Active)
		stored, err := scanRule(row)
		if err != nil {
			return err
		}
		rule = stored
		if version, err = bumpVersion(ctx, tx); err != nil {
			return err
		}
		return recomputeSubjectTx(ctx, tx, rule.SubjectKind, rule.SubjectID, time.Now().UTC())
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PermissionRule{}, 0, ErrNotFound
		}
		return PermissionRule{}, 0, fmt.Errorf("authz: update rule: %w", err)
	}
	return rule, version, nil
}

// DeactivateRule soft-expires a rule. Rules referenced by history are
// never hard-deleted.
func (s *Store) DeactivateRule(ctx context.Context, id int64) (PermissionRule, int64, error) {
	var rule PermissionRule
	var version int64
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE permission_rules SET active = false, updated_at = now()
			WHERE id = $1
			RETURNING `+ruleColumns, id)
		stored, err := scanRule(row)
		if err != nil {
			return err
		}
		rule = stored
		if version, err = bumpVersion(ctx, tx); err != nil {
			return err
		}
		return recomputeSubjectTx(ctx, tx, rule.SubjectKind, rule.SubjectID, time.Now().UTC())
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PermissionRule{}, 0, ErrNotFound
		}
		return PermissionRule{}, 0, fmt.Errorf("authz: deactivate rule: %w", err)
	}
	return rule, version, nil
}

// UpsertMembership creates or reactivates/deactivates a role membership
// and bumps the ledger in one transaction.
func (s *Store) UpsertMembership(ctx context.Context, userID, role string, active bool) (int64, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(role) == "" {
		return 0, fmt.Errorf("%w: membership requires user and role", ErrInvalidRule)
	}
	var version int64
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO role_memberships (user_id, role, active)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, role) DO UPDATE SET active = EXCLUDED.active, updated_at = now()`,
			userID, role, active)
		if err != nil {
			return err
		}
		if version, err = bumpVersion(ctx, tx); err != nil {
			return err
		}
		return compileUserTx(ctx, tx, userID, time.Now().UTC())
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return 0, fmt.Errorf("authz: upsert membership: unknown role %q: %w", role, err)
		}
		return 0, fmt.Errorf("authz: upsert membership: %w", err)
	}
	return version, nil
}
