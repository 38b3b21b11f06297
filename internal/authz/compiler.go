package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-hr/meridian/internal/platform/db"
)

// buildEntries performs the two-step fold from rules to matrix entries:
// expand every applicable rule's permission set into (code, scope, source)
// triples, then group by code taking the maximum scope and the union of
// sources. Grants are additive; no rule can subtract a permission another
// rule granted.
func buildEntries(userID string, rules []PermissionRule, now time.Time) []MatrixEntry {
	type group struct {
		scope   DataScope
		sources []SourceRef
	}
	groups := make(map[string]*group)
	for _, rule := range rules {
		if !rule.AppliesAt(now) {
			continue
		}
		ref := SourceRef{RuleID: rule.ID, Subject: rule.SubjectID}
		switch rule.SubjectKind {
		case SubjectRole:
			ref.Kind = SourceKindRole
		case SubjectUser:
			ref.Kind = SourceKindUser
		default:
			continue
		}
		for _, code := range rule.Permissions {
			code = strings.TrimSpace(code)
			if code == "" {
				continue
			}
			g, ok := groups[code]
			if !ok {
				g = &group{scope: rule.Scope}
				groups[code] = g
			}
			g.scope = MaxScope(g.scope, rule.Scope)
			g.sources = append(g.sources, ref)
		}
	}

	entries := make([]MatrixEntry, 0, len(groups))
	for code, g := range groups {
		// Deterministic source order: role-based before user-specific,
		// then by rule ID, so the evaluator's reported source is stable.
		sort.Slice(g.sources, func(i, j int) bool {
			a, b := g.sources[i], g.sources[j]
			if a.Kind != b.Kind {
				return a.Kind == SourceKindRole
			}
			return a.RuleID < b.RuleID
		})
		entries = append(entries, MatrixEntry{
			UserID:     userID,
			Permission: code,
			Scope:      g.scope,
			Sources:    g.sources,
			CompiledAt: now,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Permission < entries[j].Permission })
	return entries
}

// compileUserTx regenerates one user's matrix rows inside the caller's
// transaction, from the rule snapshot that transaction sees.
func compileUserTx(ctx context.Context, q querier, userID string, now time.Time) error {
	rules, err := rulesForUser(ctx, q, userID)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if err := replaceUserMatrix(ctx, q, userID, buildEntries(userID, rules, now)); err != nil {
		return err
	}
	return nil
}

// Compiler rebuilds the permission matrix projection outside of rule
// mutations: on demand via the admin recompute endpoint and nightly via
// the worker. Rule mutations recompute their affected users inline, in
// the mutating transaction.
type Compiler struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time
}

// NewCompiler constructs a compiler. The clock defaults to time.Now and
// is injectable for tests.
func NewCompiler(store *Store, logger *slog.Logger) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithNow overrides the compiler clock.
func (c *Compiler) WithNow(now func() time.Time) *Compiler {
	if now != nil {
		c.now = now
	}
	return c
}

// CompileUser regenerates the matrix for a single user in its own
// transaction. On failure the user's previous rows remain untouched.
func (c *Compiler) CompileUser(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id required", ErrInvalidRule)
	}
	err := db.WithTx(ctx, c.store.Pool(), func(tx pgx.Tx) error {
		return compileUserTx(ctx, tx, userID, c.now())
	})
	if err != nil {
		return fmt.Errorf("authz: compile user %s: %w", userID, err)
	}
	return nil
}

// RebuildReport summarises a full matrix rebuild.
type RebuildReport struct {
	Total  int
	Failed []string
}

// CompileAll regenerates the matrix for every user with applicable
// rules. Each user is committed in its own transaction so one failure
// leaves that user at last-known-good without blocking the rest. Any
// failure is reported, never swallowed.
func (c *Compiler) CompileAll(ctx context.Context) (RebuildReport, error) {
	users, err := c.store.UserIDsWithRules(ctx)
	if err != nil {
		return RebuildReport{}, fmt.Errorf("authz: rebuild: %w", err)
	}
	report := RebuildReport{Total: len(users)}
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("authz: rebuild interrupted: %w", err)
		}
		if err := c.CompileUser(ctx, userID); err != nil {
			report.Failed = append(report.Failed, userID)
			c.logger.Error("matrix rebuild user failed",
				slog.String("user_id", userID),
				slog.Any("error", err))
		}
	}
	if len(report.Failed) > 0 {
		return report, fmt.Errorf("authz: rebuild: %d of %d users failed", len(report.Failed), report.Total)
	}
	return report, nil
}
