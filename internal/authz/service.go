package authz

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// RebuildTarget is the wildcard accepted by ForceRecompute.
const RebuildTarget = "all"

// RebuildEnqueuer hands a full rebuild to the background worker.
type RebuildEnqueuer interface {
	EnqueueRebuild(ctx context.Context) error
}

// MutationStore is the persistence surface the service drives. Every
// mutation returns the ledger version its transaction committed.
// Implemented by Store; tests supply an in-memory fake.
type MutationStore interface {
	CreateRule(ctx context.Context, rule PermissionRule) (PermissionRule, int64, error)
	UpdateRule(ctx context.Context, rule PermissionRule) (PermissionRule, int64, error)
	DeactivateRule(ctx context.Context, id int64) (PermissionRule, int64, error)
	UpsertMembership(ctx context.Context, userID, role string, active bool) (int64, error)
	CurrentVersion(ctx context.Context) (int64, error)
}

// Service is the administrative surface of the permission engine: rule
// and membership mutations, and out-of-band recomputation. Every
// mutation commits atomically with a ledger bump and the projection
// refresh, then announces itself on the change feed.
type Service struct {
	store     MutationStore
	compiler  *Compiler
	publisher EventPublisher
	enqueuer  RebuildEnqueuer
	logger    *slog.Logger
	metrics   *Metrics
}

// NewService constructs the service. publisher may be nil in tests;
// enqueuer may be nil, in which case full rebuilds run inline.
func NewService(store MutationStore, compiler *Compiler, publisher EventPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, compiler: compiler, publisher: publisher, logger: logger}
}

// WithEnqueuer routes ForceRecompute("all") through the worker queue.
func (s *Service) WithEnqueuer(enqueuer RebuildEnqueuer) *Service {
	s.enqueuer = enqueuer
	return s
}

// WithMetrics attaches engine metrics.
func (s *Service) WithMetrics(metrics *Metrics) *Service {
	s.metrics = metrics
	return s
}

// CurrentVersion exposes the ledger so any cache implementation can run
// the same staleness check.
func (s *Service) CurrentVersion(ctx context.Context) (int64, error) {
	return s.store.CurrentVersion(ctx)
}

// CreateRule stores a new grant and announces it.
func (s *Service) CreateRule(ctx context.Context, rule PermissionRule) (PermissionRule, error) {
	stored, version, err := s.store.CreateRule(ctx, rule)
	if err != nil {
		return PermissionRule{}, err
	}
	s.announce(ctx, stored.SubjectKind, stored.SubjectID, ChangeRuleCreated, version)
	return stored, nil
}

// UpdateRule rewrites a grant and announces it.
func (s *Service) UpdateRule(ctx context.Context, rule PermissionRule) (PermissionRule, error) {
	stored, version, err := s.store.UpdateRule(ctx, rule)
	if err != nil {
		return PermissionRule{}, err
	}
	s.announce(ctx, stored.SubjectKind, stored.SubjectID, ChangeRuleUpdated, version)
	return stored, nil
}

// DeactivateRule soft-expires a grant and announces it.
func (s *Service) DeactivateRule(ctx context.Context, id int64) (PermissionRule, error) {
	stored, version, err := s.store.DeactivateRule(ctx, id)
	if err != nil {
		return PermissionRule{}, err
	}
	s.announce(ctx, stored.SubjectKind, stored.SubjectID, ChangeRuleDeactivated, version)
	return stored, nil
}

// SetMembership assigns or revokes a role for a user and announces it.
// The event is keyed by the user, so caches invalidate one member, not
// the whole role.
func (s *Service) SetMembership(ctx context.Context, userID, role string, active bool) error {
	version, err := s.store.UpsertMembership(ctx, userID, role, active)
	if err != nil {
		return err
	}
	s.announce(ctx, SubjectUser, userID, ChangeMembershipChanged, version)
	return nil
}

// ForceRecompute triggers an out-of-band compiler run: a user ID for a
// targeted refresh, or "all" for a full rebuild. Full rebuilds go to the
// worker when one is wired, since bulk imports can cover thousands of
// users.
func (s *Service) ForceRecompute(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("%w: recompute target required", ErrInvalidRule)
	}
	if !strings.EqualFold(target, RebuildTarget) {
		return s.compiler.CompileUser(ctx, target)
	}
	if s.enqueuer != nil {
		return s.enqueuer.EnqueueRebuild(ctx)
	}
	start := time.Now()
	_, err := s.compiler.CompileAll(ctx)
	if s.metrics != nil {
		s.metrics.ObserveRebuild(err, time.Since(start))
	}
	return err
}

// announce publishes a change event after a committed mutation. Publish
// failures are logged, not returned: delivery is at-least-once and every
// cache keeps the version check as its backstop.
func (s *Service) announce(ctx context.Context, kind SubjectKind, subjectID string, changeType ChangeType, version int64) {
	if s.publisher == nil {
		return
	}
	event := ChangeEvent{
		SubjectKind: kind,
		SubjectID:   subjectID,
		ChangeType:  changeType,
		Version:     version,
		OccurredAt:  time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("change event publish failed",
			slog.String("subject_kind", string(kind)),
			slog.String("subject_id", subjectID),
			slog.Int64("version", version),
			slog.Any("error", err))
	}
}
