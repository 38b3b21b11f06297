package authz

import (
	"context"
	"errors"
	"testing"
)

type fakeEnqueuer struct {
	calls int
	err   error
}

func (f *fakeEnqueuer) EnqueueRebuild(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeMutationStore struct {
	version int64
	rule    PermissionRule
	err     error
}

func (f *fakeMutationStore) CreateRule(ctx context.Context, rule PermissionRule) (PermissionRule, int64, error) {
	if f.err != nil {
		return PermissionRule{}, 0, f.err
	}
	stored := rule
	stored.ID = 1
	return stored, f.version, nil
}

func (f *fakeMutationStore) UpdateRule(ctx context.Context, rule PermissionRule) (PermissionRule, int64, error) {
	if f.err != nil {
		return PermissionRule{}, 0, f.err
	}
	return rule, f.version, nil
}

func (f *fakeMutationStore) DeactivateRule(ctx context.Context, id int64) (PermissionRule, int64, error) {
	if f.err != nil {
		return PermissionRule{}, 0, f.err
	}
	stored := f.rule
	stored.ID = id
	stored.Active = false
	return stored, f.version, nil
}

func (f *fakeMutationStore) UpsertMembership(ctx context.Context, userID, role string, active bool) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.version, nil
}

func (f *fakeMutationStore) CurrentVersion(ctx context.Context) (int64, error) {
	return f.version, f.err
}

type fakePublisher struct {
	events []ChangeEvent
	err    error
}

func (f *fakePublisher) Publish(ctx context.Context, event ChangeEvent) error {
	f.events = append(f.events, event)
	return f.err
}

func TestCreateRuleAnnouncesChange(t *testing.T) {
	store := &fakeMutationStore{version: 7}
	publisher := &fakePublisher{}
	svc := NewService(store, nil, publisher, testLogger())

	rule := PermissionRule{
		SubjectKind: SubjectRole,
		SubjectID:   "manager",
		Permissions: []string{"payroll.view"},
		Scope:       ScopeDepartment,
		Active:      true,
	}
	stored, err := svc.CreateRule(context.Background(), rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.ID == 0 {
		t.Fatal("expected stored rule to carry an id")
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected one change event, got %d", len(publisher.events))
	}
	event := publisher.events[0]
	if event.SubjectKind != SubjectRole || event.SubjectID != "manager" {
		t.Fatalf("event subject mismatch: %s/%s", event.SubjectKind, event.SubjectID)
	}
	if event.ChangeType != ChangeRuleCreated {
		t.Fatalf("expected rule-created event, got %s", event.ChangeType)
	}
	if event.Version != 7 {
		t.Fatalf("event must carry the committed ledger version, got %d", event.Version)
	}
}

func TestSetMembershipAnnouncesUserEvent(t *testing.T) {
	store := &fakeMutationStore{version: 12}
	publisher := &fakePublisher{}
	svc := NewService(store, nil, publisher, testLogger())

	if err := svc.SetMembership(context.Background(), "u-42", "manager", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected one change event, got %d", len(publisher.events))
	}
	event := publisher.events[0]
	// Keyed by the user so caches invalidate one member, not the role.
	if event.SubjectKind != SubjectUser || event.SubjectID != "u-42" {
		t.Fatalf("event subject mismatch: %s/%s", event.SubjectKind, event.SubjectID)
	}
	if event.ChangeType != ChangeMembershipChanged {
		t.Fatalf("expected membership-changed event, got %s", event.ChangeType)
	}
	if event.Version != 12 {
		t.Fatalf("event must carry the committed ledger version, got %d", event.Version)
	}
}

func TestDeactivateRuleAnnouncesChange(t *testing.T) {
	store := &fakeMutationStore{
		version: 9,
		rule:    PermissionRule{SubjectKind: SubjectUser, SubjectID: "u-7", Active: true},
	}
	publisher := &fakePublisher{}
	svc := NewService(store, nil, publisher, testLogger())

	stored, err := svc.DeactivateRule(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Active {
		t.Fatal("expected deactivated rule")
	}
	event := publisher.events[0]
	if event.ChangeType != ChangeRuleDeactivated || event.SubjectID != "u-7" || event.Version != 9 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestPublishFailureDoesNotFailMutation(t *testing.T) {
	store := &fakeMutationStore{version: 3}
	publisher := &fakePublisher{err: errors.New("redis down")}
	svc := NewService(store, nil, publisher, testLogger())

	stored, err := svc.CreateRule(context.Background(), PermissionRule{
		SubjectKind: SubjectUser,
		SubjectID:   "u-1",
		Permissions: []string{"employee.view"},
		Scope:       ScopeSelf,
		Active:      true,
	})
	// The mutation committed; delivery remains at-least-once with the
	// version check as the backstop, so the caller must not see an error.
	if err != nil {
		t.Fatalf("publish failure must not fail the mutation: %v", err)
	}
	if stored.ID == 0 {
		t.Fatal("expected stored rule to be returned")
	}

	if err := svc.SetMembership(context.Background(), "u-1", "manager", false); err != nil {
		t.Fatalf("publish failure must not fail the mutation: %v", err)
	}
}

func TestForceRecomputeRequiresTarget(t *testing.T) {
	svc := NewService(nil, nil, nil, testLogger())

	err := svc.ForceRecompute(context.Background(), "  ")
	if !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
}

func TestForceRecomputeAllGoesToWorker(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	svc := NewService(nil, nil, nil, testLogger()).WithEnqueuer(enqueuer)

	if err := svc.ForceRecompute(context.Background(), "ALL"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enqueuer.calls != 1 {
		t.Fatalf("expected rebuild enqueued, calls=%d", enqueuer.calls)
	}
}

func TestForceRecomputeSurfacesEnqueueFailure(t *testing.T) {
	enqueuer := &fakeEnqueuer{err: errors.New("queue unavailable")}
	svc := NewService(nil, nil, nil, testLogger()).WithEnqueuer(enqueuer)

	if err := svc.ForceRecompute(context.Background(), "all"); err == nil {
		t.Fatal("expected enqueue failure to surface")
	}
}
