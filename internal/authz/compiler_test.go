package authz

import (
	"testing"
	"time"
)

func TestBuildEntriesUnionAndWidestScope(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rules := []PermissionRule{
		{
			ID:          1,
			SubjectKind: SubjectUser,
			SubjectID:   "u-1",
			Permissions: []string{"payroll.view"},
			Scope:       ScopeSelf,
			Active:      true,
		},
		{
			ID:          2,
			SubjectKind: SubjectRole,
			SubjectID:   "manager",
			Permissions: []string{"payroll.view", "employee.view"},
			Scope:       ScopeDepartment,
			Active:      true,
		},
	}

	entries := buildEntries("u-1", rules, now)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	byCode := make(map[string]MatrixEntry, len(entries))
	for _, e := range entries {
		byCode[e.Permission] = e
	}

	payroll, ok := byCode["payroll.view"]
	if !ok {
		t.Fatal("missing payroll.view entry")
	}
	if payroll.Scope != ScopeDepartment {
		t.Fatalf("expected widest scope department, got %s", payroll.Scope)
	}
	if len(payroll.Sources) != 2 {
		t.Fatalf("expected both contributing rules recorded, got %d", len(payroll.Sources))
	}
	// Role-based contributors sort before user-specific ones.
	if payroll.Sources[0].Kind != SourceKindRole || payroll.Sources[0].RuleID != 2 {
		t.Fatalf("expected role rule first, got %+v", payroll.Sources[0])
	}
	if payroll.Sources[1].Kind != SourceKindUser || payroll.Sources[1].RuleID != 1 {
		t.Fatalf("expected user rule second, got %+v", payroll.Sources[1])
	}

	employee, ok := byCode["employee.view"]
	if !ok {
		t.Fatal("missing employee.view entry")
	}
	if employee.Scope != ScopeDepartment || len(employee.Sources) != 1 {
		t.Fatalf("unexpected employee.view entry: %+v", employee)
	}
}

func TestBuildEntriesSkipsInactiveAndOutOfWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	rules := []PermissionRule{
		{ID: 1, SubjectKind: SubjectUser, SubjectID: "u-1", Permissions: []string{"a"}, Scope: ScopeSelf, Active: false},
		{ID: 2, SubjectKind: SubjectUser, SubjectID: "u-1", Permissions: []string{"b"}, Scope: ScopeSelf, Active: true, EffectiveFrom: future},
		{ID: 3, SubjectKind: SubjectUser, SubjectID: "u-1", Permissions: []string{"c"}, Scope: ScopeSelf, Active: true, EffectiveUntil: &past},
		{ID: 4, SubjectKind: SubjectUser, SubjectID: "u-1", Permissions: []string{"d"}, Scope: ScopeSelf, Active: true},
	}

	entries := buildEntries("u-1", rules, now)
	if len(entries) != 1 || entries[0].Permission != "d" {
		t.Fatalf("expected only the in-window rule to compile, got %+v", entries)
	}
}

func TestBuildEntriesWindowBoundaries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rules := []PermissionRule{
		// From is inclusive.
		{ID: 1, SubjectKind: SubjectUser, SubjectID: "u-1", Permissions: []string{"starts"}, Scope: ScopeSelf, Active: true, EffectiveFrom: now},
		// Until is exclusive.
		{ID: 2, SubjectKind: SubjectUser, SubjectID: "u-1", Permissions: []string{"ends"}, Scope: ScopeSelf, Active: true, EffectiveUntil: &now},
	}

	entries := buildEntries("u-1", rules, now)
	if len(entries) != 1 || entries[0].Permission != "starts" {
		t.Fatalf("expected half-open window semantics, got %+v", entries)
	}
}

func TestBuildEntriesIgnoresBlankCodes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rules := []PermissionRule{
		{ID: 1, SubjectKind: SubjectUser, SubjectID: "u-1", Permissions: []string{" ", "", "payroll.view"}, Scope: ScopeSelf, Active: true},
	}

	entries := buildEntries("u-1", rules, now)
	if len(entries) != 1 || entries[0].Permission != "payroll.view" {
		t.Fatalf("expected blank codes dropped, got %+v", entries)
	}
}

func TestBuildEntriesDeterministicOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rules := []PermissionRule{
		{ID: 9, SubjectKind: SubjectRole, SubjectID: "b-role", Permissions: []string{"x"}, Scope: ScopeSelf, Active: true},
		{ID: 3, SubjectKind: SubjectRole, SubjectID: "a-role", Permissions: []string{"x"}, Scope: ScopeSelf, Active: true},
	}

	for i := 0; i < 20; i++ {
		entries := buildEntries("u-1", rules, now)
		if len(entries) != 1 {
			t.Fatalf("expected one entry, got %d", len(entries))
		}
		sources := entries[0].Sources
		if sources[0].RuleID != 3 || sources[1].RuleID != 9 {
			t.Fatalf("expected sources ordered by rule id, got %+v", sources)
		}
	}
}

func TestMaxScopeOrdering(t *testing.T) {
	if MaxScope(ScopeSelf, ScopeDepartment) != ScopeDepartment {
		t.Fatal("department must beat self")
	}
	if MaxScope(ScopeDepartment, ScopeAll) != ScopeAll {
		t.Fatal("all must beat department")
	}
	if MaxScope(ScopeAll, ScopeSelf) != ScopeAll {
		t.Fatal("all must beat self")
	}
}
