package authz

import (
	"strings"
	"time"
)

// DataScope describes how broad a granted permission is. Scopes form a
// total order of permissiveness: self < department < all.
type DataScope string

const (
	ScopeSelf       DataScope = "self"
	ScopeDepartment DataScope = "department"
	ScopeAll        DataScope = "all"
)

var scopeRank = map[DataScope]int{
	ScopeSelf:       1,
	ScopeDepartment: 2,
	ScopeAll:        3,
}

// Valid reports whether the scope is one of the known values.
func (s DataScope) Valid() bool {
	_, ok := scopeRank[s]
	return ok
}

// Covers reports whether s is at least as permissive as other.
func (s DataScope) Covers(other DataScope) bool {
	return scopeRank[s] >= scopeRank[other]
}

// MaxScope returns the more permissive of the two scopes.
func MaxScope(a, b DataScope) DataScope {
	if scopeRank[b] > scopeRank[a] {
		return b
	}
	return a
}

// SubjectKind distinguishes who a rule is granted to.
type SubjectKind string

const (
	SubjectUser SubjectKind = "user"
	SubjectRole SubjectKind = "role"
)

// PermissionRule is a grant statement: a set of permission codes given to
// a user or to a role, with a data scope and an optional effective window.
// There is no deny rule kind; absence of a grant is the only denial.
type PermissionRule struct {
	ID             int64
	SubjectKind    SubjectKind
	SubjectID      string
	Permissions    []string
	Scope          DataScope
	EffectiveFrom  time.Time
	EffectiveUntil *time.Time
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AppliesAt reports whether the rule is active and inside its effective
// window at the given instant. The window is half-open: from inclusive,
// until exclusive.
func (r PermissionRule) AppliesAt(now time.Time) bool {
	if !r.Active {
		return false
	}
	if !r.EffectiveFrom.IsZero() && now.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveUntil != nil && !now.Before(*r.EffectiveUntil) {
		return false
	}
	return true
}

// RoleMembership links a user to a role. A user may hold several roles at
// once; only active memberships contribute rules.
type RoleMembership struct {
	UserID    string
	Role      string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SourceKind identifies which flavour of rule contributed a grant.
type SourceKind string

const (
	SourceKindRole SourceKind = "role-based"
	SourceKindUser SourceKind = "user-specific"
)

// SourceRef points at one rule that contributed a matrix entry.
type SourceRef struct {
	Kind    SourceKind `json:"kind"`
	RuleID  int64      `json:"rule_id"`
	Subject string     `json:"subject"`
}

// MatrixEntry is the derived per-(user, permission) aggregate. Scope is
// the maximum scope across contributing sources; Sources lists every
// contributing rule, role-based entries first. Entries are only ever
// regenerated by the compiler, never edited.
type MatrixEntry struct {
	UserID     string
	Permission string
	Scope      DataScope
	Sources    []SourceRef
	CompiledAt time.Time
}

// DecisionSource labels how a decision was reached.
type DecisionSource string

const (
	SourceServiceBypass   DecisionSource = "service-bypass"
	SourceRoleBased       DecisionSource = "role-based"
	SourceUserSpecific    DecisionSource = "user-specific"
	SourceDenied          DecisionSource = "denied"
	SourceValidationError DecisionSource = "validation-error"
)

// ResourceRef optionally identifies the resource an evaluation concerns.
// It annotates the decision; it never changes the outcome.
type ResourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Key renders the reference for cache key construction.
func (r ResourceRef) Key() string {
	if r.Type == "" && r.ID == "" {
		return ""
	}
	return r.Type + ":" + r.ID
}

// Decision is the immutable result of one permission evaluation. A
// changed outcome is a new Decision, never a mutation.
type Decision struct {
	Granted      bool           `json:"granted"`
	Scope        DataScope      `json:"scope,omitempty"`
	Source       DecisionSource `json:"source"`
	Reason       string         `json:"reason"`
	SourceDetail string         `json:"source_detail,omitempty"`
	Sources      []SourceRef    `json:"sources,omitempty"`
	Resource     *ResourceRef   `json:"resource,omitempty"`
	Version      int64          `json:"version"`
	EvaluatedAt  time.Time      `json:"evaluated_at"`
}

// ChangeType labels what kind of mutation a change event describes.
type ChangeType string

const (
	ChangeRuleCreated       ChangeType = "rule-created"
	ChangeRuleUpdated       ChangeType = "rule-updated"
	ChangeRuleDeactivated   ChangeType = "rule-deactivated"
	ChangeMembershipChanged ChangeType = "membership-changed"
)

// ChangeEvent is published on the change feed after a committed rule or
// membership mutation. Delivery is at-least-once; consumers must treat
// the version check as the correctness backstop.
type ChangeEvent struct {
	ID          string      `json:"id"`
	SubjectKind SubjectKind `json:"subject_kind"`
	SubjectID   string      `json:"subject_id"`
	ChangeType  ChangeType  `json:"change_type"`
	Version     int64       `json:"version"`
	OccurredAt  time.Time   `json:"occurred_at"`
}

// ServiceSubjectID is the reserved caller identity for trusted backend
// processes. It is granted everything at scope all and must never be
// attached to an end-user session.
const ServiceSubjectID = "service"

// IsServiceSubject reports whether the user ID names the trusted backend
// identity.
func IsServiceSubject(userID string) bool {
	return strings.EqualFold(strings.TrimSpace(userID), ServiceSubjectID)
}
