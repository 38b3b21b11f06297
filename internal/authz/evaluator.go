package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// MatrixReader is the snapshot read the evaluator depends on. Implemented
// by Store; tests supply an in-memory fake.
type MatrixReader interface {
	MatrixEntriesFor(ctx context.Context, userID string, codes []string) (MatrixSnapshot, error)
}

// DefaultEvaluateTimeout bounds a single evaluation. A permission check
// must never become an unbounded wait in a user-facing flow.
const DefaultEvaluateTimeout = 2 * time.Second

// Evaluator answers grant/deny questions from the compiled matrix.
// All failures resolve to a Decision with granted=false; no error
// condition is allowed to silently grant, and none surface as Go errors
// to callers.
type Evaluator struct {
	matrix  MatrixReader
	timeout time.Duration
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewEvaluator constructs an evaluator with the default timeout.
func NewEvaluator(matrix MatrixReader, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		matrix:  matrix,
		timeout: DefaultEvaluateTimeout,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithTimeout overrides the evaluation deadline.
func (e *Evaluator) WithTimeout(timeout time.Duration) *Evaluator {
	if timeout > 0 {
		e.timeout = timeout
	}
	return e
}

// WithMetrics attaches engine metrics.
func (e *Evaluator) WithMetrics(metrics *Metrics) *Evaluator {
	e.metrics = metrics
	return e
}

// WithNow overrides the clock, primarily for deterministic testing.
func (e *Evaluator) WithNow(now func() time.Time) *Evaluator {
	if now != nil {
		e.now = now
	}
	return e
}

// Evaluate answers whether userID holds permissionCode. The resource
// reference, when given, annotates the decision only; no per-resource
// condition evaluation happens here.
func (e *Evaluator) Evaluate(ctx context.Context, userID, permissionCode string, resource *ResourceRef) Decision {
	decisions := e.EvaluateMany(ctx, userID, []string{permissionCode})
	decision, ok := decisions[strings.TrimSpace(permissionCode)]
	if !ok {
		// Blank code: EvaluateMany keyed it under the raw value.
		decision = decisions[permissionCode]
	}
	if resource != nil {
		decision.Resource = resource
	}
	return decision
}

// EvaluateMany answers for several permission codes against one matrix
// snapshot: every returned decision carries the same ledger version, so a
// batch can never mix two versions.
func (e *Evaluator) EvaluateMany(ctx context.Context, userID string, permissionCodes []string) map[string]Decision {
	start := e.now()
	decisions := make(map[string]Decision, len(permissionCodes))

	userID = strings.TrimSpace(userID)
	if userID == "" {
		for _, code := range permissionCodes {
			decisions[code] = e.validationError("user id is required")
		}
		return decisions
	}

	codes := make([]string, 0, len(permissionCodes))
	seen := make(map[string]struct{}, len(permissionCodes))
	for _, raw := range permissionCodes {
		code := strings.TrimSpace(raw)
		if code == "" {
			decisions[raw] = e.validationError("permission code is required")
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	if len(codes) == 0 {
		return decisions
	}

	if IsServiceSubject(userID) {
		for _, code := range codes {
			decisions[code] = Decision{
				Granted:     true,
				Scope:       ScopeAll,
				Source:      SourceServiceBypass,
				Reason:      "trusted service identity",
				EvaluatedAt: e.now(),
			}
		}
		e.observe(start, decisions)
		return decisions
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	snap, err := e.matrix.MatrixEntriesFor(ctx, userID, codes)
	if err != nil {
		// Fail closed. Timeouts get a distinct log line so operators can
		// tell them from genuine denials and from store faults.
		reason := "evaluation failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "evaluation timed out"
			e.logger.Warn("permission evaluation timed out",
				slog.String("user_id", userID),
				slog.Duration("timeout", e.timeout))
		} else {
			e.logger.Error("permission evaluation failed",
				slog.String("user_id", userID),
				slog.Any("error", err))
		}
		for _, code := range codes {
			decisions[code] = e.validationError(reason)
		}
		e.observe(start, decisions)
		return decisions
	}

	for _, code := range codes {
		entry, ok := snap.Entries[code]
		if !ok {
			decisions[code] = Decision{
				Granted:     false,
				Source:      SourceDenied,
				Reason:      fmt.Sprintf("no applicable grant for %q", code),
				Version:     snap.Version,
				EvaluatedAt: e.now(),
			}
			continue
		}
		decisions[code] = decisionFromEntry(entry, snap.Version, e.now())
	}
	e.observe(start, decisions)
	return decisions
}

func (e *Evaluator) validationError(reason string) Decision {
	return Decision{
		Granted:     false,
		Source:      SourceValidationError,
		Reason:      reason,
		EvaluatedAt: e.now(),
	}
}

func (e *Evaluator) observe(start time.Time, decisions map[string]Decision) {
	if e.metrics == nil {
		return
	}
	elapsed := e.now().Sub(start)
	for _, d := range decisions {
		e.metrics.ObserveEvaluation(string(d.Source), elapsed)
	}
}

// decisionFromEntry converts a matrix entry into a granted decision. The
// reported source is the entry's first contributor, which the compiler
// orders deterministically (role-based before user-specific).
func decisionFromEntry(entry MatrixEntry, version int64, now time.Time) Decision {
	if len(entry.Sources) == 0 {
		// A row with no recorded contributors cannot justify a grant.
		return Decision{
			Granted:     false,
			Source:      SourceDenied,
			Reason:      fmt.Sprintf("no recorded grant source for %q", entry.Permission),
			Version:     version,
			EvaluatedAt: now,
		}
	}
	primary := entry.Sources[0]
	source := SourceRoleBased
	if primary.Kind == SourceKindUser {
		source = SourceUserSpecific
	}
	return Decision{
		Granted:      true,
		Scope:        entry.Scope,
		Source:       source,
		Reason:       fmt.Sprintf("granted %q at scope %s", entry.Permission, entry.Scope),
		SourceDetail: fmt.Sprintf("%s:%s rule:%d", primary.Kind, primary.Subject, primary.RuleID),
		Sources:      entry.Sources,
		Version:      version,
		EvaluatedAt:  now,
	}
}
