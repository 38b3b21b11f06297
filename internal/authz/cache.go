package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

// BatchEvaluator is the round trip the cache falls back to on a miss.
type BatchEvaluator interface {
	EvaluateMany(ctx context.Context, userID string, permissionCodes []string) map[string]Decision
}

// VersionSource reads the current ledger value cheaply, e.g. from the
// Redis mirror. Used as the lazy staleness backstop when a propagation
// event was missed.
type VersionSource func(ctx context.Context) (int64, error)

// CacheConfig tunes the decision cache.
type CacheConfig struct {
	// TTL bounds the blast radius of a missed propagation event.
	// Defense in depth, not the primary invalidation path.
	TTL time.Duration
	// CoalesceWindow is how long a cache miss waits for concurrent
	// misses on the same user before issuing one batched evaluation.
	// Zero keeps plain per-user deduplication.
	CoalesceWindow time.Duration
	// VersionCheckInterval caps how stale the observed ledger version may
	// get between explicit checks against the version source.
	VersionCheckInterval time.Duration
	// MaxEntries sizes the backing store.
	MaxEntries int64
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.VersionCheckInterval <= 0 {
		c.VersionCheckInterval = time.Second
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 100_000
	}
	return c
}

type cachedDecision struct {
	decision Decision
	version  int64
	expires  time.Time
}

// DecisionCache is the per-process decision cache with targeted
// invalidation. Keys embed the ledger version, so entries written under
// different versions coexist harmlessly and an entry from an older
// version becomes unreachable the instant a newer version is observed.
// That version observation, not eviction, is what enforces the ordering
// guarantee; deleting superseded entries is memory hygiene.
type DecisionCache struct {
	evaluator BatchEvaluator
	backing   *ristretto.Cache
	cfg       CacheConfig
	clock     func() time.Time
	logger    *slog.Logger
	metrics   *Metrics
	versions  VersionSource
	group     singleflight.Group

	mu           sync.Mutex
	version      int64
	lastCheck    time.Time
	userKeys     map[string]map[string]struct{}
	roleUsers    map[string]map[string]struct{}
	pendingCodes map[string]map[string]struct{}

	cancelFeed func()
}

// NewDecisionCache constructs the cache. The clock is injectable so the
// version-boundary and TTL behaviour are testable without sleeping.
func NewDecisionCache(evaluator BatchEvaluator, cfg CacheConfig, logger *slog.Logger) (*DecisionCache, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	backing, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("authz: decision cache: %w", err)
	}
	return &DecisionCache{
		evaluator:    evaluator,
		backing:      backing,
		cfg:          cfg,
		clock:        func() time.Time { return time.Now().UTC() },
		logger:       logger,
		userKeys:     make(map[string]map[string]struct{}),
		roleUsers:    make(map[string]map[string]struct{}),
		pendingCodes: make(map[string]map[string]struct{}),
	}, nil
}

// WithClock overrides the cache clock.
func (c *DecisionCache) WithClock(clock func() time.Time) *DecisionCache {
	if clock != nil {
		c.clock = clock
	}
	return c
}

// WithMetrics attaches engine metrics.
func (c *DecisionCache) WithMetrics(metrics *Metrics) *DecisionCache {
	c.metrics = metrics
	return c
}

// WithVersionSource attaches the lazy staleness check.
func (c *DecisionCache) WithVersionSource(source VersionSource) *DecisionCache {
	c.versions = source
	return c
}

// Start subscribes to the change feed. Invalidation from events is
// applied under the cache lock, so a local read issued after an event
// was handled can never see an entry the event superseded.
func (c *DecisionCache) Start(ctx context.Context, feed ChangeFeed) error {
	cancel, err := feed.Subscribe(ctx, c.handleEvent)
	if err != nil {
		return err
	}
	c.cancelFeed = cancel
	return nil
}

// Close detaches from the change feed and releases the backing store.
func (c *DecisionCache) Close() {
	if c.cancelFeed != nil {
		c.cancelFeed()
	}
	c.backing.Close()
}

// ObservedVersion returns the highest ledger version this cache has seen.
func (c *DecisionCache) ObservedVersion() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func cacheKey(version int64, permission, userID, resource string) string {
	return fmt.Sprintf("%d|%s|%s|%s", version, permission, userID, resource)
}

// Check answers a permission question from cache, falling back to the
// evaluator on a miss. Misses for the same user inside the coalesce
// window share one batched round trip.
func (c *DecisionCache) Check(ctx context.Context, userID, permissionCode string, resource *ResourceRef) Decision {
	c.maybeRefreshVersion(ctx)

	resKey := ""
	if resource != nil {
		resKey = resource.Key()
	}
	if decision, ok := c.lookup(userID, permissionCode, resKey); ok {
		if c.metrics != nil {
			c.metrics.IncCacheHit()
		}
		return decision
	}
	if c.metrics != nil {
		c.metrics.IncCacheMiss()
	}

	decisions := c.evaluateCoalesced(ctx, userID, permissionCode)
	decision, ok := decisions[permissionCode]
	if !ok {
		// Joined a flight that had already collected its codes; ask alone.
		decision = c.evaluator.EvaluateMany(ctx, userID, []string{permissionCode})[permissionCode]
	}
	if resource != nil {
		decision.Resource = resource
	}
	c.store(userID, permissionCode, resKey, decision)
	return decision
}

// CheckMany answers several permission questions for one user. Cached
// decisions are served directly; the remaining codes go to the
// evaluator in a single batched round trip against one matrix snapshot.
func (c *DecisionCache) CheckMany(ctx context.Context, userID string, permissionCodes []string) map[string]Decision {
	c.maybeRefreshVersion(ctx)

	decisions := make(map[string]Decision, len(permissionCodes))
	var misses []string
	for _, code := range permissionCodes {
		if _, dup := decisions[code]; dup {
			continue
		}
		if decision, ok := c.lookup(userID, code, ""); ok {
			if c.metrics != nil {
				c.metrics.IncCacheHit()
			}
			decisions[code] = decision
			continue
		}
		if c.metrics != nil {
			c.metrics.IncCacheMiss()
		}
		misses = append(misses, code)
	}
	if len(misses) == 0 {
		return decisions
	}
	for code, decision := range c.evaluator.EvaluateMany(ctx, userID, misses) {
		c.store(userID, code, "", decision)
		decisions[code] = decision
	}
	return decisions
}

// lookup serves only entries written under the currently observed
// version and not yet wall-clock expired; either condition failing is a
// miss that forces re-evaluation.
func (c *DecisionCache) lookup(userID, permissionCode, resKey string) (Decision, bool) {
	c.mu.Lock()
	version := c.version
	c.mu.Unlock()

	value, ok := c.backing.Get(cacheKey(version, permissionCode, userID, resKey))
	if !ok {
		return Decision{}, false
	}
	entry, ok := value.(cachedDecision)
	if !ok || entry.version != version {
		return Decision{}, false
	}
	if !c.clock().Before(entry.expires) {
		return Decision{}, false
	}
	return entry.decision, true
}

func (c *DecisionCache) evaluateCoalesced(ctx context.Context, userID, permissionCode string) map[string]Decision {
	c.mu.Lock()
	pending, ok := c.pendingCodes[userID]
	if !ok {
		pending = make(map[string]struct{})
		c.pendingCodes[userID] = pending
	}
	pending[permissionCode] = struct{}{}
	c.mu.Unlock()

	result, _, shared := c.group.Do(userID, func() (any, error) {
		if c.cfg.CoalesceWindow > 0 {
			timer := time.NewTimer(c.cfg.CoalesceWindow)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		c.mu.Lock()
		codes := make([]string, 0, len(c.pendingCodes[userID]))
		for code := range c.pendingCodes[userID] {
			codes = append(codes, code)
		}
		delete(c.pendingCodes, userID)
		c.mu.Unlock()
		return c.evaluator.EvaluateMany(ctx, userID, codes), nil
	})
	if shared && c.metrics != nil {
		c.metrics.IncCoalesced()
	}
	decisions, _ := result.(map[string]Decision)
	return decisions
}

// store caches a decision under the version it was evaluated at, after
// advancing the observed version if the decision is newer. Decisions
// without a ledger version (validation errors, service bypass) are not
// cached.
func (c *DecisionCache) store(userID, permissionCode, resKey string, decision Decision) {
	if decision.Version <= 0 {
		return
	}
	switch decision.Source {
	case SourceRoleBased, SourceUserSpecific, SourceDenied:
	default:
		return
	}

	c.mu.Lock()
	if decision.Version > c.version {
		c.advanceLocked(decision.Version)
	}
	if decision.Version < c.version {
		// Already superseded while the evaluation was in flight.
		c.mu.Unlock()
		return
	}
	key := cacheKey(decision.Version, permissionCode, userID, resKey)
	keys, ok := c.userKeys[userID]
	if !ok {
		keys = make(map[string]struct{})
		c.userKeys[userID] = keys
	}
	keys[key] = struct{}{}
	for _, src := range decision.Sources {
		if src.Kind != SourceKindRole {
			continue
		}
		users, ok := c.roleUsers[src.Subject]
		if !ok {
			users = make(map[string]struct{})
			c.roleUsers[src.Subject] = users
		}
		users[userID] = struct{}{}
	}
	c.mu.Unlock()

	entry := cachedDecision{
		decision: decision,
		version:  decision.Version,
		expires:  c.clock().Add(c.cfg.TTL),
	}
	c.backing.Set(key, entry, 1)
	c.backing.Wait()
}

// handleEvent applies a propagation event: observe its version, then
// purge the affected keys. Role events purge every member recorded in
// the reverse index; when the role was never indexed the coarse fallback
// purges everything, trading efficiency for correctness.
func (c *DecisionCache) handleEvent(event ChangeEvent) {
	c.mu.Lock()
	if event.Version > c.version {
		c.advanceLocked(event.Version)
	}
	switch event.SubjectKind {
	case SubjectUser:
		c.purgeUserLocked(event.SubjectID)
	case SubjectRole:
		users, ok := c.roleUsers[event.SubjectID]
		if !ok {
			c.purgeAllLocked()
			break
		}
		for userID := range users {
			c.purgeUserLocked(userID)
		}
		delete(c.roleUsers, event.SubjectID)
	default:
		c.purgeAllLocked()
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.IncInvalidation(string(event.SubjectKind))
	}
	c.logger.Debug("applied change event",
		slog.String("subject_kind", string(event.SubjectKind)),
		slog.String("subject_id", event.SubjectID),
		slog.Int64("version", event.Version))
}

// maybeRefreshVersion consults the version source at most once per check
// interval. This is the mandatory lazy check covering ledger advances
// that arrived without a matching push.
func (c *DecisionCache) maybeRefreshVersion(ctx context.Context) {
	if c.versions == nil {
		return
	}
	now := c.clock()
	c.mu.Lock()
	due := now.Sub(c.lastCheck) >= c.cfg.VersionCheckInterval
	if due {
		c.lastCheck = now
	}
	c.mu.Unlock()
	if !due {
		return
	}
	version, err := c.versions(ctx)
	if err != nil {
		c.logger.Warn("version check failed", slog.Any("error", err))
		return
	}
	c.mu.Lock()
	if version > c.version {
		c.advanceLocked(version)
	}
	c.mu.Unlock()
}

// advanceLocked moves the observed version forward. Entries under older
// versions are unreachable from this point on; their keys are dropped
// from the index eagerly. Callers hold c.mu.
func (c *DecisionCache) advanceLocked(version int64) {
	c.version = version
	for userID, keys := range c.userKeys {
		for key := range keys {
			c.backing.Del(key)
		}
		delete(c.userKeys, userID)
	}
}

func (c *DecisionCache) purgeUserLocked(userID string) {
	for key := range c.userKeys[userID] {
		c.backing.Del(key)
	}
	delete(c.userKeys, userID)
}

func (c *DecisionCache) purgeAllLocked() {
	c.backing.Clear()
	c.userKeys = make(map[string]map[string]struct{})
	c.roleUsers = make(map[string]map[string]struct{})
}
