package execution

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"conclave/internal/capability"
	"conclave/internal/order"
	"conclave/internal/pkg/circuit"
)

// NoExecutorError reports that no registered capability serves an order.
// Routing never substitutes: an order for an unserved (class, platform)
// pair is rejected, not redirected.
type NoExecutorError struct {
	Asset    string
	Class    order.AssetClass
	Platform string
	Reason   string
}

func (e *NoExecutorError) Error() string {
	return fmt.Sprintf("no executor for %s (%s) on platform %q: %s",
		e.Asset, e.Class, e.Platform, e.Reason)
}

// ProfileResolver looks up the current executor profile for an agent id.
// Resolution happens at route time so constraint hot reloads take effect
// without re-registering routes.
type ProfileResolver interface {
	Profile(agentID string) (*capability.Profile, bool)
}

var _ ProfileResolver = (*capability.Registry)(nil)

// Assignment is a resolved route: the capability to execute on, the agent
// profile whose constraints govern the attempt, and the platform's breaker.
type Assignment struct {
	Capability Capability
	Profile    *capability.Profile
	Breaker    *circuit.Breaker
}

type routeKey struct {
	class    order.AssetClass
	platform string
}

type routeEntry struct {
	cap     Capability
	agentID string
}

// RouterConfig tunes the per-platform circuit breakers. OnBreakerChange,
// when set, replaces the breakers' default transition logging.
type RouterConfig struct {
	BreakerThreshold int
	BreakerCooldown  time.Duration
	OnBreakerChange  func(platform string, from, to circuit.State)
}

// Router maps (asset class, platform) pairs to registered capabilities.
// Registration happens once at wiring time; routing is read-mostly.
type Router struct {
	cfg      RouterConfig
	resolver ProfileResolver

	mu       sync.RWMutex
	routes   map[routeKey]routeEntry
	breakers map[string]*circuit.Breaker
}

func NewRouter(resolver ProfileResolver, cfg RouterConfig) *Router {
	return &Router{
		cfg:      cfg,
		resolver: resolver,
		routes:   make(map[routeKey]routeEntry),
		breakers: make(map[string]*circuit.Breaker),
	}
}

var allClasses = []order.AssetClass{order.ClassStock, order.ClassETF, order.ClassCrypto}

// Register binds a capability to every asset class its executing agent is
// cleared for. The agent must exist, allow the capability's platform, and
// hold placement rights for at least one class.
func (r *Router) Register(cap Capability, agentID string) error {
	profile, ok := r.resolver.Profile(agentID)
	if !ok {
		return fmt.Errorf("register %s: unknown agent %q", cap.Platform(), agentID)
	}
	platform := strings.ToLower(strings.TrimSpace(cap.Platform()))
	if platform == "" {
		return fmt.Errorf("register for agent %s: capability has empty platform", agentID)
	}
	if !profile.AllowsPlatform(platform) {
		return fmt.Errorf("register %s: agent %s not cleared for platform", platform, agentID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var bound int
	for _, class := range allClasses {
		if !profile.AllowsClass(class) || !profile.Capabilities().CanPlace(class) {
			continue
		}
		key := routeKey{class: class, platform: platform}
		if existing, exists := r.routes[key]; exists {
			return fmt.Errorf("register %s: %s already served by agent %s",
				platform, class, existing.agentID)
		}
		r.routes[key] = routeEntry{cap: cap, agentID: agentID}
		bound++
	}
	if bound == 0 {
		return fmt.Errorf("register %s: agent %s can place orders for no asset class", platform, agentID)
	}

	if _, exists := r.breakers[platform]; !exists {
		br := circuit.NewBreaker(platform, r.cfg.BreakerThreshold, r.cfg.BreakerCooldown)
		if r.cfg.OnBreakerChange != nil {
			br.SetStateChangeHandler(r.cfg.OnBreakerChange)
		}
		r.breakers[platform] = br
	}
	return nil
}

// Route resolves the assignment for one order. Absent platform assignment,
// unserved pairs, and vanished agent profiles all come back as
// *NoExecutorError.
func (r *Router) Route(o *order.Order) (*Assignment, error) {
	platform := strings.ToLower(strings.TrimSpace(o.AssignedPlatform))
	if platform == "" {
		return nil, &NoExecutorError{
			Asset: o.Asset, Class: o.AssetClass, Platform: platform,
			Reason: "order carries no platform assignment",
		}
	}

	r.mu.RLock()
	entry, ok := r.routes[routeKey{class: o.AssetClass, platform: platform}]
	breaker := r.breakers[platform]
	r.mu.RUnlock()

	if !ok {
		return nil, &NoExecutorError{
			Asset: o.Asset, Class: o.AssetClass, Platform: platform,
			Reason: "no capability registered for this class and platform",
		}
	}
	profile, found := r.resolver.Profile(entry.agentID)
	if !found {
		return nil, &NoExecutorError{
			Asset: o.Asset, Class: o.AssetClass, Platform: platform,
			Reason: fmt.Sprintf("executor profile %s no longer exists", entry.agentID),
		}
	}
	return &Assignment{Capability: entry.cap, Profile: profile, Breaker: breaker}, nil
}

// Breaker returns the circuit breaker for a platform, if registered.
func (r *Router) Breaker(platform string) (*circuit.Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[strings.ToLower(strings.TrimSpace(platform))]
	return b, ok
}

// Platforms lists registered platforms, sorted for stable status output.
func (r *Router) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.breakers))
	for p := range r.breakers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// BreakerStates reports each platform's circuit state for the status
// surface.
func (r *Router) BreakerStates() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for _, b := range r.breakers {
		out[b.Name()] = b.State().String()
	}
	return out
}
