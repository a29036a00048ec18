package provider

import (
	"errors"
	"sort"
	"sync"
)

// ErrNoProviders is returned when selection has no candidates left, e.g. when
// every provider has already been tried for the current request.
var ErrNoProviders = errors.New("provider: no providers available")

// Pool is the ordered set of interchangeable providers. Selection prefers
// healthy providers by priority, then by recent observed latency, with a
// round-robin pointer distributing load across equals. When nothing is
// eligible the pool fails open: it returns the provider closest to recovery
// rather than refusing, since a stale blockchain read beats no read.
type Pool struct {
	mu          sync.Mutex
	descriptors []*Descriptor
	tracker     *HealthTracker
	rr          int
}

// NewPool creates a pool over the given descriptors and registers each with
// the tracker.
func NewPool(descs []*Descriptor, tracker *HealthTracker) (*Pool, error) {
	if len(descs) == 0 {
		return nil, errors.New("provider: at least one provider is required")
	}
	if tracker == nil {
		return nil, errors.New("provider: health tracker is required")
	}

	ordered := make([]*Descriptor, len(descs))
	copy(ordered, descs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	for _, d := range ordered {
		tracker.Register(d.ID)
	}

	return &Pool{descriptors: ordered, tracker: tracker}, nil
}

// Select returns the best provider not in exclude. degraded is true when the
// eligible list was empty and the pool fell back to the provider with the
// soonest recovery. ErrNoProviders means every provider was excluded.
func (p *Pool) Select(exclude map[string]bool) (desc *Descriptor, degraded bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*Descriptor, 0, len(p.descriptors))
	for _, d := range p.descriptors {
		if !exclude[d.ID] {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return nil, false, ErrNoProviders
	}

	// Ranking is a read-only pass: IsEligible never touches circuit state, so
	// a recovered provider keeps its half-open probe until it is the pick.
	eligible := make([]*Descriptor, 0, len(candidates))
	for _, d := range candidates {
		if p.tracker.IsEligible(d.ID) {
			eligible = append(eligible, d)
		}
	}

	for len(eligible) > 0 {
		sort.SliceStable(eligible, func(i, j int) bool {
			a, b := eligible[i], eligible[j]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return p.tracker.AverageLatency(a.ID) < p.tracker.AverageLatency(b.ID)
		})

		// Rotate among the providers tied with the best one so equally good
		// endpoints share the load.
		best := eligible[0]
		tied := []*Descriptor{best}
		bestLat := p.tracker.AverageLatency(best.ID)
		for _, d := range eligible[1:] {
			if d.Priority == best.Priority && p.tracker.AverageLatency(d.ID) == bestLat {
				tied = append(tied, d)
			}
		}
		pick := tied[p.rr%len(tied)]

		// The probe is consumed here, for the pick only. A miss means a
		// concurrent selection claimed it first; re-rank without the pick.
		if !p.tracker.TryAcquireProbe(pick.ID) {
			eligible = withoutProvider(eligible, pick.ID)
			continue
		}
		p.rr++
		return pick, false, nil
	}

	return p.soonestRecovery(candidates), true, nil
}

func withoutProvider(descs []*Descriptor, id string) []*Descriptor {
	out := descs[:0]
	for _, d := range descs {
		if d.ID != id {
			out = append(out, d)
		}
	}
	return out
}

// soonestRecovery returns the candidate whose cooldown or rate-limit window
// expires first (caller holds the lock).
func (p *Pool) soonestRecovery(candidates []*Descriptor) *Descriptor {
	best := candidates[0]
	bestAt := p.tracker.RecoveryAt(best.ID)
	for _, d := range candidates[1:] {
		if at := p.tracker.RecoveryAt(d.ID); at.Before(bestAt) {
			best, bestAt = d, at
		}
	}
	return best
}

// Providers returns the descriptors in priority order.
func (p *Pool) Providers() []*Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Descriptor, len(p.descriptors))
	copy(out, p.descriptors)
	return out
}

// Tracker returns the pool's health tracker.
func (p *Pool) Tracker() *HealthTracker { return p.tracker }

// Len returns the number of configured providers.
func (p *Pool) Len() int { return len(p.descriptors) }
