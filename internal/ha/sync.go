// Package ha replicates cache mutations from an active instance to a passive
// standby over a push channel, and promotes the standby when the active stops
// heartbeating, so takeover starts from a hot cache.
package ha

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LouisdeMagician/blaze/internal/cache"
	"github.com/LouisdeMagician/blaze/internal/platform/observability"
)

// SyncEvent is one replicated cache write, in transit between instances.
type SyncEvent struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	ExpiresAt time.Time   `json:"expires_at"`
	Seq       uint64      `json:"seq"`
}

// Role is the HA role of this instance.
type Role int32

const (
	// RoleStandby applies inbound sync events and watches the heartbeat
	RoleStandby Role = iota
	// RoleActive serves traffic and publishes its cache writes
	RoleActive
)

func (r Role) String() string {
	if r == RoleActive {
		return "active"
	}
	return "standby"
}

// Config holds synchronizer configuration.
type Config struct {
	Store      *cache.Store
	Channel    Channel
	Heartbeats HeartbeatStore
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	InstanceID string
	// HeartbeatInterval is how often the active refreshes its marker and the
	// standby checks it
	HeartbeatInterval time.Duration
	// TakeoverAfter is how long the heartbeat may be silent before the
	// standby promotes itself
	TakeoverAfter time.Duration
	// StaleAfter is the replication lag beyond which the promoted cache is
	// treated as cold and rewarmed
	StaleAfter time.Duration
	// OnPromote is invoked once after promotion with the replication lag at
	// takeover; the caller uses it to rewarm and alert
	OnPromote func(lag time.Duration)
	// Clock overrides time.Now, used by tests
	Clock func() time.Time
}

// Snapshot is a point-in-time view of synchronizer state for the health
// endpoint.
type Snapshot struct {
	Role          string    `json:"role"`
	PublishedSeq  uint64    `json:"published_seq"`
	Watermark     uint64    `json:"applied_watermark"`
	LastAppliedAt time.Time `json:"last_applied_at,omitempty"`
}

// Synchronizer owns the replication stream for one instance. Exactly one of
// StartActive or StartStandby is called at boot; a standby switches to active
// duties on promotion.
type Synchronizer struct {
	store      *cache.Store
	channel    Channel
	heartbeats HeartbeatStore
	logger     *observability.Logger
	metrics    *observability.Metrics
	instanceID string
	interval   time.Duration
	takeover   time.Duration
	staleAfter time.Duration
	onPromote  func(time.Duration)
	now        func() time.Time

	role atomic.Int32
	seq  atomic.Uint64

	mu            sync.Mutex
	perKey        map[string]uint64
	watermark     uint64
	lastAppliedAt time.Time
}

// New creates a synchronizer.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Store == nil {
		return nil, errors.New("ha: cache store is required")
	}
	if cfg.Channel == nil {
		return nil, errors.New("ha: sync channel is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 500 * time.Millisecond
	}
	if cfg.TakeoverAfter <= 0 {
		cfg.TakeoverAfter = 2 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("info", "json")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Synchronizer{
		store:      cfg.Store,
		channel:    cfg.Channel,
		heartbeats: cfg.Heartbeats,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		instanceID: cfg.InstanceID,
		interval:   cfg.HeartbeatInterval,
		takeover:   cfg.TakeoverAfter,
		staleAfter: cfg.StaleAfter,
		onPromote:  cfg.OnPromote,
		now:        cfg.Clock,
		perKey:     make(map[string]uint64),
	}, nil
}

// Role returns the current HA role.
func (s *Synchronizer) Role() Role {
	return Role(s.role.Load())
}

// StartActive begins active duties: publishing every cache write as a sync
// event and heartbeating.
func (s *Synchronizer) StartActive(ctx context.Context) {
	s.role.Store(int32(RoleActive))
	s.store.SetWriteListener(func(key string, value interface{}, expiresAt time.Time) {
		s.publish(ctx, key, value, expiresAt)
	})
	if s.heartbeats != nil {
		go s.heartbeatLoop(ctx)
	}
	s.logger.LogInfo(ctx, "ha: running as active", "instance", s.instanceID)
}

// publish forwards one cache write to the standby. Publish failures are
// logged, not propagated: replication is best effort and the standby rewarms
// stale regions on takeover.
func (s *Synchronizer) publish(ctx context.Context, key string, value interface{}, expiresAt time.Time) {
	ev := SyncEvent{
		Key:       key,
		Value:     value,
		ExpiresAt: expiresAt,
		Seq:       s.seq.Add(1),
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.channel.Publish(pubCtx, ev); err != nil {
		s.logger.LogWarn(ctx, "ha: sync publish failed", "key", key, "seq", ev.Seq, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSyncEvent(ctx, "published")
	}
}

// StartStandby begins standby duties: applying inbound sync events and
// monitoring the active heartbeat. It returns once the subscription is
// established.
func (s *Synchronizer) StartStandby(ctx context.Context) error {
	s.role.Store(int32(RoleStandby))

	events, err := s.channel.Subscribe(ctx)
	if err != nil {
		return err
	}

	go func() {
		for ev := range events {
			if s.Role() != RoleStandby {
				return
			}
			s.Apply(ctx, ev)
		}
	}()

	if s.heartbeats != nil {
		go s.monitorLoop(ctx)
	}
	s.logger.LogInfo(ctx, "ha: running as standby", "instance", s.instanceID)
	return nil
}

// Apply installs one sync event into the local store. Application is
// idempotent: an event whose seq is not newer than the last applied seq for
// its key is dropped. It reports whether the event was applied.
func (s *Synchronizer) Apply(ctx context.Context, ev SyncEvent) bool {
	s.mu.Lock()
	if ev.Seq <= s.perKey[ev.Key] {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordSyncEvent(ctx, "dropped")
		}
		return false
	}
	s.mu.Unlock()

	// The seq is recorded only after the write lands, so a failed write leaves
	// the event unseen and a redelivered copy can retry it.
	if err := s.store.SetWithExpiry(ctx, ev.Key, ev.Value, ev.ExpiresAt); err != nil {
		s.logger.LogError(ctx, "ha: failed to apply sync event", err, "key", ev.Key, "seq", ev.Seq)
		return false
	}

	s.mu.Lock()
	if ev.Seq > s.perKey[ev.Key] {
		s.perKey[ev.Key] = ev.Seq
	}
	if ev.Seq > s.watermark {
		s.watermark = ev.Seq
	}
	s.lastAppliedAt = s.now()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordSyncEvent(ctx, "applied")
	}
	return true
}

// Lag returns the age of the last applied sync event, or a negative value
// when nothing was applied yet.
func (s *Synchronizer) Lag() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastAppliedAt.IsZero() {
		return -1
	}
	return s.now().Sub(s.lastAppliedAt)
}

// Stale reports whether the replicated cache should be treated as cold.
func (s *Synchronizer) Stale() bool {
	lag := s.Lag()
	return lag < 0 || lag > s.staleAfter
}

// Promote switches a standby to active: it stops applying inbound events,
// takes over heartbeating and publishing, and reports the replication lag at
// takeover through OnPromote.
func (s *Synchronizer) Promote(ctx context.Context) {
	if !s.role.CompareAndSwap(int32(RoleStandby), int32(RoleActive)) {
		return
	}
	lag := s.Lag()
	s.logger.LogWarn(ctx, "ha: promoting standby to active",
		"instance", s.instanceID, "replication_lag", lag)

	s.store.SetWriteListener(func(key string, value interface{}, expiresAt time.Time) {
		s.publish(ctx, key, value, expiresAt)
	})
	if s.heartbeats != nil {
		go s.heartbeatLoop(ctx)
	}
	if s.metrics != nil {
		s.metrics.RecordPromotion(ctx)
	}
	if s.onPromote != nil {
		s.onPromote(lag)
	}
}

// heartbeatLoop refreshes the active liveness marker.
func (s *Synchronizer) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beatCtx, cancel := context.WithTimeout(ctx, s.interval)
			err := s.heartbeats.Beat(beatCtx, s.instanceID)
			cancel()
			if err != nil {
				s.logger.LogWarn(ctx, "ha: heartbeat write failed", "error", err)
			}
		}
	}
}

// monitorLoop watches the active heartbeat and promotes once it has been
// silent for the takeover window.
func (s *Synchronizer) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// The monitor's own start is the baseline until a beat is observed, so a
	// standby booting against a dead active still takes over.
	lastSeen := s.now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Role() != RoleStandby {
				return
			}
			checkCtx, cancel := context.WithTimeout(ctx, s.interval)
			at, err := s.heartbeats.LastBeat(checkCtx)
			cancel()
			if err != nil {
				s.logger.LogWarn(ctx, "ha: heartbeat read failed", "error", err)
				continue
			}
			if at.After(lastSeen) {
				lastSeen = at
			}
			if silent := s.now().Sub(lastSeen); silent > s.takeover {
				if s.metrics != nil {
					s.metrics.RecordHeartbeatMiss(ctx)
				}
				s.logger.LogWarn(ctx, "ha: active heartbeat lost", "silent_for", silent)
				s.Promote(ctx)
				return
			}
		}
	}
}

// SnapshotState returns synchronizer state for the health endpoint.
func (s *Synchronizer) SnapshotState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Role:          s.Role().String(),
		PublishedSeq:  s.seq.Load(),
		Watermark:     s.watermark,
		LastAppliedAt: s.lastAppliedAt,
	}
}
