// Package grouping binds message groups to a single target so that the
// messages of one group are consumed in order.
package grouping

import (
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/log"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

// Config holds configuration for the grouping Handler
type Config struct {
	// Shards is the number of independently locked affinity shards
	Shards int
	// IdleTimeout removes affinities not used for this long. Zero disables expiry.
	IdleTimeout time.Duration
	// ReapInterval is how often idle affinities are looked for
	ReapInterval time.Duration
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.Shards <= 0 {
		c.Shards = 32
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
}

// Affinity records the binding a group is bound to
type Affinity struct {
	Address     string
	GroupID     string
	BindingName string
	LastUsed    time.Time
}

type key struct {
	address string
	groupID string
}

type shard struct {
	mu         sync.Mutex
	affinities map[key]*Affinity
}

// Handler implements postoffice.GroupingHandler over xxh3 sharded maps.
// Resolving a group holds its shard lock for the whole decision so that
// concurrent first messages of a group agree on one target.
type Handler struct {
	config Config
	shards []*shard
	logger log.Logger
	now    func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Option configures a Handler
type Option func(*Handler)

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithClock replaces time.Now, used to test expiry
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates a grouping Handler.
func NewHandler(config Config, opts ...Option) *Handler {
	config.SetDefaults()
	h := &Handler{
		config: config,
		shards: make([]*shard, config.Shards),
		logger: log.DiscardLogger,
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for i := range h.shards {
		h.shards[i] = &shard{affinities: make(map[key]*Affinity)}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) shardFor(k key) *shard {
	sum := xxh3.HashString(k.address + "\x00" + k.groupID)
	return h.shards[sum%uint64(len(h.shards))]
}

// Resolve returns the binding bound to the group on address when it is among
// candidates. Otherwise the group is bound, or re-bound, to choose().
// Re-binding after the previous target disappeared may reorder the group across
// the rebind boundary.
func (h *Handler) Resolve(address, groupID string, candidates []postoffice.Binding, choose func() postoffice.Binding) postoffice.Binding {
	k := key{address: address, groupID: groupID}
	s := h.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := h.now()
	if affinity, ok := s.affinities[k]; ok {
		for _, candidate := range candidates {
			if candidate.UniqueName() == affinity.BindingName {
				affinity.LastUsed = now
				return candidate
			}
		}
	}

	chosen := choose()
	if chosen == nil {
		return nil
	}

	if previous, ok := s.affinities[k]; ok {
		h.logger.Infof("group %s on %s rebound from %s to %s", groupID, address, previous.BindingName, chosen.UniqueName())
	}
	s.affinities[k] = &Affinity{
		Address:     address,
		GroupID:     groupID,
		BindingName: chosen.UniqueName(),
		LastUsed:    now,
	}
	return chosen
}

// BindingRemoved drops every group bound to the binding
func (h *Handler) BindingRemoved(uniqueName string) {
	removed := 0
	for _, s := range h.shards {
		s.mu.Lock()
		for k, affinity := range s.affinities {
			if affinity.BindingName == uniqueName {
				delete(s.affinities, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		h.logger.Debugf("dropped %d group affinities of removed binding %s", removed, uniqueName)
	}
}

// Affinity returns the affinity of the group on address
func (h *Handler) Affinity(address, groupID string) (Affinity, bool) {
	k := key{address: address, groupID: groupID}
	s := h.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	affinity, ok := s.affinities[k]
	if !ok {
		return Affinity{}, false
	}
	return *affinity, true
}

// Len returns the number of affinities held
func (h *Handler) Len() int {
	total := 0
	for _, s := range h.shards {
		s.mu.Lock()
		total += len(s.affinities)
		s.mu.Unlock()
	}
	return total
}

// Expire removes the affinities idle since before now minus IdleTimeout and
// returns how many were removed. It does nothing when IdleTimeout is zero.
func (h *Handler) Expire(now time.Time) int {
	if h.config.IdleTimeout <= 0 {
		return 0
	}
	deadline := now.Add(-h.config.IdleTimeout)
	expired := 0
	for _, s := range h.shards {
		s.mu.Lock()
		for k, affinity := range s.affinities {
			if affinity.LastUsed.Before(deadline) {
				delete(s.affinities, k)
				expired++
			}
		}
		s.mu.Unlock()
	}
	return expired
}

// Start launches the idle reaper when IdleTimeout is set. It is idempotent.
func (h *Handler) Start() {
	h.startOnce.Do(func() {
		if h.config.IdleTimeout <= 0 {
			close(h.done)
			return
		}
		go h.reap()
	})
}

// Stop stops the idle reaper and waits for it to exit.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	h.startOnce.Do(func() { close(h.done) })
	<-h.done
}

func (h *Handler) reap() {
	defer close(h.done)
	ticker := time.NewTicker(h.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if n := h.Expire(h.now()); n > 0 {
				h.logger.Debugf("expired %d idle group affinities", n)
			}
		}
	}
}

// Verify that Handler implements the postoffice.GroupingHandler interface at compile time
var _ postoffice.GroupingHandler = (*Handler)(nil)
