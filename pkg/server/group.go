package server

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openjam/jamd/pkg/auth"
	"github.com/openjam/jamd/pkg/protocol"
)

// Group is the session coordinator: it owns the set of live connections,
// the shared tempo and topic, and the chat/admin command surface. All
// member state is mutated inside the tick, which the mutex serializes
// against the administrative surface.
type Group struct {
	mu      sync.Mutex
	members []*UserConn

	maxMembers     int
	bpm, bpi       int
	topic          string
	licenseText    string
	anonTokenLimit int

	oracle  auth.Oracle
	metrics *Metrics
	now     func() time.Time
}

// NewGroup creates a Group from server configuration. A nil metrics
// gets a fresh instance.
func NewGroup(cfg Config, oracle auth.Oracle, metrics *Metrics) *Group {
	if metrics == nil {
		metrics = NewMetrics()
	}
	limit := cfg.AnonTokenLimit
	if limit <= 0 {
		limit = DefaultConfig().AnonTokenLimit
	}
	return &Group{
		maxMembers:     cfg.MaxUsers,
		bpm:            cfg.BPM,
		bpi:            cfg.BPI,
		topic:          cfg.Topic,
		licenseText:    cfg.LicenseText,
		anonTokenLimit: limit,
		oracle:         oracle,
		metrics:        metrics,
		now:            time.Now,
	}
}

// AddConnection hands a freshly accepted endpoint to the group. The
// auth challenge is issued immediately. Reserved connections bypass the
// member capacity limit.
func (g *Group) AddConnection(ep Endpoint, reserved bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, err := newUserConn(ep, reserved, g.licenseText, g.now())
	if err != nil {
		ep.Terminate()
		return err
	}
	g.members = append(g.members, c)
	g.metrics.TotalConnections.Add(1)
	g.metrics.ActiveConnections.Add(1)
	slog.Debug("new connection", "remote", ep.RemoteAddr(), "reserved", reserved)
	return nil
}

// Run ticks the group until the context is cancelled, then terminates
// every member.
func (g *Group) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.Close()
			return
		case <-ticker.C:
			g.Tick()
		}
	}
}

// Tick advances every member once and reconciles membership. Broadcasts
// issued during the tick are queued on their endpoints before it
// returns.
func (g *Group) Tick() {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Iterate a snapshot: an eviction during authentication may remove
	// another member mid-pass.
	snapshot := make([]*UserConn, len(g.members))
	copy(snapshot, g.members)
	for _, c := range snapshot {
		c.tick(g)
	}
	g.reconcile()
}

// Close terminates all members without departure notices.
func (g *Group) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.members {
		c.ep.Terminate()
	}
	g.members = nil
}

// reconcile removes members whose endpoint is gone, announcing their
// departure. Runs at the tick boundary only.
func (g *Group) reconcile() {
	for i := 0; i < len(g.members); {
		if g.members[i].ep.Status() == StatusClosed {
			g.removeLocked(g.members[i])
		} else {
			i++
		}
	}
}

// removeLocked tears a member down: departure and channel-deactivation
// broadcasts (once, if it was authenticated), endpoint termination, and
// removal from the member set. Idempotent per member.
func (g *Group) removeLocked(c *UserConn) {
	if c.authed {
		c.authed = false // never double-broadcast a departure
		g.metrics.Departures.Add(1)
		slog.Info("user departed", "remote", c.ep.RemoteAddr(), "user", c.username)

		g.broadcast(protocol.NewChat("PART", c.username), c)
		if records := c.deactivationRecords(); len(records) > 0 {
			g.broadcast(&protocol.Message{UserInfoChange: &protocol.UserInfoChange{Records: records}}, c)
		}
	}
	c.ep.Terminate()
	c.subs = nil
	c.incoming = nil
	c.outgoing = nil

	for i, m := range g.members {
		if m == c {
			g.members = append(g.members[:i], g.members[i+1:]...)
			g.metrics.ActiveConnections.Add(-1)
			break
		}
	}
}

// broadcast queues msg to every authenticated member except one.
func (g *Group) broadcast(msg *protocol.Message, except *UserConn) {
	for _, c := range g.members {
		if c.authed && c != except {
			c.send(msg)
		}
	}
}

// authedCount counts authenticated members other than self.
func (g *Group) authedCount(self *UserConn) int {
	n := 0
	for _, c := range g.members {
		if c != self && c.authed {
			n++
		}
	}
	return n
}

// activeChannelRecords builds the consolidated active-channel list sent
// to a fresh joiner.
func (g *Group) activeChannelRecords() []protocol.ChannelState {
	var records []protocol.ChannelState
	for _, u := range g.members {
		if !u.authed {
			continue
		}
		for i := range u.channels {
			slot := &u.channels[i]
			if !slot.active {
				continue
			}
			records = append(records, protocol.ChannelState{
				Active:   true,
				Index:    uint8(i),
				Volume:   slot.volume,
				Pan:      slot.pan,
				Flags:    slot.flags,
				Username: u.username,
				Name:     slot.name,
			})
		}
	}
	return records
}

// anonymousBaseName synthesizes the base username for an anonymous
// session from its display token and peer host.
func (g *Group) anonymousBaseName(token, host string) string {
	if token == "" {
		return host + "-"
	}
	if len(token) > g.anonTokenLimit {
		token = token[:g.anonTokenLimit]
	}
	return token + "-" + host
}

// resolveAnonymousName resolves a name collision for an anonymous
// session by appending one past the highest numeric suffix already in
// use for the base name. No eviction.
func (g *Group) resolveAnonymousName(self *UserConn, base string) string {
	collision := false
	maxSuffix := -1
	lowerBase := strings.ToLower(base)
	for _, u := range g.members {
		if u == self || !u.authed {
			continue
		}
		lower := strings.ToLower(u.username)
		if lower == lowerBase {
			collision = true
		}
		if !strings.HasPrefix(lower, lowerBase) {
			continue
		}
		suffix := u.username[len(base):]
		if suffix == "" {
			continue // bare base name counts as the collision itself
		}
		if v, err := strconv.Atoi(suffix); err == nil {
			collision = true
			if v > maxSuffix {
				maxSuffix = v
			}
		}
	}
	if !collision {
		return base
	}
	return base + strconv.Itoa(maxSuffix+1)
}

// evictNamed disconnects any other authenticated member holding the
// same username (case-insensitive): a named login takes its name over.
func (g *Group) evictNamed(self *UserConn, username string) {
	for _, u := range g.members {
		if u != self && u.authed && strings.EqualFold(u.username, username) {
			slog.Info("evicting session, name taken over", "user", u.username, "remote", u.ep.RemoteAddr())
			g.removeLocked(u)
			return
		}
	}
}

// Tempo returns the current group tempo.
func (g *Group) Tempo() (bpm, bpi int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bpm, g.bpi
}

// SetTempo updates the group tempo from the administrative surface and
// broadcasts it.
func (g *Group) SetTempo(bpm, bpi int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bpm, g.bpi = bpm, bpi
	g.metrics.TempoChanges.Add(1)
	g.broadcast(&protocol.Message{ConfigChange: &protocol.ConfigChange{BPM: bpm, BPI: bpi}}, nil)
}

// Topic returns the current topic.
func (g *Group) Topic() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.topic
}

// SetTopic updates the topic from the administrative surface and
// broadcasts it without an issuer.
func (g *Group) SetTopic(topic string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.topic = topic
	g.metrics.TopicChanges.Add(1)
	g.broadcast(protocol.NewChat("TOPIC", "", topic), nil)
}

// MemberNames returns the usernames of all authenticated members.
func (g *Group) MemberNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.members))
	for _, c := range g.members {
		if c.authed {
			names = append(names, c.username)
		}
	}
	return names
}
