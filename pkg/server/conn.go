package server

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openjam/jamd/pkg/auth"
	"github.com/openjam/jamd/pkg/crypto"
	"github.com/openjam/jamd/pkg/protocol"
)

const (
	// authTimeout is how long a pending connection may sit without a
	// well-formed auth reply. Generous so the user can read the license
	// text.
	authTimeout = 120 * time.Second

	// transferTimeout bounds inactivity on an in-flight audio transfer.
	transferTimeout = 8 * time.Second

	// maxUsernameLen caps sanitized usernames.
	maxUsernameLen = 128

	// maxMessagesPerTick bounds how many messages one session may have
	// processed per coordinator tick, for fairness.
	maxMessagesPerTick = 32
)

type channelSlot struct {
	active bool
	name   string
	volume int16
	pan    int8
	flags  uint8
}

type subscription struct {
	username string // peer name, matched case-insensitively
	mask     uint32 // bit i selects the peer's channel slot i
}

type transferState struct {
	id           uuid.UUID
	contentTag   uint32
	estimated    uint32
	bytesSoFar   uint64
	lastActivity time.Time
}

// UserConn is the per-session protocol state machine: it owns the
// transport endpoint, drives the auth handshake, and tracks the
// session's announced channels, subscriptions and in-flight transfers.
// All mutation happens inside the owning Group's tick.
type UserConn struct {
	ep Endpoint

	authed    bool
	anonymous bool
	challenge []byte
	username  string
	caps      uint32
	privs     auth.Privilege
	reserved  bool

	deadline time.Time
	rearmed  bool

	channels [protocol.MaxUserChannels]channelSlot
	subs     []subscription

	incoming []*transferState // uploads arriving from this session
	outgoing []*transferState // relays queued toward this session
}

func newUserConn(ep Endpoint, reserved bool, licenseText string, now time.Time) (*UserConn, error) {
	challenge, err := crypto.GenerateChallenge()
	if err != nil {
		return nil, err
	}
	c := &UserConn{
		ep:        ep,
		challenge: challenge,
		reserved:  reserved,
		deadline:  now.Add(authTimeout),
	}
	var serverCaps uint32
	if licenseText != "" {
		serverCaps |= protocol.ClientCapLicenseAgreed
	}
	ep.Send(&protocol.Message{AuthChallenge: &protocol.AuthChallenge{
		Challenge:       challenge,
		ProtocolVersion: protocol.VersionCur,
		ServerCaps:      serverCaps,
		LicenseText:     licenseText,
	}})
	return c, nil
}

// Username returns the session username ("" while pending).
func (c *UserConn) Username() string { return c.username }

func (c *UserConn) send(msg *protocol.Message) { c.ep.Send(msg) }

// failAuth queues a failure reply and schedules a flushing close.
func (c *UserConn) failAuth(reason string) {
	c.ep.Send(&protocol.Message{AuthResult: &protocol.AuthResult{Message: reason}})
	c.ep.CloseAfterSend()
}

// tick pumps the endpoint and dispatches decoded messages in arrival
// order. Called only from Group.tick.
func (c *UserConn) tick(g *Group) {
	if c.ep.Status() != StatusOK {
		return
	}
	for i := 0; i < maxMessagesPerTick; i++ {
		msg := c.ep.Poll()
		if msg == nil {
			if !c.authed {
				c.checkAuthDeadline(g)
			}
			return
		}
		c.dispatch(g, msg)
		if c.ep.Status() != StatusOK {
			return
		}
	}
}

// checkAuthDeadline enforces the auth timeout. The deadline is pushed
// forward once as the failure fires, so the refusal is not re-queued
// while the close flushes.
func (c *UserConn) checkAuthDeadline(g *Group) {
	now := g.now()
	if !now.After(c.deadline) {
		return
	}
	if c.rearmed {
		return
	}
	c.rearmed = true
	c.deadline = now.Add(authTimeout)
	slog.Info("authorization timeout", "remote", c.ep.RemoteAddr())
	g.metrics.AuthTimeouts.Add(1)
	c.failAuth("authorization timeout")
}

func (c *UserConn) dispatch(g *Group, msg *protocol.Message) {
	if !c.authed {
		c.handleAuthReply(g, msg.AuthReply)
		return
	}
	switch {
	case msg.ChannelAnnounce != nil:
		c.handleChannelAnnounce(g, msg.ChannelAnnounce)
	case msg.SubscribeMask != nil:
		c.handleSubscribeMask(msg.SubscribeMask)
	case msg.IntervalBegin != nil:
		c.handleIntervalBegin(g, msg.IntervalBegin)
	case msg.IntervalWrite != nil:
		c.handleIntervalWrite(g, msg.IntervalWrite)
	case msg.Chat != nil:
		g.onChatMessage(c, msg.Chat)
	default:
		// Unknown message types are ignored for forward compatibility.
	}
}

// handleAuthReply runs the whole §auth sequence: oracle lookup, version
// and license checks, password or anonymous handling, sanitization,
// collision resolution, capacity check, then the welcome sequence.
func (c *UserConn) handleAuthReply(g *Group, rep *protocol.AuthReply) {
	remote := c.ep.RemoteAddr()

	if rep == nil || rep.Username == "" {
		slog.Info("invalid authorization reply", "remote", remote)
		g.metrics.AuthRefusals.Add(1)
		c.failAuth("invalid authorization reply")
		return
	}

	creds, known := g.oracle.Lookup(rep.Username)
	if !known {
		slog.Info("refusing user, invalid login", "remote", remote, "user", rep.Username)
		g.metrics.AuthRefusals.Add(1)
		c.failAuth("invalid login/password")
		return
	}
	if rep.ClientVersion < protocol.VersionMin || rep.ClientVersion > protocol.VersionMax {
		slog.Info("refusing user, bad client version", "remote", remote, "user", rep.Username)
		g.metrics.AuthRefusals.Add(1)
		c.failAuth("incorrect client version")
		return
	}
	if g.licenseText != "" && rep.ClientCaps&protocol.ClientCapLicenseAgreed == 0 {
		slog.Info("refusing user, no license agreement", "remote", remote, "user", rep.Username)
		g.metrics.AuthRefusals.Add(1)
		c.failAuth("license not agreed to")
		return
	}

	var username string
	if creds.Anonymous {
		c.anonymous = true
		username = g.anonymousBaseName(anonToken(rep.Username), remoteHost(remote))
	} else {
		if !crypto.VerifyResponse(creds.Secret, c.challenge, rep.PassHash) {
			slog.Info("refusing user, invalid pass", "remote", remote, "user", rep.Username)
			g.metrics.AuthRefusals.Add(1)
			c.failAuth("invalid login/password")
			return
		}
		username = rep.Username
	}
	username = sanitizeUsername(username)

	if c.anonymous {
		username = g.resolveAnonymousName(c, username)
	} else {
		g.evictNamed(c, username)
	}

	if g.maxMembers > 0 && !c.reserved && !creds.Privileges.Has(auth.PrivReserve) {
		if g.authedCount(c) >= g.maxMembers {
			slog.Info("refusing user, server full", "remote", remote, "user", username)
			g.metrics.AuthRefusals.Add(1)
			c.failAuth("server full")
			return
		}
	}

	c.username = username
	c.caps = rep.ClientCaps
	c.privs = creds.Privileges
	c.authed = true
	slog.Info("accepted user", "remote", remote, "user", username)
	g.metrics.AuthSuccesses.Add(1)

	c.send(&protocol.Message{AuthResult: &protocol.AuthResult{Success: true, Message: username}})
	c.send(&protocol.Message{ConfigChange: &protocol.ConfigChange{BPM: g.bpm, BPI: g.bpi}})
	if records := g.activeChannelRecords(); len(records) > 0 {
		c.send(&protocol.Message{UserInfoChange: &protocol.UserInfoChange{Records: records}})
	}
	c.send(protocol.NewChat("TOPIC", "", g.topic))
	g.broadcast(protocol.NewChat("JOIN", username), c)
}

// anonToken extracts the anonymous display token from the requested
// username: "anonymous" carries no token, "anonymous:jo" carries "jo",
// anything else is its own token.
func anonToken(requested string) string {
	const prefix = "anonymous:"
	if strings.EqualFold(requested, "anonymous") {
		return ""
	}
	if len(requested) >= len(prefix) && strings.EqualFold(requested[:len(prefix)], prefix) {
		return requested[len(prefix):]
	}
	return requested
}

// sanitizeUsername replaces anything outside [A-Za-z0-9-_@.] with '_'
// and truncates to maxUsernameLen.
func sanitizeUsername(name string) string {
	b := []byte(name)
	if len(b) > maxUsernameLen {
		b = b[:maxUsernameLen]
	}
	for i, ch := range b {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-', ch == '_', ch == '@', ch == '.':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

// handleChannelAnnounce applies a full replacement of the session's
// announced channel list. Change records are coalesced into one
// broadcast; slots the client stopped mentioning are forced inactive.
func (c *UserConn) handleChannelAnnounce(g *Group, ann *protocol.ChannelAnnounce) {
	var records []protocol.ChannelState

	n := len(ann.Channels)
	if n > protocol.MaxUserChannels {
		n = protocol.MaxUserChannels
	}
	for i := 0; i < n; i++ {
		def := ann.Channels[i]
		slot := &c.channels[i]
		changed := !slot.active ||
			slot.name != def.Name ||
			slot.volume != def.Volume ||
			slot.pan != def.Pan ||
			slot.flags != def.Flags

		slot.active = true
		slot.name = def.Name
		slot.volume = def.Volume
		slot.pan = def.Pan
		slot.flags = def.Flags

		if changed {
			records = append(records, protocol.ChannelState{
				Active:   true,
				Index:    uint8(i),
				Volume:   def.Volume,
				Pan:      def.Pan,
				Flags:    def.Flags,
				Username: c.username,
				Name:     def.Name,
			})
		}
	}
	for i := n; i < protocol.MaxUserChannels; i++ {
		slot := &c.channels[i]
		slot.name = ""
		if slot.active {
			slot.active = false
			records = append(records, protocol.ChannelState{
				Active:   false,
				Index:    uint8(i),
				Volume:   slot.volume,
				Pan:      slot.pan,
				Flags:    slot.flags,
				Username: c.username,
			})
		}
	}

	if len(records) > 0 {
		g.broadcast(&protocol.Message{UserInfoChange: &protocol.UserInfoChange{Records: records}}, c)
	}
}

// handleSubscribeMask upserts subscription entries: zero mask removes,
// nonzero inserts or overwrites. Keys are unique per peer username.
func (c *UserConn) handleSubscribeMask(sm *protocol.SubscribeMask) {
	for _, e := range sm.Entries {
		if e.Username == "" {
			continue
		}
		idx := -1
		for i := range c.subs {
			if strings.EqualFold(c.subs[i].username, e.Username) {
				idx = i
				break
			}
		}
		switch {
		case idx < 0 && e.Mask != 0:
			c.subs = append(c.subs, subscription{username: e.Username, mask: e.Mask})
		case idx >= 0 && e.Mask != 0:
			c.subs[idx].mask = e.Mask
		case idx >= 0 && e.Mask == 0:
			c.subs = append(c.subs[:idx], c.subs[idx+1:]...)
		}
	}
}

// subscriptionMask returns this session's mask for a peer, if any.
func (c *UserConn) subscriptionMask(peer string) (uint32, bool) {
	for i := range c.subs {
		if strings.EqualFold(c.subs[i].username, peer) {
			return c.subs[i].mask, true
		}
	}
	return 0, false
}

// deactivationRecords deactivates every active slot and returns the
// change records, used when the session departs.
func (c *UserConn) deactivationRecords() []protocol.ChannelState {
	var records []protocol.ChannelState
	for i := range c.channels {
		slot := &c.channels[i]
		slot.name = ""
		if slot.active {
			slot.active = false
			records = append(records, protocol.ChannelState{
				Active:   false,
				Index:    uint8(i),
				Volume:   slot.volume,
				Pan:      slot.pan,
				Flags:    slot.flags,
				Username: c.username,
			})
		}
	}
	return records
}

// parseTempoArg mirrors C atoi: leading integer or zero.
func parseTempoArg(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || (end == 0 && (s[end] == '-' || s[end] == '+'))) {
		end++
	}
	v, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return v
}
