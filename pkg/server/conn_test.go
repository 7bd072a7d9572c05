package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjam/jamd/pkg/auth"
	"github.com/openjam/jamd/pkg/protocol"
)

func TestChallengeSentOnConnect(t *testing.T) {
	g := newTestGroup(t, anonOracle(auth.PrivDefault))
	ep := connect(t, g, "1.2.3.4:1000")

	msgs := ep.drain()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].AuthChallenge)
	assert.Len(t, msgs[0].AuthChallenge.Challenge, protocol.ChallengeSize)
	assert.Equal(t, protocol.VersionCur, msgs[0].AuthChallenge.ProtocolVersion)
}

func TestAnonymousNameSynthesis(t *testing.T) {
	g := newTestGroup(t, anonOracle(auth.PrivDefault))

	_, c1 := loginAnon(t, g, "1.2.3.4:1000", "anonymous")
	_, c2 := loginAnon(t, g, "1.2.3.4:1001", "anonymous")
	_, c3 := loginAnon(t, g, "1.2.3.4:1002", "anonymous")

	assert.Equal(t, "1.2.3.4-", c1.Username())
	assert.Equal(t, "1.2.3.4-0", c2.Username())
	assert.Equal(t, "1.2.3.4-1", c3.Username())
}

func TestAnonymousTokenInName(t *testing.T) {
	g := newTestGroup(t, anonOracle(auth.PrivDefault))

	_, c := loginAnon(t, g, "1.2.3.4:1000", "anonymous:jo")
	assert.Equal(t, "jo-1.2.3.4", c.Username())

	// Disallowed characters become underscores.
	_, c2 := loginAnon(t, g, "5.6.7.8:1000", "anonymous:j o!")
	assert.Equal(t, "j_o_-5.6.7.8", c2.Username())

	// Long tokens truncate before the host is appended.
	_, c3 := loginAnon(t, g, "9.9.9.9:1000", "anonymous:abcdefghijklmnopqrstuvwxyz")
	assert.Equal(t, "abcdefghijklmno-9.9.9.9", c3.Username())
}

func TestAuthReplyEmptyUsername(t *testing.T) {
	g := newTestGroup(t, anonOracle(auth.PrivDefault))
	ep := connect(t, g, "1.2.3.4:1000")
	ep.drain()

	ep.push(&protocol.Message{AuthReply: &protocol.AuthReply{ClientVersion: protocol.VersionCur}})
	g.Tick()

	msgs := ep.drain()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].AuthResult)
	assert.False(t, msgs[0].AuthResult.Success)
	assert.Equal(t, "invalid authorization reply", msgs[0].AuthResult.Message)
	assert.Equal(t, StatusClosed, ep.Status())
}

func TestAuthRejectsBadVersion(t *testing.T) {
	g := newTestGroup(t, anonOracle(auth.PrivDefault))
	ep := connect(t, g, "1.2.3.4:1000")
	ep.drain()

	ep.push(&protocol.Message{AuthReply: &protocol.AuthReply{
		Username:      "anonymous",
		ClientVersion: 0x00010000,
	}})
	g.Tick()

	msgs := ep.drain()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].AuthResult)
	assert.Equal(t, "incorrect client version", msgs[0].AuthResult.Message)
}

func TestAuthRejectsBadPassword(t *testing.T) {
	g := newTestGroup(t, rosterOracle(t, auth.UserEntry{Name: "alice", Password: "pw"}))
	ep := connect(t, g, "1.2.3.4:1000")
	ep.drain()

	ep.push(&protocol.Message{AuthReply: &protocol.AuthReply{
		Username:      "alice",
		PassHash:      []byte("wrong"),
		ClientVersion: protocol.VersionCur,
	}})
	g.Tick()

	msgs := ep.drain()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].AuthResult)
	assert.False(t, msgs[0].AuthResult.Success)
	assert.Equal(t, "invalid login/password", msgs[0].AuthResult.Message)
	assert.Equal(t, StatusClosed, ep.Status())
	assert.Equal(t, int64(1), g.metrics.AuthRefusals.Load())
}

func TestAuthRequiresLicenseAgreement(t *testing.T) {
	cfg := DefaultConfig()
	g := NewGroup(cfg, anonOracle(auth.PrivDefault), NewMetrics())
	g.licenseText = "be nice"

	ep := connect(t, g, "1.2.3.4:1000")
	ep.drain()
	ep.push(&protocol.Message{AuthReply: &protocol.AuthReply{
		Username:      "anonymous",
		ClientVersion: protocol.VersionCur,
	}})
	g.Tick()

	msgs := ep.drain()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].AuthResult)
	assert.Equal(t, "license not agreed to", msgs[0].AuthResult.Message)

	// With the agreement bit set the same login succeeds.
	ep2 := connect(t, g, "1.2.3.4:1001")
	ep2.drain()
	ep2.push(&protocol.Message{AuthReply: &protocol.AuthReply{
		Username:      "anonymous",
		ClientVersion: protocol.VersionCur,
		ClientCaps:    protocol.ClientCapLicenseAgreed,
	}})
	g.Tick()
	require.True(t, memberFor(t, g, ep2).authed)
}

func TestNamedLoginEvictsDuplicate(t *testing.T) {
	g := newTestGroup(t, rosterOracle(t, auth.UserEntry{Name: "alice", Password: "pw"}))

	ep1, _ := loginNamed(t, g, "1.2.3.4:1000", "alice", "pw")
	ep1.drain()

	_, c2 := loginNamed(t, g, "5.6.7.8:1000", "alice", "pw")
	assert.Equal(t, "alice", c2.Username())
	assert.Equal(t, StatusClosed, ep1.Status())

	names := g.MemberNames()
	require.Len(t, names, 1)
	assert.Equal(t, "alice", names[0])
}

func TestServerFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxUsers = 1
	g := NewGroup(cfg, anonOracle(auth.PrivDefault), NewMetrics())

	loginAnon(t, g, "1.2.3.4:1000", "anonymous")

	ep2 := connect(t, g, "5.6.7.8:1000")
	ep2.drain()
	ep2.push(&protocol.Message{AuthReply: &protocol.AuthReply{
		Username:      "anonymous",
		ClientVersion: protocol.VersionCur,
	}})
	g.Tick()

	msgs := ep2.drain()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].AuthResult)
	assert.Equal(t, "server full", msgs[0].AuthResult.Message)
	assert.Equal(t, StatusClosed, ep2.Status())
}

func TestReservedPrivilegeBypassesCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxUsers = 1
	oracle := rosterOracle(t,
		auth.UserEntry{Name: "alice", Password: "pw"},
		auth.UserEntry{Name: "admin", Password: "pw", Privileges: []string{"all"}},
	)
	g := NewGroup(cfg, oracle, NewMetrics())

	loginNamed(t, g, "1.2.3.4:1000", "alice", "pw")
	_, c := loginNamed(t, g, "5.6.7.8:1000", "admin", "pw")
	assert.True(t, c.authed)
	assert.Len(t, g.MemberNames(), 2)
}

func TestWelcomeSequence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Topic = "jam on"
	g := NewGroup(cfg, anonOracle(auth.PrivDefault), NewMetrics())

	epA, _ := loginAnon(t, g, "1.2.3.4:1000", "anonymous:al")
	a := memberFor(t, g, epA)
	epA.drain()
	a.handleChannelAnnounce(g, &protocol.ChannelAnnounce{Channels: []protocol.ChannelDef{{Name: "guitar"}}})

	epB, _ := loginAnon(t, g, "5.6.7.8:1000", "anonymous:bo")
	msgs := epB.drain()

	require.NotNil(t, msgs[0].AuthResult)
	assert.True(t, msgs[0].AuthResult.Success)
	assert.Equal(t, "bo-5.6.7.8", msgs[0].AuthResult.Message)

	require.NotNil(t, msgs[1].ConfigChange)
	assert.Equal(t, cfg.BPM, msgs[1].ConfigChange.BPM)
	assert.Equal(t, cfg.BPI, msgs[1].ConfigChange.BPI)

	require.NotNil(t, msgs[2].UserInfoChange)
	require.Len(t, msgs[2].UserInfoChange.Records, 1)
	assert.Equal(t, "guitar", msgs[2].UserInfoChange.Records[0].Name)
	assert.Equal(t, "al-1.2.3.4", msgs[2].UserInfoChange.Records[0].Username)

	topic := findChat(msgs, "TOPIC")
	require.NotNil(t, topic)
	assert.Equal(t, "jam on", topic.Param(2))

	// The existing member sees the join.
	join := findChat(epA.drain(), "JOIN")
	require.NotNil(t, join)
	assert.Equal(t, "bo-5.6.7.8", join.Param(1))
}

func TestAuthTimeout(t *testing.T) {
	g := newTestGroup(t, anonOracle(auth.PrivDefault))
	now := time.Unix(1000, 0)
	g.now = func() time.Time { return now }

	ep := connect(t, g, "1.2.3.4:1000")
	ep.drain()

	// Inside the window nothing happens.
	g.Tick()
	assert.Equal(t, StatusOK, ep.Status())
	assert.Empty(t, ep.drain())

	now = now.Add(authTimeout + time.Second)
	g.Tick()
	msgs := ep.drain()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].AuthResult)
	assert.Equal(t, "authorization timeout", msgs[0].AuthResult.Message)
	assert.Equal(t, StatusClosed, ep.Status())
	assert.Equal(t, int64(1), g.metrics.AuthTimeouts.Load())
}

func TestSanitizeUsername(t *testing.T) {
	assert.Equal(t, "a_b_c_d", sanitizeUsername("a b/c;d"))
	assert.Equal(t, "ok-name_v1.2@host", sanitizeUsername("ok-name_v1.2@host"))

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, sanitizeUsername(string(long)), maxUsernameLen)
}

func TestChannelAnnounceCoalescesChanges(t *testing.T) {
	g := newTestGroup(t, anonOracle(auth.PrivDefault))
	epA, a := loginAnon(t, g, "1.2.3.4:1000", "anonymous:al")
	epB, _ := loginAnon(t, g, "5.6.7.8:1000", "anonymous:bo")
	epA.drain()
	epB.drain()

	a.handleChannelAnnounce(g, &protocol.ChannelAnnounce{Channels: []protocol.ChannelDef{
		{Name: "guitar", Volume: -10},
		{Name: "vox"},
	}})

	msgs := epB.drain()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].UserInfoChange)
	records := msgs[0].UserInfoChange.Records
	require.Len(t, records, 2)
	assert.Equal(t, "guitar", records[0].Name)
	assert.Equal(t, int16(-10), records[0].Volume)
	assert.Equal(t, "vox", records[1].Name)
	assert.Empty(t, epA.drain(), "announcer gets no echo")

	// Identical announce is a no-op.
	a.handleChannelAnnounce(g, &protocol.ChannelAnnounce{Channels: []protocol.ChannelDef{
		{Name: "guitar", Volume: -10},
		{Name: "vox"},
	}})
	assert.Empty(t, epB.drain())

	// Shrinking deactivates the dropped slot.
	a.handleChannelAnnounce(g, &protocol.ChannelAnnounce{Channels: []protocol.ChannelDef{
		{Name: "guitar", Volume: -10},
	}})
	msgs = epB.drain()
	require.Len(t, msgs, 1)
	records = msgs[0].UserInfoChange.Records
	require.Len(t, records, 1)
	assert.False(t, records[0].Active)
	assert.Equal(t, uint8(1), records[0].Index)
}

func TestSubscribeMaskUpsert(t *testing.T) {
	g := newTestGroup(t, anonOracle(auth.PrivDefault))
	_, c := loginAnon(t, g, "1.2.3.4:1000", "anonymous:al")

	c.handleSubscribeMask(&protocol.SubscribeMask{Entries: []protocol.SubscribeEntry{
		{Username: "bo", Mask: 1},
	}})
	mask, ok := c.subscriptionMask("BO")
	require.True(t, ok)
	assert.Equal(t, uint32(1), mask)

	// Overwrite.
	c.handleSubscribeMask(&protocol.SubscribeMask{Entries: []protocol.SubscribeEntry{
		{Username: "BO", Mask: 3},
	}})
	mask, _ = c.subscriptionMask("bo")
	assert.Equal(t, uint32(3), mask)
	require.Len(t, c.subs, 1)

	// Zero mask for an absent peer is a no-op.
	c.handleSubscribeMask(&protocol.SubscribeMask{Entries: []protocol.SubscribeEntry{
		{Username: "nobody", Mask: 0},
	}})
	require.Len(t, c.subs, 1)

	// Zero mask removes.
	c.handleSubscribeMask(&protocol.SubscribeMask{Entries: []protocol.SubscribeEntry{
		{Username: "bo", Mask: 0},
	}})
	_, ok = c.subscriptionMask("bo")
	assert.False(t, ok)
}

func TestParseTempoArg(t *testing.T) {
	assert.Equal(t, 120, parseTempoArg("120"))
	assert.Equal(t, 120, parseTempoArg(" 120 fast"))
	assert.Equal(t, 0, parseTempoArg("fast"))
	assert.Equal(t, 0, parseTempoArg(""))
	assert.Equal(t, -5, parseTempoArg("-5"))
}
