package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openjam/jamd/pkg/auth"
	"github.com/openjam/jamd/pkg/crypto"
	"github.com/openjam/jamd/pkg/protocol"
)

// fakeEndpoint is an in-memory Endpoint with queue semantics matching
// the wire implementation, minus the goroutines. CloseAfterSend closes
// immediately since everything queued is already recorded.
type fakeEndpoint struct {
	addr   string
	in     []*protocol.Message
	sent   []*protocol.Message
	status EndpointStatus
}

func newFakeEndpoint(addr string) *fakeEndpoint {
	return &fakeEndpoint{addr: addr}
}

func (f *fakeEndpoint) Send(msg *protocol.Message) {
	if f.status == StatusOK {
		f.sent = append(f.sent, msg)
	}
}

func (f *fakeEndpoint) Poll() *protocol.Message {
	if len(f.in) == 0 {
		return nil
	}
	msg := f.in[0]
	f.in = f.in[1:]
	return msg
}

func (f *fakeEndpoint) Status() EndpointStatus { return f.status }
func (f *fakeEndpoint) CloseAfterSend()        { f.status = StatusClosed }
func (f *fakeEndpoint) Terminate()             { f.status = StatusClosed }
func (f *fakeEndpoint) RemoteAddr() string     { return f.addr }

func (f *fakeEndpoint) push(msg *protocol.Message) { f.in = append(f.in, msg) }

// drain returns and clears everything sent so far.
func (f *fakeEndpoint) drain() []*protocol.Message {
	out := f.sent
	f.sent = nil
	return out
}

// anonOracle admits every username as anonymous with the given privileges.
func anonOracle(privs auth.Privilege) auth.Oracle {
	return auth.OracleFunc(func(string) (auth.Credentials, bool) {
		return auth.Credentials{Anonymous: true, Privileges: privs}, true
	})
}

// rosterOracle builds a FileOracle from user entries.
func rosterOracle(t *testing.T, users ...auth.UserEntry) auth.Oracle {
	t.Helper()
	o, err := auth.NewFileOracle(auth.UsersFile{Users: users})
	require.NoError(t, err)
	return o
}

func newTestGroup(t *testing.T, oracle auth.Oracle) *Group {
	t.Helper()
	return NewGroup(DefaultConfig(), oracle, NewMetrics())
}

func connect(t *testing.T, g *Group, addr string) *fakeEndpoint {
	t.Helper()
	ep := newFakeEndpoint(addr)
	require.NoError(t, g.AddConnection(ep, false))
	return ep
}

func memberFor(t *testing.T, g *Group, ep Endpoint) *UserConn {
	t.Helper()
	for _, c := range g.members {
		if c.ep == ep {
			return c
		}
	}
	t.Fatal("no member for endpoint")
	return nil
}

// loginAnon connects and authenticates an anonymous session, leaving the
// welcome sequence in the endpoint's sent queue.
func loginAnon(t *testing.T, g *Group, addr, requested string) (*fakeEndpoint, *UserConn) {
	t.Helper()
	ep := connect(t, g, addr)
	ep.drain() // challenge
	ep.push(&protocol.Message{AuthReply: &protocol.AuthReply{
		Username:      requested,
		ClientVersion: protocol.VersionCur,
	}})
	g.Tick()
	c := memberFor(t, g, ep)
	require.True(t, c.authed, "anonymous login from %s should succeed", addr)
	return ep, c
}

// loginNamed connects and authenticates a roster user with its password.
func loginNamed(t *testing.T, g *Group, addr, username, password string) (*fakeEndpoint, *UserConn) {
	t.Helper()
	ep := connect(t, g, addr)
	c := memberFor(t, g, ep)
	resp := crypto.AuthResponse(crypto.UserSecret(username, password), c.challenge)
	ep.drain() // challenge
	ep.push(&protocol.Message{AuthReply: &protocol.AuthReply{
		Username:      username,
		PassHash:      resp,
		ClientVersion: protocol.VersionCur,
	}})
	g.Tick()
	require.True(t, c.authed, "login for %q should succeed", username)
	return ep, c
}

// findChat returns the first chat message with the given verb, or nil.
func findChat(msgs []*protocol.Message, verb string) *protocol.Chat {
	for _, m := range msgs {
		if m.Chat != nil && m.Chat.Param(0) == verb {
			return m.Chat
		}
	}
	return nil
}

func countChats(msgs []*protocol.Message, verb string) int {
	n := 0
	for _, m := range msgs {
		if m.Chat != nil && m.Chat.Param(0) == verb {
			n++
		}
	}
	return n
}
