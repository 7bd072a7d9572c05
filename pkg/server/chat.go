package server

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/openjam/jamd/pkg/auth"
	"github.com/openjam/jamd/pkg/protocol"
)

// onChatMessage dispatches a chat message from an authenticated member.
// Unknown verbs are ignored.
func (g *Group) onChatMessage(c *UserConn, chat *protocol.Chat) {
	switch strings.ToUpper(chat.Param(0)) {
	case "MSG":
		g.chatBroadcast(c, chat.Param(2))
	case "PRIVMSG":
		g.chatPrivate(c, chat.Param(1), chat.Param(2))
	case "ADMIN":
		g.chatAdmin(c, chat.Param(1))
	}
}

func (g *Group) chatBroadcast(c *UserConn, text string) {
	if !c.privs.Has(auth.PrivChat) {
		c.send(protocol.NewChat("MSG", "", "No MSG permission"))
		return
	}
	g.metrics.ChatMessages.Add(1)
	g.broadcast(protocol.NewChat("MSG", c.username, text), nil)
}

func (g *Group) chatPrivate(c *UserConn, target, text string) {
	if !c.privs.Has(auth.PrivChat) {
		c.send(protocol.NewChat("MSG", "", "No PRIVMSG permission"))
		return
	}
	for _, u := range g.members {
		if u.authed && strings.EqualFold(u.username, target) {
			g.metrics.PrivateMessages.Add(1)
			u.send(protocol.NewChat("PRIVMSG", c.username, text))
			return
		}
	}
	c.send(protocol.NewChat("MSG", "", "No such user: "+target))
}

// chatAdmin parses and runs an administrative command. The sub-verb and
// its argument travel in a single parameter; a sub-verb without an
// argument is a usage error.
func (g *Group) chatAdmin(c *UserConn, command string) {
	switch verb, arg, ok := strings.Cut(command, " "); {
	case !ok:
		c.send(protocol.NewChat("MSG", "", "ADMIN requires valid parameter, i.e. topic, kick, bpm, bpi"))
	case strings.EqualFold(verb, "topic"):
		g.adminTopic(c, arg)
	case strings.EqualFold(verb, "kick"):
		g.adminKick(c, arg)
	case strings.EqualFold(verb, "bpm"):
		g.adminTempo(c, "BPM", arg)
	case strings.EqualFold(verb, "bpi"):
		g.adminTempo(c, "BPI", arg)
	default:
		c.send(protocol.NewChat("MSG", "", "ADMIN requires valid parameter, i.e. topic, kick, bpm, bpi"))
	}
}

func (g *Group) adminTopic(c *UserConn, text string) {
	if !c.privs.Has(auth.PrivTopic) {
		c.send(protocol.NewChat("MSG", "", "No TOPIC permission"))
		return
	}
	if text == "" {
		return
	}
	g.topic = text
	g.metrics.TopicChanges.Add(1)
	slog.Info("topic changed", "user", c.username, "topic", text)
	g.broadcast(protocol.NewChat("TOPIC", c.username, text), nil)
}

// adminKick disconnects every member matching the pattern. A trailing
// '*' makes it a prefix match, otherwise the match is exact and
// case-insensitive. The issuer is never kicked, but does count as a
// match, so "bob*" issued by bob still reports success.
func (g *Group) adminKick(c *UserConn, pattern string) {
	if !c.privs.Has(auth.PrivKick) {
		c.send(protocol.NewChat("MSG", "", "No KICK permission"))
		return
	}

	match := func(name string) bool { return strings.EqualFold(name, pattern) }
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		lower := strings.ToLower(prefix)
		match = func(name string) bool { return strings.HasPrefix(strings.ToLower(name), lower) }
	}

	matched := 0
	var victims []*UserConn
	for _, u := range g.members {
		if u.authed && match(u.username) {
			matched++
			if u != c {
				victims = append(victims, u)
			}
		}
	}
	if matched == 0 {
		c.send(protocol.NewChat("MSG", "", "User \""+pattern+"\" not found!"))
		return
	}
	for _, u := range victims {
		g.metrics.Kicks.Add(1)
		slog.Info("user kicked", "user", u.username, "by", c.username)
		g.broadcast(protocol.NewChat("MSG", "", "User "+u.username+" kicked by "+c.username), nil)
		// Flush the notice before the socket goes; reconcile announces
		// the departure once the endpoint reports closed.
		u.ep.CloseAfterSend()
	}
}

func (g *Group) adminTempo(c *UserConn, which, arg string) {
	if !c.privs.Has(auth.PrivTempo) {
		c.send(protocol.NewChat("MSG", "", "No BPM/BPI permission"))
		return
	}
	v := parseTempoArg(arg)
	switch which {
	case "BPM":
		if v < 20 || v > 400 {
			c.send(protocol.NewChat("MSG", "", "BPM parameter must be between 20 and 400"))
			return
		}
		g.bpm = v
	case "BPI":
		if v < 2 || v > 1024 {
			c.send(protocol.NewChat("MSG", "", "BPI parameter must be between 2 and 1024"))
			return
		}
		g.bpi = v
	}
	g.metrics.TempoChanges.Add(1)
	slog.Info("tempo changed", "user", c.username, "bpm", g.bpm, "bpi", g.bpi)
	g.broadcast(&protocol.Message{ConfigChange: &protocol.ConfigChange{BPM: g.bpm, BPI: g.bpi}}, nil)
	g.broadcast(protocol.NewChat("MSG", "", fmt.Sprintf("%s sets %s to %d", c.username, which, v)), nil)
}
