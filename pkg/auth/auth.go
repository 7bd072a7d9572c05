// Package auth defines session privileges and the credential oracle
// consumed by the server core.
package auth

import (
	"fmt"
	"strings"
)

// Privilege is a server-assigned capability bitmask, resolved once at
// authentication time and immutable for the session.
type Privilege uint32

const (
	PrivTopic   Privilege = 1 << iota // may set the group topic
	PrivTempo                         // may change bpm/bpi
	PrivChat                          // may send chat and private messages
	PrivKick                          // may kick other members
	PrivReserve                       // exempt from the member capacity limit
)

// PrivAll grants every privilege.
const PrivAll = PrivTopic | PrivTempo | PrivChat | PrivKick | PrivReserve

// PrivDefault is what a user gets when the config names no privileges.
const PrivDefault = PrivChat

// Has reports whether all bits of q are set.
func (p Privilege) Has(q Privilege) bool {
	return p&q == q
}

// Names returns the set privilege names, in declaration order.
func (p Privilege) Names() []string {
	var out []string
	for _, e := range privNames {
		if p.Has(e.bit) {
			out = append(out, e.name)
		}
	}
	return out
}

var privNames = []struct {
	name string
	bit  Privilege
}{
	{"topic", PrivTopic},
	{"tempo", PrivTempo},
	{"chat", PrivChat},
	{"kick", PrivKick},
	{"reserve", PrivReserve},
}

// ParsePrivileges converts config privilege names to a bitmask. "all" is
// accepted as a shorthand. An empty list yields PrivDefault.
func ParsePrivileges(names []string) (Privilege, error) {
	if len(names) == 0 {
		return PrivDefault, nil
	}
	var p Privilege
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "all" {
			p |= PrivAll
			continue
		}
		found := false
		for _, e := range privNames {
			if e.name == n {
				p |= e.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("auth: unknown privilege %q", n)
		}
	}
	return p, nil
}

// Credentials is the oracle's answer for a known username.
type Credentials struct {
	// Secret is the password verification material. Unused when
	// Anonymous is set.
	Secret []byte

	// Anonymous marks the login as anonymous: no password check, and
	// the server synthesizes the session username.
	Anonymous bool

	Privileges Privilege
}

// Oracle looks up credentials by username. It is a pure lookup; the core
// owns no authentication state.
type Oracle interface {
	Lookup(username string) (Credentials, bool)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(username string) (Credentials, bool)

// Lookup implements Oracle.
func (f OracleFunc) Lookup(username string) (Credentials, bool) {
	return f(username)
}
