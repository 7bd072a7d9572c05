package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrivileges(t *testing.T) {
	p, err := ParsePrivileges(nil)
	require.NoError(t, err)
	assert.Equal(t, PrivDefault, p)

	p, err = ParsePrivileges([]string{"chat", "kick"})
	require.NoError(t, err)
	assert.True(t, p.Has(PrivChat))
	assert.True(t, p.Has(PrivKick))
	assert.False(t, p.Has(PrivTempo))

	p, err = ParsePrivileges([]string{"all"})
	require.NoError(t, err)
	assert.Equal(t, PrivAll, p)

	_, err = ParsePrivileges([]string{"fly"})
	assert.Error(t, err)
}

func TestPrivilegeNames(t *testing.T) {
	p := PrivChat | PrivKick
	assert.Equal(t, []string{"chat", "kick"}, p.Names())
}

func TestFileOracleLookup(t *testing.T) {
	o, err := NewFileOracle(UsersFile{
		Anonymous:           true,
		AnonymousPrivileges: []string{"chat"},
		Users: []UserEntry{
			{Name: "Alice", Password: "pw", Privileges: []string{"all"}},
		},
	})
	require.NoError(t, err)

	creds, ok := o.Lookup("alice")
	require.True(t, ok, "lookup is case-insensitive")
	assert.False(t, creds.Anonymous)
	assert.Equal(t, PrivAll, creds.Privileges)
	assert.NotEmpty(t, creds.Secret)

	creds, ok = o.Lookup("stranger")
	require.True(t, ok)
	assert.True(t, creds.Anonymous)
	assert.Equal(t, PrivChat, creds.Privileges)
}

func TestFileOracleClosedServer(t *testing.T) {
	o, err := NewFileOracle(UsersFile{
		Users: []UserEntry{{Name: "alice", Password: "pw"}},
	})
	require.NoError(t, err)

	_, ok := o.Lookup("stranger")
	assert.False(t, ok)
}

func TestFileOracleRejectsBadRoster(t *testing.T) {
	_, err := NewFileOracle(UsersFile{Users: []UserEntry{{Password: "pw"}}})
	assert.Error(t, err)

	_, err = NewFileOracle(UsersFile{Users: []UserEntry{
		{Name: "alice", Password: "a"},
		{Name: "ALICE", Password: "b"},
	}})
	assert.Error(t, err)
}
