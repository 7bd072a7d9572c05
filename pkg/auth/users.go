package auth

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openjam/jamd/pkg/crypto"
)

// UserEntry is one user record in the users YAML file.
type UserEntry struct {
	Name       string   `yaml:"name"`
	Password   string   `yaml:"password"`
	Privileges []string `yaml:"privileges,omitempty"` // default: chat
}

// UsersFile is the top-level users YAML config.
type UsersFile struct {
	// Anonymous admits unknown usernames as anonymous sessions.
	Anonymous bool `yaml:"anonymous"`

	// AnonymousPrivileges applies to anonymous sessions (default: chat).
	AnonymousPrivileges []string `yaml:"anonymous_privileges,omitempty"`

	Users []UserEntry `yaml:"users,omitempty"`
}

// FileOracle is an Oracle backed by a users YAML file, resolved fully at
// load time. Lookup is case-insensitive on the configured name.
type FileOracle struct {
	users     map[string]Credentials // lowercased name -> creds
	anonymous bool
	anonPrivs Privilege
}

// LoadUsers reads and resolves a users YAML file.
func LoadUsers(path string) (*FileOracle, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from server config
	if err != nil {
		return nil, fmt.Errorf("auth: read users file: %w", err)
	}
	var uf UsersFile
	if err := yaml.Unmarshal(data, &uf); err != nil {
		return nil, fmt.Errorf("auth: parse users file: %w", err)
	}
	return NewFileOracle(uf)
}

// NewFileOracle resolves a parsed users config into an oracle.
func NewFileOracle(uf UsersFile) (*FileOracle, error) {
	anonPrivs, err := ParsePrivileges(uf.AnonymousPrivileges)
	if err != nil {
		return nil, err
	}
	o := &FileOracle{
		users:     make(map[string]Credentials, len(uf.Users)),
		anonymous: uf.Anonymous,
		anonPrivs: anonPrivs,
	}
	for _, u := range uf.Users {
		if u.Name == "" {
			return nil, fmt.Errorf("auth: user entry with empty name")
		}
		privs, err := ParsePrivileges(u.Privileges)
		if err != nil {
			return nil, fmt.Errorf("auth: user %q: %w", u.Name, err)
		}
		key := strings.ToLower(u.Name)
		if _, dup := o.users[key]; dup {
			return nil, fmt.Errorf("auth: duplicate user %q", u.Name)
		}
		o.users[key] = Credentials{
			Secret:     crypto.UserSecret(u.Name, u.Password),
			Privileges: privs,
		}
	}
	return o, nil
}

// Lookup implements Oracle. Named users match case-insensitively; any
// other username is admitted as anonymous when enabled.
func (o *FileOracle) Lookup(username string) (Credentials, bool) {
	if creds, ok := o.users[strings.ToLower(username)]; ok {
		return creds, true
	}
	if o.anonymous {
		return Credentials{Anonymous: true, Privileges: o.anonPrivs}, true
	}
	return Credentials{}, false
}
