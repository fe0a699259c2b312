// Package credentials loads connection secrets from standard locations.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Well-known sections.
const (
	SectionManager = "manager" // downstream websocket password
	SectionNATS    = "nats"
	SectionRedis   = "redis"
)

// Credentials holds secrets loaded from credentials.toml, one section per
// endpoint:
//
//	[manager]
//	password = "..."
//
//	[nats]
//	user = "bridge"
//	password = "..."
type Credentials struct {
	sections map[string]*Secret
}

// Secret holds the credentials of one endpoint.
type Secret struct {
	User     string `toml:"user"`
	Password string `toml:"password"`
	Token    string `toml:"token"`
}

// StandardPaths returns the standard credential file locations in order of priority
func StandardPaths() []string {
	paths := []string{"credentials.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "lovebridge", "credentials.toml"),
			filepath.Join(home, ".lovebridge", "credentials.toml"),
		)
	}
	return paths
}

// Load loads credentials from the first available standard location
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil // No credentials file found (not an error)
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions if file is readable by group or others.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		mode := info.Mode().Perm()
		// Credentials must be 0400 (owner read-only)
		if mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var raw map[string]*Secret
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, err
	}

	creds := &Credentials{sections: make(map[string]*Secret)}
	for key, s := range raw {
		if s == nil {
			continue
		}
		creds.sections[strings.ToLower(key)] = s
	}
	return creds, nil
}

// Section returns the secret for a section, or nil.
func (c *Credentials) Section(name string) *Secret {
	if c == nil {
		return nil
	}
	return c.sections[strings.ToLower(name)]
}

// Password returns the password for a section.
// Priority: [section] password > environment variable.
func (c *Credentials) Password(section string) string {
	if s := c.Section(section); s != nil && s.Password != "" {
		return s.Password
	}
	return os.Getenv(envVarForSection(section))
}

// User returns the user for a section, or empty.
func (c *Credentials) User(section string) string {
	if s := c.Section(section); s != nil {
		return s.User
	}
	return ""
}

// Token returns the token for a section.
// Priority: [section] token > <SECTION>_TOKEN environment variable.
func (c *Credentials) Token(section string) string {
	if s := c.Section(section); s != nil && s.Token != "" {
		return s.Token
	}
	return os.Getenv(strings.ToUpper(section) + "_TOKEN")
}

// envVarForSection returns the password environment variable for a section.
func envVarForSection(section string) string {
	switch section {
	case SectionManager:
		return "PROCESS_CONNECTION_PASS"
	default:
		return strings.ToUpper(strings.ReplaceAll(section, "-", "_")) + "_PASSWORD"
	}
}
