package registry

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Denylist blocks privacy-sensitive upstream paths (direct messages, admin
// endpoints) from the read proxy and the executor. Patterns are anchored
// regexes matched against the path with a leading slash.
type Denylist struct {
	patterns map[string][]*regexp.Regexp
}

// defaultPatterns are the compiled-in blocks per service key. A denylist
// file replaces a service's list wholesale when it names that service.
var defaultPatterns = map[string][]string{
	"github": {
		`^/user/emails`,
		`^/notifications`,
	},
	"bluesky": {
		`^/chat\.bsky\.`,
		`^/com\.atproto\.server\.`,
	},
	"reddit": {
		`^/message/`,
		`^/api/mod/`,
	},
	"mastodon": {
		`^/api/v1/conversations`,
		`^/api/v1/admin/`,
		`^/api/v1/dms`,
	},
	"linkedin": {
		`^/messages`,
	},
}

// DefaultDenylist compiles the built-in patterns.
func DefaultDenylist() *Denylist {
	d, err := compile(defaultPatterns)
	if err != nil {
		// Built-in patterns are constants; a compile failure is a bug.
		panic(err)
	}
	return d
}

// LoadDenylist reads a YAML file mapping service keys to pattern lists and
// merges it over the defaults. A service named in the file has its default
// list replaced; an empty list unblocks the service entirely.
func LoadDenylist(path string) (*Denylist, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read denylist file: %w", err)
	}
	var overrides map[string][]string
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse denylist file: %w", err)
	}

	merged := make(map[string][]string, len(defaultPatterns)+len(overrides))
	for k, v := range defaultPatterns {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[strings.ToLower(k)] = v
	}

	d, err := compile(merged)
	if err != nil {
		return nil, fmt.Errorf("denylist file %s: %w", path, err)
	}
	return d, nil
}

func compile(src map[string][]string) (*Denylist, error) {
	d := &Denylist{patterns: make(map[string][]*regexp.Regexp, len(src))}
	for service, pats := range src {
		for _, p := range pats {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("pattern %q for %s: %w", p, service, err)
			}
			d.patterns[service] = append(d.patterns[service], re)
		}
	}
	return d, nil
}

// Blocked reports whether the path is denied for the named service.
func (d *Denylist) Blocked(serviceKey, path string) bool {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	for _, re := range d.patterns[strings.ToLower(serviceKey)] {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
