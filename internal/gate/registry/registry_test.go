package registry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentgate/agentgate/internal/gate/registry"
)

func TestLookup_KnownServices(t *testing.T) {
	cases := []struct {
		key      string
		dbKey    string
		writable bool
		category registry.Category
	}{
		{"github", "github", true, registry.CategoryCode},
		{"bluesky", "bluesky", true, registry.CategorySocial},
		{"calendar", "google_calendar", true, registry.CategoryPersonal},
		{"jira", "jira", true, registry.CategoryCode},
		{"brave", "brave", false, registry.CategorySearch},
		{"google_search", "google_search", false, registry.CategorySearch},
	}
	for _, tc := range cases {
		s, ok := registry.Lookup(tc.key)
		if !ok {
			t.Errorf("Lookup(%q): not found", tc.key)
			continue
		}
		if s.DBKey != tc.dbKey || s.Writable != tc.writable || s.Category != tc.category {
			t.Errorf("Lookup(%q) = {dbKey:%s writable:%v cat:%s}, want {%s %v %s}",
				tc.key, s.DBKey, s.Writable, s.Category, tc.dbKey, tc.writable, tc.category)
		}
	}

	if _, ok := registry.Lookup("myspace"); ok {
		t.Error("Lookup(myspace): expected not found")
	}
	// Lookup is by public key, not DBKey.
	if _, ok := registry.Lookup("GitHub"); !ok {
		t.Error("Lookup is case-insensitive on the public key")
	}
}

func TestWritable_NineServices(t *testing.T) {
	w := registry.Writable()
	if len(w) != 9 {
		t.Fatalf("expected 9 writable services, got %d: %v", len(w), w)
	}
	for _, key := range w {
		if key == "brave" || key == "google_search" {
			t.Errorf("read-only service %q listed as writable", key)
		}
	}
}

func TestBaseURL_InstanceScoped(t *testing.T) {
	mastodon, _ := registry.Lookup("mastodon")
	if _, err := mastodon.BaseURL(nil); err == nil {
		t.Error("mastodon base URL without instance: expected error")
	}
	u, err := mastodon.BaseURL(map[string]string{"instance": "hachyderm.io/"})
	if err != nil {
		t.Fatalf("mastodon BaseURL: %v", err)
	}
	if u != "https://hachyderm.io" {
		t.Errorf("unexpected mastodon base: %q", u)
	}

	jira, _ := registry.Lookup("jira")
	u, err = jira.BaseURL(map[string]string{"domain": "example.atlassian.net"})
	if err != nil {
		t.Fatalf("jira BaseURL: %v", err)
	}
	if u != "https://example.atlassian.net/rest/api/3" {
		t.Errorf("unexpected jira base: %q", u)
	}

	github, _ := registry.Lookup("github")
	u, err = github.BaseURL(nil)
	if err != nil || u != "https://api.github.com" {
		t.Errorf("github BaseURL = %q, %v", u, err)
	}
}

func TestDenylist_Defaults(t *testing.T) {
	d := registry.DefaultDenylist()

	blocked := []struct{ service, path string }{
		{"github", "/user/emails"},
		{"reddit", "/message/inbox"},
		{"mastodon", "/api/v1/conversations"},
		{"bluesky", "/chat.bsky.convo.listConvos"},
	}
	for _, b := range blocked {
		if !d.Blocked(b.service, b.path) {
			t.Errorf("expected %s %s blocked", b.service, b.path)
		}
	}

	allowed := []struct{ service, path string }{
		{"github", "/repos/o/r/issues"},
		{"mastodon", "/api/v1/statuses"},
		{"calendar", "/calendars/primary/events"},
	}
	for _, a := range allowed {
		if d.Blocked(a.service, a.path) {
			t.Errorf("expected %s %s allowed", a.service, a.path)
		}
	}

	// Leading slash is normalized.
	if !d.Blocked("github", "user/emails") {
		t.Error("path without leading slash should still match")
	}
}

func TestDenylist_FileOverridesService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "denylist.yaml")
	content := "github:\n  - ^/repos/secret-org/\nreddit: []\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	d, err := registry.LoadDenylist(path)
	if err != nil {
		t.Fatalf("LoadDenylist: %v", err)
	}

	// github list replaced wholesale: old default gone, new pattern active.
	if d.Blocked("github", "/user/emails") {
		t.Error("default github pattern should be replaced by the file")
	}
	if !d.Blocked("github", "/repos/secret-org/x") {
		t.Error("file pattern should block")
	}
	// Empty list unblocks the service.
	if d.Blocked("reddit", "/message/inbox") {
		t.Error("empty list should unblock reddit")
	}
	// Services not named keep their defaults.
	if !d.Blocked("mastodon", "/api/v1/admin/accounts") {
		t.Error("mastodon defaults should survive")
	}
}

func TestDenylist_BadPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "denylist.yaml")
	if err := os.WriteFile(path, []byte("github:\n  - '['\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.LoadDenylist(path); err == nil {
		t.Error("expected compile error for invalid pattern")
	}
}
