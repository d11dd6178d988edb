// Package registry holds the fixed table of upstream services the gateway
// fronts. Service keys are stable identifiers: renaming one requires a data
// migration, so the table is compiled in and append-only.
package registry

import (
	"fmt"
	"strings"
)

// Category groups services for the per-category tool surface.
type Category string

const (
	CategoryCode     Category = "code"
	CategorySocial   Category = "social"
	CategoryPersonal Category = "personal"
	CategorySearch   Category = "search"
)

// AuthStyle selects how a credential becomes request authorization.
type AuthStyle int

const (
	// AuthBearer sends "Authorization: Bearer <token>".
	AuthBearer AuthStyle = iota
	// AuthBasic sends "Authorization: Basic <base64(user:secret)>".
	AuthBasic
	// AuthAppPassword exchanges an app password for a short-lived session
	// token, then sends it as bearer.
	AuthAppPassword
	// AuthHeader sends the token in a service-specific header.
	AuthHeader
	// AuthQuery appends the token as a query parameter.
	AuthQuery
)

// Service describes one upstream in the fixed registry.
type Service struct {
	// Key is the public identifier used in URLs and tool arguments.
	Key string
	// DBKey is the identifier credential and policy rows are stored under.
	// Usually equal to Key; "calendar" maps to "google_calendar".
	DBKey string
	Category Category
	// Writable services accept queue submissions. The rest are read-only.
	Writable bool
	Auth     AuthStyle
	// AuthHeaderName names the header for AuthHeader services.
	AuthHeaderName string
	// AuthQueryParam names the query parameter for AuthQuery services.
	AuthQueryParam string
	// baseURL builds the upstream base from credential data; most services
	// ignore the data, instance-scoped ones (mastodon, jira) read it.
	baseURL func(data map[string]string) (string, error)
}

// BaseURL returns the upstream base URL for this service given the
// credential's data bag.
func (s *Service) BaseURL(data map[string]string) (string, error) {
	return s.baseURL(data)
}

func fixed(url string) func(map[string]string) (string, error) {
	return func(map[string]string) (string, error) { return url, nil }
}

var services = []*Service{
	{
		Key: "github", DBKey: "github", Category: CategoryCode, Writable: true,
		Auth:    AuthBearer,
		baseURL: fixed("https://api.github.com"),
	},
	{
		Key: "bluesky", DBKey: "bluesky", Category: CategorySocial, Writable: true,
		Auth:    AuthAppPassword,
		baseURL: fixed("https://bsky.social/xrpc"),
	},
	{
		Key: "reddit", DBKey: "reddit", Category: CategorySocial, Writable: true,
		Auth:    AuthBearer,
		baseURL: fixed("https://oauth.reddit.com"),
	},
	{
		Key: "mastodon", DBKey: "mastodon", Category: CategorySocial, Writable: true,
		Auth: AuthBearer,
		baseURL: func(data map[string]string) (string, error) {
			instance := strings.TrimSuffix(data["instance"], "/")
			if instance == "" {
				return "", fmt.Errorf("mastodon credential has no instance")
			}
			if !strings.Contains(instance, "://") {
				instance = "https://" + instance
			}
			return instance, nil
		},
	},
	{
		Key: "calendar", DBKey: "google_calendar", Category: CategoryPersonal, Writable: true,
		Auth:    AuthBearer,
		baseURL: fixed("https://www.googleapis.com/calendar/v3"),
	},
	{
		Key: "youtube", DBKey: "youtube", Category: CategorySocial, Writable: true,
		Auth:    AuthBearer,
		baseURL: fixed("https://www.googleapis.com/youtube/v3"),
	},
	{
		Key: "linkedin", DBKey: "linkedin", Category: CategorySocial, Writable: true,
		Auth:    AuthBearer,
		baseURL: fixed("https://api.linkedin.com/v2"),
	},
	{
		Key: "jira", DBKey: "jira", Category: CategoryCode, Writable: true,
		Auth: AuthBasic,
		baseURL: func(data map[string]string) (string, error) {
			domain := strings.TrimSuffix(data["domain"], "/")
			if domain == "" {
				return "", fmt.Errorf("jira credential has no domain")
			}
			if !strings.Contains(domain, "://") {
				domain = "https://" + domain
			}
			return domain + "/rest/api/3", nil
		},
	},
	{
		Key: "fitbit", DBKey: "fitbit", Category: CategoryPersonal, Writable: true,
		Auth:    AuthBearer,
		baseURL: fixed("https://api.fitbit.com"),
	},
	{
		Key: "brave", DBKey: "brave", Category: CategorySearch, Writable: false,
		Auth: AuthHeader, AuthHeaderName: "X-Subscription-Token",
		baseURL: fixed("https://api.search.brave.com/res/v1"),
	},
	{
		Key: "google_search", DBKey: "google_search", Category: CategorySearch, Writable: false,
		Auth: AuthQuery, AuthQueryParam: "key",
		baseURL: fixed("https://www.googleapis.com/customsearch/v1"),
	},
}

var byKey = func() map[string]*Service {
	m := make(map[string]*Service, len(services))
	for _, s := range services {
		m[s.Key] = s
	}
	return m
}()

// Lookup resolves a public service key. It does not resolve DBKeys: callers
// translate "calendar" once at the boundary and use the DBKey internally.
func Lookup(key string) (*Service, bool) {
	s, ok := byKey[strings.ToLower(key)]
	return s, ok
}

// All returns every registered service in declaration order.
func All() []*Service {
	out := make([]*Service, len(services))
	copy(out, services)
	return out
}

// Writable returns the public keys of write-capable services.
func Writable() []string {
	var keys []string
	for _, s := range services {
		if s.Writable {
			keys = append(keys, s.Key)
		}
	}
	return keys
}

// ByCategory returns the services in the given category.
func ByCategory(c Category) []*Service {
	var out []*Service
	for _, s := range services {
		if s.Category == c {
			out = append(out, s)
		}
	}
	return out
}

// Categories returns every category in a stable order.
func Categories() []Category {
	return []Category{CategorySearch, CategorySocial, CategoryCode, CategoryPersonal}
}
