// Package version exposes build metadata injected at link time.
package version

// Set via -ldflags "-X .../common/version.Version=v1.2.3" and friends.
var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info renders the three fields as one banner string.
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
