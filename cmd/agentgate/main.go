// Agentgate is the gateway binary: it mediates autonomous agents' access to
// third-party services, parking every write in a human approval queue.
//
// All configuration is loaded from environment variables.
//
// Optional environment variables:
//
//	PORT                            - listen port (default: 3050)
//	AGENTGATE_DATA_DIR              - SQLite data directory (default: ~/.agentgate)
//	AGENTGATE_MASTER_KEY            - 64-hex-char key for credential encryption at rest
//	AGENTGATE_DENYLIST_FILE         - YAML file replacing the built-in blocked paths
//	AGENTGATE_WEBHOOK_TIMEOUT_MS    - outbound agent webhook timeout (default: 10000)
//	AGENTGATE_MATRIX_HOMESERVER     - Matrix homeserver for admin notices
//	AGENTGATE_MATRIX_USER_ID        - Matrix user the notices are sent as
//	AGENTGATE_MATRIX_TOKEN          - Matrix access token
//	AGENTGATE_MATRIX_ROOM           - room ID the notices go to
//	AGENTGATE_LOG_LEVEL             - "debug", "info", "warn", "error" (default: "info")
//	AGENTGATE_LOG_FORMAT            - "text" or "json" (default: "text")
package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/agentgate/agentgate/common/environment"
	"github.com/agentgate/agentgate/internal/gate/app"
)

func main() {
	cfg := &app.Config{
		DataDir:        environment.StringOr("AGENTGATE_DATA_DIR", defaultDataDir()),
		Port:           environment.IntOr("PORT", 3050),
		MasterKeyHex:   os.Getenv("AGENTGATE_MASTER_KEY"),
		DenylistFile:   os.Getenv("AGENTGATE_DENYLIST_FILE"),
		WebhookTimeout: time.Duration(environment.IntOr("AGENTGATE_WEBHOOK_TIMEOUT_MS", 10000)) * time.Millisecond,
		Matrix: app.MatrixConfig{
			Homeserver:  os.Getenv("AGENTGATE_MATRIX_HOMESERVER"),
			UserID:      os.Getenv("AGENTGATE_MATRIX_USER_ID"),
			AccessToken: os.Getenv("AGENTGATE_MATRIX_TOKEN"),
			RoomID:      os.Getenv("AGENTGATE_MATRIX_ROOM"),
		},
		LogLevel:  environment.StringOr("AGENTGATE_LOG_LEVEL", "info"),
		LogFormat: environment.StringOr("AGENTGATE_LOG_FORMAT", "text"),
	}

	gate, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize agentgate", "err", err)
		os.Exit(1)
	}
	if err := gate.Run(); err != nil {
		slog.Error("agentgate exited with error", "err", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentgate"
	}
	return filepath.Join(home, ".agentgate")
}
