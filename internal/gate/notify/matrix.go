package notify

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Admin posts short operator-facing notices: queue submissions awaiting
// review, peer warnings, supervised messages awaiting approval.
// Implementations must not block the caller beyond a short timeout and must
// log failures rather than propagate them.
type Admin interface {
	Notice(ctx context.Context, text string)
}

// NoopAdmin is used when no admin channel is configured.
type NoopAdmin struct{}

// Notice does nothing.
func (NoopAdmin) Notice(context.Context, string) {}

// MatrixAdmin posts notices to a Matrix room. Send-only: it never syncs,
// so no sync store or background goroutine is needed.
type MatrixAdmin struct {
	client *mautrix.Client
	roomID id.RoomID
}

// NewMatrixAdmin connects a send-only Matrix client.
func NewMatrixAdmin(homeserver, userID, accessToken, roomID string) (*MatrixAdmin, error) {
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	return &MatrixAdmin{client: client, roomID: id.RoomID(roomID)}, nil
}

// Notice posts a notice event (less intrusive than a normal message).
func (m *MatrixAdmin) Notice(ctx context.Context, text string) {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	}
	if _, err := m.client.SendMessageEvent(ctx, m.roomID, event.EventMessage, &content); err != nil {
		slog.Warn("matrix admin notice failed", "room", m.roomID, "err", err)
	}
}
