// Package channels defines the platform sender contract the bridge renders
// through, and the normalized inbound message shape platform adapters
// produce. Implementations live in the feishu and telegram subpackages.
package channels

import (
	"context"

	"github.com/nextlevelbuilder/metabot/internal/agent"
)

// Notice colors map onto whatever theming the platform offers.
const (
	ColorBlue   = "blue"
	ColorGreen  = "green"
	ColorOrange = "orange"
	ColorRed    = "red"
)

// IncomingMessage is a normalized inbound chat message. Immutable.
type IncomingMessage struct {
	MessageID string
	ChatID    string
	ChatType  string // "p2p" or "group"
	UserID    string
	Text      string
	ImageKey  string
	FileKey   string
	FileName  string
}

// HasAttachment reports whether the message carries an image or file.
func (m IncomingMessage) HasAttachment() bool {
	return m.ImageKey != "" || m.FileKey != ""
}

// Sender renders card state into platform-native messages and moves files
// in and out of the platform. All methods may block on network IO.
type Sender interface {
	// SendCard creates a new card rendering state and returns an
	// identifier usable with UpdateCard.
	SendCard(ctx context.Context, chatID string, state *agent.CardState) (string, error)

	// UpdateCard re-renders an existing card. Implementations must treat
	// the platform's "not modified" response as success.
	UpdateCard(ctx context.Context, cardID string, state *agent.CardState) error

	// SendTextNotice sends a short themed notice.
	SendTextNotice(ctx context.Context, chatID, title, content, color string) error

	// SendText sends a plain text message.
	SendText(ctx context.Context, chatID, text string) error

	// SendImageFile uploads and sends a local image.
	SendImageFile(ctx context.Context, chatID, path string) error

	// SendLocalFile uploads and sends a local file under the given name.
	SendLocalFile(ctx context.Context, chatID, path, name string) error

	// DownloadImage fetches a user-sent image attachment to savePath.
	DownloadImage(ctx context.Context, messageID, imageKey, savePath string) error

	// DownloadFile fetches a user-sent file attachment to savePath.
	DownloadFile(ctx context.Context, messageID, fileKey, savePath string) error
}
