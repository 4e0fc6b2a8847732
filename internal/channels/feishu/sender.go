package feishu

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/metabot/internal/agent"
	"github.com/nextlevelbuilder/metabot/internal/channels"
	"github.com/nextlevelbuilder/metabot/internal/outputs"
)

// Sender renders card state into Feishu interactive messages.
type Sender struct {
	client *Client

	// lastContent dedups card updates; re-sending identical card JSON
	// makes the platform answer "not modified", which must not count as
	// a failure.
	mu          sync.Mutex
	lastContent map[string][32]byte
}

// NewSender wraps a Client as a channels.Sender.
func NewSender(client *Client) *Sender {
	return &Sender{
		client:      client,
		lastContent: make(map[string][32]byte),
	}
}

var _ channels.Sender = (*Sender)(nil)

// Client exposes the underlying REST client, shared with the listener.
func (s *Sender) Client() *Client {
	return s.client
}

// SendCard creates a card message; the returned message id addresses
// later updates.
func (s *Sender) SendCard(ctx context.Context, chatID string, state *agent.CardState) (string, error) {
	content, err := buildCard(state)
	if err != nil {
		return "", err
	}
	msgID, err := s.client.SendMessage(ctx, receiveIDType(chatID), chatID, "interactive", content)
	if err != nil {
		return "", fmt.Errorf("feishu send card: %w", err)
	}
	s.remember(msgID, content)
	return msgID, nil
}

// UpdateCard re-renders the card in place. Unchanged content is skipped
// and "not modified" platform answers are treated as success.
func (s *Sender) UpdateCard(ctx context.Context, cardID string, state *agent.CardState) error {
	content, err := buildCard(state)
	if err != nil {
		return err
	}
	if !s.remember(cardID, content) {
		return nil
	}
	if err := s.client.UpdateMessage(ctx, cardID, content); err != nil {
		if strings.Contains(err.Error(), "not modified") {
			return nil
		}
		return fmt.Errorf("feishu update card: %w", err)
	}
	return nil
}

// remember records the content hash; reports whether it changed.
func (s *Sender) remember(cardID, content string) bool {
	sum := sha256.Sum256([]byte(content))
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.lastContent[cardID]; ok && prev == sum {
		return false
	}
	s.lastContent[cardID] = sum
	return true
}

// SendTextNotice sends a short themed notice card.
func (s *Sender) SendTextNotice(ctx context.Context, chatID, title, content, color string) error {
	card, err := buildNoticeCard(title, content, color)
	if err != nil {
		return err
	}
	if _, err := s.client.SendMessage(ctx, receiveIDType(chatID), chatID, "interactive", card); err != nil {
		return fmt.Errorf("feishu send notice: %w", err)
	}
	return nil
}

// SendText sends a plain text message.
func (s *Sender) SendText(ctx context.Context, chatID, text string) error {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	if _, err := s.client.SendMessage(ctx, receiveIDType(chatID), chatID, "text", string(content)); err != nil {
		return fmt.Errorf("feishu send text: %w", err)
	}
	return nil
}

// SendImageFile uploads a local image and sends it.
func (s *Sender) SendImageFile(ctx context.Context, chatID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	imageKey, err := s.client.UploadImage(ctx, bytes.NewReader(data))
	if err != nil {
		return err
	}
	content, _ := json.Marshal(map[string]string{"image_key": imageKey})
	if _, err := s.client.SendMessage(ctx, receiveIDType(chatID), chatID, "image", string(content)); err != nil {
		return fmt.Errorf("feishu send image: %w", err)
	}
	return nil
}

// SendLocalFile uploads a local file and sends it under name.
func (s *Sender) SendLocalFile(ctx context.Context, chatID, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	if name == "" {
		name = filepath.Base(path)
	}
	fileType := outputs.PlatformFileType(filepath.Ext(name))
	fileKey, err := s.client.UploadFile(ctx, f, name, fileType)
	if err != nil {
		return err
	}
	content, _ := json.Marshal(map[string]string{"file_key": fileKey})
	if _, err := s.client.SendMessage(ctx, receiveIDType(chatID), chatID, "file", string(content)); err != nil {
		return fmt.Errorf("feishu send file: %w", err)
	}
	return nil
}

// DownloadImage fetches a user-sent image to savePath.
func (s *Sender) DownloadImage(ctx context.Context, messageID, imageKey, savePath string) error {
	data, _, err := s.client.DownloadMessageResource(ctx, messageID, imageKey, "image")
	if err != nil {
		return err
	}
	return os.WriteFile(savePath, data, 0o600)
}

// DownloadFile fetches a user-sent file to savePath.
func (s *Sender) DownloadFile(ctx context.Context, messageID, fileKey, savePath string) error {
	data, _, err := s.client.DownloadMessageResource(ctx, messageID, fileKey, "file")
	if err != nil {
		return err
	}
	return os.WriteFile(savePath, data, 0o600)
}
