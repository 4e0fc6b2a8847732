package telegram

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/metabot/internal/agent"
	"github.com/nextlevelbuilder/metabot/internal/channels"
)

// Sender delivers cards and files through the Telegram Bot API. Cards
// are plain messages edited in place.
type Sender struct {
	bot        *telego.Bot
	token      string
	httpClient *http.Client

	// lastContent dedups edits; Telegram rejects an edit that leaves the
	// message unchanged.
	mu          sync.Mutex
	lastContent map[string][32]byte
}

// NewSender wraps a bot as a channels.Sender. The token is needed to
// build file download URLs.
func NewSender(bot *telego.Bot, token string) *Sender {
	return &Sender{
		bot:         bot,
		token:       token,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		lastContent: make(map[string][32]byte),
	}
}

var _ channels.Sender = (*Sender)(nil)

// Bot exposes the underlying API client, shared with the listener.
func (s *Sender) Bot() *telego.Bot {
	return s.bot
}

// SendCard sends the task message. The returned card id encodes chat
// and message id for later edits.
func (s *Sender) SendCard(ctx context.Context, chatID string, state *agent.CardState) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	text := renderCard(state)
	msg, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(id), text))
	if err != nil {
		return "", fmt.Errorf("telegram send card: %w", err)
	}
	cardID := encodeCardID(id, msg.MessageID)
	s.remember(cardID, text)
	return cardID, nil
}

// UpdateCard edits the task message in place. Unchanged content is
// skipped and "message is not modified" answers count as success.
func (s *Sender) UpdateCard(ctx context.Context, cardID string, state *agent.CardState) error {
	chatID, messageID, err := decodeCardID(cardID)
	if err != nil {
		return err
	}
	text := renderCard(state)
	if !s.remember(cardID, text) {
		return nil
	}
	_, err = s.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      text,
	})
	if err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("telegram edit card: %w", err)
	}
	return nil
}

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

// SendTextNotice sends a short themed notice.
func (s *Sender) SendTextNotice(ctx context.Context, chatID, title, content, color string) error {
	return s.SendText(ctx, chatID, renderNotice(title, content, color))
}

// SendText sends a plain text message.
func (s *Sender) SendText(ctx context.Context, chatID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if _, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(id), clipMessage(text))); err != nil {
		return fmt.Errorf("telegram send text: %w", err)
	}
	return nil
}

// SendImageFile sends a local image as a photo.
func (s *Sender) SendImageFile(ctx context.Context, chatID, path string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	if _, err := s.bot.SendPhoto(ctx, tu.Photo(tu.ID(id), tu.File(f))); err != nil {
		return fmt.Errorf("telegram send photo: %w", err)
	}
	return nil
}

// SendLocalFile sends a local file as a document under name.
func (s *Sender) SendLocalFile(ctx context.Context, chatID, path, name string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	if name == "" {
		name = filepath.Base(path)
	}
	doc := tu.Document(tu.ID(id), tu.FileFromReader(f, name))
	if _, err := s.bot.SendDocument(ctx, doc); err != nil {
		return fmt.Errorf("telegram send document: %w", err)
	}
	return nil
}

// DownloadImage fetches a user-sent photo by file id. The message id is
// unused; Telegram addresses files directly.
func (s *Sender) DownloadImage(ctx context.Context, messageID, imageKey, savePath string) error {
	return s.downloadFile(ctx, imageKey, savePath)
}

// DownloadFile fetches a user-sent document by file id.
func (s *Sender) DownloadFile(ctx context.Context, messageID, fileKey, savePath string) error {
	return s.downloadFile(ctx, fileKey, savePath)
}

func (s *Sender) downloadFile(ctx context.Context, fileID, savePath string) error {
	file, err := s.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return fmt.Errorf("telegram get file: %w", err)
	}
	if file.FilePath == "" {
		return fmt.Errorf("telegram file %s has no path", fileID)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", s.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram download: status %d", resp.StatusCode)
	}

	out, err := os.Create(savePath)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("telegram save download: %w", err)
	}
	return nil
}

func encodeCardID(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

func decodeCardID(cardID string) (int64, int, error) {
	chatPart, msgPart, ok := strings.Cut(cardID, ":")
	if !ok {
		return 0, 0, fmt.Errorf("bad card id %q", cardID)
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad card id %q: %w", cardID, err)
	}
	messageID, err := strconv.Atoi(msgPart)
	if err != nil {
		return 0, 0, fmt.Errorf("bad card id %q: %w", cardID, err)
	}
	return chatID, messageID, nil
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}
