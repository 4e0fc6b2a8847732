package feishu

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/metabot/internal/channels"
)

// MessageEvent is the im.message.receive_v1 event payload.
type MessageEvent struct {
	Header struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string    `json:"message_id"`
			ChatID      string    `json:"chat_id"`
			ChatType    string    `json:"chat_type"` // "p2p" or "group"
			MessageType string    `json:"message_type"`
			Content     string    `json:"content"`
			Mentions    []mention `json:"mentions"`
		} `json:"message"`
	} `json:"event"`
}

type mention struct {
	Key string `json:"key"` // @_user_N placeholder in text content
	ID  struct {
		OpenID string `json:"open_id"`
	} `json:"id"`
	Name string `json:"name"`
}

// parseIncoming converts a message event into the platform-neutral
// shape. Returns nil for message types the bridge has no use for.
func parseIncoming(event *MessageEvent, botOpenID string) *channels.IncomingMessage {
	msg := &event.Event.Message

	in := &channels.IncomingMessage{
		MessageID: msg.MessageID,
		ChatID:    msg.ChatID,
		ChatType:  msg.ChatType,
		UserID:    event.Event.Sender.SenderID.OpenID,
	}

	switch msg.MessageType {
	case "text":
		var textMsg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(msg.Content), &textMsg); err != nil {
			in.Text = msg.Content
		} else {
			in.Text = textMsg.Text
		}
	case "post":
		in.Text = parsePostContent(msg.Content)
	case "image":
		var imageMsg struct {
			ImageKey string `json:"image_key"`
		}
		if err := json.Unmarshal([]byte(msg.Content), &imageMsg); err != nil {
			return nil
		}
		in.ImageKey = imageMsg.ImageKey
	case "file":
		var fileMsg struct {
			FileKey  string `json:"file_key"`
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal([]byte(msg.Content), &fileMsg); err != nil {
			return nil
		}
		in.FileKey = fileMsg.FileKey
		in.FileName = fileMsg.FileName
	default:
		return nil
	}

	in.Text = stripBotMention(in.Text, event, botOpenID)
	return in
}

// mentionsBot reports whether the bot appears in the event's mentions.
func mentionsBot(event *MessageEvent, botOpenID string) bool {
	if botOpenID == "" {
		return false
	}
	for _, m := range event.Event.Message.Mentions {
		if m.ID.OpenID == botOpenID {
			return true
		}
	}
	return false
}

// stripBotMention removes the bot's @_user_N placeholder from text.
func stripBotMention(text string, event *MessageEvent, botOpenID string) string {
	if botOpenID == "" {
		return strings.TrimSpace(text)
	}
	for _, m := range event.Event.Message.Mentions {
		if m.ID.OpenID == botOpenID && m.Key != "" {
			text = strings.ReplaceAll(text, m.Key, "")
		}
	}
	return strings.TrimSpace(text)
}

// parsePostContent flattens rich post content into markdown-ish text.
func parsePostContent(rawContent string) string {
	var post map[string]any
	if err := json.Unmarshal([]byte(rawContent), &post); err != nil {
		return rawContent
	}

	var langContent any
	for _, lang := range []string{"zh_cn", "en_us"} {
		if lc, ok := post[lang]; ok {
			langContent = lc
			break
		}
	}
	if langContent == nil {
		for _, v := range post {
			langContent = v
			break
		}
	}

	langMap, ok := langContent.(map[string]any)
	if !ok {
		return rawContent
	}
	contentArr, ok := langMap["content"].([]any)
	if !ok {
		return rawContent
	}

	var lines []string
	for _, para := range contentArr {
		paraArr, ok := para.([]any)
		if !ok {
			continue
		}
		var parts []string
		for _, elem := range paraArr {
			elemMap, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			tag, _ := elemMap["tag"].(string)
			switch tag {
			case "text", "md":
				if t, ok := elemMap["text"].(string); ok {
					parts = append(parts, t)
				}
			case "at":
				if name, ok := elemMap["user_name"].(string); ok {
					parts = append(parts, "@"+name)
				}
			case "a":
				href, _ := elemMap["href"].(string)
				text, _ := elemMap["text"].(string)
				if text != "" && href != "" {
					parts = append(parts, fmt.Sprintf("[%s](%s)", text, href))
				} else if href != "" {
					parts = append(parts, href)
				}
			case "img":
				parts = append(parts, "[image]")
			}
		}
		if len(parts) > 0 {
			lines = append(lines, strings.Join(parts, ""))
		}
	}
	return strings.Join(lines, "\n")
}
