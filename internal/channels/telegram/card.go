package telegram

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/metabot/internal/agent"
)

// maxMessageText is Telegram's message length limit.
const maxMessageText = 4096

// renderCard flattens a task card into one editable plain-text message.
// Telegram has no interactive cards, so the status line plays the role
// of the card header.
func renderCard(state *agent.CardState) string {
	var sb strings.Builder

	switch state.Status {
	case agent.StatusThinking:
		sb.WriteString("🤔 Thinking...")
	case agent.StatusWaitingForInput:
		sb.WriteString("❓ Waiting for your answer")
	case agent.StatusComplete:
		sb.WriteString("✅ Done")
	case agent.StatusError:
		sb.WriteString("❌ Failed")
	default:
		sb.WriteString("⚙️ Working...")
	}
	sb.WriteString("\n")

	if len(state.ToolCalls) > 0 {
		sb.WriteString("\n")
		for _, call := range state.ToolCalls {
			mark := "⏳"
			if call.Status == agent.ToolDone {
				mark = "✅"
			}
			sb.WriteString(mark)
			sb.WriteByte(' ')
			sb.WriteString(call.Name)
			if call.Detail != "" {
				sb.WriteString(" (")
				sb.WriteString(call.Detail)
				sb.WriteString(")")
			}
			sb.WriteByte('\n')
		}
	}

	if state.ResponseText != "" {
		sb.WriteString("\n")
		sb.WriteString(state.ResponseText)
		sb.WriteString("\n")
	}

	if state.Status == agent.StatusError && state.ErrorMessage != "" {
		sb.WriteString("\nError: ")
		sb.WriteString(state.ErrorMessage)
		sb.WriteString("\n")
	}

	if pq := state.PendingQuestion; pq != nil {
		sb.WriteString("\n")
		sb.WriteString(renderQuestions(pq))
		sb.WriteString("\n")
	}

	if state.Status.Terminal() && (state.CostUSD > 0 || state.DurationMS > 0) {
		fmt.Fprintf(&sb, "\n💰 $%.4f · ⏱ %.1fs", state.CostUSD, float64(state.DurationMS)/1000)
	}

	return clipMessage(strings.TrimRight(sb.String(), "\n"))
}

func renderQuestions(pq *agent.PendingQuestion) string {
	var sb strings.Builder
	for _, q := range pq.Questions {
		if q.Header != "" {
			sb.WriteString(q.Header)
			sb.WriteString(": ")
		}
		sb.WriteString(q.Question)
		sb.WriteByte('\n')
		for i, opt := range q.Options {
			fmt.Fprintf(&sb, "%d. %s", i+1, opt.Label)
			if opt.Description != "" {
				fmt.Fprintf(&sb, " — %s", opt.Description)
			}
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("Reply with an option number or plain text. Continues on its own after 5 minutes.")
	return sb.String()
}

// renderNotice formats a short notice. The color maps to a leading
// emoji since Telegram messages have no theming.
func renderNotice(title, content, color string) string {
	emoji := "ℹ️"
	switch color {
	case "green":
		emoji = "✅"
	case "orange":
		emoji = "⚠️"
	case "red":
		emoji = "❌"
	}
	if content == "" {
		return fmt.Sprintf("%s %s", emoji, title)
	}
	return clipMessage(fmt.Sprintf("%s %s\n%s", emoji, title, content))
}

// clipMessage trims text to Telegram's limit on a rune boundary.
func clipMessage(s string) string {
	if len(s) <= maxMessageText {
		return s
	}
	cut := maxMessageText - len("…")
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}
