package feishu

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/metabot/internal/agent"
)

// maxCardText bounds the response body inside a card; Feishu rejects
// oversized card payloads.
const maxCardText = 4000

// statusHeader maps a task status to the card header title and template.
func statusHeader(state *agent.CardState) (title, template string) {
	switch state.Status {
	case agent.StatusThinking:
		return "🤔 Thinking...", "blue"
	case agent.StatusRunning:
		return "⚙️ Working...", "blue"
	case agent.StatusWaitingForInput:
		return "❓ Waiting for your answer", "orange"
	case agent.StatusComplete:
		return "✅ Done", "green"
	case agent.StatusError:
		return "❌ Failed", "red"
	default:
		return "⚙️ Working...", "blue"
	}
}

// buildCard renders a task card as Feishu card JSON.
func buildCard(state *agent.CardState) (string, error) {
	title, template := statusHeader(state)

	var elements []map[string]any
	addMD := func(text string) {
		elements = append(elements, map[string]any{
			"tag":     "markdown",
			"content": text,
		})
	}

	if state.UserPrompt != "" {
		addMD("**Request**\n" + quote(clip(state.UserPrompt, 500)))
	}

	if len(state.ToolCalls) > 0 {
		var sb strings.Builder
		for _, call := range state.ToolCalls {
			mark := "⏳"
			if call.Status == agent.ToolDone {
				mark = "✅"
			}
			sb.WriteString(mark)
			sb.WriteByte(' ')
			sb.WriteString(call.Name)
			if call.Detail != "" {
				sb.WriteString(" `")
				sb.WriteString(call.Detail)
				sb.WriteString("`")
			}
			sb.WriteByte('\n')
		}
		elements = append(elements, map[string]any{"tag": "hr"})
		addMD(strings.TrimRight(sb.String(), "\n"))
	}

	if state.ResponseText != "" {
		elements = append(elements, map[string]any{"tag": "hr"})
		addMD(clip(state.ResponseText, maxCardText))
	}

	if state.Status == agent.StatusError && state.ErrorMessage != "" {
		elements = append(elements, map[string]any{"tag": "hr"})
		addMD("**Error**\n" + clip(state.ErrorMessage, 1000))
	}

	if pq := state.PendingQuestion; pq != nil {
		elements = append(elements, map[string]any{"tag": "hr"})
		addMD(renderQuestions(pq))
	}

	if state.Status.Terminal() && (state.CostUSD > 0 || state.DurationMS > 0) {
		elements = append(elements, map[string]any{
			"tag": "note",
			"elements": []map[string]any{{
				"tag":     "plain_text",
				"content": fmt.Sprintf("💰 $%.4f · ⏱ %.1fs", state.CostUSD, float64(state.DurationMS)/1000),
			}},
		})
	}

	card := map[string]any{
		"schema": "2.0",
		"config": map[string]any{
			"wide_screen_mode": true,
			"update_multi":     true,
		},
		"header": map[string]any{
			"template": template,
			"title":    map[string]any{"tag": "plain_text", "content": title},
		},
		"body": map[string]any{"elements": elements},
	}

	data, err := json.Marshal(card)
	if err != nil {
		return "", fmt.Errorf("marshal card: %w", err)
	}
	return string(data), nil
}

// renderQuestions formats the pending questions with numbered options.
func renderQuestions(pq *agent.PendingQuestion) string {
	var sb strings.Builder
	for _, q := range pq.Questions {
		if q.Header != "" {
			fmt.Fprintf(&sb, "**%s**\n", q.Header)
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
		sb.WriteByte('\n')
	}
	sb.WriteString("Reply with an option number or plain text. Continues on its own after 5 minutes.")
	return sb.String()
}

// buildNoticeCard renders a short themed notice card.
func buildNoticeCard(title, content, color string) (string, error) {
	card := map[string]any{
		"schema": "2.0",
		"header": map[string]any{
			"template": noticeTemplate(color),
			"title":    map[string]any{"tag": "plain_text", "content": title},
		},
		"body": map[string]any{
			"elements": []map[string]any{{
				"tag":     "markdown",
				"content": content,
			}},
		},
	}
	data, err := json.Marshal(card)
	if err != nil {
		return "", fmt.Errorf("marshal notice card: %w", err)
	}
	return string(data), nil
}

func noticeTemplate(color string) string {
	switch color {
	case "green", "orange", "red", "blue":
		return color
	default:
		return "blue"
	}
}

func quote(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}
