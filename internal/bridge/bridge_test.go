package bridge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/metabot/internal/agent"
	"github.com/nextlevelbuilder/metabot/internal/channels"
	"github.com/nextlevelbuilder/metabot/internal/config"
	"github.com/nextlevelbuilder/metabot/internal/costs"
	"github.com/nextlevelbuilder/metabot/internal/metrics"
	"github.com/nextlevelbuilder/metabot/internal/outputs"
	"github.com/nextlevelbuilder/metabot/internal/sessions"
)

// fakeSender records everything the bridge sends.
type fakeSender struct {
	mu      sync.Mutex
	cards   []*agent.CardState // SendCard calls
	updates []*agent.CardState // UpdateCard calls
	notices []string           // "title: content"
	texts   []string
}

func (f *fakeSender) SendCard(_ context.Context, _ string, state *agent.CardState) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards = append(f.cards, state)
	return "card-1", nil
}

func (f *fakeSender) UpdateCard(_ context.Context, _ string, state *agent.CardState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, state)
	return nil
}

func (f *fakeSender) SendTextNotice(_ context.Context, _ string, title, content, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, title+": "+content)
	return nil
}

func (f *fakeSender) SendText(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) SendImageFile(context.Context, string, string) error  { return nil }
func (f *fakeSender) SendLocalFile(context.Context, string, string, string) error {
	return nil
}
func (f *fakeSender) DownloadImage(_ context.Context, _, _, savePath string) error {
	return os.WriteFile(savePath, []byte("img"), 0o600)
}
func (f *fakeSender) DownloadFile(_ context.Context, _, _, savePath string) error {
	return os.WriteFile(savePath, []byte("file"), 0o600)
}

func (f *fakeSender) lastUpdate() *agent.CardState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return nil
	}
	return f.updates[len(f.updates)-1]
}

func (f *fakeSender) noticeContaining(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notices {
		if strings.Contains(n, substr) {
			return true
		}
	}
	return false
}

// writeAgentScript creates a stub agent binary emitting the given script.
func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestBridge(t *testing.T, agentBin string) (*Bridge, *fakeSender) {
	t.Helper()
	dir := t.TempDir()
	sender := &fakeSender{}
	sess := sessions.NewManager(dir, filepath.Join(dir, "sessions.json"))
	b := New(Deps{
		Config: &config.BotConfig{
			Name:                    "testbot",
			Platform:                "telegram",
			Token:                   "t",
			DefaultWorkingDirectory: dir,
			DownloadsDir:            filepath.Join(dir, "downloads"),
		},
		Sender:   sender,
		Sessions: sess,
		Outputs:  outputs.NewManager(filepath.Join(dir, "outputs")),
		Costs:    costs.NewTracker(),
		Metrics:  metrics.NewDefaultRegistry(),
		AgentBin: agentBin,
	})
	t.Cleanup(b.Destroy)
	return b, sender
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

const happyScript = `
echo '{"type":"system","subtype":"init","session_id":"sess-1"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hello there"}]}}'
echo '{"type":"result","is_error":false,"result":"hello there","total_cost_usd":0.01,"duration_ms":5}'
`

func TestInteractiveTaskCompletes(t *testing.T) {
	b, sender := newTestBridge(t, writeAgentScript(t, happyScript))

	b.HandleMessage(context.Background(), channels.IncomingMessage{
		ChatID: "chat1", UserID: "u1", Text: "say hello",
	})

	waitFor(t, 5*time.Second, func() bool {
		final := sender.lastUpdate()
		return final != nil && final.Status == agent.StatusComplete
	})

	final := sender.lastUpdate()
	if final.ResponseText != "hello there" {
		t.Fatalf("response = %q", final.ResponseText)
	}
	waitFor(t, 2*time.Second, func() bool { return !b.IsBusy("chat1") })
	if sess := b.sessions.Get("chat1"); sess.SessionID != "sess-1" {
		t.Fatalf("session id = %q, want sess-1", sess.SessionID)
	}
}

func TestTaskEndsAtResult(t *testing.T) {
	// The agent hangs around after its result; the task must still finish
	// and free the chat instead of waiting out the idle timer.
	script := `
read prompt
echo '{"type":"system","subtype":"init","session_id":"sess-linger"}'
echo '{"type":"result","is_error":false,"result":"done","total_cost_usd":0,"duration_ms":1}'
read blocked
sleep 30
`
	b, sender := newTestBridge(t, writeAgentScript(t, script))

	b.HandleMessage(context.Background(), channels.IncomingMessage{
		ChatID: "c", UserID: "u", Text: "work",
	})

	waitFor(t, 3*time.Second, func() bool {
		final := sender.lastUpdate()
		return final != nil && final.Status == agent.StatusComplete
	})
	waitFor(t, 2*time.Second, func() bool { return !b.IsBusy("c") })
	if final := sender.lastUpdate(); final.ResponseText != "done" {
		t.Fatalf("response = %q", final.ResponseText)
	}
}

func TestQueueAndOverflow(t *testing.T) {
	// First line is the prompt; the sleep holds the task open while the
	// test piles on messages.
	script := `
read prompt
sleep 1
echo '{"type":"result","is_error":false,"result":"ok","total_cost_usd":0,"duration_ms":1}'
`
	b, sender := newTestBridge(t, writeAgentScript(t, script))

	ctx := context.Background()
	b.HandleMessage(ctx, channels.IncomingMessage{ChatID: "c", UserID: "u", Text: "first"})
	waitFor(t, 2*time.Second, func() bool { return b.IsBusy("c") })

	for i := 0; i < 5; i++ {
		b.HandleMessage(ctx, channels.IncomingMessage{ChatID: "c", UserID: "u", Text: "queued"})
	}
	b.HandleMessage(ctx, channels.IncomingMessage{ChatID: "c", UserID: "u", Text: "overflow"})

	if !sender.noticeContaining("Queued position #1") {
		t.Fatal("first queued message got no position notice")
	}
	if !sender.noticeContaining("Queue Full") {
		t.Fatal("sixth message should have been rejected")
	}

	// Everything drains: the running task plus 5 queued, one at a time.
	waitFor(t, 15*time.Second, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.running["c"] == nil && len(b.queues["c"]) == 0
	})
}

func TestStopAbortsTask(t *testing.T) {
	script := `
read prompt
read blocked
echo '{"type":"result","is_error":false,"result":"late","total_cost_usd":0,"duration_ms":1}'
`
	b, sender := newTestBridge(t, writeAgentScript(t, script))

	ctx := context.Background()
	b.HandleMessage(ctx, channels.IncomingMessage{ChatID: "c", UserID: "u", Text: "work"})
	waitFor(t, 2*time.Second, func() bool { return b.IsBusy("c") })

	b.HandleMessage(ctx, channels.IncomingMessage{ChatID: "c", UserID: "u", Text: "/stop"})

	waitFor(t, 5*time.Second, func() bool {
		final := sender.lastUpdate()
		return final != nil && final.Status == agent.StatusError
	})
	if final := sender.lastUpdate(); final.ErrorMessage != "Task was stopped" {
		t.Fatalf("error = %q, want task stopped", final.ErrorMessage)
	}
	if !sender.noticeContaining("Task Stopped") {
		t.Fatal("no stop notice sent")
	}
}

const questionScript = `
echo '{"type":"system","subtype":"init","session_id":"sess-q"}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu1","name":"AskUserQuestion","input":{"questions":[{"question":"Which env?","header":"Env","options":[{"label":"prod"},{"label":"staging"}],"multiSelect":false}]}}]}}'
read prompt
read answer
echo '{"type":"result","is_error":false,"result":"done","total_cost_usd":0,"duration_ms":1}'
`

func TestQuestionAnswerFlow(t *testing.T) {
	b, sender := newTestBridge(t, writeAgentScript(t, questionScript))

	ctx := context.Background()
	b.HandleMessage(ctx, channels.IncomingMessage{ChatID: "c", UserID: "u", Text: "deploy"})

	// The question card must be pushed promptly, not throttled away.
	waitFor(t, 5*time.Second, func() bool {
		final := sender.lastUpdate()
		return final != nil && final.Status == agent.StatusWaitingForInput
	})

	// Reply with the option ordinal; it resolves to the label.
	b.HandleMessage(ctx, channels.IncomingMessage{ChatID: "c", UserID: "u", Text: "1"})

	waitFor(t, 5*time.Second, func() bool {
		final := sender.lastUpdate()
		return final != nil && final.Status == agent.StatusComplete
	})
	if final := sender.lastUpdate(); final.ResponseText != "done" {
		t.Fatalf("response = %q", final.ResponseText)
	}
}

func TestAPITaskAutoAnswers(t *testing.T) {
	b, sender := newTestBridge(t, writeAgentScript(t, questionScript))

	res := b.ExecuteAPITask(context.Background(), APITaskOptions{
		ChatID: "api-chat", Prompt: "deploy", SendCards: false,
	})
	if !res.Success || res.Response != "done" {
		t.Fatalf("result = %+v", res)
	}
	if res.SessionID != "sess-q" {
		t.Fatalf("session = %q", res.SessionID)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.cards) != 0 || len(sender.updates) != 0 {
		t.Fatal("silent task must not send cards")
	}
}

func TestAPITaskRejectedWhenBusy(t *testing.T) {
	script := `
read prompt
sleep 1
echo '{"type":"result","is_error":false,"result":"ok","total_cost_usd":0,"duration_ms":1}'
`
	b, _ := newTestBridge(t, writeAgentScript(t, script))

	ctx := context.Background()
	b.HandleMessage(ctx, channels.IncomingMessage{ChatID: "c", UserID: "u", Text: "work"})
	waitFor(t, 2*time.Second, func() bool { return b.IsBusy("c") })

	res := b.ExecuteAPITask(ctx, APITaskOptions{ChatID: "c", Prompt: "more"})
	if res.Error == "" || !strings.Contains(res.Error, "busy") {
		t.Fatalf("expected busy error, got %+v", res)
	}
}

func TestUnauthorizedUserIgnored(t *testing.T) {
	b, sender := newTestBridge(t, writeAgentScript(t, happyScript))
	b.cfg.AuthorizedUserIDs = []string{"allowed"}

	b.HandleMessage(context.Background(), channels.IncomingMessage{
		ChatID: "c", UserID: "intruder", Text: "hi",
	})

	time.Sleep(100 * time.Millisecond)
	if b.IsBusy("c") {
		t.Fatal("unauthorized message must not start a task")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.cards) != 0 || len(sender.notices) != 0 {
		t.Fatal("unauthorized message must be silent")
	}
}

func TestAnswersJSON(t *testing.T) {
	pq := &agent.PendingQuestion{
		ToolUseID: "tu1",
		Questions: []agent.Question{{
			Question: "Which env?",
			Header:   "Env",
			Options:  []agent.Option{{Label: "prod"}, {Label: "staging"}},
		}},
	}

	tests := []struct {
		reply string
		want  string
	}{
		{"1", `{"answers":{"Env":"prod"}}`},
		{"2", `{"answers":{"Env":"staging"}}`},
		{" 2 ", `{"answers":{"Env":"staging"}}`},
		{"3", `{"answers":{"Env":"3"}}`},      // out of range stays literal
		{"use dev", `{"answers":{"Env":"use dev"}}`},
	}
	for _, tt := range tests {
		if got := answersJSON(pq, tt.reply); got != tt.want {
			t.Errorf("answersJSON(%q) = %s, want %s", tt.reply, got, tt.want)
		}
	}
}

func TestAnswersJSONHeaderFallback(t *testing.T) {
	pq := &agent.PendingQuestion{
		Questions: []agent.Question{{Question: "Proceed?"}},
	}
	if got := answersJSON(pq, "yes"); got != `{"answers":{"question_1":"yes"}}` {
		t.Fatalf("got %s", got)
	}
}

func TestSynthesizeFinalPrecedence(t *testing.T) {
	b := &Bridge{}

	tests := []struct {
		name                       string
		timedOut, idledOut, abort  bool
		text                       string
		wantStatus                 agent.Status
		wantError                  string
	}{
		{"timeout wins", true, true, true, "partial", agent.StatusError, "Task timed out (1 hour limit)"},
		{"idle", false, true, false, "partial", agent.StatusError, "Task aborted: no activity for 5 minutes"},
		{"stopped", false, false, true, "partial", agent.StatusError, "Task was stopped"},
		{"text salvages", false, false, false, "answer", agent.StatusComplete, ""},
		{"dead stream", false, false, false, "", agent.StatusError, "Claude session ended unexpectedly"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := agent.NewStreamProcessor("prompt")
			if tt.text != "" {
				p.Process(agent.TextEvent{Text: tt.text})
			}
			final := b.synthesizeFinal(p, nil, tt.timedOut, tt.idledOut, tt.abort)
			if final.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", final.Status, tt.wantStatus)
			}
			if final.ErrorMessage != tt.wantError {
				t.Fatalf("error = %q, want %q", final.ErrorMessage, tt.wantError)
			}
		})
	}
}

func TestTruncateText(t *testing.T) {
	if got := truncateText("short", 100); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("界", 100)
	got := truncateText(long, 10)
	if len(got) > 13 || !strings.HasSuffix(got, "...") {
		t.Fatalf("bad truncation: %q (len %d)", got, len(got))
	}
}
