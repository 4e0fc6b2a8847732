package feishu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nextlevelbuilder/metabot/internal/agent"
)

// larkStub mimics the token and IM endpoints.
type larkStub struct {
	tokenCalls  atomic.Int64
	sendCalls   atomic.Int64
	updateCalls atomic.Int64
	updateCode  int // non-zero error code returned by update
	updateMsg   string
}

func (s *larkStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+tokenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		s.tokenCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "tenant_access_token": "tok", "expire": 7200,
		})
	})
	mux.HandleFunc("POST /open-apis/im/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		s.sendCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			json.NewEncoder(w).Encode(map[string]any{"code": 99991663, "msg": "bad token"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "data": map[string]string{"message_id": "om_1"},
		})
	})
	mux.HandleFunc("PATCH /open-apis/im/v1/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.updateCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"code": s.updateCode, "msg": s.updateMsg})
	})
	return mux
}

func newStubClient(t *testing.T) (*Client, *larkStub) {
	t.Helper()
	stub := &larkStub{}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	return NewClient("app", "secret", srv.URL), stub
}

func TestSendMessageFetchesTokenOnce(t *testing.T) {
	client, stub := newStubClient(t)
	ctx := context.Background()

	for range 3 {
		msgID, err := client.SendMessage(ctx, "chat_id", "oc_1", "text", `{"text":"hi"}`)
		if err != nil {
			t.Fatal(err)
		}
		if msgID != "om_1" {
			t.Fatalf("message_id = %q", msgID)
		}
	}
	if got := stub.tokenCalls.Load(); got != 1 {
		t.Fatalf("token calls = %d, want 1", got)
	}
}

func TestUpdateCardSkipsUnchangedContent(t *testing.T) {
	client, stub := newStubClient(t)
	sender := NewSender(client)
	ctx := context.Background()

	state := &agent.CardState{Status: agent.StatusRunning, UserPrompt: "p"}
	if err := sender.UpdateCard(ctx, "om_1", state); err != nil {
		t.Fatal(err)
	}
	// Identical state renders identical content: no second PATCH.
	if err := sender.UpdateCard(ctx, "om_1", state); err != nil {
		t.Fatal(err)
	}
	if got := stub.updateCalls.Load(); got != 1 {
		t.Fatalf("update calls = %d, want 1", got)
	}

	state.ResponseText = "progress"
	if err := sender.UpdateCard(ctx, "om_1", state); err != nil {
		t.Fatal(err)
	}
	if got := stub.updateCalls.Load(); got != 2 {
		t.Fatalf("update calls = %d, want 2", got)
	}
}

func TestUpdateCardToleratesNotModified(t *testing.T) {
	client, stub := newStubClient(t)
	stub.updateCode = 230020
	stub.updateMsg = "card is not modified"
	sender := NewSender(client)

	err := sender.UpdateCard(context.Background(), "om_1",
		&agent.CardState{Status: agent.StatusRunning})
	if err != nil {
		t.Fatalf("not-modified treated as failure: %v", err)
	}
}

func TestUpdateCardPropagatesErrors(t *testing.T) {
	client, stub := newStubClient(t)
	stub.updateCode = 230099
	stub.updateMsg = "message has been recalled"
	sender := NewSender(client)

	err := sender.UpdateCard(context.Background(), "om_1",
		&agent.CardState{Status: agent.StatusRunning})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestReceiveIDType(t *testing.T) {
	tests := []struct{ id, want string }{
		{"oc_abc", "chat_id"},
		{"ou_abc", "open_id"},
		{"on_abc", "union_id"},
		{"whatever", "chat_id"},
	}
	for _, tt := range tests {
		if got := receiveIDType(tt.id); got != tt.want {
			t.Errorf("receiveIDType(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}
