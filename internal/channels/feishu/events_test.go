package feishu

import (
	"testing"
)

func textEvent(messageID, chatID, chatType, content string) *MessageEvent {
	ev := &MessageEvent{}
	ev.Header.EventType = "im.message.receive_v1"
	ev.Event.Sender.SenderID.OpenID = "ou_sender"
	ev.Event.Message.MessageID = messageID
	ev.Event.Message.ChatID = chatID
	ev.Event.Message.ChatType = chatType
	ev.Event.Message.MessageType = "text"
	ev.Event.Message.Content = content
	return ev
}

func TestParseIncomingText(t *testing.T) {
	ev := textEvent("m1", "oc_1", "p2p", `{"text":"hello"}`)
	msg := parseIncoming(ev, "")
	if msg == nil {
		t.Fatal("msg = nil")
	}
	if msg.Text != "hello" || msg.ChatID != "oc_1" || msg.UserID != "ou_sender" || msg.MessageID != "m1" {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.HasAttachment() {
		t.Fatal("text message reports attachment")
	}
}

func TestParseIncomingImage(t *testing.T) {
	ev := textEvent("m2", "oc_1", "p2p", `{"image_key":"img_k"}`)
	ev.Event.Message.MessageType = "image"
	msg := parseIncoming(ev, "")
	if msg == nil || msg.ImageKey != "img_k" || !msg.HasAttachment() {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestParseIncomingFile(t *testing.T) {
	ev := textEvent("m3", "oc_1", "p2p", `{"file_key":"f_k","file_name":"report.pdf"}`)
	ev.Event.Message.MessageType = "file"
	msg := parseIncoming(ev, "")
	if msg == nil || msg.FileKey != "f_k" || msg.FileName != "report.pdf" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestParseIncomingUnsupportedType(t *testing.T) {
	ev := textEvent("m4", "oc_1", "p2p", `{}`)
	ev.Event.Message.MessageType = "sticker"
	if msg := parseIncoming(ev, ""); msg != nil {
		t.Fatalf("msg = %+v, want nil", msg)
	}
}

func TestMentionStrip(t *testing.T) {
	ev := textEvent("m5", "oc_1", "group", `{"text":"@_user_1 do the thing"}`)
	m := mention{Key: "@_user_1", Name: "bot"}
	m.ID.OpenID = "ou_bot"
	ev.Event.Message.Mentions = []mention{m}

	if !mentionsBot(ev, "ou_bot") {
		t.Fatal("mentionsBot = false")
	}
	if mentionsBot(ev, "ou_other") {
		t.Fatal("mentionsBot matched wrong id")
	}

	msg := parseIncoming(ev, "ou_bot")
	if msg.Text != "do the thing" {
		t.Fatalf("text = %q", msg.Text)
	}
}

func TestParsePostContent(t *testing.T) {
	raw := `{"zh_cn":{"title":"t","content":[[{"tag":"text","text":"line one "},{"tag":"a","text":"link","href":"https://x"}],[{"tag":"md","text":"line two"}]]}}`
	got := parsePostContent(raw)
	want := "line one [link](https://x)\nline two"
	if got != want {
		t.Fatalf("post = %q, want %q", got, want)
	}
}

func TestDedup(t *testing.T) {
	b := &Bot{}
	if b.isDuplicate("m1") {
		t.Fatal("first sighting marked duplicate")
	}
	if !b.isDuplicate("m1") {
		t.Fatal("second sighting not marked duplicate")
	}
	if b.isDuplicate("m2") {
		t.Fatal("unrelated id marked duplicate")
	}
}
