package agent

import (
	"reflect"
	"testing"
)

func TestProcess_HappyPathFold(t *testing.T) {
	p := NewStreamProcessor("hello")

	p.Process(InitEvent{SessionID: "s1"})
	p.Process(ToolStartEvent{ID: "t1", Name: "Read", Detail: "/tmp/a.txt"})
	p.Process(ToolDoneEvent{ID: "t1"})
	p.Process(TextEvent{Text: "world"})
	state := p.Process(ResultEvent{IsError: false, CostUSD: 0.01, DurationMS: 1234})

	if state.Status != StatusComplete {
		t.Fatalf("status = %s, want complete", state.Status)
	}
	if state.ResponseText != "world" {
		t.Fatalf("responseText = %q", state.ResponseText)
	}
	if len(state.ToolCalls) != 1 || state.ToolCalls[0].Name != "Read" || state.ToolCalls[0].Status != ToolDone {
		t.Fatalf("toolCalls = %+v", state.ToolCalls)
	}
	if state.CostUSD != 0.01 || state.DurationMS != 1234 {
		t.Fatalf("cost/duration = %g/%d", state.CostUSD, state.DurationMS)
	}
	if p.SessionID() != "s1" {
		t.Fatalf("SessionID = %q", p.SessionID())
	}
}

func TestProcess_TerminalIsLatched(t *testing.T) {
	p := NewStreamProcessor("x")
	p.Process(TextEvent{Text: "partial"})
	p.Process(ResultEvent{IsError: true, Result: "boom"})

	state := p.Process(TextEvent{Text: " more"})
	if state.Status != StatusError {
		t.Fatalf("status = %s, want error", state.Status)
	}
	if state.ResponseText != "partial" {
		t.Fatalf("terminal state mutated: %q", state.ResponseText)
	}
}

func TestProcess_Monotonicity(t *testing.T) {
	p := NewStreamProcessor("x")
	events := []Event{
		InitEvent{SessionID: "s"},
		TextEvent{Text: "a"},
		ToolStartEvent{ID: "1", Name: "Bash"},
		TextEvent{Text: "b"},
		ToolStartEvent{ID: "2", Name: "Read"},
		ToolDoneEvent{ID: "1"},
		TextEvent{Text: "c"},
	}

	prevText, prevTools := 0, 0
	for _, ev := range events {
		s := p.Process(ev)
		if len(s.ResponseText) < prevText {
			t.Fatalf("responseText shrank after %T", ev)
		}
		if len(s.ToolCalls) < prevTools {
			t.Fatalf("toolCalls shrank after %T", ev)
		}
		prevText, prevTools = len(s.ResponseText), len(s.ToolCalls)
	}
}

func TestProcess_Question(t *testing.T) {
	p := NewStreamProcessor("x")
	state := p.Process(QuestionEvent{
		ToolUseID: "tq",
		Questions: []Question{{
			Question: "Which env?",
			Header:   "Env",
			Options:  []Option{{Label: "dev"}, {Label: "prod"}},
		}},
	})

	if state.Status != StatusWaitingForInput {
		t.Fatalf("status = %s", state.Status)
	}
	if state.PendingQuestion == nil || state.PendingQuestion.ToolUseID != "tq" {
		t.Fatalf("pendingQuestion = %+v", state.PendingQuestion)
	}

	p.ClearPendingQuestion()
	if s := p.State(); s.PendingQuestion != nil || s.Status != StatusRunning {
		t.Fatalf("after clear: %+v", s)
	}
}

func TestProcess_ImagePathCollection(t *testing.T) {
	p := NewStreamProcessor("x")
	p.Process(FileWriteEvent{Path: "/out/chart.png"})
	p.Process(FileWriteEvent{Path: "/out/data.csv"}) // not an image
	p.Process(FileWriteEvent{Path: "/out/chart.png"}) // dedup
	p.Process(TextEvent{Text: "See ![result](/out/final.jpg) and /tmp/report.png here"})
	p.Process(ResultEvent{})

	got := p.ImagePaths()
	want := []string{"/out/chart.png", "/out/final.jpg", "/tmp/report.png"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ImagePaths = %v, want %v", got, want)
	}
}

func TestProcess_ReplayIsDeterministic(t *testing.T) {
	trace := []Event{
		InitEvent{SessionID: "s9"},
		ToolStartEvent{ID: "a", Name: "Bash", Detail: "ls"},
		TextEvent{Text: "listing"},
		ToolDoneEvent{ID: "a"},
		FileWriteEvent{Path: "/o/x.png"},
		ResultEvent{CostUSD: 0.2, DurationMS: 50},
	}

	run := func() *CardState {
		p := NewStreamProcessor("prompt")
		var last *CardState
		for _, ev := range trace {
			last = p.Process(ev)
		}
		return last
	}

	if a, b := run(), run(); !reflect.DeepEqual(a, b) {
		t.Fatalf("replay diverged:\n%+v\n%+v", a, b)
	}
}

func TestProcess_ResultTextFallback(t *testing.T) {
	p := NewStreamProcessor("x")
	state := p.Process(ResultEvent{Result: "final answer"})
	if state.ResponseText != "final answer" {
		t.Fatalf("responseText = %q, want result fallback", state.ResponseText)
	}
}
