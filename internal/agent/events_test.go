package agent

import (
	"testing"
)

func TestParseLine_SystemInit(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"abc-123","tools":["Bash"]}`
	evs, err := ParseLine([]byte(line))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("got %d events", len(evs))
	}
	init, ok := evs[0].(InitEvent)
	if !ok || init.SessionID != "abc-123" {
		t.Fatalf("event = %#v", evs[0])
	}
}

func TestParseLine_AssistantBlocks(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[
		{"type":"text","text":"working on it"},
		{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls -la"}}
	]}}`
	evs, err := ParseLine([]byte(line))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d events: %#v", len(evs), evs)
	}
	if txt := evs[0].(TextEvent); txt.Text != "working on it" {
		t.Fatalf("text = %q", txt.Text)
	}
	tool := evs[1].(ToolStartEvent)
	if tool.ID != "t1" || tool.Name != "Bash" || tool.Detail != "ls -la" {
		t.Fatalf("tool = %+v", tool)
	}
}

func TestParseLine_WriteToolEmitsFileWrite(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[
		{"type":"tool_use","id":"t2","name":"Write","input":{"file_path":"/out/a.png","content":"..."}}
	]}}`
	evs, err := ParseLine([]byte(line))
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d events: %#v", len(evs), evs)
	}
	if fw, ok := evs[1].(FileWriteEvent); !ok || fw.Path != "/out/a.png" {
		t.Fatalf("event = %#v", evs[1])
	}
}

func TestParseLine_AskUserQuestion(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[
		{"type":"tool_use","id":"q1","name":"AskUserQuestion","input":{
			"questions":[{"question":"Which env?","header":"Env","options":[{"label":"dev"},{"label":"prod"}],"multiSelect":false}]
		}}
	]}}`
	evs, err := ParseLine([]byte(line))
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 {
		t.Fatalf("got %d events", len(evs))
	}
	q := evs[0].(QuestionEvent)
	if q.ToolUseID != "q1" || len(q.Questions) != 1 || q.Questions[0].Header != "Env" {
		t.Fatalf("question = %+v", q)
	}
	if len(q.Questions[0].Options) != 2 || q.Questions[0].Options[1].Label != "prod" {
		t.Fatalf("options = %+v", q.Questions[0].Options)
	}
}

func TestParseLine_ToolResult(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","is_error":false,"content":"ok"}]}}`
	evs, err := ParseLine([]byte(line))
	if err != nil {
		t.Fatal(err)
	}
	if done, ok := evs[0].(ToolDoneEvent); !ok || done.ID != "t1" || done.IsError {
		t.Fatalf("event = %#v", evs[0])
	}
}

func TestParseLine_Result(t *testing.T) {
	line := `{"type":"result","subtype":"success","is_error":false,"result":"done","total_cost_usd":0.042,"duration_ms":9001,"session_id":"s"}`
	evs, err := ParseLine([]byte(line))
	if err != nil {
		t.Fatal(err)
	}
	res := evs[0].(ResultEvent)
	if res.IsError || res.Result != "done" || res.CostUSD != 0.042 || res.DurationMS != 9001 {
		t.Fatalf("result = %+v", res)
	}
}

func TestParseLine_EdgeCases(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		nEvents int
		wantErr bool
	}{
		{"empty line", "", 0, false},
		{"whitespace", "   ", 0, false},
		{"unknown type", `{"type":"stream_event","uuid":"x"}`, 0, false},
		{"non-init system", `{"type":"system","subtype":"task_started","session_id":"s"}`, 0, false},
		{"malformed", `{"type":`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evs, err := ParseLine([]byte(tt.line))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if len(evs) != tt.nEvents {
				t.Fatalf("got %d events: %#v", len(evs), evs)
			}
		})
	}
}

func TestToolDetail(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{"Bash", map[string]any{"command": "make test"}, "make test"},
		{"Read", map[string]any{"file_path": "/a/b.txt"}, "/a/b.txt"},
		{"Grep", map[string]any{"pattern": "TODO"}, "TODO"},
		{"WebSearch", map[string]any{"query": "golang"}, "golang"},
		{"Task", map[string]any{"description": "subagent"}, "subagent"},
		{"Unknown", map[string]any{"foo": "bar"}, ""},
		{"Unknown", nil, ""},
	}
	for _, tt := range tests {
		if got := toolDetail(tt.name, tt.input); got != tt.want {
			t.Errorf("toolDetail(%s, %v) = %q, want %q", tt.name, tt.input, got, tt.want)
		}
	}
}
