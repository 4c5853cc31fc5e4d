package stream

import (
	"encoding/json"
	"testing"

	"github.com/workbench-sh/workbench/internal/proc"
	"github.com/workbench-sh/workbench/internal/wire"
)

type capture struct {
	frames []any
}

func (c *capture) emit(v any) error {
	c.frames = append(c.frames, v)
	return nil
}

func (c *capture) dataFrames() []wire.DataFrame {
	var out []wire.DataFrame
	for _, f := range c.frames {
		if df, ok := f.(wire.DataFrame); ok {
			out = append(out, df)
		}
	}
	return out
}

func TestJSONLinesBecomeClaudeResponses(t *testing.T) {
	var c capture
	d := NewDemuxer("s1", c.emit)

	d.Stdout([]byte(`{"type":"assistant","message":"hi"}` + "\n"))

	frames := c.dataFrames()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Type != wire.TypeClaudeResponse {
		t.Errorf("type = %q, want claude_response", frames[0].Type)
	}
	if frames[0].SessionID != "s1" {
		t.Errorf("sessionId = %q", frames[0].SessionID)
	}
	if frames[0].Data != `{"type":"assistant","message":"hi"}` {
		t.Errorf("data = %q", frames[0].Data)
	}
}

func TestNonJSONLinesBecomeStdout(t *testing.T) {
	var c capture
	d := NewDemuxer("s1", c.emit)

	d.Stdout([]byte("plain text output\n"))

	frames := c.dataFrames()
	if len(frames) != 1 || frames[0].Type != wire.TypeStdout {
		t.Fatalf("frames = %+v", frames)
	}
	if frames[0].Data != "plain text output" {
		t.Errorf("data = %q", frames[0].Data)
	}
}

func TestPartialLinesBufferAcrossChunks(t *testing.T) {
	var c capture
	d := NewDemuxer("s1", c.emit)

	d.Stdout([]byte(`{"type":"assist`))
	if len(c.frames) != 0 {
		t.Fatalf("emitted %d frames before newline", len(c.frames))
	}
	d.Stdout([]byte("ant\"}\nsecond"))
	if len(c.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(c.frames))
	}
	d.Stdout([]byte(" line\n"))
	frames := c.dataFrames()
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[1].Data != "second line" {
		t.Errorf("second frame data = %q", frames[1].Data)
	}
}

func TestResumeTokenCapturedFromInitLine(t *testing.T) {
	var c capture
	d := NewDemuxer("s1", c.emit)

	if d.ResumeToken() != "" {
		t.Fatal("resume token set before init line")
	}
	d.Stdout([]byte(`{"type":"system","subtype":"init","session_id":"abc-123"}` + "\n"))
	if d.ResumeToken() != "abc-123" {
		t.Errorf("ResumeToken = %q, want abc-123", d.ResumeToken())
	}

	// Later init-ish lines without the full shape do not overwrite it.
	d.Stdout([]byte(`{"type":"system","subtype":"other","session_id":"zzz"}` + "\n"))
	if d.ResumeToken() != "abc-123" {
		t.Errorf("ResumeToken = %q after non-init line", d.ResumeToken())
	}
}

func TestStderrForwardedVerbatim(t *testing.T) {
	var c capture
	d := NewDemuxer("s1", c.emit)

	d.Stderr([]byte("warning: something"))

	frames := c.dataFrames()
	if len(frames) != 1 || frames[0].Type != wire.TypeError {
		t.Fatalf("frames = %+v", frames)
	}
	if frames[0].Data != "warning: something" {
		t.Errorf("data = %q", frames[0].Data)
	}
}

func TestExitEmitsProcessExitThenCompleteMarker(t *testing.T) {
	var c capture
	d := NewDemuxer("s1", c.emit)

	d.Stdout([]byte(`{"type":"system","subtype":"init","session_id":"tok-9"}` + "\n"))
	c.frames = nil

	code := 0
	d.Exit(proc.ExitStatus{Code: &code})

	if len(c.frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(c.frames))
	}
	pe, ok := c.frames[0].(wire.ProcessExit)
	if !ok {
		t.Fatalf("first frame = %T, want ProcessExit", c.frames[0])
	}
	var payload wire.ExitPayload
	if err := json.Unmarshal([]byte(pe.Data), &payload); err != nil {
		t.Fatalf("exit payload: %v", err)
	}
	if payload.Code == nil || *payload.Code != 0 {
		t.Errorf("code = %v, want 0", payload.Code)
	}
	if payload.Signal != nil {
		t.Errorf("signal = %v, want nil", payload.Signal)
	}
	if payload.ResumeToken != "tok-9" {
		t.Errorf("resumeToken = %q, want tok-9", payload.ResumeToken)
	}

	marker, ok := c.frames[1].(wire.DataFrame)
	if !ok || marker.Type != wire.TypeMessage || marker.Data != wire.CompleteMarker {
		t.Errorf("second frame = %+v, want message/claude-complete", c.frames[1])
	}
}

func TestExitFlushesTrailingPartialLine(t *testing.T) {
	var c capture
	d := NewDemuxer("s1", c.emit)

	d.Stdout([]byte("tail without newline"))
	sig := "terminated"
	d.Exit(proc.ExitStatus{Signal: &sig})

	frames := c.dataFrames()
	if len(frames) == 0 || frames[0].Type != wire.TypeStdout || frames[0].Data != "tail without newline" {
		t.Fatalf("trailing line not flushed: %+v", frames)
	}

	var sawExit bool
	for _, f := range c.frames {
		if pe, ok := f.(wire.ProcessExit); ok {
			sawExit = true
			var payload wire.ExitPayload
			if err := json.Unmarshal([]byte(pe.Data), &payload); err != nil {
				t.Fatal(err)
			}
			if payload.Signal == nil || *payload.Signal != "terminated" {
				t.Errorf("signal = %v", payload.Signal)
			}
		}
	}
	if !sawExit {
		t.Error("no process_exit frame emitted")
	}
}

func TestBlankLinesSkipped(t *testing.T) {
	var c capture
	d := NewDemuxer("s1", c.emit)

	d.Stdout([]byte("\n\n  \n"))
	if len(c.frames) != 0 {
		t.Errorf("blank lines produced %d frames", len(c.frames))
	}
}
