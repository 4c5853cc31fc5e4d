package argv

import (
	"errors"
	"reflect"
	"testing"
)

func TestSanitizeDefaults(t *testing.T) {
	for _, cmd := range []string{"", "   ", "\t\n"} {
		got, err := Sanitize(cmd, "claude")
		if err != nil {
			t.Fatalf("Sanitize(%q): %v", cmd, err)
		}
		if !reflect.DeepEqual(got, []string{"claude"}) {
			t.Errorf("Sanitize(%q) = %v, want [claude]", cmd, got)
		}
	}
}

func TestSanitizeSplitsArgs(t *testing.T) {
	got, err := Sanitize("claude --model sonnet -p", "claude")
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	want := []string{"claude", "--model", "sonnet", "-p"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSanitizeStripsQuotes(t *testing.T) {
	got, err := Sanitize(`claude --add-dir "my dir"`, "claude")
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if got[0] != "claude" {
		t.Errorf("first token = %q, want claude", got[0])
	}
	for _, tok := range got {
		for _, r := range tok {
			if r == '"' || r == '\'' {
				t.Errorf("token %q retains quote character", tok)
			}
		}
	}
}

func TestSanitizeRejectsMetachars(t *testing.T) {
	cases := []string{
		"claude ; rm -rf /",
		"claude && reboot",
		"claude | tee /etc/passwd",
		"claude $(whoami)",
		"claude `id`",
		`claude \x41`,
		"claude&",
	}
	for _, cmd := range cases {
		_, err := Sanitize(cmd, "claude")
		if !errors.Is(err, ErrDangerousCommand) {
			t.Errorf("Sanitize(%q) err = %v, want ErrDangerousCommand", cmd, err)
		}
	}
}

func TestSanitizeRejectsWrongBinary(t *testing.T) {
	cases := []string{
		"rm -rf /",
		"Claude -p", // case-sensitive
		"claudex",
		"/usr/bin/claude",
	}
	for _, cmd := range cases {
		_, err := Sanitize(cmd, "claude")
		if !errors.Is(err, ErrInvalidCommand) {
			t.Errorf("Sanitize(%q) err = %v, want ErrInvalidCommand", cmd, err)
		}
	}
}

func TestPromptKeepsTextAsOneArgument(t *testing.T) {
	got, err := Prompt("summarize the build logs", "claude")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	want := []string{"claude", "-p", "summarize the build logs"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPromptEmptyRunsBareBinary(t *testing.T) {
	got, err := Prompt("   ", "claude")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"claude"}) {
		t.Errorf("got %v, want [claude]", got)
	}
}

func TestPromptRejectsMetachars(t *testing.T) {
	for _, p := range []string{"hi; rm -rf /", "a | b", "$(id)", "`id`", `back\slash`} {
		if _, err := Prompt(p, "claude"); !errors.Is(err, ErrDangerousCommand) {
			t.Errorf("Prompt(%q) err = %v, want ErrDangerousCommand", p, err)
		}
	}
}
