// Package argv validates the assistant command line before it reaches the
// process supervisor. Children are always spawned directly (never through a
// shell), so anything that only makes sense to a shell is rejected outright.
package argv

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"
)

var (
	// ErrInvalidCommand means the command does not start with the allowed binary.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrDangerousCommand means the raw command contains shell metacharacters.
	ErrDangerousCommand = errors.New("dangerous command")
)

// metachars are rejected anywhere in the raw command string.
const metachars = ";&|$`\\"

// Sanitize splits command into an argv slice safe to hand to exec. An empty
// or whitespace-only command yields [defaultBinary]. The first token must
// equal defaultBinary exactly.
func Sanitize(command, defaultBinary string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return []string{defaultBinary}, nil
	}

	if i := strings.IndexAny(command, metachars); i >= 0 {
		return nil, fmt.Errorf("%w: character %q not allowed", ErrDangerousCommand, command[i])
	}

	tokens, err := shlex.Split(command)
	if err != nil {
		// Unbalanced quotes and similar; fall back to whitespace splitting
		// so the quote-stripping below still applies.
		tokens = strings.Fields(command)
	}
	if len(tokens) == 0 {
		return []string{defaultBinary}, nil
	}

	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.Map(func(r rune) rune {
			switch r {
			case '"', '\'', '\\':
				return -1
			}
			return r
		}, tok)
		if tok != "" {
			out = append(out, tok)
		}
	}

	if len(out) == 0 || out[0] != defaultBinary {
		return nil, fmt.Errorf("%w: must start with %q", ErrInvalidCommand, defaultBinary)
	}
	return out, nil
}

// Prompt builds the argv for free-form prompt text: the default binary in
// print mode with the prompt as a single argument. The prompt is screened
// for shell metacharacters but never tokenized, so spaces survive intact.
func Prompt(prompt, defaultBinary string) ([]string, error) {
	if strings.TrimSpace(prompt) == "" {
		return []string{defaultBinary}, nil
	}
	if i := strings.IndexAny(prompt, metachars); i >= 0 {
		return nil, fmt.Errorf("%w: character %q not allowed", ErrDangerousCommand, prompt[i])
	}
	return []string{defaultBinary, "-p", prompt}, nil
}
