package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrMismatch is returned when a confirmed prompt reads two different values.
var ErrMismatch = errors.New("passphrases do not match")

// Prompter reads one secret from the operator. ok is false when no
// interactive input is available.
type Prompter func(prompt string) (secret string, ok bool, err error)

// Option customises a Source.
type Option func(*Source)

// WithConfirmation asks for the passphrase twice when prompting. It is meant
// for commands that create a keystore.
func WithConfirmation() Option {
	return func(s *Source) { s.confirm = true }
}

// WithPrompter replaces the terminal prompt.
func WithPrompter(p Prompter) Option {
	return func(s *Source) {
		if p != nil {
			s.prompt = p
		}
	}
}

// Source resolves a keystore passphrase once, from an environment variable or
// a terminal prompt, and caches the result.
type Source struct {
	envVar  string
	label   string
	confirm bool
	prompt  Prompter

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting. label names the keystore in
// prompts and errors, e.g. "operator".
func NewSource(envVar, label string, opts ...Option) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "wallet"
	}
	s := &Source{
		envVar: strings.TrimSpace(envVar),
		label:  label,
		prompt: terminalPrompt(os.Stdin, os.Stderr),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cached passphrase, resolving it on the first call. An
// environment value is used verbatim. Whitespace-only passphrases are
// rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	first, ok, err := s.prompt(fmt.Sprintf("Enter %s keystore passphrase: ", s.label))
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if !ok {
		if s.envVar != "" {
			return "", fmt.Errorf("%s keystore passphrase required; set %s or run interactively", s.label, s.envVar)
		}
		return "", fmt.Errorf("%s keystore passphrase required and no terminal available", s.label)
	}
	if strings.TrimSpace(first) == "" {
		return "", fmt.Errorf("%s keystore passphrase cannot be empty", s.label)
	}
	if s.confirm {
		second, _, err := s.prompt(fmt.Sprintf("Repeat %s keystore passphrase: ", s.label))
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		if second != first {
			return "", ErrMismatch
		}
	}
	return first, nil
}

func terminalPrompt(in *os.File, out io.Writer) Prompter {
	return func(prompt string) (string, bool, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", false, nil
		}
		fmt.Fprint(out, prompt)
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", true, err
		}
		return string(secret), true, nil
	}
}
