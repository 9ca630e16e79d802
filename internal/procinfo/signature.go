package procinfo

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/text/cases"
)

// Kind says which signature list matched an ancestor.
type Kind string

const (
	KindShell    Kind = "shell"
	KindTerminal Kind = "terminal"
)

// DefaultShells are glob patterns for interactive shells.
var DefaultShells = []string{
	"bash", "zsh", "fish", "sh", "dash", "ksh", "mksh", "tcsh", "csh", "nu", "pwsh", "elvish", "xonsh",
}

// DefaultTerminals are glob patterns for terminal emulators and
// multiplexers.
var DefaultTerminals = []string{
	"*term*", "alacritty", "kitty", "wezterm*", "iterm*", "ghostty", "foot", "konsole", "hyper",
	"tmux*", "screen", "zellij", "warp*", "tabby",
}

// Signatures matches process names against shell and terminal glob
// patterns, case-insensitively. Shells take precedence over terminals for a
// single process.
type Signatures struct {
	shells    []string
	terminals []string
}

// NewSignatures validates and folds the given patterns. Empty lists fall
// back to the defaults.
func NewSignatures(shells, terminals []string) (*Signatures, error) {
	if len(shells) == 0 {
		shells = DefaultShells
	}
	if len(terminals) == 0 {
		terminals = DefaultTerminals
	}
	s := &Signatures{}
	var err error
	if s.shells, err = foldPatterns(shells); err != nil {
		return nil, err
	}
	if s.terminals, err = foldPatterns(terminals); err != nil {
		return nil, err
	}
	return s, nil
}

// DefaultSignatures uses the built-in pattern lists.
func DefaultSignatures() *Signatures {
	s, err := NewSignatures(nil, nil)
	if err != nil {
		panic(fmt.Sprintf("procinfo: default signatures: %v", err))
	}
	return s
}

// Match reports whether p looks like a shell or terminal.
func (s *Signatures) Match(p Process) (Kind, bool) {
	if s == nil {
		return "", false
	}
	fold := cases.Fold()
	candidates := p.Candidates()
	for i, c := range candidates {
		candidates[i] = fold.String(c)
	}
	if matchAny(s.shells, candidates) {
		return KindShell, true
	}
	if matchAny(s.terminals, candidates) {
		return KindTerminal, true
	}
	return "", false
}

func matchAny(patterns, candidates []string) bool {
	for _, pattern := range patterns {
		for _, candidate := range candidates {
			if ok, _ := doublestar.Match(pattern, candidate); ok {
				return true
			}
		}
	}
	return false
}

func foldPatterns(patterns []string) ([]string, error) {
	fold := cases.Fold()
	out := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		folded := fold.String(pattern)
		if !doublestar.ValidatePattern(folded) {
			return nil, fmt.Errorf("invalid process signature pattern %q", pattern)
		}
		out = append(out, folded)
	}
	return out, nil
}
