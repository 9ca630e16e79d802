package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// statusKind marks how healthy a status row is.
type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
)

var statusMarks = map[statusKind]struct {
	label string
	ansi  string
}{
	statusInfo: {"-", "\x1b[2m"},
	statusOK:   {"ok", "\x1b[32m"},
	statusWarn: {"!!", "\x1b[33m"},
}

const ansiReset = "\x1b[0m"

// statusBlock renders aligned "label  [mark] value" rows under a title.
type statusBlock struct {
	colorize bool
	width    int
	rows     []statusRow
	title    string
}

type statusRow struct {
	label string
	kind  statusKind
	value string
}

func newStatusBlock(title string, colorize bool) *statusBlock {
	return &statusBlock{title: title, colorize: colorize}
}

func (b *statusBlock) add(label string, kind statusKind, value string) {
	b.width = max(b.width, len(label))
	b.rows = append(b.rows, statusRow{label: label, kind: kind, value: value})
}

func (b *statusBlock) lines() []string {
	out := make([]string, 0, len(b.rows)+1)
	out = append(out, b.title)
	for _, row := range b.rows {
		mark := statusMarks[row.kind]
		tag := fmt.Sprintf("[%-2s]", mark.label)
		if b.colorize {
			tag = mark.ansi + tag + ansiReset
		}
		value := strings.TrimSpace(row.value)
		if value == "" {
			value = "-"
		}
		out = append(out, fmt.Sprintf("  %-*s  %s %s", b.width, row.label, tag, value))
	}
	return out
}

func shouldColorize(writer io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
