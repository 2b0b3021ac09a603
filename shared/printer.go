package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type WriteCloser struct {
	w io.WriteCloser
}

func NewWriteCloser(w io.WriteCloser) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w}
}

func (wc *WriteCloser) WriteString(s string) (n int, err error) {
	return wc.w.Write([]byte(s))
}

func (wc *WriteCloser) Close() error {
	return wc.w.Close()
}

// Printer renders call status and transcript lines to one or more hooks.
// Transcript lines are prefixed with the speaker label so interleaved
// utterances stay readable on a terminal.
type Printer struct {
	mu     sync.Mutex
	indStr string
	hooks  []StringWriteCloser
}

func NewPrinter(indentString string, hooks ...StringWriteCloser) (*Printer, error) {
	p := &Printer{
		indStr: indentString,
	}
	if len(hooks) == 0 {
		return nil, errors.New("no hook provided")
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil pointed hook is given")
		}
	}
	p.hooks = hooks
	return p, nil
}

func (p *Printer) write(s string) error {
	for _, hook := range p.hooks {
		if _, err := hook.WriteString(s); err != nil {
			return fmt.Errorf("on writing to hook: %w", err)
		}
	}
	return nil
}

// Statusln prints a single status line, e.g. a call state change.
func (p *Printer) Statusln(s string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(s + "\n")
}

// Utterance prints one transcript line as "label: content", indenting
// continuation lines under the label.
func (p *Printer) Utterance(label, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefix := label + ": "
	cont := p.indStr
	if cont == "" {
		cont = strings.Repeat(" ", len(prefix))
	}
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if i == 0 {
			line = prefix + line
		} else {
			line = cont + line
		}
		if err := p.write(line + "\n"); err != nil {
			return err
		}
	}
	return nil
}

func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hook := range p.hooks {
		if err := hook.Close(); err != nil {
			return fmt.Errorf("on closing hook: %w", err)
		}
	}
	return nil
}
