package main

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/and161185/vaultkeeper/internal/errs"
	"github.com/and161185/vaultkeeper/internal/secmem"
)

// Environment variables consulted before prompting.
const (
	envPIN    = "VAULTKEEPER_PIN"
	envNewPIN = "VAULTKEEPER_NEW_PIN"
)

var errNoInput = errors.New("no input")

// prompter reads answers from a terminal without echo, or line by line
// from any other reader.
type prompter struct {
	r   *bufio.Reader
	out io.Writer
	fd  int
	tty bool
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	p := &prompter{r: bufio.NewReader(in), out: out, fd: -1}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd, p.tty = int(f.Fd()), true
	}
	return p
}

// line prompts with label and returns one line without its terminator.
func (p *prompter) line(label string) (string, error) {
	if label != "" {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	s, err := p.r.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", err
		}
		if s == "" {
			return "", errNoInput
		}
	}
	return strings.TrimRight(s, "\r\n"), nil
}

// secret returns env's value when set, otherwise reads a hidden answer.
func (p *prompter) secret(label, env string) (*secmem.Secret, error) {
	if env != "" {
		if v := os.Getenv(env); v != "" {
			return secmem.HoldString(v), nil
		}
	}
	fmt.Fprintf(p.out, "%s: ", label)
	if p.tty {
		b, err := term.ReadPassword(p.fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", strings.ToLower(label), err)
		}
		return secmem.Hold(b), nil
	}
	b, err := p.r.ReadBytes('\n')
	if err != nil && (!errors.Is(err, io.EOF) || len(b) == 0) {
		secmem.Wipe(b)
		if errors.Is(err, io.EOF) {
			return nil, errNoInput
		}
		return nil, err
	}
	return secmem.Hold(bytes.TrimRight(b, "\r\n")), nil
}

// confirmed asks twice and fails unless both answers match. With env set
// the value is taken as already confirmed.
func (p *prompter) confirmed(label, env string) (*secmem.Secret, error) {
	first, err := p.secret(label, env)
	if err != nil {
		return nil, err
	}
	if env != "" && os.Getenv(env) != "" {
		return first, nil
	}
	second, err := p.secret("Repeat "+strings.ToLower(label), "")
	if err != nil {
		first.Release()
		return nil, err
	}
	defer second.Release()
	if subtle.ConstantTimeCompare(first.Bytes(), second.Bytes()) != 1 {
		first.Release()
		return nil, &errs.ValidationError{Field: "pin", Reason: "entries do not match"}
	}
	return first, nil
}
