package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// prompter reads answers from the user. Secrets come from the terminal
// without echo; everything else is read line by line from in.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out, fd: int(os.Stdin.Fd())}
}

// Line prints prompt and returns one trimmed line. A partial line before EOF
// is returned as is.
func (p *prompter) Line(prompt string) (string, error) {
	if _, err := fmt.Fprint(p.out, prompt+": "); err != nil {
		return "", err
	}
	line, err := p.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Secret reads a value without echo. The caller wipes the returned slice.
func (p *prompter) Secret(prompt string) ([]byte, error) {
	if _, err := fmt.Fprint(p.out, prompt+": "); err != nil {
		return nil, err
	}
	b, err := readPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Multiline reads lines until an empty one.
func (p *prompter) Multiline(prompt string) (string, error) {
	lines, err := p.lines(prompt + " (empty line to finish)")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

// Fields reads name=value lines until an empty one. The raw lines are
// returned; parsing is left to the caller.
func (p *prompter) Fields() ([]string, error) {
	return p.lines("Custom fields as name=value (empty line to finish)")
}

func (p *prompter) lines(prompt string) ([]string, error) {
	if _, err := fmt.Fprintln(p.out, prompt); err != nil {
		return nil, err
	}
	lines := make([]string, 0)
	for {
		line, err := p.in.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		lines = append(lines, line)
		if err != nil {
			break
		}
	}
	return lines, nil
}

// Confirm asks a yes/no question; anything but y or yes is a no.
func (p *prompter) Confirm(prompt string) (bool, error) {
	ans, err := p.Line(prompt + " [y/N]")
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	ans = strings.ToLower(ans)
	return ans == "y" || ans == "yes", nil
}
