package gate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Prompter asks the user a yes/no question.
type Prompter interface {
	Confirm(question string) (bool, error)
}

// LinePrompter reads a single answer line. Anything but y or yes,
// including end of input, is a no.
type LinePrompter struct {
	In  io.Reader
	Out io.Writer
}

// Confirm prints the question with a [y/N] suffix and reads the answer.
func (p *LinePrompter) Confirm(question string) (bool, error) {
	fmt.Fprintf(p.Out, "%s %s ", color.New(color.Bold).Sprint(question), "[y/N]")

	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read answer: %w", err)
	}

	answer := strings.TrimSpace(strings.ToLower(line))
	return answer == "y" || answer == "yes", nil
}
