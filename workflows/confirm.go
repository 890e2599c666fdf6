package workflows

import (
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/cockroachdb/errors"
	"github.com/mattn/go-isatty"
)

// ConfirmationText is the only answer that lets a teardown proceed.
const ConfirmationText = "yes"

// Confirmer asks the operator a question and returns the answer as typed.
type Confirmer interface {
	Ask(prompt string) (string, error)
}

// PromptConfirmer asks on the terminal. When In is not a terminal the question is asked
// line by line, which also covers answers piped in by scripts.
type PromptConfirmer struct {
	In          io.Reader
	Out         io.Writer
	Interactive bool
}

func NewPromptConfirmer(in *os.File, out io.Writer) *PromptConfirmer {
	return &PromptConfirmer{
		In:          in,
		Out:         out,
		Interactive: isatty.IsTerminal(in.Fd()) || isatty.IsCygwinTerminal(in.Fd()),
	}
}

func (c *PromptConfirmer) Ask(prompt string) (string, error) {
	var answer string
	input := huh.NewInput().
		Title(prompt).
		Prompt("> ").
		Value(&answer)

	var err error
	if c.Interactive {
		err = input.Run()
	} else {
		err = input.RunAccessible(c.Out, c.In)
	}
	if errors.Is(err, huh.ErrUserAborted) {
		return "", nil
	}
	return answer, err
}

// StaticConfirmer answers every question with Answer.
type StaticConfirmer struct {
	Answer string
	Asked  int
}

func (c *StaticConfirmer) Ask(string) (string, error) {
	c.Asked++
	return c.Answer, nil
}
