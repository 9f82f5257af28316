// Package console implements the interactive REPL over a session.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/ormasoftchile/apiline/pkg/session"
	"go.uber.org/zap"
)

// LineReader reads one line per call. *readline.Instance satisfies it.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

// Options configures a Console.
type Options struct {
	// AutoConfirm sends requests without the preview confirmation.
	AutoConfirm bool
	Logger      *zap.Logger
}

// Console provides an interactive REPL for stepping through a workflow.
type Console struct {
	sess        *session.Session
	in          LineReader
	output      io.Writer
	autoConfirm bool
	log         *zap.Logger
}

// New creates a console writing to stdout.
func New(sess *session.Session, opts Options) *Console {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Console{
		sess:        sess,
		output:      os.Stdout,
		autoConfirm: opts.AutoConfirm,
		log:         log,
	}
}

// SetOutput redirects console output.
func (c *Console) SetOutput(w io.Writer) {
	c.output = w
}

var commands = []string{"vars", "set", "list", "next", "all", "skip", "reload", "dump", "help", "quit"}

// Run starts the interactive loop on the terminal. Reload hints received
// on hints are announced above the prompt.
func (c *Console) Run(ctx context.Context, hints <-chan struct{}) error {
	completer := readline.NewPrefixCompleter()
	for _, cmd := range commands {
		completer.Children = append(completer.Children, readline.PcItem(cmd))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.buildPrompt(),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()
	c.output = rl.Stdout()

	if hints != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-hints:
					if !ok {
						return
					}
					c.sess.MarkReloadPending()
					fmt.Fprintln(rl.Stdout(), warnStyle.Render("workflow file changed; it is reloaded before the next command"))
					rl.Refresh()
				}
			}
		}()
	}
	return c.Loop(ctx, rl)
}

// Loop reads and dispatches commands from in until quit, EOF or interrupt.
func (c *Console) Loop(ctx context.Context, in LineReader) error {
	c.in = in
	_, total := c.sess.Cursor()
	fmt.Fprintf(c.output, "%s %s, %d steps\n", headerStyle.Render("apiline"), c.sess.Path(), total)
	fmt.Fprintf(c.output, "Type 'help' for available commands, 'next' to execute the next step.\n\n")
	c.printNext()

	for {
		if ctx.Err() != nil {
			return nil
		}
		c.applyReload()
		in.SetPrompt(c.buildPrompt())
		line, err := in.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		c.applyReload()

		parts := strings.Fields(line)
		if quit := c.dispatch(ctx, parts); quit {
			fmt.Fprintln(c.output, "Bye.")
			return nil
		}
	}
}

func (c *Console) dispatch(ctx context.Context, parts []string) (quit bool) {
	cmd := strings.ToLower(parts[0])
	c.log.Debug("command", zap.String("cmd", cmd), zap.Int("args", len(parts)-1))

	switch cmd {
	case "vars", "v":
		c.handleVars()
	case "set", "s":
		c.handleSet(parts)
	case "list", "l":
		c.handleList()
	case "next", "n":
		c.handleNext(ctx)
	case "all", "a":
		c.handleAll(ctx, parts)
	case "skip":
		c.handleSkip(parts)
	case "reload", "r":
		c.handleReload()
	case "dump":
		c.handleDump(parts)
	case "help", "?", "h":
		c.handleHelp()
	case "quit", "q", "exit":
		return true
	default:
		if n, ok := stepNumber(cmd); ok {
			c.handleExecuteAt(ctx, n-1)
			return false
		}
		fmt.Fprintf(c.output, "Unknown command: %q. Type 'help' for available commands.\n", cmd)
	}
	return false
}

// buildPrompt creates the prompt string: apiline[N/total | name]>
func (c *Console) buildPrompt() string {
	cursor, total := c.sess.Cursor()
	if cursor >= total {
		return "apiline[done]> "
	}
	name := c.sess.Steps()[cursor].Name
	return fmt.Sprintf("apiline[%d/%d | %s]> ", cursor+1, total, name)
}

func (c *Console) applyReload() {
	report, err := c.sess.ApplyPendingReload()
	c.printReload(report, err)
}

// ask prompts for one line; ok is false on interrupt or EOF.
func (c *Console) ask(prompt string) (string, bool) {
	c.in.SetPrompt(prompt)
	line, err := c.in.Readline()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(line), true
}

// confirm asks a yes/no question with the given default.
func (c *Console) confirm(question string, def bool) bool {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	answer, ok := c.ask(fmt.Sprintf("%s %s ", question, hint))
	if !ok {
		return false
	}
	switch strings.ToLower(answer) {
	case "":
		return def
	case "y", "yes":
		return true
	default:
		return false
	}
}
