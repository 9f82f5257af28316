package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ormasoftchile/apiline/pkg/session"
	"github.com/ormasoftchile/apiline/pkg/step"
	"github.com/ormasoftchile/apiline/pkg/vars"
	"github.com/ormasoftchile/apiline/pkg/workflow"
)

func stepNumber(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// handleVars prints every variable in store order.
func (c *Console) handleVars() {
	entries := c.sess.Variables()
	if len(entries) == 0 {
		fmt.Fprintln(c.output, "  (no variables)")
		return
	}
	fmt.Fprintln(c.output, headerStyle.Render("Variables:"))
	for _, e := range entries {
		fmt.Fprintf(c.output, "  %s = %s\n", nameStyle.Render(e.Name), truncate(vars.Text(e.Value), valueWidth))
	}
}

// handleSet binds a variable: set <name> <value...>, or prompts for both.
func (c *Console) handleSet(parts []string) {
	var name, value string
	switch len(parts) {
	case 1:
		var ok bool
		if name, ok = c.ask("Variable name: "); !ok || name == "" {
			fmt.Fprintln(c.output, "Cancelled.")
			return
		}
		if value, ok = c.ask("Value: "); !ok {
			fmt.Fprintln(c.output, "Cancelled.")
			return
		}
	case 2:
		name = parts[1]
		var ok bool
		if value, ok = c.ask("Value: "); !ok {
			fmt.Fprintln(c.output, "Cancelled.")
			return
		}
	default:
		name = parts[1]
		value = strings.Join(parts[2:], " ")
	}

	err := c.sess.SetVariable(name, value)
	fmt.Fprintf(c.output, "Set %s = %s\n", nameStyle.Render(name), truncate(value, valueWidth))
	if err != nil {
		c.printPersistErr(err)
	}
}

// handleList prints every step with its state.
func (c *Console) handleList() {
	fmt.Fprintln(c.output, headerStyle.Render("Steps:"))
	for _, v := range c.sess.Steps() {
		glyph, style := stateGlyph(v.State, v.Current)
		line := fmt.Sprintf("%s %2d. %-7s %s %s", glyph, v.Index+1, strings.ToUpper(v.Method), v.Name, dimStyle.Render(v.Endpoint))
		if v.State != step.Pending {
			line += " " + dimStyle.Render("["+string(v.State)+"]")
		}
		fmt.Fprintln(c.output, "  "+style.Render(line))
	}
}

func (c *Console) handleNext(ctx context.Context) {
	res, err := c.sess.ExecuteNext(ctx, c.confirmFunc(true))
	if errors.Is(err, session.ErrNoPendingSteps) {
		fmt.Fprintln(c.output, "All steps are done. Run a step by number or 'reload' after editing the file.")
		return
	}
	if err != nil {
		fmt.Fprintf(c.output, "Error: %v\n", err)
		return
	}
	c.printResult(res)
	c.printNext()
}

func (c *Console) handleExecuteAt(ctx context.Context, i int) {
	res, err := c.sess.ExecuteAt(ctx, i, c.confirmFunc(true))
	if err != nil {
		fmt.Fprintf(c.output, "Error: %v\n", err)
		return
	}
	c.printResult(res)
	c.printNext()
}

// handleAll runs the remaining steps: all [--continue|-c].
func (c *Console) handleAll(ctx context.Context, parts []string) {
	cursor, total := c.sess.Cursor()
	if cursor >= total {
		fmt.Fprintln(c.output, "All steps are done.")
		return
	}

	continueOnFailure := false
	asked := false
	for _, p := range parts[1:] {
		if p == "--continue" || p == "-c" {
			continueOnFailure, asked = true, true
		}
	}
	if !asked {
		continueOnFailure = c.confirm("Continue past failed steps?", false)
	}

	ask := true
	if !c.autoConfirm {
		ask = !c.confirm("Execute all without confirmation?", true)
	}

	results := c.sess.ExecuteAll(ctx, continueOnFailure, c.confirmFunc(ask))
	var failed, skipped int
	for _, r := range results {
		c.printResult(r)
		switch {
		case r.Cancelled:
			skipped++
		case r.State == step.Failed:
			failed++
		}
	}
	if failed > 0 && !continueOnFailure {
		fmt.Fprintln(c.output, errStyle.Render("Stopped at the first failed step."))
	} else {
		fmt.Fprintf(c.output, "Ran %d step(s), %d failed, %d skipped.\n", len(results)-skipped, failed, skipped)
	}
	c.printNext()
}

// handleSkip marks a step as skipped: skip [n]; the current step by default.
func (c *Console) handleSkip(parts []string) {
	cursor, _ := c.sess.Cursor()
	i := cursor
	if len(parts) > 1 {
		n, ok := stepNumber(parts[1])
		if !ok {
			fmt.Fprintf(c.output, "Invalid step number %q\n", parts[1])
			return
		}
		i = n - 1
	}
	if err := c.sess.Skip(i); err != nil {
		fmt.Fprintf(c.output, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.output, "Skipped step %d.\n", i+1)
	c.printNext()
}

func (c *Console) handleReload() {
	report, err := c.sess.Reload()
	if report == nil && err == nil {
		fmt.Fprintln(c.output, "Workflow file unchanged.")
		return
	}
	c.printReload(report, err)
}

// handleDump prints the session state as JSON, or writes it to a file.
func (c *Console) handleDump(parts []string) {
	sn := c.sess.Snapshot()
	if len(parts) > 1 {
		if err := sn.SaveSnapshot(parts[1]); err != nil {
			fmt.Fprintf(c.output, "Error: %v\n", err)
			return
		}
		fmt.Fprintf(c.output, "State written to %s\n", parts[1])
		return
	}
	data, err := sn.JSON()
	if err != nil {
		fmt.Fprintf(c.output, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(c.output, string(data))
}

func (c *Console) handleHelp() {
	fmt.Fprintln(c.output, "Commands:")
	fmt.Fprintln(c.output, "  vars (v)              Show variables")
	fmt.Fprintln(c.output, "  set (s) [name [val]]  Set a variable and save it to the workflow file")
	fmt.Fprintln(c.output, "  list (l)              List steps with their state")
	fmt.Fprintln(c.output, "  next (n)              Execute the next pending step")
	fmt.Fprintln(c.output, "  <N>                   Execute step N")
	fmt.Fprintln(c.output, "  all (a) [-c]          Execute all remaining steps (-c continues past failures)")
	fmt.Fprintln(c.output, "  skip [N]              Skip step N (default: current)")
	fmt.Fprintln(c.output, "  reload (r)            Reload the workflow file now")
	fmt.Fprintln(c.output, "  dump [file]           Output full state as JSON")
	fmt.Fprintln(c.output, "  help (?)              Show this help")
	fmt.Fprintln(c.output, "  quit (q)              Exit")
}

// confirmFunc previews each request and, when ask is set, asks before
// sending it.
func (c *Console) confirmFunc(ask bool) session.ConfirmFunc {
	return func(p *session.Prepared) bool {
		c.printPreview(p)
		if c.autoConfirm || !ask {
			return true
		}
		if !c.confirm("Send request?", true) {
			fmt.Fprintln(c.output, "Cancelled.")
			return false
		}
		return true
	}
}

func (c *Console) printPreview(p *session.Prepared) {
	fmt.Fprintf(c.output, "\n%s %s\n", headerStyle.Render(fmt.Sprintf("[%d] %s", p.Index+1, p.Name)), dimStyle.Render("auth: "+p.AuthMode))
	fmt.Fprintf(c.output, "  %s %s\n", p.Request.Method, p.Request.URL)
	if len(p.Request.Headers) > 0 {
		names := make([]string, 0, len(p.Request.Headers))
		for k := range p.Request.Headers {
			names = append(names, k)
		}
		sort.Strings(names)
		fmt.Fprintf(c.output, "  %s\n", dimStyle.Render("headers: "+strings.Join(names, ", ")))
	}
	if p.Request.Body != nil {
		data, err := json.MarshalIndent(p.Request.Body, "  ", "  ")
		if err == nil {
			fmt.Fprintf(c.output, "  %s\n", string(data))
		}
	}
	for _, name := range p.Unresolved {
		fmt.Fprintln(c.output, warnStyle.Render(fmt.Sprintf("  ! ${%s} is not set", name)))
	}
}

func (c *Console) printResult(r *session.Result) {
	if r.Cancelled {
		if r.State == step.Skipped {
			fmt.Fprintf(c.output, "%s [%d] %s skipped\n", stepSkipped.Render(GlyphSkipped), r.Index+1, r.Name)
		}
		return
	}
	label := fmt.Sprintf("[%d] %s", r.Index+1, r.Name)
	if r.Response != nil {
		status := statusStyle(r.Response.Status).Render(strconv.Itoa(r.Response.Status))
		fmt.Fprintf(c.output, "%s %s %s\n", label, status, dimStyle.Render(r.Response.Duration.Round(time.Millisecond).String()))
		if len(r.Response.Body) > 0 {
			fmt.Fprintf(c.output, "  %s\n", truncate(strings.Join(strings.Fields(string(r.Response.Body)), " "), bodyWidth))
		}
	}
	for _, w := range r.Warnings {
		fmt.Fprintln(c.output, warnStyle.Render("  ! "+w))
	}
	if r.State == step.Failed {
		fmt.Fprintf(c.output, "%s %s failed: %v\n", stepFailed.Render(GlyphFailed), label, r.Err)
		return
	}
	if r.Err != nil {
		fmt.Fprintf(c.output, "Error: %v\n", r.Err)
		return
	}
	for _, e := range r.Extracted {
		fmt.Fprintf(c.output, "  saved %s = %s\n", nameStyle.Render(e.Name), truncate(vars.Text(e.Value), valueWidth))
	}
	for _, m := range r.Misses {
		fmt.Fprintf(c.output, "  %s\n", dimStyle.Render("not found: "+m.String()))
	}
	if r.PersistErr != nil {
		c.printPersistErr(r.PersistErr)
	}
	fmt.Fprintf(c.output, "%s %s completed\n", stepPassed.Render(GlyphPassed), label)
}

func (c *Console) printPersistErr(err error) {
	if errors.Is(err, workflow.ErrExternalChange) {
		fmt.Fprintln(c.output, warnStyle.Render("  ! file changed on disk; variables are saved after the reload"))
		return
	}
	fmt.Fprintln(c.output, errStyle.Render(fmt.Sprintf("  ! could not save variables: %v", err)))
}

func (c *Console) printReload(report *workflow.ReloadReport, err error) {
	if errors.Is(err, workflow.ErrReloadDeferred) {
		return
	}
	if report != nil {
		fmt.Fprintf(c.output, "%s %s\n", warnStyle.Render("Reloaded workflow:"), report.String())
	}
	if err != nil {
		var perr *workflow.PersistenceError
		if errors.As(err, &perr) && perr.Op != "write" {
			fmt.Fprintln(c.output, errStyle.Render(fmt.Sprintf("Reload rejected, keeping the current workflow: %v", perr.Err)))
			return
		}
		c.printPersistErr(err)
	}
}

func (c *Console) printNext() {
	cursor, total := c.sess.Cursor()
	if cursor >= total {
		fmt.Fprintln(c.output, dimStyle.Render("No pending steps."))
		return
	}
	v := c.sess.Steps()[cursor]
	fmt.Fprintf(c.output, "%s %d/%d %s %s\n", dimStyle.Render("Next:"), cursor+1, total, strings.ToUpper(v.Method), v.Name)
}
