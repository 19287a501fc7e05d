// Package console renders the interactive chat surface: styled panels,
// markdown answers, tool progress and line input.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/harun/ally/pkg/conversation"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// DefaultWidth is used when the output is not a terminal
const DefaultWidth = 100

const (
	maxInlineArgs = 100
	maxBlockArgs  = 500
	maxToolOutput = 1000

	goodbyeMessage        = "Thanks for using Ally!"
	historyClearedMessage = "Conversation history cleared"
	failedConfirmMessage  = "Failed to confirm action. Continuing with default value (%v)"
	helpFooter            = "*Not recommended during long running tasks. Use at your own risk."
)

// Config configures a Console
type Config struct {
	In      io.Reader
	Out     io.Writer
	Width   int
	NoColor bool
	Theme   *Theme
}

type lineResult struct {
	line string
	err  error
}

// Console implements the agent UI and the tool notifier on a terminal
type Console struct {
	reader   *bufio.Reader
	out      io.Writer
	renderer *lipgloss.Renderer
	theme    Theme
	width    int

	outMu sync.Mutex

	// readMu guards pending, a read started for a canceled call whose line
	// is handed to the next caller
	readMu  sync.Mutex
	pending chan lineResult
}

// New creates a console. Zero values read stdin and write stdout.
func New(cfg Config) *Console {
	in := cfg.In
	if in == nil {
		in = os.Stdin
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	reader, ok := in.(*bufio.Reader)
	if !ok {
		reader = bufio.NewReader(in)
	}

	renderer := lipgloss.NewRenderer(out)
	if cfg.NoColor || !IsTerminal(out) {
		renderer.SetColorProfile(termenv.Ascii)
	}

	width := cfg.Width
	if width <= 0 {
		width = DefaultWidth
		if f, ok := out.(*os.File); ok && IsTerminal(out) {
			if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 && w < width {
				width = w
			}
		}
	}

	theme := DefaultTheme
	if cfg.Theme != nil {
		theme = *cfg.Theme
	}

	return &Console{
		reader:   reader,
		out:      out,
		renderer: renderer,
		theme:    theme,
		width:    width,
	}
}

// IsTerminal reports whether w is an interactive terminal
func IsTerminal(w interface{}) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// LineReader returns a reader serving whole input lines through the console.
// Approval prompts read through it so they never race a pending line read.
func (c *Console) LineReader() io.Reader {
	return &lineReader{console: c}
}

type lineReader struct {
	console *Console
	buf     []byte
}

func (r *lineReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		line, err := r.console.readLine(context.Background())
		if err != nil {
			return 0, err
		}
		r.buf = []byte(line + "\n")
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Writer returns the console output
func (c *Console) Writer() io.Writer {
	return c.out
}

func (c *Console) write(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprint(c.out, s)
}

// readLine reads one line, giving up when ctx ends. A line arriving after
// the cancel is kept for the next call.
func (c *Console) readLine(ctx context.Context) (string, error) {
	c.readMu.Lock()
	ch := c.pending
	if ch == nil {
		ch = make(chan lineResult, 1)
		go func() {
			line, err := c.reader.ReadString('\n')
			if err == io.EOF && line != "" {
				err = nil
			}
			ch <- lineResult{line: strings.TrimRight(line, "\r\n"), err: err}
		}()
	}
	c.pending = nil
	c.readMu.Unlock()

	select {
	case res := <-ch:
		return res.line, res.err
	case <-ctx.Done():
		c.readMu.Lock()
		c.pending = ch
		c.readMu.Unlock()
		return "", ctx.Err()
	}
}

// Input shows the prompt and reads one message. A line ending in a
// backslash continues on the next line.
func (c *Console) Input(ctx context.Context, model, cwd string) (string, error) {
	info := c.renderer.NewStyle().Foreground(c.theme.Dim).Render(fmt.Sprintf("%s • %s", cwd, model))
	prompt := c.renderer.NewStyle().Foreground(c.theme.Primary).Bold(true).Render(">> ")
	c.write("\n" + info + "\n" + prompt)

	var lines []string
	for {
		line, err := c.readLine(ctx)
		if err != nil {
			if len(lines) > 0 && err == io.EOF {
				break
			}
			c.write("\n")
			return "", err
		}
		if strings.HasSuffix(line, "\\") {
			lines = append(lines, strings.TrimSuffix(line, "\\"))
			c.write(c.renderer.NewStyle().Foreground(c.theme.Dim).Render(".. "))
			continue
		}
		lines = append(lines, line)
		break
	}
	return strings.Join(lines, "\n"), nil
}

// Ask prints prompt and reads a free form answer
func (c *Console) Ask(ctx context.Context, prompt string) (string, error) {
	c.write(c.renderer.NewStyle().Foreground(c.theme.Accent).Render(prompt))
	line, err := c.readLine(ctx)
	if err != nil {
		c.write("\n")
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Confirm asks a yes/no question. An empty answer takes def; a read error
// warns and takes def.
func (c *Console) Confirm(question string, def bool) bool {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	for {
		c.write(c.renderer.NewStyle().Foreground(c.theme.Warning).Render(question+" "+hint) + " ")
		line, err := c.readLine(context.Background())
		if err != nil {
			c.write("\n")
			c.Warning(fmt.Sprintf(failedConfirmMessage, def))
			return def
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
	}
}

// panel draws a titled rounded box
func (c *Console) panel(title, body string, color lipgloss.Color) {
	box := c.renderer.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(color).
		Padding(0, 1).
		Width(c.width - 2)
	heading := c.renderer.NewStyle().Foreground(color).Bold(true).Render(title)
	c.write(heading + "\n" + box.Render(body) + "\n")
}

func (c *Console) Status(title, message string) {
	c.panel(title, message, c.theme.Accent)
}

func (c *Console) Warning(msg string) {
	c.panel("Warning", msg, c.theme.Warning)
}

func (c *Console) Error(msg string) {
	c.panel("Error", msg, c.theme.Error)
}

// AIResponse renders the assistant's markdown answer
func (c *Console) AIResponse(text string) {
	body := renderMarkdown(c.renderer, c.theme, text, c.width-6)
	if body == "" {
		return
	}
	c.panel("Assistant", body, c.theme.Primary)
}

func (c *Console) Print(text string) {
	c.write(text + "\n")
}

// Help lists the chat commands
func (c *Console) Help(model string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Model: *%s*\n\n", model)
	b.WriteString("## Commands\n\n")
	for _, cmd := range helpCommands {
		fmt.Fprintf(&b, "- `%s` %s\n", cmd[0], cmd[1])
	}
	b.WriteString("\nPrefix a line with `!` to run it in your shell. End a line with `\\` to continue typing.\n\n")
	b.WriteString(helpFooter)
	c.panel("Help", renderMarkdown(c.renderer, c.theme, b.String(), c.width-6), c.theme.Secondary)
}

var helpCommands = [][2]string{
	{"/help, /h", "show this help"},
	{"/quit, /exit, /q", "end the session"},
	{"/clear", "start a new conversation"},
	{"/cls", "clear the terminal"},
	{"/id [id]", "show or switch the session id"},
	{"/model [name]", "show or change the model"},
	{"/rag [on|off]", "toggle retrieval over indexed collections"},
	{"/refs", "list files behind the latest retrieval"},
	{"/embed <dir> <collection>", "embed a directory"},
	{"/index <collection>", "make a collection searchable"},
	{"/unindex <collection>", "stop searching a collection"},
	{"/list", "list collections"},
	{"/delete <collection>", "delete a collection"},
	{"/purge", "delete all collections"},
}

func (c *Console) ClearScreen() {
	c.write("\033[H\033[2J")
}

func (c *Console) HistoryCleared() {
	c.panel("History Cleared", historyClearedMessage, c.theme.Success)
}

func (c *Console) Goodbye() {
	c.panel("Goodbye", goodbyeMessage, c.theme.Primary)
}

// Logo prints the banner with a vertical gradient
func (c *Console) Logo() {
	lines := strings.Split(strings.Trim(Logo, "\n"), "\n")
	var b strings.Builder
	for i, line := range lines {
		b.WriteString(c.renderer.NewStyle().Foreground(gradient(i+1, len(lines))).Bold(true).Render(line))
		b.WriteString("\n")
	}
	c.write(b.String())
}

func (c *Console) BatchStart(total int) {
	c.write(c.renderer.NewStyle().Foreground(c.theme.Accent).Render(fmt.Sprintf("%d tool calls pending", total)) + "\n")
}

func (c *Console) BatchProgress(index, total int, name string, done bool) {
	if done {
		return
	}
	c.write(c.renderer.NewStyle().Foreground(c.theme.Dim).Render(fmt.Sprintf("Processing tool %d of %d: %s", index, total, name)) + "\n")
}

// ToolStart shows the call with its arguments
func (c *Console) ToolStart(call conversation.ToolCall) {
	var b strings.Builder
	b.WriteString(c.renderer.NewStyle().Bold(true).Render(call.Name))
	if len(call.Arguments) > 0 {
		b.WriteString("\n\n" + c.renderer.NewStyle().Bold(true).Render("Arguments:"))
		keys := make([]string, 0, len(call.Arguments))
		for k := range call.Arguments {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			value := formatArg(call.Arguments[k])
			if len(value) > maxInlineArgs || strings.Contains(value, "\n") {
				b.WriteString(fmt.Sprintf("\n%s:\n%s", k, indent(truncate(value, maxBlockArgs, "..."))))
				continue
			}
			b.WriteString(fmt.Sprintf("\n%s: %s", k, value))
		}
	}
	c.panel("Tool Executing", b.String(), c.theme.Accent)
}

// ToolEnd shows the tool's output
func (c *Console) ToolEnd(result conversation.Message) {
	color := c.theme.Secondary
	if result.IsError {
		color = c.theme.Error
	}
	title := c.renderer.NewStyle().Foreground(color).Bold(true).Render("Tool Complete: " + result.Name)
	output := truncate(result.Content, maxToolOutput, "\n... (truncated)")
	c.write(title + "\n" + c.renderer.NewStyle().Bold(true).Render("Output:") + "\n" + indent(output) + "\n")
}

func formatArg(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// truncate cuts s to limit runes and appends suffix when it did
func truncate(s string, limit int, suffix string) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + suffix
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = "  " + line
	}
	return strings.Join(lines, "\n")
}
