package console

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/harun/ally/pkg/agent"
	"github.com/harun/ally/pkg/conversation"
	"github.com/harun/ally/pkg/toolexecutor"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ agent.UI              = (*Console)(nil)
	_ toolexecutor.Notifier = (*Console)(nil)
)

func setupTestConsole(input string) (*Console, *bytes.Buffer) {
	out := &bytes.Buffer{}
	c := New(Config{In: strings.NewReader(input), Out: out, NoColor: true})
	return c, out
}

func TestConsole_Input(t *testing.T) {
	ctx := context.Background()

	t.Run("should read one line", func(t *testing.T) {
		c, out := setupTestConsole("hello\nnext\n")

		line, err := c.Input(ctx, "test-model", "/work")

		require.NoError(t, err)
		assert.Equal(t, "hello", line)
		assert.Contains(t, out.String(), "/work • test-model")
		assert.Contains(t, out.String(), ">> ")
	})

	t.Run("should join continued lines", func(t *testing.T) {
		c, _ := setupTestConsole("first\\\nsecond\n")

		line, err := c.Input(ctx, "m", "/")

		require.NoError(t, err)
		assert.Equal(t, "first\nsecond", line)
	})

	t.Run("should accept a last line without newline", func(t *testing.T) {
		c, _ := setupTestConsole("tail")

		line, err := c.Input(ctx, "m", "/")

		require.NoError(t, err)
		assert.Equal(t, "tail", line)
	})

	t.Run("should return EOF when input ends", func(t *testing.T) {
		c, _ := setupTestConsole("")

		_, err := c.Input(ctx, "m", "/")
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("should keep a line read after cancellation", func(t *testing.T) {
		pr, pw := io.Pipe()
		defer pw.Close()
		c := New(Config{In: pr, Out: &bytes.Buffer{}, NoColor: true})

		canceled, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := c.Input(canceled, "m", "/")
		assert.ErrorIs(t, err, context.Canceled)

		go func() {
			_, _ = pw.Write([]byte("later\n"))
		}()
		answer, err := c.Ask(ctx, "again? ")

		require.NoError(t, err)
		assert.Equal(t, "later", answer)
	})
}

func TestConsole_LineReader(t *testing.T) {
	t.Run("should serve one line per read", func(t *testing.T) {
		c, _ := setupTestConsole("yes\nnext\n")
		reader := bufio.NewReader(c.LineReader())

		first, err := reader.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "yes\n", first)

		line, err := c.Input(context.Background(), "m", "/")
		require.NoError(t, err)
		assert.Equal(t, "next", line)
	})

	t.Run("should report EOF", func(t *testing.T) {
		c, _ := setupTestConsole("")
		_, err := bufio.NewReader(c.LineReader()).ReadString('\n')
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestConsole_Confirm(t *testing.T) {
	t.Run("should take the default on an empty answer", func(t *testing.T) {
		c, _ := setupTestConsole("\n\n")
		assert.True(t, c.Confirm("Proceed?", true))
		assert.False(t, c.Confirm("Proceed?", false))
	})

	t.Run("should parse yes and no", func(t *testing.T) {
		c, _ := setupTestConsole("y\nNO\n")
		assert.True(t, c.Confirm("Proceed?", false))
		assert.False(t, c.Confirm("Proceed?", true))
	})

	t.Run("should ask again on an unknown answer", func(t *testing.T) {
		c, out := setupTestConsole("maybe\nyes\n")

		assert.True(t, c.Confirm("Proceed?", false))
		assert.Equal(t, 2, strings.Count(out.String(), "Proceed? [y/N]"))
	})

	t.Run("should warn and take the default when input fails", func(t *testing.T) {
		c, out := setupTestConsole("")

		assert.True(t, c.Confirm("Proceed?", true))
		assert.Contains(t, out.String(), "Failed to confirm action. Continuing with default value (true)")
	})
}

func TestConsole_Panels(t *testing.T) {
	t.Run("should title warnings and errors", func(t *testing.T) {
		c, out := setupTestConsole("")

		c.Warning("careful")
		c.Error("broken")

		assert.Contains(t, out.String(), "Warning")
		assert.Contains(t, out.String(), "careful")
		assert.Contains(t, out.String(), "Error")
		assert.Contains(t, out.String(), "broken")
		assert.Contains(t, out.String(), "╭")
	})

	t.Run("should print the session messages", func(t *testing.T) {
		c, out := setupTestConsole("")

		c.HistoryCleared()
		c.Goodbye()
		c.Help("test-model")

		assert.Contains(t, out.String(), "Conversation history cleared")
		assert.Contains(t, out.String(), "Thanks for using Ally!")
		assert.Contains(t, out.String(), "Model: test-model")
		assert.Contains(t, out.String(), "/embed <dir> <collection>")
	})

	t.Run("should clear the screen", func(t *testing.T) {
		c, out := setupTestConsole("")
		c.ClearScreen()
		assert.Equal(t, "\033[H\033[2J", out.String())
	})

	t.Run("should skip empty answers", func(t *testing.T) {
		c, out := setupTestConsole("")
		c.AIResponse("   ")
		assert.Empty(t, out.String())
	})
}

func TestConsole_Tools(t *testing.T) {
	t.Run("should show sorted arguments", func(t *testing.T) {
		c, out := setupTestConsole("")

		c.ToolStart(conversation.ToolCall{ID: "1", Name: "read_file", Arguments: map[string]interface{}{"path": "b.txt", "max_bytes": 10}})

		text := out.String()
		assert.Contains(t, text, "Tool Executing")
		assert.Contains(t, text, "read_file")
		assert.Less(t, strings.Index(text, "max_bytes: 10"), strings.Index(text, "path: b.txt"))
	})

	t.Run("should truncate long arguments", func(t *testing.T) {
		c, out := setupTestConsole("")

		c.ToolStart(conversation.ToolCall{ID: "1", Name: "write_file", Arguments: map[string]interface{}{"content": strings.Repeat("q", 600)}})

		assert.Equal(t, maxBlockArgs, strings.Count(out.String(), "q"))
		assert.Contains(t, out.String(), "...")
	})

	t.Run("should truncate long output", func(t *testing.T) {
		c, out := setupTestConsole("")

		c.ToolEnd(conversation.ToolResult("1", "read_file", strings.Repeat("q", 1500), false))

		assert.Contains(t, out.String(), "Tool Complete: read_file")
		assert.Equal(t, maxToolOutput, strings.Count(out.String(), "q"))
		assert.Contains(t, out.String(), "(truncated)")
	})

	t.Run("should report batch progress before each call", func(t *testing.T) {
		c, out := setupTestConsole("")

		c.BatchStart(2)
		c.BatchProgress(1, 2, "read_file", false)
		c.BatchProgress(1, 2, "read_file", true)

		assert.Contains(t, out.String(), "2 tool calls pending")
		assert.Equal(t, 1, strings.Count(out.String(), "Processing tool 1 of 2"))
	})
}

func TestRenderMarkdown(t *testing.T) {
	r := lipgloss.NewRenderer(&bytes.Buffer{})
	r.SetColorProfile(termenv.Ascii)

	t.Run("should render blocks as plain text", func(t *testing.T) {
		input := "# Title\n\nSome *text* here.\n\n- one\n- two\n\n1. first\n2. second\n\n```\nx := 1\n```\n"

		got := renderMarkdown(r, DefaultTheme, input, 80)

		lines := strings.Split(got, "\n")
		assert.Equal(t, "Title", lines[0])
		assert.Contains(t, lines, "Some text here.")
		assert.Contains(t, lines, "• one")
		assert.Contains(t, lines, "• two")
		assert.Contains(t, lines, "1. first")
		assert.Contains(t, lines, "2. second")
		assert.Contains(t, lines, "  x := 1")
	})

	t.Run("should show link targets", func(t *testing.T) {
		got := renderMarkdown(r, DefaultTheme, "See [docs](https://example.com).", 80)
		assert.Equal(t, "See docs (https://example.com).", got)
	})

	t.Run("should wrap long paragraphs", func(t *testing.T) {
		got := renderMarkdown(r, DefaultTheme, strings.Repeat("word ", 30), 40)
		for _, line := range strings.Split(got, "\n") {
			assert.LessOrEqual(t, len(line), 40)
		}
	})

	t.Run("should prefix quotes", func(t *testing.T) {
		got := renderMarkdown(r, DefaultTheme, "> quoted", 80)
		assert.Equal(t, "│ quoted", got)
	})
}
