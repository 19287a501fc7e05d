package console

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var (
	markdownParser     goldmark.Markdown
	markdownParserOnce sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParser = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))
	})
	return markdownParser
}

// renderMarkdown renders model output as styled terminal text wrapped to width
func renderMarkdown(r *lipgloss.Renderer, theme Theme, input string, width int) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}
	source := []byte(input)
	doc := getMarkdownParser().Parser().Parse(text.NewReader(source))

	m := &markdownRenderer{source: source, theme: theme, r: r, width: width}
	_ = ast.Walk(doc, m.walk)
	return strings.TrimRight(m.out.String(), "\n")
}

type listState struct {
	ordered bool
	counter int
	tight   bool
}

// markdownRenderer collects inline content per block and wraps it when the
// block closes
type markdownRenderer struct {
	source []byte
	theme  Theme
	r      *lipgloss.Renderer
	width  int

	out    strings.Builder
	inline strings.Builder

	prefixes      []string
	pendingBullet string
	lists         []listState

	bold          int
	italic        int
	strikethrough int
}

func (m *markdownRenderer) prefix() string {
	return strings.Join(m.prefixes, "")
}

func (m *markdownRenderer) inTightList() bool {
	return len(m.lists) > 0 && m.lists[len(m.lists)-1].tight
}

func (m *markdownRenderer) blankLine() {
	s := m.out.String()
	if s == "" || strings.HasSuffix(s, "\n\n") {
		return
	}
	if strings.HasSuffix(s, "\n") {
		m.out.WriteString("\n")
		return
	}
	m.out.WriteString("\n\n")
}

// emit writes block content line by line, the first line taking a pending
// list bullet
func (m *markdownRenderer) emit(content string) {
	prefix := m.prefix()
	for i, line := range strings.Split(content, "\n") {
		if i == 0 && m.pendingBullet != "" {
			m.out.WriteString(strings.TrimSuffix(prefix, strings.Repeat(" ", ansi.StringWidth(m.pendingBullet))))
			m.out.WriteString(m.pendingBullet)
			m.pendingBullet = ""
		} else {
			m.out.WriteString(prefix)
		}
		m.out.WriteString(line)
		m.out.WriteString("\n")
	}
}

func (m *markdownRenderer) flush() {
	content := m.inline.String()
	m.inline.Reset()
	if content == "" {
		return
	}
	width := m.width - ansi.StringWidth(m.prefix())
	if width < 10 {
		width = 10
	}
	m.emit(ansi.Wrap(content, width, " "))
}

func (m *markdownRenderer) styled(s string) string {
	if m.bold == 0 && m.italic == 0 && m.strikethrough == 0 {
		return s
	}
	style := m.r.NewStyle()
	if m.bold > 0 {
		style = style.Bold(true)
	}
	if m.italic > 0 {
		style = style.Italic(true)
	}
	if m.strikethrough > 0 {
		style = style.Strikethrough(true)
	}
	return style.Render(s)
}

func (m *markdownRenderer) lines(node ast.Node) string {
	var b strings.Builder
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		b.Write(segment.Value(m.source))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *markdownRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := node.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		if entering {
			m.inline.Reset()
			break
		}
		m.flush()
		if !m.inTightList() {
			m.blankLine()
		}

	case *ast.Heading:
		if entering {
			m.inline.Reset()
			m.bold++
			break
		}
		m.bold--
		content := m.inline.String()
		m.inline.Reset()
		m.emit(m.r.NewStyle().Foreground(m.theme.Primary).Render(content))
		m.blankLine()

	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if !entering {
			break
		}
		style := m.r.NewStyle().Foreground(m.theme.Muted)
		for _, line := range strings.Split(m.lines(n), "\n") {
			m.emit("  " + style.Render(line))
		}
		m.blankLine()
		return ast.WalkSkipChildren, nil

	case *ast.HTMLBlock:
		if entering {
			m.emit(m.lines(n))
			m.blankLine()
		}
		return ast.WalkSkipChildren, nil

	case *ast.Blockquote:
		if entering {
			m.prefixes = append(m.prefixes, m.r.NewStyle().Foreground(m.theme.Dim).Render("│")+" ")
			break
		}
		m.prefixes = m.prefixes[:len(m.prefixes)-1]
		m.blankLine()

	case *ast.List:
		if entering {
			m.lists = append(m.lists, listState{ordered: n.IsOrdered(), counter: n.Start, tight: n.IsTight})
			break
		}
		m.lists = m.lists[:len(m.lists)-1]
		if len(m.lists) == 0 {
			m.blankLine()
		}

	case *ast.ListItem:
		if !entering {
			m.prefixes = m.prefixes[:len(m.prefixes)-1]
			break
		}
		state := &m.lists[len(m.lists)-1]
		bullet := "• "
		if state.ordered {
			bullet = fmt.Sprintf("%d. ", state.counter)
			state.counter++
		}
		m.pendingBullet = bullet
		m.prefixes = append(m.prefixes, strings.Repeat(" ", ansi.StringWidth(bullet)))

	case *ast.ThematicBreak:
		if entering {
			m.emit(m.r.NewStyle().Foreground(m.theme.Dim).Render(strings.Repeat("─", 20)))
			m.blankLine()
		}

	case *ast.Text:
		if !entering {
			break
		}
		m.inline.WriteString(m.styled(string(n.Segment.Value(m.source))))
		switch {
		case n.HardLineBreak():
			m.inline.WriteString("\n")
		case n.SoftLineBreak():
			m.inline.WriteString(" ")
		}

	case *ast.String:
		if entering {
			m.inline.WriteString(m.styled(string(n.Value)))
		}

	case *ast.CodeSpan:
		if !entering {
			break
		}
		var b strings.Builder
		for child := n.FirstChild(); child != nil; child = child.NextSibling() {
			if t, ok := child.(*ast.Text); ok {
				b.Write(t.Segment.Value(m.source))
			}
		}
		m.inline.WriteString(m.r.NewStyle().Foreground(m.theme.Accent).Render(b.String()))
		return ast.WalkSkipChildren, nil

	case *ast.Emphasis:
		counter := &m.italic
		if n.Level >= 2 {
			counter = &m.bold
		}
		if entering {
			*counter++
		} else {
			*counter--
		}

	case *extast.Strikethrough:
		if entering {
			m.strikethrough++
		} else {
			m.strikethrough--
		}

	case *ast.Link:
		if !entering {
			m.inline.WriteString(m.r.NewStyle().Foreground(m.theme.Dim).Render(" (" + string(n.Destination) + ")"))
		}

	case *ast.AutoLink:
		if entering {
			m.inline.WriteString(m.r.NewStyle().Foreground(m.theme.Accent).Underline(true).Render(string(n.URL(m.source))))
		}
		return ast.WalkSkipChildren, nil

	case *ast.RawHTML:
		if entering {
			for i := 0; i < n.Segments.Len(); i++ {
				segment := n.Segments.At(i)
				m.inline.Write(segment.Value(m.source))
			}
		}
		return ast.WalkSkipChildren, nil
	}

	return ast.WalkContinue, nil
}
