package console

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Theme is the console palette
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Accent    lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
	Dim       lipgloss.Color
	Text      lipgloss.Color
	Border    lipgloss.Color
}

// DefaultTheme is the purple dark-terminal scheme
var DefaultTheme = Theme{
	Primary:   lipgloss.Color("#a855f7"),
	Secondary: lipgloss.Color("#ec4899"),
	Accent:    lipgloss.Color("#06b6d4"),
	Success:   lipgloss.Color("#10b981"),
	Warning:   lipgloss.Color("#f59e0b"),
	Error:     lipgloss.Color("#ef4444"),
	Muted:     lipgloss.Color("#9ca3af"),
	Dim:       lipgloss.Color("#6b7280"),
	Text:      lipgloss.Color("#f3f4f6"),
	Border:    lipgloss.Color("#6b21a8"),
}

// gradient interpolates from violet to red for line i of n
func gradient(i, n int) lipgloss.Color {
	if n < 1 {
		n = 1
	}
	progress := float64(i-1) / float64(n)
	if progress < 0 {
		progress = 0
	}
	channel := func(from, to int) int {
		return from + int(float64(to-from)*progress)
	}
	return lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", channel(139, 239), channel(92, 68), channel(246, 68)))
}

// Logo is the banner shown when a chat session starts
const Logo = `
     _    _     _  __   __
    / \  | |   | | \ \ / /
   / _ \ | |   | |  \ V /
  / ___ \| |___| |___| |
 /_/   \_\_____|_____|_|
`
