package tui

import "github.com/charmbracelet/lipgloss"

// Theme holds the color roles the monitor renders with.
type Theme struct {
	Name      string
	Border    lipgloss.Color
	TextDim   lipgloss.Color
	TextMuted lipgloss.Color
	Text      lipgloss.Color
	Accent    lipgloss.Color
	Selected  lipgloss.Color
	Green     lipgloss.Color
	Orange    lipgloss.Color
	Red       lipgloss.Color
}

// FlexokiDark is the default theme.
var FlexokiDark = Theme{
	Name:      "flexoki-dark",
	Border:    lipgloss.Color("#403E3C"),
	TextDim:   lipgloss.Color("#575653"),
	TextMuted: lipgloss.Color("#878580"),
	Text:      lipgloss.Color("#FFFCF0"),
	Accent:    lipgloss.Color("#3AA99F"),
	Selected:  lipgloss.Color("#282726"),
	Green:     lipgloss.Color("#879A39"),
	Orange:    lipgloss.Color("#DA702C"),
	Red:       lipgloss.Color("#D14D41"),
}

// Terminal uses ANSI 16 colors only.
var Terminal = Theme{
	Name:      "terminal",
	Border:    lipgloss.Color("8"),
	TextDim:   lipgloss.Color("8"),
	TextMuted: lipgloss.Color("7"),
	Text:      lipgloss.Color("15"),
	Accent:    lipgloss.Color("6"),
	Selected:  lipgloss.Color("8"),
	Green:     lipgloss.Color("2"),
	Orange:    lipgloss.Color("3"),
	Red:       lipgloss.Color("1"),
}

// ThemeByName returns a theme by its name, defaulting to FlexokiDark.
func ThemeByName(name string) Theme {
	for _, t := range []Theme{FlexokiDark, Terminal} {
		if t.Name == name {
			return t
		}
	}
	return FlexokiDark
}
