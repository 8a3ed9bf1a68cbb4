package styles

import (
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/x/exp/charmtone"
)

var (
	approveBadge = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color(charmtone.Charcoal.Hex())).
			Background(lipgloss.Color(charmtone.Guac.Hex()))
	denyBadge = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color(charmtone.Smoke.Hex())).
			Background(lipgloss.Color(charmtone.Cheeky.Hex()))

	// Name styles file names and policy names in one-line summaries.
	Name = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Malibu.Hex()))
	// Muted styles secondary detail such as cache keys.
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Squid.Hex()))
	// Violation styles one line of a denial.
	Violation = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Cheeky.Hex()))
)

// Badge renders the decision word on a colored background.
func Badge(decision string, approved bool) string {
	if approved {
		return approveBadge.Render(decision)
	}
	return denyBadge.Render(decision)
}

// Styles of the interactive browser.
var (
	MenuBar = lipgloss.NewStyle().
		Background(lipgloss.Color(charmtone.Charcoal.Hex())).
		Foreground(lipgloss.Color(charmtone.Smoke.Hex())).
		Padding(0, 1)
	ListTitle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(charmtone.Charple.Hex())).
			MarginLeft(2)
	Selected = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Zest.Hex()))
	Spinner  = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Charple.Hex()))
)
