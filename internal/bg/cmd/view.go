package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/spf13/cobra"

	"bg/internal/analysis"
	"bg/internal/bg/styles"
	"bg/internal/loader"
	"bg/internal/policy"
	"bg/internal/ui/colorize"
)

type viewMode int

const (
	viewReport viewMode = iota
	viewSymbols
	viewListing
)

type symbolItem struct {
	sym       loader.Symbol
	demangled string
}

func (i symbolItem) FilterValue() string {
	return fmt.Sprintf("%x %s", i.sym.Addr, i.demangled)
}

type symbolDelegate struct{}

func (d symbolDelegate) Height() int                               { return 1 }
func (d symbolDelegate) Spacing() int                              { return 0 }
func (d symbolDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d symbolDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(symbolItem)
	if !ok {
		return
	}
	indicator, addr := " ", styles.Muted.Render(fmt.Sprintf("%016x", i.sym.Addr))
	if index == m.Index() {
		indicator, addr = ">", styles.Selected.Render(fmt.Sprintf("%016x", i.sym.Addr))
	}
	fmt.Fprintf(w, " %s  %s  %s", indicator, addr, i.demangled)
}

type analyzedMsg struct {
	report *report
	err    error
}

type viewModel struct {
	report  viewport.Model
	listing viewport.Model
	symbols list.Model
	spinner spinner.Model
	mode    viewMode

	ctx      context.Context
	path     string
	file     *loader.File
	policy   *policy.Policy
	analyzer *analysis.Analyzer

	result  *report
	err     error
	loading bool
	width   int
	height  int
}

func newViewModel(ctx context.Context, path string, f *loader.File, pol *policy.Policy, a *analysis.Analyzer) viewModel {
	rvp := viewport.New()
	rvp.SetWidth(80)
	rvp.SetHeight(24)
	lvp := viewport.New()
	lvp.SetWidth(80)
	lvp.SetHeight(24)

	items := make([]list.Item, 0, len(f.Symbols))
	for _, s := range f.Symbols {
		if s.Mapped {
			items = append(items, symbolItem{sym: s, demangled: s.Demangled()})
		}
	}
	symbols := list.New(items, symbolDelegate{}, 80, 24)
	symbols.SetShowStatusBar(false)
	symbols.SetFilteringEnabled(true)
	symbols.SetShowHelp(true)
	symbols.Title = fmt.Sprintf("Symbols (%d)", len(items))
	symbols.Styles.Title = styles.ListTitle

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styles.Spinner

	m := viewModel{
		report:   rvp,
		listing:  lvp,
		symbols:  symbols,
		spinner:  s,
		mode:     viewReport,
		ctx:      ctx,
		path:     path,
		file:     f,
		policy:   pol,
		analyzer: a,
		loading:  true,
		width:    80,
		height:   24,
	}
	m.updateReport()
	return m
}

func (m viewModel) analyze() tea.Msg {
	res, err := m.analyzer.Analyze(m.ctx, m.file.Image, m.policy)
	if err != nil {
		return analyzedMsg{err: err}
	}
	r := newReport(m.path, m.file.Image, res)
	return analyzedMsg{report: &r}
}

func (m viewModel) Init() tea.Cmd {
	return tea.Batch(m.analyze, m.spinner.Tick)
}

func (m viewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case analyzedMsg:
		m.result, m.err = msg.report, msg.err
		m.loading = false
		m.updateReport()
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(msg)
		m.updateReport()
		return m, cmd

	case tea.WindowSizeMsg:
		if msg.Width != m.width || msg.Height != m.height {
			m.resize(msg.Width, msg.Height)
		}

	case tea.KeyMsg:
		if m.mode == viewSymbols && m.symbols.FilterState() == list.Filtering {
			if k := msg.String(); k == "ctrl+c" {
				return m, tea.Quit
			}
			break
		}
		if next, cmd, ok := m.handleKey(msg.String()); ok {
			return next, cmd
		}
	}

	switch m.mode {
	case viewSymbols:
		m.symbols, cmd = m.symbols.Update(msg)
	case viewListing:
		m.listing, cmd = m.listing.Update(msg)
	default:
		m.report, cmd = m.report.Update(msg)
	}
	return m, cmd
}

// handleKey switches views. It reports false for keys the active view
// should receive instead.
func (m viewModel) handleKey(key string) (viewModel, tea.Cmd, bool) {
	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit, true
	case "r":
		m.mode = viewReport
	case "s":
		if len(m.symbols.Items()) > 0 {
			m.mode = viewSymbols
		}
	case "l":
		m.showListing(nil)
	case "enter":
		if m.mode != viewSymbols {
			return m, nil, false
		}
		if item, ok := m.symbols.SelectedItem().(symbolItem); ok {
			m.showListing(&item.sym)
		}
	case "tab":
		switch m.mode {
		case viewReport:
			if len(m.symbols.Items()) > 0 {
				m.mode = viewSymbols
			} else {
				m.showListing(nil)
			}
		case viewSymbols:
			m.showListing(nil)
		case viewListing:
			m.mode = viewReport
		}
	default:
		return m, nil, false
	}
	return m, nil, true
}

func (m *viewModel) resize(width, height int) {
	m.width, m.height = width, height
	m.report.SetWidth(width)
	m.report.SetHeight(height - 2)
	m.listing.SetWidth(width)
	m.listing.SetHeight(height - 2)
	m.symbols.SetWidth(width)
	m.symbols.SetHeight(height - 2)
	m.updateReport()
}

// showListing disassembles sym, or the whole binary when sym is nil.
func (m *viewModel) showListing(sym *loader.Symbol) {
	var sb strings.Builder
	var err error
	if sym == nil {
		err = writeListing(&sb, m.file)
	} else {
		err = writeSymbolListing(&sb, m.file, *sym)
	}
	if err != nil {
		slog.Debug("Listing failed", "error", err)
		fmt.Fprintf(&sb, "; ! %v\n", err)
	}
	m.listing.SetContent(strings.TrimSuffix(sb.String(), "\n"))
	m.listing.GotoTop()
	m.mode = viewListing
}

func (m *viewModel) updateReport() {
	var md string
	switch {
	case m.loading:
		md = fmt.Sprintf("# Binary Guardian\n\n%s Analyzing %s...", m.spinner.View(), m.file.Name)
	case m.err != nil:
		md = fmt.Sprintf("# Binary Guardian\n\n**%s**: %v", m.file.Name, m.err)
	default:
		md = markdown([]report{*m.result})
	}

	width := m.width
	if width == 0 {
		width = 80
	}
	renderer, err := styles.MarkdownRenderer(width - 2)
	if err == nil {
		if out, err := renderer.Render(md); err == nil {
			md = out
		}
	}
	m.report.SetContent(strings.TrimSuffix(md, "\n"))
}

func (m viewModel) View() string {
	var content, menu string
	switch m.mode {
	case viewSymbols:
		content = m.symbols.View()
		menu = " Enter: disassemble • /: filter • R: report • L: listing • Q: quit "
	case viewListing:
		content = m.listing.View()
		menu = " R: report • S: symbols • Tab: cycle • Q: quit "
	default:
		content = m.report.View()
		if len(m.symbols.Items()) > 0 {
			menu = " S: symbols • L: listing • Tab: cycle • Q: quit "
		} else {
			menu = " L: listing • Q: quit "
		}
	}
	return content + "\n" + styles.MenuBar.Width(m.width).Render(menu)
}

func newViewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view <file>",
		Short: "Browse the report, symbols and disassembly of a binary",
		Long: `View opens an interactive browser over one binary: the analysis report,
its symbol table, and an annotated disassembly of the whole binary or of a
selected symbol. Without a terminal it prints the report instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := resolvePolicy(cmd)
			if err != nil {
				return err
			}
			a, err := newAnalyzer(cmd)
			if err != nil {
				return err
			}
			f, err := openBinary(cmd, args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if colorize.Disabled() {
				res, err := a.Analyze(cmd.Context(), f.Image, pol)
				if err != nil {
					return err
				}
				return printMarkdown(cmd, markdown([]report{newReport(args[0], f.Image, res)}))
			}

			program := tea.NewProgram(
				newViewModel(cmd.Context(), args[0], f, pol, a),
				tea.WithAltScreen(),
				tea.WithContext(cmd.Context()),
			)
			if _, err := program.Run(); err != nil {
				slog.Error("TUI run error", "error", err)
				return fmt.Errorf("TUI error: %w", err)
			}
			return nil
		},
	}
	addPolicyFlags(cmd)
	addAnalyzerFlags(cmd)
	return cmd
}
