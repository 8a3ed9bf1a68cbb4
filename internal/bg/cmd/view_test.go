package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea/v2"

	"bg/internal/analysis"
	"bg/internal/image"
	"bg/internal/loader"
	"bg/internal/policy"
)

// testFile maps cli; ret followed by in al, dx; ret at 0x1000 with a
// symbol on each function.
func testFile() *loader.File {
	code := []byte{0xfa, 0xc3, 0xec, 0xc3}
	return &loader.File{
		Image: image.Raw("a.bin", code, 0x1000),
		Symbols: []loader.Symbol{
			{Name: "start", Addr: 0x1000, Mapped: true},
			{Name: "_ZN3foo3barEv", Addr: 0x1002, Offset: 2, Mapped: true},
		},
	}
}

func TestWriteSymbolListing(t *testing.T) {
	t.Setenv("BG_NO_COLOR", "1")
	f := testFile()

	var sb strings.Builder
	if err := writeSymbolListing(&sb, f, f.Symbols[1]); err != nil {
		t.Fatal(err)
	}
	out := sb.String()
	for _, want := range []string{"; foo::bar() 0x1002-0x1004", "; foo::bar():", "in al, dx", "port unresolved"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "cli") {
		t.Errorf("listing ran into the previous symbol:\n%s", out)
	}

	err := writeSymbolListing(&sb, f, loader.Symbol{Name: "data", Addr: 0x2000})
	if err == nil {
		t.Error("unmapped symbol listed")
	}
}

func TestViewModel(t *testing.T) {
	t.Setenv("BG_NO_COLOR", "1")
	f := testFile()
	m := newViewModel(context.Background(), "a.bin", f, policy.Preset(policy.User), &analysis.Analyzer{})
	if !m.loading || m.mode != viewReport {
		t.Fatalf("initial state: loading=%t mode=%d", m.loading, m.mode)
	}

	msg, ok := m.analyze().(analyzedMsg)
	if !ok || msg.err != nil {
		t.Fatalf("analyze = %+v", msg)
	}
	next, _ := m.Update(msg)
	m = next.(viewModel)
	if m.loading || m.result == nil || m.result.Verdict.Approved() {
		t.Fatalf("after analysis: loading=%t result=%+v", m.loading, m.result)
	}
	if got := m.result.MinimumLevel; got != policy.Driver {
		t.Errorf("minimum level = %s", got)
	}

	next, _ = m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m = next.(viewModel)
	if m.width != 120 || m.height != 40 {
		t.Errorf("size = %dx%d", m.width, m.height)
	}

	m, _, handled := m.handleKey("s")
	if !handled || m.mode != viewSymbols {
		t.Fatalf("s: handled=%t mode=%d", handled, m.mode)
	}
	m, _, _ = m.handleKey("enter")
	if m.mode != viewListing {
		t.Fatalf("enter: mode = %d", m.mode)
	}
	if v := m.View(); !strings.Contains(v, "; start 0x1000-0x1002") || !strings.Contains(v, "cli") {
		t.Errorf("symbol listing view:\n%s", v)
	}

	m, _, _ = m.handleKey("l")
	if v := m.View(); !strings.Contains(v, "; section .text") || !strings.Contains(v, "; foo::bar():") {
		t.Errorf("full listing view:\n%s", v)
	}

	m, _, _ = m.handleKey("tab")
	if m.mode != viewReport {
		t.Errorf("tab from listing: mode = %d", m.mode)
	}
	if _, _, handled := m.handleKey("enter"); handled {
		t.Error("enter outside the symbol list was consumed")
	}
	if _, cmd, _ := m.handleKey("q"); cmd == nil {
		t.Error("q did not quit")
	}
}

func TestViewModelWithoutSymbols(t *testing.T) {
	t.Setenv("BG_NO_COLOR", "1")
	f := &loader.File{Image: image.Raw("a.bin", []byte{0x90, 0xc3}, 0)}
	m := newViewModel(context.Background(), "a.bin", f, policy.Preset(policy.Sandbox), &analysis.Analyzer{})

	m, _, _ = m.handleKey("s")
	if m.mode != viewReport {
		t.Errorf("symbols view opened without symbols")
	}
	m, _, _ = m.handleKey("tab")
	if m.mode != viewListing {
		t.Errorf("tab without symbols: mode = %d", m.mode)
	}
}

func TestViewWithoutTerminal(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, dir, "view", "--no-cache", writeBinary(t, dir, "a.bin", cliRet))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "## a.bin") || !strings.Contains(out, "**DENY**") {
		t.Errorf("report:\n%s", out)
	}
}

func TestLogs(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	for name, text := range map[string]string{
		"bg-20250101-120000.log": "old\n",
		"bg-20250102-120000.log": "one\ntwo\nthree\n",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	out, err := execute(t, dir, "logs")
	if err != nil {
		t.Fatal(err)
	}
	if out != "one\ntwo\nthree\n" {
		t.Errorf("logs = %q", out)
	}

	out, err = execute(t, dir, "logs", "--tail", "1", "--file", filepath.Join(dir, "bg-20250101-120000.log"))
	if err != nil {
		t.Fatal(err)
	}
	if out != "old\n" {
		t.Errorf("logs --file = %q", out)
	}
}

func TestLastLines(t *testing.T) {
	data := []byte("a\nb\nc\n")
	tests := []struct {
		n    int
		want int64
	}{
		{0, 0},
		{1, 4},
		{2, 2},
		{3, 0},
		{10, 0},
	}
	for _, tt := range tests {
		if got := lastLines(data, tt.n); got != tt.want {
			t.Errorf("lastLines(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
	if got := lastLines([]byte("a\nb"), 1); got != 2 {
		t.Errorf("unterminated last line: got %d", got)
	}
}
