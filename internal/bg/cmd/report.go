package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"bg/internal/analysis"
	"bg/internal/archmap"
	"bg/internal/bg/styles"
	"bg/internal/disasm"
	"bg/internal/image"
	"bg/internal/ui/colorize"
)

// report is one analysed binary as printed by analyze.
type report struct {
	Path         string               `json:"path"`
	Size         int                  `json:"size"`
	Format       image.Format         `json:"format"`
	Sections     []image.Section      `json:"sections"`
	Capabilities archmap.Capabilities `json:"capabilities"`
	Devices      []archmap.Device     `json:"devices,omitempty"`
	*analysis.Result
}

func newReport(path string, img *image.Image, res *analysis.Result) report {
	return report{
		Path:         path,
		Size:         len(img.Data),
		Format:       img.Format,
		Sections:     img.Sections,
		Capabilities: res.Map.Capabilities(),
		Devices:      res.Map.Devices(),
		Result:       res,
	}
}

// markdown renders reports as one markdown document.
func markdown(reports []report) string {
	var sb strings.Builder
	sb.WriteString("# Binary Guardian\n\n")
	for _, r := range reports {
		writeReport(&sb, r)
	}
	return sb.String()
}

func writeReport(sb *strings.Builder, r report) {
	m := r.Map
	fmt.Fprintf(sb, "## %s\n\n", r.Image)
	fmt.Fprintf(sb, "`%s` · %s · %d bytes · key `%s`\n\n", r.Path, r.Format, r.Size, r.Key[:16])
	fmt.Fprintf(sb, "**%s** under policy `%s` · minimum level `%s`\n\n", r.Verdict.Decision(), r.Verdict.Policy, r.MinimumLevel)

	if len(r.Verdict.Violations) > 0 {
		sb.WriteString("### Violations\n\n")
		for _, v := range r.Verdict.Violations {
			fmt.Fprintf(sb, "- %s\n", v)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("### Sections\n\n")
	sb.WriteString("| name | perm | address | offset | size |\n|---|---|---|---|---|\n")
	for _, s := range r.Sections {
		fmt.Fprintf(sb, "| %s | %s | %#x | %#x | %d |\n", s.Name, s.Perm, s.Addr, s.Offset, s.Size)
	}
	sb.WriteString("\n")

	if problems := r.Integrity.Problems(); len(problems) > 0 {
		sb.WriteString("### Structure\n\n")
		for _, p := range problems {
			fmt.Fprintf(sb, "- %s\n", p)
		}
		sb.WriteString("\n")
	}

	if ip := &r.Imports; ip.Imports > 0 || len(ip.Exports) > 0 {
		sb.WriteString("### Imports\n\n")
		fmt.Fprintf(sb, "- %d imports, %d exports\n", ip.Imports, len(ip.Exports))
		if len(ip.Libraries) > 0 {
			fmt.Fprintf(sb, "- libraries: %s\n", strings.Join(ip.Libraries, ", "))
		}
		for _, c := range archmap.CategoryOrder() {
			if names := ip.Categories[c]; len(names) > 0 {
				fmt.Fprintf(sb, "- %s: `%s`\n", c, strings.Join(names, " "))
			}
		}
		sb.WriteString("\n")
	}

	im := &m.Instructions
	sb.WriteString("### Instructions\n\n")
	fmt.Fprintf(sb, "- total %d: safe %d, restricted %d, privileged %d\n", im.Total, im.Safe, im.Restricted, im.Privileged)
	if len(im.Faults) > 0 {
		fmt.Fprintf(sb, "- decode faults: %d\n", len(im.Faults))
	}
	for _, c := range []struct {
		name string
		ops  []string
	}{
		{"privileged", opNames(im, disasm.Privileged)},
		{"restricted", opNames(im, disasm.Restricted)},
	} {
		if len(c.ops) > 0 {
			fmt.Fprintf(sb, "- %s: `%s`\n", c.name, strings.Join(c.ops, " "))
		}
	}
	sb.WriteString("\n")

	if active := capabilityNames(r.Capabilities); len(active) > 0 {
		sb.WriteString("### Capabilities\n\n")
		for _, name := range active {
			fmt.Fprintf(sb, "- %s\n", name)
		}
		if r.Capabilities.RequiresKernel() {
			sb.WriteString("\n> requires kernel privilege\n")
		}
		sb.WriteString("\n")
	}

	if len(r.Devices) > 0 || m.IO.Unresolved > 0 {
		sb.WriteString("### I/O\n\n")
		for _, d := range r.Devices {
			ports := make([]string, len(d.Ports))
			for i, p := range d.Ports {
				ports[i] = fmt.Sprintf("%#x", p)
			}
			fmt.Fprintf(sb, "- %s: %s\n", d.Name, strings.Join(ports, ", "))
		}
		if m.IO.Unresolved > 0 {
			fmt.Fprintf(sb, "- unresolved accesses: %d\n", m.IO.Unresolved)
		}
		sb.WriteString("\n")
	}

	sc := &m.Syscalls
	if sc.Syscalls > 0 || len(sc.Vectors) > 0 || sc.UnresolvedVectors > 0 {
		sb.WriteString("### System calls and interrupts\n\n")
		if sc.Syscalls > 0 {
			nums := make([]string, len(sc.Numbers))
			for i, n := range sc.Numbers {
				nums[i] = fmt.Sprint(n)
			}
			fmt.Fprintf(sb, "- syscall sites: %d, numbers [%s], unresolved %d\n", sc.Syscalls, strings.Join(nums, " "), sc.UnresolvedNumbers)
		}
		for _, v := range sc.Vectors {
			fmt.Fprintf(sb, "- int %#x\n", v)
		}
		if sc.UnresolvedVectors > 0 {
			fmt.Fprintf(sb, "- unresolved interrupts: %d\n", sc.UnresolvedVectors)
		}
		sb.WriteString("\n")
	}

	cf := &m.ControlFlow
	sb.WriteString("### Control flow\n\n")
	sb.WriteString("| jmp | jcc | jmp* | call | call* | far | ret | indirect sites |\n|---|---|---|---|---|---|---|---|\n")
	fmt.Fprintf(sb, "| %d | %d | %d | %d | %d | %d | %d | %d |\n\n",
		cf.DirectJumps, cf.ConditionalJumps, cf.IndirectJumps, cf.DirectCalls,
		cf.IndirectCalls, cf.FarJumps+cf.FarCalls, cf.Returns, cf.Indirect())

	if len(m.Memory.Writes) > 0 || m.Memory.RWX {
		sb.WriteString("### Memory\n\n")
		if m.Memory.RWX {
			sb.WriteString("- writable and executable section present\n")
		}
		for _, w := range m.Memory.Writes {
			fmt.Fprintf(sb, "- store into code at %s\n", w)
		}
		sb.WriteString("\n")
	}
}

// opNames lists the decoded ops of class c, without fault markers.
func opNames(im *archmap.InstructionMap, c disasm.Class) []string {
	var out []string
	for _, op := range im.OfClass(c) {
		if !op.Fault() {
			out = append(out, op.String())
		}
	}
	return out
}

func capabilityNames(c archmap.Capabilities) []string {
	var out []string
	for _, f := range []struct {
		name string
		on   bool
	}{
		{"privileged instructions", c.Privileged},
		{"port I/O", c.IO},
		{"system calls", c.Syscalls},
		{"software interrupts", c.Interrupts},
		{"indirect control flow", c.IndirectFlow},
		{"self-modifying code", c.SelfModifying},
		{"control registers", c.ControlRegisters},
		{"interrupt control", c.InterruptControl},
		{"model specific registers", c.MSR},
		{"descriptor tables", c.DescriptorTables},
		{"far transfers", c.FarTransfers},
	} {
		if f.on {
			out = append(out, f.name)
		}
	}
	return out
}

// printMarkdown renders md with glamour on a terminal and writes it
// verbatim otherwise.
func printMarkdown(cmd *cobra.Command, md string) error {
	if colorize.Disabled() {
		_, err := fmt.Fprint(cmd.OutOrStdout(), md)
		return err
	}
	width := 100
	if w, _, err := term.GetSize(os.Stdout.Fd()); err == nil && w > 0 {
		width = w
	}
	renderer, err := styles.MarkdownRenderer(width - 2)
	if err != nil {
		return fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	out, err := renderer.Render(md)
	if err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), out)
	return err
}
