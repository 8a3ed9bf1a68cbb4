package archmap

import "bg/internal/disasm"

// Capabilities is a yes/no summary of what a binary can do, derived
// only from its map.
type Capabilities struct {
	Privileged       bool `json:"privileged"`
	IO               bool `json:"io"`
	Syscalls         bool `json:"syscalls"`
	Interrupts       bool `json:"interrupts"`
	IndirectFlow     bool `json:"indirect_flow"`
	SelfModifying    bool `json:"self_modifying"`
	ControlRegisters bool `json:"control_registers"`
	InterruptControl bool `json:"interrupt_control"`
	MSR              bool `json:"msr"`
	DescriptorTables bool `json:"descriptor_tables"`
	FarTransfers     bool `json:"far_transfers"`
}

func (m *Map) Capabilities() Capabilities {
	im := &m.Instructions
	hasAny := func(ops ...disasm.Op) bool {
		for _, op := range ops {
			if im.Has(op) {
				return true
			}
		}
		return false
	}
	cf := &m.ControlFlow
	return Capabilities{
		Privileged:    im.Privileged > 0,
		IO:            m.IO.Accesses() > 0,
		Syscalls:      m.Syscalls.Syscalls > 0 || hasAny(disasm.Sysenter),
		Interrupts:    len(m.Syscalls.Vectors) > 0 || m.Syscalls.UnresolvedVectors > 0 || hasAny(disasm.Int1, disasm.Int3),
		IndirectFlow:  cf.IndirectJumps+cf.IndirectCalls > 0,
		SelfModifying: m.Memory.SelfModifying(),
		ControlRegisters: hasAny(disasm.MovCr, disasm.MovDr, disasm.Clts, disasm.Lmsw,
			disasm.Xsetbv),
		InterruptControl: hasAny(disasm.Cli, disasm.Sti, disasm.Hlt, disasm.Iret),
		MSR:              hasAny(disasm.Rdmsr, disasm.Wrmsr, disasm.Swapgs),
		DescriptorTables: hasAny(disasm.Lgdt, disasm.Lidt, disasm.Lldt, disasm.Ltr,
			disasm.Sgdt, disasm.Sidt, disasm.Sldt, disasm.Str),
		FarTransfers: cf.FarJumps+cf.FarCalls > 0 || hasAny(disasm.FarRet),
	}
}

// RequiresKernel reports whether the binary needs ring 0.
func (c Capabilities) RequiresKernel() bool {
	return c.Privileged || c.IO || c.ControlRegisters || c.InterruptControl ||
		c.MSR || c.DescriptorTables
}

// PureUserspace reports whether the binary only computes.
func (c Capabilities) PureUserspace() bool {
	return !c.RequiresKernel() && !c.SelfModifying && !c.FarTransfers
}

// Active counts the capabilities that are present.
func (c Capabilities) Active() int {
	n := 0
	for _, f := range []bool{
		c.Privileged, c.IO, c.Syscalls, c.Interrupts, c.IndirectFlow,
		c.SelfModifying, c.ControlRegisters, c.InterruptControl, c.MSR,
		c.DescriptorTables, c.FarTransfers,
	} {
		if f {
			n++
		}
	}
	return n
}
