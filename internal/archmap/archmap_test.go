package archmap

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"bg/internal/disasm"
)

func TestRecordKeepsSetsSorted(t *testing.T) {
	m := New()
	for _, op := range []disasm.Op{disasm.Out, disasm.Cli, disasm.Mov, disasm.Cli, disasm.Syscall} {
		m.Instructions.Record(op)
	}
	for _, p := range []uint64{0x3f8, 0x60, 0x3f8, 0x20} {
		m.IO.RecordAccess(DirOut, disasm.Known(p))
	}
	m.IO.RecordAccess(DirIn, disasm.Unknown)
	m.IO.RecordAccess(DirIn, disasm.Known(0x10000))

	want := InstructionMap{
		Total:      5,
		Safe:       1,
		Restricted: 1,
		Privileged: 3,
		Ops:        []disasm.Op{disasm.Out, disasm.Cli, disasm.Syscall},
	}
	if diff := cmp.Diff(want, m.Instructions); diff != "" {
		t.Errorf("instruction map mismatch (-want +got):\n%s", diff)
	}
	wantIO := IOMap{Ports: []uint16{0x20, 0x60, 0x3f8}, Unresolved: 2, In: 2, Out: 4}
	if diff := cmp.Diff(wantIO, m.IO); diff != "" {
		t.Errorf("io map mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordFault(t *testing.T) {
	var im InstructionMap
	im.RecordFault(0x20, disasm.Undefined)
	im.RecordFault(0x10, disasm.Truncated)
	im.RecordFault(0x18, disasm.Undefined)

	if im.Privileged != 3 || im.Total != 3 {
		t.Fatalf("counts = %d/%d, want 3/3", im.Privileged, im.Total)
	}
	if diff := cmp.Diff([]uint64{0x18, 0x20}, im.FaultSites(disasm.Undefined)); diff != "" {
		t.Errorf("undefined sites (-want +got):\n%s", diff)
	}
	if got := im.OfClass(disasm.Privileged); len(got) != 2 {
		t.Errorf("OfClass(privileged) = %v, want truncated and undefined", got)
	}
}

func TestControlFlowRecord(t *testing.T) {
	var cf ControlFlowMap
	cf.Record(disasm.Jcc, 0)
	cf.Record(disasm.Loop, 2)
	cf.Record(disasm.CallIndirect, 0x40)
	cf.Record(disasm.JmpIndirect, 0x10)
	cf.Record(disasm.FarRet, 0x50)
	cf.Record(disasm.Mov, 0x60)

	want := ControlFlowMap{
		ConditionalJumps: 2,
		IndirectJumps:    1,
		IndirectCalls:    1,
		Returns:          1,
		IndirectSites:    []uint64{0x10, 0x40},
	}
	if diff := cmp.Diff(want, cf); diff != "" {
		t.Errorf("control flow mismatch (-want +got):\n%s", diff)
	}
}

// chunk builds a map from a list of observations so tests can split a
// stream at arbitrary points.
type obs func(*Map)

func build(list []obs) *Map {
	m := New()
	for _, o := range list {
		o(m)
	}
	return m
}

func TestMergeOrderIndependent(t *testing.T) {
	list := []obs{
		func(m *Map) { m.Instructions.Record(disasm.Cli) },
		func(m *Map) { m.IO.RecordAccess(DirOut, disasm.Known(0x3f8)) },
		func(m *Map) { m.Syscalls.RecordVector(0x80) },
		func(m *Map) { m.Memory.RecordWrite(Range{Start: 0x1000, End: 0x1004}) },
		func(m *Map) { m.ControlFlow.Record(disasm.CallIndirect, 0x30) },
		func(m *Map) { m.Instructions.RecordFault(0x99, disasm.Truncated) },
		func(m *Map) { m.Syscalls.RecordSyscall(disasm.Known(60)) },
		func(m *Map) { m.IO.RecordAccess(DirIn, disasm.Known(0x60)) },
		func(m *Map) { m.Syscalls.RecordVector(0x21) },
		func(m *Map) { m.Memory.RWX = true },
		func(m *Map) { m.Instructions.Record(disasm.Cli) },
		func(m *Map) { m.ControlFlow.Record(disasm.JmpIndirect, 0x08) },
	}
	want := build(list)

	for split := 0; split <= len(list); split++ {
		a, b := build(list[:split]), build(list[split:])
		ab := a.Clone()
		ab.Merge(b)
		if diff := cmp.Diff(want, ab); diff != "" {
			t.Errorf("split %d: a+b differs (-want +got):\n%s", split, diff)
		}
		ba := b.Clone()
		ba.Merge(a)
		if diff := cmp.Diff(want, ba); diff != "" {
			t.Errorf("split %d: b+a differs (-want +got):\n%s", split, diff)
		}
	}
}

func TestMergeDoesNotAlias(t *testing.T) {
	a := New()
	a.IO.RecordAccess(DirOut, disasm.Known(0x60))
	c := a.Clone()
	c.IO.RecordAccess(DirOut, disasm.Known(0x20))
	if len(a.IO.Ports) != 1 {
		t.Errorf("clone shares storage with original: %v", a.IO.Ports)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	m := New()
	m.Instructions.Record(disasm.Wrmsr)
	m.Instructions.RecordFault(7, disasm.Undefined)
	m.IO.RecordAccess(DirIn, disasm.Known(0x70))

	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	got := New()
	if err := json.Unmarshal(b, got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCapabilities(t *testing.T) {
	m := New()
	if c := m.Capabilities(); c.Active() != 0 || !c.PureUserspace() {
		t.Fatalf("empty map capabilities = %+v", c)
	}
	m.Instructions.Record(disasm.MovCr)
	m.Instructions.Record(disasm.Lidt)
	m.ControlFlow.Record(disasm.CallIndirect, 4)
	c := m.Capabilities()
	want := Capabilities{Privileged: true, ControlRegisters: true, DescriptorTables: true, IndirectFlow: true}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("capabilities (-want +got):\n%s", diff)
	}
	if !c.RequiresKernel() {
		t.Error("RequiresKernel() = false")
	}
}

func TestDevices(t *testing.T) {
	m := New()
	for _, p := range []uint64{0x3f8, 0x3fd, 0x60, 0x64, 0x21, 0x1234, 0xcf8, 0xcfc} {
		m.IO.RecordAccess(DirOut, disasm.Known(p))
	}
	want := []Device{
		{Name: "pic1", Ports: []uint16{0x21}},
		{Name: "ps2-data", Ports: []uint16{0x60}},
		{Name: "ps2-cmd", Ports: []uint16{0x64}},
		{Name: "com1", Ports: []uint16{0x3f8, 0x3fd}},
		{Name: "pci-config", Ports: []uint16{0xcf8, 0xcfc}},
		{Name: "unknown", Ports: []uint16{0x1234}},
	}
	if diff := cmp.Diff(want, m.Devices()); diff != "" {
		t.Errorf("devices (-want +got):\n%s", diff)
	}
}

func TestDeviceName(t *testing.T) {
	tests := []struct {
		port uint16
		want string
		ok   bool
	}{
		{0x0000, "dma1", true},
		{0x000f, "dma1", true},
		{0x0010, "", false},
		{0x0043, "pit", true},
		{0x03f6, "ata1-ctl", true},
		{0x03f7, "", false},
		{0x0cff, "pci-config", true},
		{0xffff, "", false},
	}
	for _, tt := range tests {
		got, ok := DeviceName(tt.port)
		if got != tt.want || ok != tt.ok {
			t.Errorf("DeviceName(%#x) = %q, %v; want %q, %v", tt.port, got, ok, tt.want, tt.ok)
		}
	}
}
