package analysis

import (
	"context"
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"bg/internal/archmap"
	"bg/internal/cache"
	"bg/internal/disasm"
	"bg/internal/image"
	"bg/internal/policy"
)

func rawImage(t *testing.T, code string) *image.Image {
	return image.Raw("test", mustHex(t, code), 0x1000)
}

func resolve(t *testing.T, c policy.Config) *policy.Policy {
	t.Helper()
	p, err := c.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func ptr[T any](v T) *T { return &v }

func TestExemplarCli(t *testing.T) {
	img := rawImage(t, "fa")
	res, err := Analyze(img, policy.Preset(policy.User))
	if err != nil {
		t.Fatal(err)
	}
	want := archmap.InstructionMap{Total: 1, Privileged: 1, Ops: []disasm.Op{disasm.Cli}}
	if diff := cmp.Diff(want, res.Map.Instructions); diff != "" {
		t.Errorf("instruction map (-want +got):\n%s", diff)
	}
	wantV := []policy.Violation{{Kind: policy.PrivilegedInstructionDenied, Op: disasm.Cli}}
	if diff := cmp.Diff(wantV, res.Verdict.Violations); diff != "" {
		t.Errorf("violations (-want +got):\n%s", diff)
	}
}

func TestExemplarResolvedPort(t *testing.T) {
	img := rawImage(t, "66 ba f8 03 ee")

	var outPort disasm.Value
	err := Walk(img, func(st *Step) error {
		if st.Inst.Op == disasm.Out {
			o, _ := st.Inst.Port()
			outPort = o.Value
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if outPort != disasm.Known(0x3f8) {
		t.Fatalf("dx at out = %v, want 0x3f8", outPort)
	}

	m, err := Inspect(img)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{0x3f8}, m.IO.Ports); diff != "" {
		t.Errorf("ports (-want +got):\n%s", diff)
	}

	only60 := resolve(t, policy.Config{Level: "driver", AllowAllPorts: ptr(false), AllowedPorts: []int{0x60}})
	v := policy.Evaluate(m, only60)
	wantV := []policy.Violation{{Kind: policy.UnauthorizedIOPort, Port: 0x3f8}}
	if diff := cmp.Diff(wantV, v.Violations); diff != "" {
		t.Errorf("violations (-want +got):\n%s", diff)
	}

	serial := resolve(t, policy.Config{Level: "driver", AllowAllPorts: ptr(false), AllowedPorts: []int{0x3f8}})
	if v := policy.Evaluate(m, serial); !v.Approved() {
		t.Errorf("verdict = %v, want approve", v)
	}
}

func TestExemplarCpuidKernel(t *testing.T) {
	img := rawImage(t, "0f a2")
	v, err := Gate(img, policy.Preset(policy.Kernel))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Approved() {
		t.Errorf("verdict = %v", v)
	}
	m, _ := Inspect(img)
	if m.Instructions.Privileged != 1 || !m.Instructions.Has(disasm.Cpuid) {
		t.Errorf("instruction map = %+v", m.Instructions)
	}
}

func TestExemplarRWX(t *testing.T) {
	// mov rax, 0x1008; mov byte [rax], 0x90 inside a writable text section
	img := rawImage(t, "48 b8 08 10 00 00 00 00 00 00 c6 00 90")
	img.Sections[0].Perm |= image.PermWrite

	m, err := Inspect(img)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Memory.RWX {
		t.Error("RWX flag not set")
	}
	if diff := cmp.Diff([]archmap.Range{{Start: 0x1008, End: 0x1009}}, m.Memory.Writes); diff != "" {
		t.Errorf("writes (-want +got):\n%s", diff)
	}

	noRWX := resolve(t, policy.Config{Level: "kernel", AllowRWX: ptr(false)})
	v := policy.Evaluate(m, noRWX)
	if diff := cmp.Diff([]policy.Violation{{Kind: policy.RWXRegion}}, v.Violations); diff != "" {
		t.Errorf("violations (-want +got):\n%s", diff)
	}

	for _, l := range []policy.Level{policy.Driver, policy.Service, policy.User, policy.Sandbox} {
		v := policy.Evaluate(m, policy.Preset(l))
		found := false
		for _, x := range v.Violations {
			found = found || x.Kind == policy.RWXRegion
		}
		if !found {
			t.Errorf("%v: no rwx violation in %v", l, v)
		}
	}
}

func TestSelfModifyingReadOnlyText(t *testing.T) {
	img := rawImage(t, "48 b8 08 10 00 00 00 00 00 00 c7 00 90 90 90 90")
	m, err := Inspect(img)
	if err != nil {
		t.Fatal(err)
	}
	if m.Memory.RWX {
		t.Error("RWX set for a read-execute section")
	}
	if diff := cmp.Diff([]archmap.Range{{Start: 0x1008, End: 0x100c}}, m.Memory.Writes); diff != "" {
		t.Errorf("writes (-want +got):\n%s", diff)
	}
}

func TestRepStoreSpansCount(t *testing.T) {
	// mov rdi, 0xf00; mov ecx, 0x40; then stosq with and without rep
	const setup = "48 bf 00 0f 00 00 00 00 00 00 b9 40 00 00 00 "
	tests := []struct {
		name string
		code string
		want []archmap.Range
	}{
		{"rep count reaches text", setup + "f3 48 ab", []archmap.Range{{Start: 0xf00, End: 0x1100}}},
		{"single store stays below text", setup + "48 ab", nil},
		{"zero count stores nothing", "48 bf 00 10 00 00 00 00 00 00 31 c9 f3 48 ab", nil},
		{"unknown count is one element", "48 bf 00 10 00 00 00 00 00 00 f3 48 ab", []archmap.Range{{Start: 0x1000, End: 0x1008}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Inspect(rawImage(t, tt.code))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, m.Memory.Writes); diff != "" {
				t.Errorf("writes (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStoreWidthReachesText(t *testing.T) {
	// mov rax, 0xff8; movups [rax], xmm0 covers 0xff8..0x1008
	m, err := Inspect(rawImage(t, "48 b8 f8 0f 00 00 00 00 00 00 0f 11 00"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]archmap.Range{{Start: 0xff8, End: 0x1008}}, m.Memory.Writes); diff != "" {
		t.Errorf("writes (-want +got):\n%s", diff)
	}
}

func TestWriteOutsideTextIgnored(t *testing.T) {
	img := rawImage(t, "c6 04 25 00 80 00 00 01")
	m, _ := Inspect(img)
	if m.Memory.SelfModifying() {
		t.Errorf("writes = %v, want none", m.Memory.Writes)
	}
}

func TestExemplarIndirectCallAfterBranch(t *testing.T) {
	tests := []struct {
		name string
		code string
		want disasm.Value
	}{
		{"after jcc", "48 c7 c0 00 10 00 00 74 00 ff d0", disasm.Unknown},
		{"straight line", "48 c7 c0 00 10 00 00 ff d0", disasm.Known(0x1000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := rawImage(t, tt.code)
			var target disasm.Value
			var site uint64
			err := Walk(img, func(st *Step) error {
				if st.Inst.Op == disasm.CallIndirect {
					target = st.Inst.Operands[0].Value
					site = st.Inst.Offset
				}
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if target != tt.want {
				t.Errorf("call target = %v, want %v", target, tt.want)
			}
			m, _ := Inspect(img)
			if m.ControlFlow.IndirectCalls != 1 {
				t.Errorf("indirect calls = %d", m.ControlFlow.IndirectCalls)
			}
			if diff := cmp.Diff([]uint64{site}, m.ControlFlow.IndirectSites); diff != "" {
				t.Errorf("sites (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFailClosedTruncation(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		offset uint64
		extra  []policy.Violation
	}{
		{"mov imm32", "90 b8 01", 1, nil},
		{"modrm", "90 90 8b", 2, nil},
		{"int vector", "90 cd", 1, []policy.Violation{{Kind: policy.UnresolvedInterrupt, Count: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := rawImage(t, tt.code)
			res, err := Analyze(img, policy.Preset(policy.User))
			if err != nil {
				t.Fatal(err)
			}
			want := append([]policy.Violation{{
				Kind:  policy.PrivilegedInstructionDenied,
				Op:    disasm.Truncated,
				Sites: []uint64{tt.offset},
			}}, tt.extra...)
			if diff := cmp.Diff(want, res.Verdict.Violations); diff != "" {
				t.Errorf("violations (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUndefinedOpcodeDenied(t *testing.T) {
	// 0x06 (push es) is invalid in 64-bit mode
	m, err := Inspect(rawImage(t, "90 06 90"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint64{1}, m.Instructions.FaultSites(disasm.Undefined)); diff != "" {
		t.Errorf("fault sites (-want +got):\n%s", diff)
	}
	if m.Instructions.Total != 3 || m.Instructions.Safe != 2 {
		t.Errorf("counts = %+v", m.Instructions)
	}
}

func TestSyscallNumbers(t *testing.T) {
	// mov eax, 60; syscall; syscall
	m, err := Inspect(rawImage(t, "b8 3c 00 00 00 0f 05 0f 05"))
	if err != nil {
		t.Fatal(err)
	}
	if m.Syscalls.Syscalls != 2 || m.Syscalls.UnresolvedNumbers != 1 {
		t.Errorf("syscall map = %+v", m.Syscalls)
	}
	if diff := cmp.Diff([]uint64{60}, m.Syscalls.Numbers); diff != "" {
		t.Errorf("numbers (-want +got):\n%s", diff)
	}
}

func TestOnlyExecutableSectionsDecoded(t *testing.T) {
	img := &image.Image{
		Name:   "two",
		Format: image.FormatRaw,
		Data:   mustHex(t, "fa fa 90 c3"),
		Sections: []image.Section{
			{Name: ".data", Offset: 0, Size: 2, Addr: 0x2000, Perm: image.PermRead | image.PermWrite},
			{Name: ".text", Offset: 2, Size: 2, Addr: 0x1000, Perm: image.PermRead | image.PermExec},
		},
	}
	m, err := Inspect(img)
	if err != nil {
		t.Fatal(err)
	}
	if m.Instructions.Total != 2 || m.Instructions.Privileged != 0 {
		t.Errorf("instruction map = %+v", m.Instructions)
	}
}

func TestInvalidImage(t *testing.T) {
	img := rawImage(t, "90")
	img.Sections[0].Size = 2
	if _, err := Inspect(img); err == nil {
		t.Error("Inspect accepted a section past the end of the data")
	}
}

func randomImage(seed int64, n int) *image.Image {
	r := rand.New(rand.NewSource(seed))
	code := make([]byte, n)
	r.Read(code)
	img := image.Raw("random", code, 0x400000)
	img.Sections = append(img.Sections, image.Section{
		Name: ".data", Offset: 0, Size: uint64(n), Addr: 0x400000, Perm: image.PermRead | image.PermWrite,
	})
	return img
}

func TestDeterminism(t *testing.T) {
	img := randomImage(1, 8192)
	pol := policy.Preset(policy.Service)
	first, err := Analyze(img, pol)
	if err != nil {
		t.Fatal(err)
	}
	a, err := json.Marshal(first)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		again, err := Analyze(img, pol)
		if err != nil {
			t.Fatal(err)
		}
		b, _ := json.Marshal(again)
		if string(a) != string(b) {
			t.Fatalf("run %d produced a different result", i)
		}
	}
}

func TestBuildParallelMatchesBuild(t *testing.T) {
	for seed := int64(1); seed <= 3; seed++ {
		img := randomImage(seed, 16384)
		want, err := Build(img)
		if err != nil {
			t.Fatal(err)
		}
		for _, chunks := range []int{0, 1, 2, 3, 7, 64} {
			got, err := BuildParallel(context.Background(), img, chunks)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("seed %d chunks %d: parallel map differs (-want +got):\n%s", seed, chunks, diff)
			}
		}
	}
}

func TestBuildParallelCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := BuildParallel(ctx, randomImage(9, 1024), 2); err == nil {
		t.Error("BuildParallel ignored a cancelled context")
	}
}

func TestAnalyzerCache(t *testing.T) {
	a := &Analyzer{Cache: cache.New(""), Chunks: 4}
	img := randomImage(4, 4096)
	first, err := a.Inspect(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	if a.Cache.Len() != 1 {
		t.Fatalf("cache len = %d", a.Cache.Len())
	}
	second, err := a.Inspect(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("cached map differs (-want +got):\n%s", diff)
	}
}

func TestAnalyzeReportsStructure(t *testing.T) {
	a := &Analyzer{Cache: cache.New("")}
	pol := policy.Preset(policy.User)

	img := rawImage(t, "90 90 c3")
	img.Sections[0].Perm |= image.PermWrite
	res, err := a.Analyze(context.Background(), img, pol)
	if err != nil {
		t.Fatal(err)
	}
	want := image.Integrity{EntryValid: true, EntryAtSectionStart: true, Anomalous: []string{".text"}}
	if diff := cmp.Diff(want, res.Integrity); diff != "" {
		t.Errorf("integrity (-want +got):\n%s", diff)
	}
	if res.Imports.Imports != 0 || res.Imports.Categories != nil {
		t.Errorf("imports = %+v, want none", res.Imports)
	}

	// Same bytes and sections hit the cache, but entry and imports are
	// read from this image.
	other := rawImage(t, "90 90 c3")
	other.Sections[0].Perm |= image.PermWrite
	other.Entry = 1
	other.Imports = []image.Import{{Library: "KERNEL32.dll", Name: "WriteProcessMemory"}}
	res, err = a.Analyze(context.Background(), other, pol)
	if err != nil {
		t.Fatal(err)
	}
	if a.Cache.Len() != 1 {
		t.Fatalf("cache len = %d, want 1", a.Cache.Len())
	}
	if !res.Integrity.EntryValid || res.Integrity.EntryAtSectionStart {
		t.Errorf("integrity = %+v, want entry inside but not at start", res.Integrity)
	}
	if diff := cmp.Diff([]string{"WriteProcessMemory"}, res.Imports.Categories[archmap.APIInjection]); diff != "" {
		t.Errorf("injection imports (-want +got):\n%s", diff)
	}
}
