package policy

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"bg/internal/archmap"
	"bg/internal/disasm"
)

func ptr[T any](v T) *T { return &v }

func TestParseLevel(t *testing.T) {
	for _, l := range Levels() {
		got, err := ParseLevel(l.String())
		if err != nil || got != l {
			t.Errorf("ParseLevel(%q) = %v, %v", l, got, err)
		}
	}
	if got, err := ParseLevel(" Kernel "); err != nil || got != Kernel {
		t.Errorf("ParseLevel(\" Kernel \") = %v, %v", got, err)
	}
	if _, err := ParseLevel("root"); !errors.Is(err, ErrUnknownLevel) {
		t.Errorf("ParseLevel(root) error = %v, want ErrUnknownLevel", err)
	}
}

func TestPresetsOrdered(t *testing.T) {
	// each preset allows at most what the previous, more permissive one allows
	levels := Levels()
	for i := 1; i < len(levels); i++ {
		if !widens(Preset(levels[i-1]), Preset(levels[i])) {
			t.Errorf("%v does not widen %v", levels[i-1], levels[i])
		}
	}
}

// widens reports whether wide allows everything narrow allows.
func widens(wide, narrow *Policy) bool {
	le := func(a, b bool) bool { return !a || b }
	for _, op := range disasm.AllOps() {
		if !le(narrow.AllowsOp(op), wide.AllowsOp(op)) {
			return false
		}
	}
	if !le(narrow.AllowUnresolvedIO, wide.AllowUnresolvedIO) ||
		!le(narrow.AllowUnresolvedInterrupts, wide.AllowUnresolvedInterrupts) ||
		!le(narrow.AllowRWX, wide.AllowRWX) ||
		!le(narrow.AllowSelfModifying, wide.AllowSelfModifying) {
		return false
	}
	if narrow.AllowAllPorts && !wide.AllowAllPorts {
		return false
	}
	for _, p := range narrow.AllowedPorts {
		if !wide.AllowsPort(p) {
			return false
		}
	}
	if narrow.AllowAllVectors && !wide.AllowAllVectors {
		return false
	}
	for _, v := range narrow.AllowedVectors {
		if !wide.AllowsVector(v) {
			return false
		}
	}
	if wide.MaxIndirectSites == Unlimited {
		return true
	}
	return narrow.MaxIndirectSites != Unlimited && narrow.MaxIndirectSites <= wide.MaxIndirectSites
}

func TestConfigResolve(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		check   func(*testing.T, *Policy)
		wantErr error
	}{
		{
			name: "default level is user",
			cfg:  Config{},
			check: func(t *testing.T, p *Policy) {
				if p.Level != User || p.Name != "user" || p.AllowPrivileged {
					t.Errorf("got %v", p)
				}
			},
		},
		{
			name: "overrides replace preset fields",
			cfg: Config{
				Name:             "serial",
				Level:            "driver",
				AllowAllPorts:    ptr(false),
				AllowedPorts:     []int{0x3f8, 0x60, 0x3f9},
				MaxIndirectSites: ptr(4),
			},
			check: func(t *testing.T, p *Policy) {
				want := &Policy{
					Name:                      "serial",
					Level:                     Driver,
					AllowPrivileged:           true,
					AllowRestricted:           true,
					DeniedOps:                 slices.Sorted(slices.Values(driverDenied)),
					AllowedPorts:              []uint16{0x60, 0x3f8, 0x3f9},
					AllowAllVectors:           true,
					AllowUnresolvedIO:         true,
					AllowUnresolvedInterrupts: true,
					MaxIndirectSites:          4,
				}
				if diff := cmp.Diff(want, p); diff != "" {
					t.Errorf("policy mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "port list narrows an allow-all preset",
			cfg:  Config{Level: "driver", AllowedPorts: []int{0x60}},
			check: func(t *testing.T, p *Policy) {
				if p.AllowAllPorts || !p.AllowsPort(0x60) || p.AllowsPort(0x3f8) {
					t.Errorf("got %v", p)
				}
			},
		},
		{
			name: "vector list narrows an allow-all preset",
			cfg:  Config{Level: "kernel", AllowedVectors: []int{0x80}},
			check: func(t *testing.T, p *Policy) {
				if p.AllowAllVectors || !p.AllowsVector(0x80) || p.AllowsVector(0x21) {
					t.Errorf("got %v", p)
				}
			},
		},
		{
			name: "explicit allow-all keeps every port",
			cfg:  Config{Level: "user", AllowAllPorts: ptr(true), AllowedPorts: []int{0x60}},
			check: func(t *testing.T, p *Policy) {
				if !p.AllowAllPorts || !p.AllowsPort(0x3f8) {
					t.Errorf("got %v", p)
				}
			},
		},
		{
			name: "denied instructions replace the preset list",
			cfg:  Config{Level: "kernel", DeniedInstructions: []string{"wrmsr", "jmp-far"}, AllowFarTransfers: ptr(false)},
			check: func(t *testing.T, p *Policy) {
				if p.AllowsOp(disasm.Wrmsr) || p.AllowsOp(disasm.FarRet) || !p.AllowsOp(disasm.MovCr) {
					t.Errorf("got %v", p)
				}
				if diff := cmp.Diff([]disasm.Op{disasm.FarJmp, disasm.Wrmsr}, p.DeniedOps, cmpopts.SortSlices(func(a, b disasm.Op) bool { return a < b })); diff != "" {
					t.Errorf("denied ops (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "driver may clear its denied list",
			cfg:  Config{Level: "driver", DeniedInstructions: []string{}},
			check: func(t *testing.T, p *Policy) {
				if !p.AllowsOp(disasm.MovCr) || len(p.DeniedOps) != 0 {
					t.Errorf("got %v", p)
				}
			},
		},
		{
			name:    "unknown denied instruction",
			cfg:     Config{DeniedInstructions: []string{"frobnicate"}},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "safe instruction cannot be denied",
			cfg:     Config{DeniedInstructions: []string{"mov"}},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "unknown level",
			cfg:     Config{Level: "hypervisor"},
			wantErr: ErrUnknownLevel,
		},
		{
			name:    "duplicate port",
			cfg:     Config{Level: "user", AllowedPorts: []int{0x60, 0x60}},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "port out of range",
			cfg:     Config{AllowedPorts: []int{0x10000}},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "vector out of range",
			cfg:     Config{AllowedVectors: []int{256}},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "negative threshold",
			cfg:     Config{MaxIndirectSites: ptr(-2)},
			wantErr: ErrInvalidConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.cfg.Resolve()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			tt.check(t, p)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir, err := os.MkdirTemp("", "bg-policy-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	yamlPath := filepath.Join(dir, "policy.yaml")
	yamlSrc := "level: service\nallowed_vectors: [0x80]\nallow_all_vectors: false\n"
	if err := os.WriteFile(yamlPath, []byte(yamlSrc), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(yamlPath)
	if err != nil {
		t.Fatalf("LoadConfig(yaml) error = %v", err)
	}
	p, err := c.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if p.Level != Service || p.AllowAllVectors || !p.AllowsVector(0x80) || p.AllowsVector(0x21) {
		t.Errorf("yaml policy = %v", p)
	}

	jsonPath := filepath.Join(dir, "policy.json")
	if err := os.WriteFile(jsonPath, []byte(`{"level":"sandbox","allow_rwx":true}`), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err = LoadConfig(jsonPath)
	if err != nil {
		t.Fatalf("LoadConfig(json) error = %v", err)
	}
	if c.Level != "sandbox" || c.AllowRWX == nil || !*c.AllowRWX {
		t.Errorf("json config = %+v", c)
	}

	badPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(badPath, []byte("level: user\nallow_everything: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(badPath); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("unknown field error = %v, want ErrInvalidConfig", err)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v, want ErrNotExist", err)
	}
}

// sample builds a map that touches every policy check.
func sample() *archmap.Map {
	m := archmap.New()
	for _, op := range []disasm.Op{disasm.Mov, disasm.Out, disasm.In, disasm.Cli, disasm.Syscall, disasm.Int, disasm.Rdtsc} {
		m.Instructions.Record(op)
	}
	m.Instructions.RecordFault(0x40, disasm.Truncated)
	m.IO.RecordAccess(archmap.DirOut, disasm.Known(0x3f8))
	m.IO.RecordAccess(archmap.DirIn, disasm.Known(0x60))
	m.IO.RecordAccess(archmap.DirIn, disasm.Unknown)
	m.Syscalls.RecordVector(0x80)
	m.Syscalls.RecordUnresolvedVector()
	m.Memory.RWX = true
	m.Memory.RecordWrite(archmap.Range{Start: 0x1000, End: 0x1004})
	for i := uint64(0); i < 5; i++ {
		m.ControlFlow.Record(disasm.CallIndirect, 0x100+i*2)
	}
	return m
}

func TestEvaluateSandbox(t *testing.T) {
	v := Evaluate(sample(), Preset(Sandbox))
	want := []Violation{
		{Kind: PrivilegedInstructionDenied, Op: disasm.In},
		{Kind: PrivilegedInstructionDenied, Op: disasm.Out},
		{Kind: PrivilegedInstructionDenied, Op: disasm.Cli},
		{Kind: PrivilegedInstructionDenied, Op: disasm.Truncated, Sites: []uint64{0x40}},
		{Kind: RestrictedInstructionDenied, Op: disasm.Int},
		{Kind: RestrictedInstructionDenied, Op: disasm.Syscall},
		{Kind: RestrictedInstructionDenied, Op: disasm.Rdtsc},
		{Kind: UnauthorizedIOPort, Port: 0x60},
		{Kind: UnauthorizedIOPort, Port: 0x3f8},
		{Kind: UnresolvedIOAccess, Count: 1},
		{Kind: UnauthorizedInterrupt, Vector: 0x80},
		{Kind: UnresolvedInterrupt, Count: 1},
		{Kind: SelfModifyingCode, Ranges: []archmap.Range{{Start: 0x1000, End: 0x1004}}},
		{Kind: RWXRegion},
		{Kind: ExcessiveIndirectControlFlow, Count: 5},
	}
	if v.Approved() {
		t.Fatal("sandbox approved a privileged map")
	}
	if diff := cmp.Diff(want, v.Violations); diff != "" {
		t.Errorf("violations mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluateDriver(t *testing.T) {
	m := archmap.New()
	for _, op := range []disasm.Op{disasm.Cli, disasm.Out, disasm.MovCr, disasm.Wrmsr, disasm.Lgdt, disasm.FarJmp, disasm.Syscall} {
		m.Instructions.Record(op)
	}
	m.ControlFlow.Record(disasm.FarJmp, 0x20)

	v := Evaluate(m, Preset(Driver))
	want := []Violation{
		{Kind: PrivilegedInstructionDenied, Op: disasm.Lgdt},
		{Kind: PrivilegedInstructionDenied, Op: disasm.MovCr},
		{Kind: PrivilegedInstructionDenied, Op: disasm.Wrmsr},
		{Kind: RestrictedInstructionDenied, Op: disasm.FarJmp},
	}
	if diff := cmp.Diff(want, v.Violations, cmpopts.SortSlices(func(a, b Violation) bool { return compareViolation(a, b) < 0 })); diff != "" {
		t.Errorf("violations (-want +got):\n%s", diff)
	}

	for _, l := range []Level{Service, User} {
		v := Evaluate(m, Preset(l))
		found := false
		for _, x := range v.Violations {
			found = found || x.Kind == RestrictedInstructionDenied && x.Op == disasm.FarJmp
		}
		if !found {
			t.Errorf("%v allowed a far jump: %v", l, v)
		}
	}
	if v := Evaluate(m, Preset(Kernel)); !v.Approved() {
		t.Errorf("kernel verdict = %v", v)
	}
}

func TestEvaluateKernelApprovesEverything(t *testing.T) {
	if v := Evaluate(sample(), Preset(Kernel)); !v.Approved() {
		t.Errorf("kernel verdict = %v", v)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	p := Preset(User)
	a, err := json.Marshal(Evaluate(sample(), p))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		b, _ := json.Marshal(Evaluate(sample(), p))
		if string(a) != string(b) {
			t.Fatalf("run %d differs:\n%s\n%s", i, a, b)
		}
	}
}

// violationSet keys violations by identity so monotonicity can be
// checked as set inclusion.
func violationSet(v Verdict) map[string]bool {
	out := map[string]bool{}
	for _, x := range v.Violations {
		out[x.String()] = true
	}
	return out
}

func TestMonotonicWidening(t *testing.T) {
	m := sample()
	widenings := []func(*Policy){
		func(p *Policy) { p.AllowPrivileged = true },
		func(p *Policy) { p.AllowRestricted = true },
		func(p *Policy) { p.AllowFarTransfers = true },
		func(p *Policy) { p.DeniedOps = nil },
		func(p *Policy) { p.AllowPort(0x3f8) },
		func(p *Policy) { p.AllowAllPorts = true },
		func(p *Policy) { p.AllowVector(0x80) },
		func(p *Policy) { p.AllowAllVectors = true },
		func(p *Policy) { p.AllowUnresolvedIO = true },
		func(p *Policy) { p.AllowUnresolvedInterrupts = true },
		func(p *Policy) { p.AllowRWX = true },
		func(p *Policy) { p.AllowSelfModifying = true },
		func(p *Policy) { p.MaxIndirectSites = 10 },
		func(p *Policy) { p.MaxIndirectSites = Unlimited },
	}
	for _, base := range Levels() {
		p1 := Preset(base)
		for i, widen := range widenings {
			p2 := Preset(base)
			widen(p2)
			if !widens(p2, p1) {
				continue
			}
			v1, v2 := Evaluate(m, p1), Evaluate(m, p2)
			s1 := violationSet(v1)
			for k := range violationSet(v2) {
				if !s1[k] {
					t.Errorf("%v widening %d added violation %q", base, i, k)
				}
			}
			if v1.Approved() && !v2.Approved() {
				t.Errorf("%v widening %d turned approve into deny", base, i)
			}
		}
	}
}

func TestVerdictJSON(t *testing.T) {
	m := archmap.New()
	m.Instructions.Record(disasm.Cli)
	b, err := json.Marshal(Evaluate(m, Preset(User)))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"verdict":"DENY","policy":"user","violations":[{"kind":"privileged-instruction-denied","op":"cli"}]}`
	if string(b) != want {
		t.Errorf("json = %s\nwant %s", b, want)
	}

	b, err = json.Marshal(Evaluate(archmap.New(), Preset(User)))
	if err != nil {
		t.Fatal(err)
	}
	want = `{"verdict":"APPROVE","policy":"user","violations":[]}`
	if string(b) != want {
		t.Errorf("json = %s\nwant %s", b, want)
	}
}

func TestInferMinimumLevel(t *testing.T) {
	tests := []struct {
		name string
		ops  []disasm.Op
		want Level
	}{
		{"pure compute", []disasm.Op{disasm.Mov}, Sandbox},
		{"syscall", []disasm.Op{disasm.Syscall}, User},
		{"port io", []disasm.Op{disasm.Out}, Driver},
		{"interrupt control", []disasm.Op{disasm.Cli, disasm.Sti}, Driver},
		{"control register", []disasm.Op{disasm.MovCr}, Kernel},
		{"msr", []disasm.Op{disasm.Out, disasm.Wrmsr}, Kernel},
		{"descriptor table", []disasm.Op{disasm.Lidt}, Kernel},
		{"far jump", []disasm.Op{disasm.FarJmp}, Kernel},
		{"timestamp", []disasm.Op{disasm.Rdtsc}, User},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := archmap.New()
			for _, op := range tt.ops {
				m.Instructions.Record(op)
			}
			if got := InferMinimumLevel(m); got != tt.want {
				t.Errorf("InferMinimumLevel() = %v, want %v", got, tt.want)
			}
		})
	}
	m := archmap.New()
	m.Memory.RWX = true
	if got := InferMinimumLevel(m); got != Kernel {
		t.Errorf("rwx map level = %v, want kernel", got)
	}
}

func TestCapabilityMask(t *testing.T) {
	m := archmap.New()
	m.Instructions.Record(disasm.Out)
	m.IO.RecordAccess(archmap.DirOut, disasm.Known(0x3f8))
	m.Syscalls.RecordVector(0x21)

	if _, err := CapabilityMask(m, Evaluate(m, Preset(User))); !errors.Is(err, ErrDenied) {
		t.Fatalf("mask of denied verdict error = %v", err)
	}
	mask, err := CapabilityMask(m, Evaluate(m, Preset(Driver)))
	if err != nil {
		t.Fatal(err)
	}
	if !mask.Privileged || !mask.AllowsVector(0x21) || mask.AllowsVector(0x80) {
		t.Errorf("mask = %+v", mask)
	}
	bm := mask.IOBitmap()
	if len(bm) != 8192 {
		t.Fatalf("bitmap length = %d", len(bm))
	}
	if bm[0x3f8/8]&1 != 0 {
		t.Error("port 0x3f8 not cleared in bitmap")
	}
	if bm[0x3f9/8]&2 == 0 {
		t.Error("port 0x3f9 cleared in bitmap")
	}
}
