package disasm

import "fmt"

// Op identifies the capability-relevant variant of a decoded instruction.
// Encodings that carry no capability meaning collapse into Other.
type Op uint8

const (
	Other Op = iota
	Mov
	In
	Out
	Cli
	Sti
	Hlt
	Int
	Int1
	Int3
	Syscall
	Sysret
	Sysenter
	Sysexit
	Iret
	Lgdt
	Lidt
	Lldt
	Ltr
	Lmsw
	Clts
	MovCr
	MovDr
	Rdmsr
	Wrmsr
	Cpuid
	Rdtsc
	Rdtscp
	Rdpmc
	Invlpg
	Invd
	Wbinvd
	Swapgs
	Xsetbv
	Monitor
	Mwait
	Rsm
	System
	Sgdt
	Sidt
	Sldt
	Str
	Smsw
	JmpDirect
	Jcc
	Loop
	JmpIndirect
	CallDirect
	CallIndirect
	Ret
	FarJmp
	FarCall
	FarRet
	Ud
	Truncated
	Undefined

	numOps
)

var opNames = [numOps]string{
	Other:        "other",
	Mov:          "mov",
	In:           "in",
	Out:          "out",
	Cli:          "cli",
	Sti:          "sti",
	Hlt:          "hlt",
	Int:          "int",
	Int1:         "int1",
	Int3:         "int3",
	Syscall:      "syscall",
	Sysret:       "sysret",
	Sysenter:     "sysenter",
	Sysexit:      "sysexit",
	Iret:         "iret",
	Lgdt:         "lgdt",
	Lidt:         "lidt",
	Lldt:         "lldt",
	Ltr:          "ltr",
	Lmsw:         "lmsw",
	Clts:         "clts",
	MovCr:        "mov-cr",
	MovDr:        "mov-dr",
	Rdmsr:        "rdmsr",
	Wrmsr:        "wrmsr",
	Cpuid:        "cpuid",
	Rdtsc:        "rdtsc",
	Rdtscp:       "rdtscp",
	Rdpmc:        "rdpmc",
	Invlpg:       "invlpg",
	Invd:         "invd",
	Wbinvd:       "wbinvd",
	Swapgs:       "swapgs",
	Xsetbv:       "xsetbv",
	Monitor:      "monitor",
	Mwait:        "mwait",
	Rsm:          "rsm",
	System:       "system",
	Sgdt:         "sgdt",
	Sidt:         "sidt",
	Sldt:         "sldt",
	Str:          "str",
	Smsw:         "smsw",
	JmpDirect:    "jmp",
	Jcc:          "jcc",
	Loop:         "loop",
	JmpIndirect:  "jmp-indirect",
	CallDirect:   "call",
	CallIndirect: "call-indirect",
	Ret:          "ret",
	FarJmp:       "jmp-far",
	FarCall:      "call-far",
	FarRet:       "ret-far",
	Ud:           "ud",
	Truncated:    "truncated",
	Undefined:    "undefined",
}

func (op Op) String() string {
	if op < numOps {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

func (op Op) MarshalText() ([]byte, error) {
	if op >= numOps {
		return nil, fmt.Errorf("invalid op %d", uint8(op))
	}
	return []byte(opNames[op]), nil
}

func (op *Op) UnmarshalText(b []byte) error {
	v, ok := ParseOp(string(b))
	if !ok {
		return fmt.Errorf("unknown op %q", b)
	}
	*op = v
	return nil
}

// ParseOp maps a variant name back to its Op.
func ParseOp(name string) (Op, bool) {
	for i, n := range opNames {
		if n == name {
			return Op(i), true
		}
	}
	return 0, false
}

// AllOps lists every variant in declaration order.
func AllOps() []Op {
	ops := make([]Op, 0, numOps)
	for op := Op(0); op < numOps; op++ {
		ops = append(ops, op)
	}
	return ops
}

// Fault reports whether op only attributes a decode fault.
func (op Op) Fault() bool {
	return op == Truncated || op == Undefined
}

// Class is the hardware capability tier an instruction requires.
type Class uint8

const (
	Safe Class = iota
	Restricted
	Privileged

	NumClasses
)

func (c Class) String() string {
	switch c {
	case Safe:
		return "safe"
	case Restricted:
		return "restricted"
	case Privileged:
		return "privileged"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Classify returns the capability class of op. Adding a variant without
// classifying it here is caught by the totality test; an out-of-range
// value panics.
func Classify(op Op) Class {
	switch op {
	case Cli, Sti, Hlt,
		Lgdt, Lidt, Lldt, Ltr, Lmsw, Clts,
		MovCr, MovDr,
		Rdmsr, Wrmsr, Rdpmc, Cpuid,
		Invlpg, Invd, Wbinvd,
		In, Out,
		Iret, Sysret, Sysexit, Swapgs,
		Xsetbv, Monitor, Mwait, Rsm, System,
		Truncated, Undefined:
		return Privileged
	case Int, Int1, Int3, Syscall, Sysenter,
		FarJmp, FarCall, FarRet,
		Rdtsc, Rdtscp,
		Sgdt, Sidt, Sldt, Str, Smsw:
		return Restricted
	case Other, Mov,
		JmpDirect, Jcc, Loop, JmpIndirect,
		CallDirect, CallIndirect, Ret, Ud:
		return Safe
	}
	panic(fmt.Sprintf("disasm: unclassified op %d", uint8(op)))
}

func (op Op) Class() Class { return Classify(op) }

// Transfer reports whether op redirects control flow. Register knowledge
// never survives a transfer.
func (op Op) Transfer() bool {
	switch op {
	case JmpDirect, Jcc, Loop, JmpIndirect,
		CallDirect, CallIndirect, Ret,
		FarJmp, FarCall, FarRet,
		Int, Int1, Int3, Syscall, Sysret, Sysenter, Sysexit, Iret,
		Hlt, Rsm, Ud:
		return true
	}
	return false
}

// Far reports whether op loads a new code segment.
func (op Op) Far() bool {
	switch op {
	case FarJmp, FarCall, FarRet:
		return true
	}
	return false
}
