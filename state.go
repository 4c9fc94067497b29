package gpurv

import "fmt"

// StateVersion identifies the word layout of the execution-state buffer.
// Bump this whenever a word is added, removed, or renumbered; the layout
// is a host/device wire contract, not an internal struct.
const StateVersion = 2

// Word indices into the execution-state buffer. Words 0-31 are the
// general-purpose registers x0-x31.
const (
	stateRegBase = 0

	StateWordPC        = 32
	StateWordPriv      = 33
	StateWordStatus    = 34
	StateWordTrapCause = 35
	StateWordTrapValue = 36
	StateWordCycleLo   = 37
	StateWordCycleHi   = 38
	StateWordPending   = 39
	StateWordSATP      = 40
	StateWordSTVEC     = 41
	StateWordSSCRATCH  = 42
	StateWordSEPC      = 43
	StateWordSCAUSE    = 44
	StateWordSTVAL     = 45
	StateWordSIP       = 46
	StateWordSIE       = 47
	StateWordSSTATUS   = 48
	StateWordTimerLo   = 49
	StateWordTimerHi   = 50
	StateWordVersion   = 51

	// StateWords is the documented total size of the layout, in words.
	StateWords = 52
)

// Reg names a general-purpose register by its RISC-V ABI mnemonic.
type Reg int

const (
	RegZero Reg = iota // x0, hardwired zero
	RegRA              // x1, return address
	RegSP              // x2, stack pointer
	RegGP              // x3, global pointer
	RegTP              // x4, thread pointer
	RegT0
	RegT1
	RegT2
	RegS0 // x8, frame pointer
	RegS1
	RegA0 // x10, first argument / return value
	RegA1
	RegA2
	RegA3
	RegA4
	RegA5
	RegA6
	RegA7 // x17, SBI extension id
	RegS2
	RegS3
	RegS4
	RegS5
	RegS6
	RegS7
	RegS8
	RegS9
	RegS10
	RegS11
	RegT3
	RegT4
	RegT5
	RegT6 // x31
)

// RunStatus is the explicit run-state machine of the emulated CPU.
type RunStatus uint32

const (
	StatusRunning RunStatus = 1 << 0
	StatusHalted  RunStatus = 1 << 1
	StatusError   RunStatus = 1 << 2
	StatusTrapped RunStatus = 1 << 3
)

func (s RunStatus) Running() bool { return s&StatusRunning != 0 }
func (s RunStatus) Halted() bool  { return s&StatusHalted != 0 }
func (s RunStatus) Errored() bool { return s&StatusError != 0 }
func (s RunStatus) Trapped() bool { return s&StatusTrapped != 0 }

func (s RunStatus) String() string {
	switch {
	case s.Errored():
		return "error"
	case s.Halted():
		return "halted"
	case s.Trapped():
		return "trapped"
	case s.Running():
		return "running"
	default:
		return fmt.Sprintf("unknown(0x%x)", uint32(s))
	}
}

// Privilege modes.
const (
	PrivUser       = 0
	PrivSupervisor = 1
	PrivMachine    = 3
)

// TrapNone marks the trap-cause word when no trap is outstanding. The
// cause of an outstanding trap is an explicit, dedicated field; the host
// never infers it from halt flags or register contents.
const TrapNone uint32 = 0xFFFF_FFFF

// Pending-interrupt bits (mirrors the sip/sie bit positions).
const (
	PendingSTimer   uint32 = 1 << 5 // STIP
	PendingSSoft    uint32 = 1 << 1 // SSIP
	PendingSExtern  uint32 = 1 << 9 // SEIP
	sstatusSIE      uint32 = 1 << 1
	sstatusSPIE     uint32 = 1 << 5
	sstatusSPP      uint32 = 1 << 8
	sstatusSUM      uint32 = 1 << 18
	interruptCause  uint32 = 1 << 31
)

// CPUState is the host-side decoded view of the execution-state buffer.
// It is a snapshot: parsed from a staged copy, never from the live words.
type CPUState struct {
	Regs      [32]uint32
	PC        uint32
	Priv      uint32
	Status    RunStatus
	TrapCause uint32
	TrapValue uint32
	Cycles    uint64
	Pending   uint32
	SATP      uint32
	STVEC     uint32
	SSCRATCH  uint32
	SEPC      uint32
	SCAUSE    uint32
	STVAL     uint32
	SIP       uint32
	SIE       uint32
	SSTATUS   uint32
	Timer     uint64
}

// Reg returns a general-purpose register from the snapshot.
func (s *CPUState) Reg(r Reg) uint32 {
	if r < 0 || r > RegT6 {
		return 0
	}
	return s.Regs[r]
}

// Halted reports whether the CPU has reached a terminal state.
func (s *CPUState) Halted() bool { return s.Status.Halted() || s.Status.Errored() }

// decodeState parses a staged snapshot of the state words.
func decodeState(words []uint32) (CPUState, error) {
	var st CPUState
	if len(words) != StateWords {
		return st, fmt.Errorf("gpurv: state snapshot has %d words, want %d: %w",
			len(words), StateWords, ErrInvalidStateWord)
	}
	if v := words[StateWordVersion]; v != StateVersion {
		return st, fmt.Errorf("gpurv: state layout version %d, want %d: %w",
			v, StateVersion, ErrInvalidStateWord)
	}
	copy(st.Regs[:], words[stateRegBase:stateRegBase+32])
	st.PC = words[StateWordPC]
	st.Priv = words[StateWordPriv]
	st.Status = RunStatus(words[StateWordStatus])
	st.TrapCause = words[StateWordTrapCause]
	st.TrapValue = words[StateWordTrapValue]
	st.Cycles = uint64(words[StateWordCycleLo]) | uint64(words[StateWordCycleHi])<<32
	st.Pending = words[StateWordPending]
	st.SATP = words[StateWordSATP]
	st.STVEC = words[StateWordSTVEC]
	st.SSCRATCH = words[StateWordSSCRATCH]
	st.SEPC = words[StateWordSEPC]
	st.SCAUSE = words[StateWordSCAUSE]
	st.STVAL = words[StateWordSTVAL]
	st.SIP = words[StateWordSIP]
	st.SIE = words[StateWordSIE]
	st.SSTATUS = words[StateWordSSTATUS]
	st.Timer = uint64(words[StateWordTimerLo]) | uint64(words[StateWordTimerHi])<<32
	return st, nil
}

// newStateWords returns a zero-initialized state buffer with platform
// defaults: no outstanding trap and the timer comparator parked at its
// maximum so no interrupt fires before the guest programs one.
func newStateWords() []uint32 {
	w := make([]uint32, StateWords)
	w[StateWordTrapCause] = TrapNone
	w[StateWordTimerLo] = 0xFFFF_FFFF
	w[StateWordTimerHi] = 0xFFFF_FFFF
	w[StateWordVersion] = StateVersion
	return w
}

// WordBatch is a set of narrow state-word writes applied atomically by the
// device timeline between dispatch batches. It is the only way the host
// mutates CPU state after boot.
type WordBatch map[int]uint32

// validate rejects indices outside the documented layout.
func (b WordBatch) validate() error {
	for idx := range b {
		if idx < 0 || idx >= StateWords {
			return fmt.Errorf("gpurv: state word %d out of range (0-%d): %w",
				idx, StateWords-1, ErrInvalidStateWord)
		}
		if idx == StateWordVersion {
			return fmt.Errorf("gpurv: state version word is read-only: %w", ErrInvalidStateWord)
		}
	}
	return nil
}

// StateWordReg returns the state-word index of a general-purpose register.
func StateWordReg(r Reg) int { return stateRegBase + int(r) }
