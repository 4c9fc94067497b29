package gpurv

import "fmt"

// Trap cause codes (scause encoding).
const (
	CauseMisalignedFetch    uint32 = 0
	CauseFetchAccess        uint32 = 1
	CauseIllegalInstruction uint32 = 2
	CauseBreakpoint         uint32 = 3
	CauseMisalignedLoad     uint32 = 4
	CauseLoadAccess         uint32 = 5
	CauseMisalignedStore    uint32 = 6
	CauseStoreAccess        uint32 = 7
	CauseUserEcall          uint32 = 8
	CauseSupervisorEcall    uint32 = 9
	CauseFetchPageFault     uint32 = 12
	CauseLoadPageFault      uint32 = 13
	CauseStorePageFault     uint32 = 15
)

// Interrupt bit positions within sip/sie.
const (
	irqSSoft   uint32 = 1
	irqSTimer  uint32 = 5
	irqSExtern uint32 = 9
)

// Supervisor CSR numbers.
const (
	csrSstatus    = 0x100
	csrSie        = 0x104
	csrStvec      = 0x105
	csrScounteren = 0x106
	csrSscratch   = 0x140
	csrSepc       = 0x141
	csrScause     = 0x142
	csrStval      = 0x143
	csrSip        = 0x144
	csrSatp       = 0x180
	csrCycle      = 0xC00
	csrTime       = 0xC01
	csrCycleh     = 0xC80
	csrTimeh      = 0xC81
	csrMisa       = 0x301
	csrMhartid    = 0xF14
)

// misa advertises RV32I: MXL=1 (32-bit), extension bit I.
const misaRV32I uint32 = 1<<30 | 1<<8

// Memory access kinds for translation.
const (
	accFetch = iota
	accLoad
	accStore
)

// Guest exceptions, surfaced from execution as typed errors and mapped to
// the architectural trap machinery by step().
type errIllegalInstruction struct{ insn uint32 }

func (e errIllegalInstruction) Error() string {
	return fmt.Sprintf("illegal instruction 0x%08x", e.insn)
}

type errPageFault struct {
	cause uint32
	addr  uint32
}

func (e errPageFault) Error() string {
	return fmt.Sprintf("page fault (cause %d) at 0x%08x", e.cause, e.addr)
}

type errMisaligned struct {
	cause uint32
	addr  uint32
}

func (e errMisaligned) Error() string {
	return fmt.Sprintf("misaligned access (cause %d) at 0x%08x", e.cause, e.addr)
}

type errEnvCall struct{ priv uint32 }

func (e errEnvCall) Error() string {
	return fmt.Sprintf("environment call from privilege %d", e.priv)
}

type errBreakpoint struct{ pc uint32 }

func (e errBreakpoint) Error() string {
	return fmt.Sprintf("breakpoint at 0x%08x", e.pc)
}

// cpu is the emulated RV32I hart. It is owned exclusively by the device
// timeline: the host never touches the live state words or guest memory
// directly. All "I/O" the hart performs lands in MMIO/bridge regions of
// guest memory for the host to poll after the batch completes.
type cpu struct {
	mem  *GuestMemory
	amap *AddressMap
	st   []uint32 // live state words
}

func newCPU(mem *GuestMemory, amap *AddressMap) *cpu {
	return &cpu{mem: mem, amap: amap, st: newStateWords()}
}

func (c *cpu) status() RunStatus { return RunStatus(c.st[StateWordStatus]) }

func (c *cpu) reg(i uint32) uint32 {
	return c.st[stateRegBase+i]
}

func (c *cpu) setReg(i uint32, v uint32) {
	if i != 0 { // x0 is hardwired zero
		c.st[stateRegBase+i] = v
	}
}

func (c *cpu) cycles() uint64 {
	return uint64(c.st[StateWordCycleLo]) | uint64(c.st[StateWordCycleHi])<<32
}

func (c *cpu) addCycles(n uint64) {
	v := c.cycles() + n
	c.st[StateWordCycleLo] = uint32(v)
	c.st[StateWordCycleHi] = uint32(v >> 32)
}

// runBatch advances the hart by exactly n cycles. Cycles in which the hart
// is not running (halted, errored, or parked on a trap rendezvous) are
// idle but still consumed: the cycle counter always advances by the full
// batch, which is the accounting contract the host relies on.
func (c *cpu) runBatch(n uint32) {
	for i := uint32(0); i < n; i++ {
		if c.status().Running() {
			c.step()
		}
	}
	c.addCycles(uint64(n))
}

// step executes one instruction (or delivers one pending interrupt).
func (c *cpu) step() {
	if c.takeInterrupt() {
		return
	}

	pc := c.st[StateWordPC]
	if pc&3 != 0 {
		c.exception(errMisaligned{cause: CauseMisalignedFetch, addr: pc}, pc)
		return
	}
	pa, err := c.translate(pc, accFetch)
	if err != nil {
		c.exception(err, pc)
		return
	}
	if !c.mem.inBounds(pa, 4) {
		c.exception(errPageFault{cause: CauseFetchAccess, addr: pc}, pc)
		return
	}
	insn := c.mem.readWord(pa)

	next, err := c.exec(insn, pc)
	if err != nil {
		c.exception(err, pc)
		return
	}
	c.st[StateWordPC] = next
}

// takeInterrupt delivers the highest-priority enabled pending interrupt.
// Returns true if one was taken (consuming the cycle).
func (c *cpu) takeInterrupt() bool {
	mask := c.st[StateWordSIP] & c.st[StateWordSIE]
	if mask == 0 {
		return false
	}
	priv := c.st[StateWordPriv]
	enabled := priv == PrivUser || (priv == PrivSupervisor && c.st[StateWordSSTATUS]&sstatusSIE != 0)
	if !enabled {
		return false
	}

	// Priority: external, software, timer.
	var bit uint32
	switch {
	case mask&(1<<irqSExtern) != 0:
		bit = irqSExtern
	case mask&(1<<irqSSoft) != 0:
		bit = irqSSoft
	default:
		bit = irqSTimer
	}
	c.raise(interruptCause|bit, 0, c.st[StateWordPC])
	return true
}

// exception maps an execution error onto the trap machinery.
func (c *cpu) exception(err error, pc uint32) {
	switch e := err.(type) {
	case errEnvCall:
		if e.priv == PrivSupervisor {
			// Supervisor ecall is the SBI rendezvous: publish the request
			// in the bridge region and park until the host services it.
			// PC is advanced here so the resume is a plain continue.
			c.postSBIRequest()
			c.st[StateWordPC] = pc + 4
			c.st[StateWordStatus] = uint32(StatusTrapped)
			c.st[StateWordTrapCause] = CauseSupervisorEcall
			c.st[StateWordTrapValue] = 0
			return
		}
		c.raise(CauseUserEcall, 0, pc)
	case errBreakpoint:
		c.st[StateWordStatus] = uint32(StatusHalted)
		c.st[StateWordTrapCause] = CauseBreakpoint
		c.st[StateWordTrapValue] = pc
	case errIllegalInstruction:
		c.raise(CauseIllegalInstruction, e.insn, pc)
	case errPageFault:
		c.raise(e.cause, e.addr, pc)
	case errMisaligned:
		c.raise(e.cause, e.addr, pc)
	default:
		c.st[StateWordStatus] = uint32(StatusError | StatusHalted)
		c.st[StateWordTrapCause] = CauseIllegalInstruction
	}
}

// raise delivers an architectural trap to the supervisor handler. With no
// handler installed the guest cannot make progress, so the hart stops in
// the error state with the cause recorded for the host.
func (c *cpu) raise(cause, tval, pc uint32) {
	stvec := c.st[StateWordSTVEC]
	if stvec == 0 {
		c.st[StateWordStatus] = uint32(StatusError | StatusHalted)
		c.st[StateWordTrapCause] = cause
		c.st[StateWordTrapValue] = tval
		return
	}

	sstatus := c.st[StateWordSSTATUS]
	// SPIE <- SIE, SIE <- 0, SPP <- current privilege.
	sstatus &^= sstatusSPIE | sstatusSPP
	if sstatus&sstatusSIE != 0 {
		sstatus |= sstatusSPIE
	}
	sstatus &^= sstatusSIE
	if c.st[StateWordPriv] == PrivSupervisor {
		sstatus |= sstatusSPP
	}
	c.st[StateWordSSTATUS] = sstatus

	c.st[StateWordSEPC] = pc
	c.st[StateWordSCAUSE] = cause
	c.st[StateWordSTVAL] = tval
	c.st[StateWordPriv] = PrivSupervisor

	base := stvec &^ 3
	if stvec&1 != 0 && cause&interruptCause != 0 {
		base += 4 * (cause &^ interruptCause)
	}
	c.st[StateWordPC] = base
}

// postSBIRequest copies the SBI calling convention registers into the
// bridge region: pending flag, extension id (a7), function id (a6), and
// arguments a0-a5.
func (c *cpu) postSBIRequest() {
	off := SBIBridgeOffset
	c.mem.writeWord(uint32(off)+sbiWordPending*4, 1)
	c.mem.writeWord(uint32(off)+sbiWordExtension*4, c.reg(17))
	c.mem.writeWord(uint32(off)+sbiWordFunction*4, c.reg(16))
	for i := uint32(0); i < 6; i++ {
		c.mem.writeWord(uint32(off)+(sbiWordArg0+i)*4, c.reg(10+i))
	}
}

// translate resolves a virtual address to a guest physical offset. With
// satp in bare mode the address is used as-is; otherwise a two-level Sv32
// walk is performed with permission checks against the current privilege.
func (c *cpu) translate(va uint32, acc int) (uint32, error) {
	satp := c.st[StateWordSATP]
	priv := c.st[StateWordPriv]
	if satp&satpModeSv32 == 0 || priv == PrivMachine {
		return va, nil
	}

	fault := func() error {
		switch acc {
		case accFetch:
			return errPageFault{cause: CauseFetchPageFault, addr: va}
		case accStore:
			return errPageFault{cause: CauseStorePageFault, addr: va}
		default:
			return errPageFault{cause: CauseLoadPageFault, addr: va}
		}
	}

	root := (satp &^ satpModeSv32) << pageShift
	vpn1 := va >> 22
	vpn0 := (va >> 12) & 0x3FF

	pteAddr := root + vpn1*4
	if !c.mem.inBounds(pteAddr, 4) {
		return 0, fault()
	}
	pte := c.mem.readWord(pteAddr)
	if pte&pteV == 0 {
		return 0, fault()
	}

	var pa uint32
	if pte&(pteR|pteW|pteX) != 0 {
		// Megapage leaf: the PPN[0] field must be zero.
		if (pte>>10)&0x3FF != 0 {
			return 0, fault()
		}
		pa = ptePhys(pte) | va&0x3F_FFFF
	} else {
		table := ptePhys(pte)
		leafAddr := table + vpn0*4
		if !c.mem.inBounds(leafAddr, 4) {
			return 0, fault()
		}
		pte = c.mem.readWord(leafAddr)
		if pte&pteV == 0 || pte&(pteR|pteW|pteX) == 0 {
			return 0, fault()
		}
		pteAddr = leafAddr
		pa = ptePhys(pte) | va&0xFFF
	}

	// Permission checks on the leaf.
	switch acc {
	case accFetch:
		if pte&pteX == 0 {
			return 0, fault()
		}
	case accStore:
		if pte&pteW == 0 {
			return 0, fault()
		}
	default:
		if pte&pteR == 0 {
			return 0, fault()
		}
	}
	if priv == PrivUser && pte&pteU == 0 {
		return 0, fault()
	}
	if priv == PrivSupervisor && pte&pteU != 0 && c.st[StateWordSSTATUS]&sstatusSUM == 0 {
		return 0, fault()
	}

	// Maintain accessed/dirty bits in place.
	want := uint32(pteA)
	if acc == accStore {
		want |= pteD
	}
	if pte&want != want {
		c.mem.writeWord(pteAddr, pte|want)
	}

	return pa, nil
}

// Memory helpers. Alignment is enforced architecturally: misaligned
// accesses trap rather than being split across translations.

func (c *cpu) load(va uint32, size uint32) (uint32, error) {
	if va&(size-1) != 0 {
		return 0, errMisaligned{cause: CauseMisalignedLoad, addr: va}
	}
	pa, err := c.translate(va, accLoad)
	if err != nil {
		return 0, err
	}
	if !c.mem.inBounds(pa, size) {
		return 0, errPageFault{cause: CauseLoadAccess, addr: va}
	}
	switch size {
	case 1:
		return uint32(c.mem.buf[pa]), nil
	case 2:
		return uint32(c.mem.buf[pa]) | uint32(c.mem.buf[pa+1])<<8, nil
	default:
		return c.mem.readWord(pa), nil
	}
}

func (c *cpu) store(va uint32, size uint32, v uint32) error {
	if va&(size-1) != 0 {
		return errMisaligned{cause: CauseMisalignedStore, addr: va}
	}
	pa, err := c.translate(va, accStore)
	if err != nil {
		return err
	}
	if !c.mem.inBounds(pa, size) {
		return errPageFault{cause: CauseStoreAccess, addr: va}
	}
	switch size {
	case 1:
		c.mem.buf[pa] = byte(v)
	case 2:
		c.mem.buf[pa] = byte(v)
		c.mem.buf[pa+1] = byte(v >> 8)
	default:
		c.mem.writeWord(pa, v)
	}
	return nil
}

// Immediate decoders. Each assembles the scattered immediate bits and
// sign-extends from the top.

func immI(insn uint32) int32 { return int32(insn) >> 20 }

func immS(insn uint32) int32 {
	return int32(insn&0xFE00_0000)>>20 | int32((insn>>7)&0x1F)
}

func immB(insn uint32) int32 {
	imm := (insn>>31)&1<<12 | (insn>>7)&1<<11 | (insn>>25)&0x3F<<5 | (insn>>8)&0xF<<1
	return int32(imm<<19) >> 19
}

func immU(insn uint32) int32 { return int32(insn & 0xFFFF_F000) }

func immJ(insn uint32) int32 {
	imm := (insn>>31)&1<<20 | (insn>>12)&0xFF<<12 | (insn>>20)&1<<11 | (insn>>21)&0x3FF<<1
	return int32(imm<<11) >> 11
}

// exec executes one decoded instruction and returns the next PC.
func (c *cpu) exec(insn uint32, pc uint32) (uint32, error) {
	rd := (insn >> 7) & 0x1F
	rs1 := (insn >> 15) & 0x1F
	rs2 := (insn >> 20) & 0x1F
	funct3 := (insn >> 12) & 7
	funct7 := insn >> 25
	next := pc + 4

	switch insn & 0x7F {
	case 0x37: // LUI
		c.setReg(rd, uint32(immU(insn)))

	case 0x17: // AUIPC
		c.setReg(rd, pc+uint32(immU(insn)))

	case 0x6F: // JAL
		c.setReg(rd, pc+4)
		next = pc + uint32(immJ(insn))

	case 0x67: // JALR
		if funct3 != 0 {
			return 0, errIllegalInstruction{insn}
		}
		target := (c.reg(rs1) + uint32(immI(insn))) &^ 1
		c.setReg(rd, pc+4)
		next = target

	case 0x63: // branches
		taken := false
		a, b := c.reg(rs1), c.reg(rs2)
		switch funct3 {
		case 0: // BEQ
			taken = a == b
		case 1: // BNE
			taken = a != b
		case 4: // BLT
			taken = int32(a) < int32(b)
		case 5: // BGE
			taken = int32(a) >= int32(b)
		case 6: // BLTU
			taken = a < b
		case 7: // BGEU
			taken = a >= b
		default:
			return 0, errIllegalInstruction{insn}
		}
		if taken {
			next = pc + uint32(immB(insn))
		}

	case 0x03: // loads
		addr := c.reg(rs1) + uint32(immI(insn))
		switch funct3 {
		case 0: // LB
			v, err := c.load(addr, 1)
			if err != nil {
				return 0, err
			}
			c.setReg(rd, uint32(int32(int8(v))))
		case 1: // LH
			v, err := c.load(addr, 2)
			if err != nil {
				return 0, err
			}
			c.setReg(rd, uint32(int32(int16(v))))
		case 2: // LW
			v, err := c.load(addr, 4)
			if err != nil {
				return 0, err
			}
			c.setReg(rd, v)
		case 4: // LBU
			v, err := c.load(addr, 1)
			if err != nil {
				return 0, err
			}
			c.setReg(rd, v)
		case 5: // LHU
			v, err := c.load(addr, 2)
			if err != nil {
				return 0, err
			}
			c.setReg(rd, v)
		default:
			return 0, errIllegalInstruction{insn}
		}

	case 0x23: // stores
		addr := c.reg(rs1) + uint32(immS(insn))
		switch funct3 {
		case 0: // SB
			if err := c.store(addr, 1, c.reg(rs2)); err != nil {
				return 0, err
			}
		case 1: // SH
			if err := c.store(addr, 2, c.reg(rs2)); err != nil {
				return 0, err
			}
		case 2: // SW
			if err := c.store(addr, 4, c.reg(rs2)); err != nil {
				return 0, err
			}
		default:
			return 0, errIllegalInstruction{insn}
		}

	case 0x13: // register-immediate ALU
		imm := uint32(immI(insn))
		a := c.reg(rs1)
		switch funct3 {
		case 0: // ADDI
			c.setReg(rd, a+imm)
		case 1: // SLLI
			if funct7 != 0 {
				return 0, errIllegalInstruction{insn}
			}
			c.setReg(rd, a<<(imm&0x1F))
		case 2: // SLTI
			if int32(a) < int32(imm) {
				c.setReg(rd, 1)
			} else {
				c.setReg(rd, 0)
			}
		case 3: // SLTIU
			if a < imm {
				c.setReg(rd, 1)
			} else {
				c.setReg(rd, 0)
			}
		case 4: // XORI
			c.setReg(rd, a^imm)
		case 5: // SRLI / SRAI
			switch funct7 {
			case 0x00:
				c.setReg(rd, a>>(imm&0x1F))
			case 0x20:
				c.setReg(rd, uint32(int32(a)>>(imm&0x1F)))
			default:
				return 0, errIllegalInstruction{insn}
			}
		case 6: // ORI
			c.setReg(rd, a|imm)
		case 7: // ANDI
			c.setReg(rd, a&imm)
		}

	case 0x33: // register-register ALU
		a, b := c.reg(rs1), c.reg(rs2)
		switch funct7<<3 | funct3 {
		case 0x00<<3 | 0: // ADD
			c.setReg(rd, a+b)
		case 0x20<<3 | 0: // SUB
			c.setReg(rd, a-b)
		case 0x00<<3 | 1: // SLL
			c.setReg(rd, a<<(b&0x1F))
		case 0x00<<3 | 2: // SLT
			if int32(a) < int32(b) {
				c.setReg(rd, 1)
			} else {
				c.setReg(rd, 0)
			}
		case 0x00<<3 | 3: // SLTU
			if a < b {
				c.setReg(rd, 1)
			} else {
				c.setReg(rd, 0)
			}
		case 0x00<<3 | 4: // XOR
			c.setReg(rd, a^b)
		case 0x00<<3 | 5: // SRL
			c.setReg(rd, a>>(b&0x1F))
		case 0x20<<3 | 5: // SRA
			c.setReg(rd, uint32(int32(a)>>(b&0x1F)))
		case 0x00<<3 | 6: // OR
			c.setReg(rd, a|b)
		case 0x00<<3 | 7: // AND
			c.setReg(rd, a&b)
		default:
			return 0, errIllegalInstruction{insn}
		}

	case 0x0F: // FENCE / FENCE.I: single hart, nothing to order
		_ = funct3

	case 0x73: // SYSTEM
		return c.execSystem(insn, pc, rd, rs1, funct3)

	default:
		return 0, errIllegalInstruction{insn}
	}

	return next, nil
}

// execSystem handles ECALL/EBREAK, SRET, WFI, SFENCE.VMA, and Zicsr.
func (c *cpu) execSystem(insn, pc, rd, rs1, funct3 uint32) (uint32, error) {
	if funct3 == 0 {
		switch insn >> 20 {
		case 0x000: // ECALL
			if rd != 0 || rs1 != 0 {
				return 0, errIllegalInstruction{insn}
			}
			return 0, errEnvCall{priv: c.st[StateWordPriv]}
		case 0x001: // EBREAK
			return 0, errBreakpoint{pc: pc}
		case 0x102: // SRET
			return c.execSret(insn)
		case 0x105: // WFI: treated as a hint; the timer fires via host polls
			return pc + 4, nil
		default:
			if insn>>25 == 0x09 { // SFENCE.VMA: single hart, tables in RAM
				return pc + 4, nil
			}
			return 0, errIllegalInstruction{insn}
		}
	}

	// Zicsr. For the immediate forms rs1 is the zero-extended uimm.
	csr := insn >> 20
	var src uint32
	if funct3&4 != 0 {
		src = rs1
	} else {
		src = c.reg(rs1)
	}

	old, err := c.csrRead(csr)
	if err != nil {
		return 0, errIllegalInstruction{insn}
	}

	var write bool
	var val uint32
	switch funct3 & 3 {
	case 1: // CSRRW
		val, write = src, true
	case 2: // CSRRS
		val, write = old|src, rs1 != 0
	case 3: // CSRRC
		val, write = old&^src, rs1 != 0
	}
	if write {
		if err := c.csrWrite(csr, val); err != nil {
			return 0, errIllegalInstruction{insn}
		}
	}
	c.setReg(rd, old)
	return pc + 4, nil
}

func (c *cpu) execSret(insn uint32) (uint32, error) {
	if c.st[StateWordPriv] < PrivSupervisor {
		return 0, errIllegalInstruction{insn}
	}
	sstatus := c.st[StateWordSSTATUS]

	// SIE <- SPIE, SPIE <- 1, privilege <- SPP, SPP <- U.
	sstatus &^= sstatusSIE
	if sstatus&sstatusSPIE != 0 {
		sstatus |= sstatusSIE
	}
	sstatus |= sstatusSPIE
	if sstatus&sstatusSPP != 0 {
		c.st[StateWordPriv] = PrivSupervisor
	} else {
		c.st[StateWordPriv] = PrivUser
	}
	sstatus &^= sstatusSPP
	c.st[StateWordSSTATUS] = sstatus

	return c.st[StateWordSEPC], nil
}

func (c *cpu) csrRead(csr uint32) (uint32, error) {
	switch csr {
	case csrSstatus:
		return c.st[StateWordSSTATUS], nil
	case csrSie:
		return c.st[StateWordSIE], nil
	case csrStvec:
		return c.st[StateWordSTVEC], nil
	case csrScounteren:
		return 0, nil
	case csrSscratch:
		return c.st[StateWordSSCRATCH], nil
	case csrSepc:
		return c.st[StateWordSEPC], nil
	case csrScause:
		return c.st[StateWordSCAUSE], nil
	case csrStval:
		return c.st[StateWordSTVAL], nil
	case csrSip:
		return c.st[StateWordSIP], nil
	case csrSatp:
		return c.st[StateWordSATP], nil
	case csrMisa:
		return misaRV32I, nil
	case csrMhartid:
		return 0, nil
	case csrCycle, csrTime:
		return uint32(c.cycles()), nil
	case csrCycleh, csrTimeh:
		return uint32(c.cycles() >> 32), nil
	default:
		return 0, fmt.Errorf("gpurv: unknown CSR 0x%x", csr)
	}
}

func (c *cpu) csrWrite(csr uint32, v uint32) error {
	switch csr {
	case csrSstatus:
		mask := sstatusSIE | sstatusSPIE | sstatusSPP | sstatusSUM
		c.st[StateWordSSTATUS] = c.st[StateWordSSTATUS]&^mask | v&mask
	case csrSie:
		mask := uint32(1<<irqSSoft | 1<<irqSTimer | 1<<irqSExtern)
		c.st[StateWordSIE] = v & mask
	case csrStvec:
		c.st[StateWordSTVEC] = v
	case csrScounteren:
		// read-only zero
	case csrSscratch:
		c.st[StateWordSSCRATCH] = v
	case csrSepc:
		c.st[StateWordSEPC] = v &^ 1
	case csrScause:
		c.st[StateWordSCAUSE] = v
	case csrStval:
		c.st[StateWordSTVAL] = v
	case csrSip:
		// Only the software-interrupt bit is writable by the guest.
		mask := uint32(1 << irqSSoft)
		c.st[StateWordSIP] = c.st[StateWordSIP]&^mask | v&mask
		c.st[StateWordPending] = c.st[StateWordSIP]
	case csrSatp:
		c.st[StateWordSATP] = v
	case csrCycle, csrTime, csrCycleh, csrTimeh, csrMisa, csrMhartid:
		return fmt.Errorf("gpurv: CSR 0x%x is read-only", csr)
	default:
		return fmt.Errorf("gpurv: unknown CSR 0x%x", csr)
	}
	return nil
}
