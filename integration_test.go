package gpurv

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
)

func TestBootConvention(t *testing.T) {
	s := bootTestSession(t, spinProg())

	st, err := s.ReadState()
	if err != nil {
		t.Fatalf("ReadState failed: %v", err)
	}

	if st.PC != KernelOffset {
		t.Errorf("pc = 0x%x, want kernel offset 0x%x", st.PC, KernelOffset)
	}
	if st.Priv != PrivSupervisor {
		t.Errorf("privilege = %d, want supervisor", st.Priv)
	}
	if !st.Status.Running() {
		t.Errorf("status = %v, want running", st.Status)
	}
	if st.Reg(RegA0) != 0 {
		t.Errorf("a0 = %d, want hart id 0", st.Reg(RegA0))
	}
	if st.Reg(RegA1) != s.DTBAddress() {
		t.Errorf("a1 = 0x%x, want DTB address 0x%x", st.Reg(RegA1), s.DTBAddress())
	}
	if s.DTBAddress() != DeviceTreeOffset {
		t.Errorf("DTB address = 0x%x, want 0x%x", s.DTBAddress(), DeviceTreeOffset)
	}
	if st.SATP&satpModeSv32 == 0 {
		t.Error("satp not enabled at boot")
	}
	if st.TrapCause != TrapNone {
		t.Errorf("trap cause = 0x%x, want none", st.TrapCause)
	}

	// The generated device tree sits at the address handed to the guest.
	head, err := s.ReadMemory(s.DTBAddress(), 4)
	if err != nil {
		t.Fatalf("ReadMemory failed: %v", err)
	}
	if binary.BigEndian.Uint32(head) != fdtMagic {
		t.Errorf("no device tree at 0x%x (got 0x%x)", s.DTBAddress(), head)
	}
}

func TestBootExplicitEntry(t *testing.T) {
	s, err := NewSession(DefaultConfig())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	// Kernel padded so the entry points at the ebreak in its middle.
	kernel := make([]byte, 0x200)
	copy(kernel[0x100:], prog(asmEBREAK()))
	bundle, err := ParseBundle(BuildBundle(KernelOffset+0x100, kernel, nil, nil))
	if err != nil {
		t.Fatalf("ParseBundle failed: %v", err)
	}
	if err := s.Boot(bundle); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}

	if pc := s.State().PC; pc != KernelOffset+0x100 {
		t.Errorf("pc = 0x%x, want explicit entry 0x%x", pc, KernelOffset+0x100)
	}
}

func TestBootGuards(t *testing.T) {
	s := bootTestSession(t, spinProg())

	bundle, _ := ParseBundle(BuildBundle(0, spinProg(), nil, nil))
	if err := s.Boot(bundle); !errors.Is(err, ErrAlreadyBooted) {
		t.Errorf("second Boot = %v, want ErrAlreadyBooted", err)
	}

	fresh, err := NewSession(DefaultConfig())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(func() { fresh.Close() })

	if _, err := fresh.Tick(100); !errors.Is(err, ErrNotBooted) {
		t.Errorf("Tick before Boot = %v, want ErrNotBooted", err)
	}
	if err := fresh.Boot(nil); !errors.Is(err, ErrBadBundle) {
		t.Errorf("Boot(nil) = %v, want ErrBadBundle", err)
	}
}

func TestRunComputesAndHalts(t *testing.T) {
	s := bootTestSession(t, haltProg(
		asmADDI(1, 0, 10),
		asmADDI(2, 0, 32),
		asmADD(3, 1, 2),
	))

	st, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !st.Halted() {
		t.Fatalf("status = %v, want halted", st.Status)
	}
	if st.Regs[3] != 42 {
		t.Errorf("x3 = %d, want 42", st.Regs[3])
	}
	if st.Cycles%DefaultBatchSize != 0 {
		t.Errorf("cycles = %d, want a batch multiple", st.Cycles)
	}
	t.Logf("halted after %d cycles", st.Cycles)
}

func TestRunConsoleOrdering(t *testing.T) {
	// Three putchar rendezvous in sequence; the console collaborator must
	// see exactly "OK\n", each character once, in order.
	s := bootTestSession(t, prog(
		asmADDI(17, 0, 1), // a7 = legacy putchar
		asmADDI(10, 0, 'O'),
		asmECALL(),
		asmADDI(10, 0, 'K'),
		asmECALL(),
		asmADDI(10, 0, '\n'),
		asmECALL(),
		asmEBREAK(),
	))

	var out bytes.Buffer
	s.SetConsole(func(b byte) { out.WriteByte(b) })

	st, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !st.Halted() {
		t.Fatalf("status = %v, want halted", st.Status)
	}
	if out.String() != "OK\n" {
		t.Errorf("console = %q, want %q", out.String(), "OK\n")
	}
}

func TestRunHonorsContext(t *testing.T) {
	s := bootTestSession(t, spinProg())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run with cancelled context = %v, want context.Canceled", err)
	}
}

func TestTimerInterruptDelivery(t *testing.T) {
	s := bootTestSession(t, spinProg())

	// Arm the comparator below one tick's cycle budget.
	if err := s.WriteState(WordBatch{StateWordTimerLo: 50, StateWordTimerHi: 0}); err != nil {
		t.Fatalf("WriteState failed: %v", err)
	}

	report, err := s.Tick(uint64(DefaultBatchSize))
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if !report.TimerFired {
		t.Fatal("timer did not fire past its deadline")
	}
	if report.State.SIP&(1<<irqSTimer) == 0 {
		t.Error("STIP not set after timer fired")
	}
	if report.State.Pending != report.State.SIP {
		t.Error("pending word out of sync with sip")
	}

	// Level-triggered: while STIP is set the poll must not re-fire.
	report, err = s.Tick(uint64(DefaultBatchSize))
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if report.TimerFired {
		t.Error("timer re-fired with STIP outstanding")
	}
}

func TestSetTimerAcknowledgesInterrupt(t *testing.T) {
	// Guest arms a far-future deadline via sbi set_timer; servicing the
	// call must clear any outstanding STIP and park the new comparator.
	words := asmLI32(17, SBIExtTime)
	words = append(words,
		asmADDI(16, 0, 0),
		asmADDI(10, 0, 0x7FF), // timer_lo
		asmADDI(11, 0, 0x7F),  // timer_hi
		asmECALL(),
		asmJAL(0, 0),
	)
	s := bootTestSession(t, prog(words...))

	// Pretend a previous deadline already fired.
	if err := s.WriteState(WordBatch{
		StateWordSIP:     1 << irqSTimer,
		StateWordPending: 1 << irqSTimer,
	}); err != nil {
		t.Fatalf("WriteState failed: %v", err)
	}

	report, err := s.Tick(uint64(DefaultBatchSize))
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if !report.SBIServed {
		t.Fatal("set_timer rendezvous not serviced")
	}
	if report.State.Timer != 0x7F_0000_07FF {
		t.Errorf("timer = 0x%x, want 0x7F_0000_07FF", report.State.Timer)
	}
	if report.State.SIP&(1<<irqSTimer) != 0 {
		t.Error("STIP not cleared by set_timer")
	}
}

func TestFramebufferRoundTrip(t *testing.T) {
	// Guest paints the first pixel; the host reads it back through the
	// frame API.
	words := asmLI32(5, FramebufferOffset)
	words = append(words, asmLI32(6, 0xFF00_00FF)...)
	words = append(words, asmSW(6, 5, 0))
	s := bootTestSession(t, haltProg(words...))

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	frame, err := s.FrameBytes()
	if err != nil {
		t.Fatalf("FrameBytes failed: %v", err)
	}
	if len(frame) != FramebufferSize {
		t.Fatalf("frame is %d bytes, want %d", len(frame), FramebufferSize)
	}
	if !bytes.Equal(frame[:4], []byte{0xFF, 0x00, 0x00, 0xFF}) {
		t.Errorf("pixel 0 = %x, want ff0000ff", frame[:4])
	}

	img, err := s.FrameRGBA()
	if err != nil {
		t.Fatalf("FrameRGBA failed: %v", err)
	}
	if img.Rect.Dx() != FramebufferWidth || img.Rect.Dy() != FramebufferHeight {
		t.Errorf("image is %dx%d, want %dx%d", img.Rect.Dx(), img.Rect.Dy(),
			FramebufferWidth, FramebufferHeight)
	}
	// The image is a copy; painting it must not touch guest memory.
	img.Pix[0] = 0x00
	again, err := s.FrameBytes()
	if err != nil {
		t.Fatalf("FrameBytes failed: %v", err)
	}
	if again[0] != 0xFF {
		t.Error("FrameRGBA aliases guest memory")
	}
}

func TestRendererCallback(t *testing.T) {
	s := bootTestSession(t, spinProg())

	var frames int
	s.SetRenderer(func(frame []byte) {
		frames++
		if len(frame) != FramebufferSize {
			t.Errorf("renderer frame is %d bytes, want %d", len(frame), FramebufferSize)
		}
	})

	if _, err := s.Tick(uint64(DefaultBatchSize)); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if frames != 1 {
		t.Errorf("renderer called %d times in one tick, want 1", frames)
	}
}

func TestInputEvents(t *testing.T) {
	s := bootTestSession(t, spinProg())

	if err := s.SendKey('q'); err != nil {
		t.Fatalf("SendKey failed: %v", err)
	}
	buf, err := s.ReadMemory(InputMMIOOffset, 8)
	if err != nil {
		t.Fatalf("ReadMemory failed: %v", err)
	}
	if buf[0] != InputCmdKeyboard {
		t.Errorf("command byte = %d, want keyboard", buf[0])
	}
	if got := binary.LittleEndian.Uint32(buf[4:]); got != 'q' {
		t.Errorf("payload = 0x%x, want 'q'", got)
	}

	if err := s.SendMouse(640, 480); err != nil {
		t.Fatalf("SendMouse failed: %v", err)
	}
	buf, err = s.ReadMemory(InputMMIOOffset, 8)
	if err != nil {
		t.Fatalf("ReadMemory failed: %v", err)
	}
	if buf[0] != InputCmdMouse {
		t.Errorf("command byte = %d, want mouse", buf[0])
	}
	payload := binary.LittleEndian.Uint32(buf[4:])
	if payload&0xFFFF != 640 || payload>>16 != 480 {
		t.Errorf("payload = 0x%x, want x=640 y=480", payload)
	}
}

func TestGuestReadsInputMMIO(t *testing.T) {
	// The guest polls the command byte and copies the payload into a
	// register once an event lands.
	words := asmLI32(5, InputMMIOOffset)
	words = append(words,
		asmLBU(6, 5, 0),    // command byte
		asmBEQ(6, 0, -4),   // spin until nonzero
		asmLW(7, 5, 4),     // payload
		asmEBREAK(),
	)
	s := bootTestSession(t, prog(words...))

	if err := s.SendKey('z'); err != nil {
		t.Fatalf("SendKey failed: %v", err)
	}
	st, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if st.Regs[6] != uint32(InputCmdKeyboard) {
		t.Errorf("guest saw command %d, want keyboard", st.Regs[6])
	}
	if st.Regs[7] != 'z' {
		t.Errorf("guest saw payload 0x%x, want 'z'", st.Regs[7])
	}
}

func TestSessionMemoryBounds(t *testing.T) {
	s := bootTestSession(t, spinProg())

	if _, err := s.ReadMemory(DefaultMemorySize-2, 8); !errors.Is(err, ErrRegionOverflow) {
		t.Errorf("out-of-bounds read = %v, want ErrRegionOverflow", err)
	}
	if err := s.WriteMemory(DefaultMemorySize, []byte{1}); !errors.Is(err, ErrRegionOverflow) {
		t.Errorf("out-of-bounds write = %v, want ErrRegionOverflow", err)
	}
	if _, err := s.ReadMemory(0, -1); !errors.Is(err, ErrRegionOverflow) {
		t.Errorf("negative-length read = %v, want ErrRegionOverflow", err)
	}
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	s, err := NewSession(DefaultConfig())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := s.Tick(100); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Tick = %v, want ErrSessionClosed", err)
	}
	if _, err := s.ReadState(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("ReadState = %v, want ErrSessionClosed", err)
	}
	if err := s.WriteState(WordBatch{StateWordPC: 0}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("WriteState = %v, want ErrSessionClosed", err)
	}
	if _, err := s.ReadMemory(0, 4); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("ReadMemory = %v, want ErrSessionClosed", err)
	}
	if err := s.WriteMemory(0, []byte{1}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("WriteMemory = %v, want ErrSessionClosed", err)
	}
	if _, err := s.FrameBytes(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("FrameBytes = %v, want ErrSessionClosed", err)
	}
	if err := s.SendKey('a'); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SendKey = %v, want ErrSessionClosed", err)
	}
	if err := s.Boot(&BootBundle{Kernel: spinProg()}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Boot = %v, want ErrSessionClosed", err)
	}

	// Close is idempotent.
	if err := s.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestIndependentSessions(t *testing.T) {
	a := bootTestSession(t, haltProg(asmADDI(5, 0, 1)))
	b := bootTestSession(t, haltProg(asmADDI(5, 0, 2)))

	if _, err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run(a) failed: %v", err)
	}
	if _, err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run(b) failed: %v", err)
	}
	if a.State().Regs[5] != 1 || b.State().Regs[5] != 2 {
		t.Errorf("sessions interfered: a.x5=%d b.x5=%d", a.State().Regs[5], b.State().Regs[5])
	}
}
