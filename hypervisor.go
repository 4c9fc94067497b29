package gpurv

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Config controls a session. The zero value is completed with defaults by
// NewSession.
type Config struct {
	// MemorySize is the guest memory arena size in bytes.
	MemorySize int
	// BatchSize is the cycle count of one dispatch invocation.
	BatchSize uint32
	// CyclesPerTick is the default cycle budget of Tick when Run drives
	// the session.
	CyclesPerTick uint64
	// Bootargs overrides the kernel command line in the generated
	// device tree.
	Bootargs string
}

// DefaultConfig returns the platform defaults.
func DefaultConfig() Config {
	return Config{
		MemorySize:    DefaultMemorySize,
		BatchSize:     DefaultBatchSize,
		CyclesPerTick: 10_000,
	}
}

// Session is one hypervisor orchestrator instance. It exclusively owns a
// guest memory arena and its device timeline; independent sessions share
// nothing. The host side of a session is single-threaded control flow:
// boot once, then tick.
type Session struct {
	cfg  Config
	amap *AddressMap
	mem  *GuestMemory
	eng  *engine
	sbi  sbiHandler
	uart uartReader

	console  func(byte)
	renderer func([]byte)

	lastState CPUState
	dtbAddr   uint32
	booted    bool
	closed    bool
	closeMu   sync.Mutex // Protect against concurrent Close() and finalizer
}

// NewSession allocates guest memory and starts the device timeline.
func NewSession(cfg Config) (*Session, error) {
	start := time.Now()
	defer func() {
		recordSessionCreate(time.Since(start))
	}()

	def := DefaultConfig()
	if cfg.MemorySize == 0 {
		cfg.MemorySize = def.MemorySize
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.CyclesPerTick == 0 {
		cfg.CyclesPerTick = def.CyclesPerTick
	}

	amap, err := NewAddressMap(uint32(cfg.MemorySize))
	if err != nil {
		return nil, err
	}
	mem, err := NewGuestMemory(cfg.MemorySize)
	if err != nil {
		recordResourceError()
		return nil, err
	}

	s := &Session{
		cfg:  cfg,
		amap: amap,
		mem:  mem,
		eng:  newEngine(mem, amap, cfg.BatchSize),
	}
	s.sbi = sbiHandler{s: s}

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(s, (*Session).finalize)

	return s, nil
}

// SetConsole installs the console collaborator. Each character the guest
// writes is delivered at most once, in FIFO order.
func (s *Session) SetConsole(fn func(b byte)) {
	s.console = fn
}

// SetRenderer installs the rendering collaborator, handed the raw RGBA
// framebuffer each tick.
func (s *Session) SetRenderer(fn func(frame []byte)) {
	s.renderer = fn
}

// AddressMap returns the session's region table.
func (s *Session) AddressMap() *AddressMap { return s.amap }

// DTBAddress returns the guest physical address of the device-tree blob.
// Zero before Boot.
func (s *Session) DTBAddress() uint32 { return s.dtbAddr }

// Boot performs the one-time boot sequencing: copy the bundle segments
// into their regions, build the identity page tables, place the device
// tree, and initialize CPU state per the boot convention (a0 = hart id,
// a1 = DTB address, supervisor privilege). Guest memory is written
// directly here; the first dispatch has not been issued yet, so the
// timeline observes a fully assembled arena.
func (s *Session) Boot(bundle *BootBundle) error {
	if s == nil {
		return fmt.Errorf("gpurv: session is nil")
	}
	if s.closed {
		return ErrSessionClosed
	}
	if s.booted {
		return ErrAlreadyBooted
	}
	if bundle == nil || len(bundle.Kernel) == 0 {
		return ErrBadBundle
	}

	if err := s.mem.writeRegion(s.amap, RegionKernel, bundle.Kernel); err != nil {
		return fmt.Errorf("loading kernel: %w", err)
	}

	var opts DeviceTreeOptions
	opts.Bootargs = s.cfg.Bootargs
	if bundle.HasInitrd() {
		if err := s.mem.writeRegion(s.amap, RegionInitrd, bundle.Initrd); err != nil {
			return fmt.Errorf("loading initrd: %w", err)
		}
		opts.InitrdStart = InitrdOffset
		opts.InitrdEnd = InitrdOffset + uint32(len(bundle.Initrd))
	}

	dtb := bundle.DeviceTree
	if len(dtb) == 0 {
		var err error
		dtb, err = BuildDeviceTree(s.amap, opts)
		if err != nil {
			return fmt.Errorf("building device tree: %w", err)
		}
	}
	if err := s.mem.writeRegion(s.amap, RegionDeviceTree, dtb); err != nil {
		return fmt.Errorf("loading device tree: %w", err)
	}
	s.dtbAddr = DeviceTreeOffset

	satp, err := BuildIdentityMap(s.mem, s.amap)
	if err != nil {
		return fmt.Errorf("building page tables: %w", err)
	}

	entry := bundle.Entry
	if entry == 0 {
		entry = KernelOffset
	}

	// Initial CPU state, applied through the timeline so the write is
	// ordered before the first dispatch.
	boot := WordBatch{
		StateWordPC:         entry,
		StateWordPriv:       PrivSupervisor,
		StateWordStatus:     uint32(StatusRunning),
		StateWordReg(RegA0): 0, // hart id
		StateWordReg(RegA1): s.dtbAddr,
		StateWordSATP:       satp,
	}
	if err := s.eng.writeState(boot); err != nil {
		return err
	}

	if err := s.refreshState(); err != nil {
		return err
	}
	s.booted = true
	recordLoadOperation()
	return nil
}

// TickReport summarizes one scheduling interval.
type TickReport struct {
	State       CPUState
	Executed    uint64
	Console     []byte
	ConsoleLost uint32
	SBIServed   bool
	TimerFired  bool
}

// Tick runs one scheduling interval: dispatch the cycle budget (rounded
// down to whole batches), then poll the SBI bridge, the timer comparator,
// and the UART head, then hand the framebuffer to the renderer, then
// cache CPU state for the next interval's decisions.
func (s *Session) Tick(cycles uint64) (TickReport, error) {
	var report TickReport
	if s == nil {
		return report, fmt.Errorf("gpurv: session is nil")
	}

	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return report, ErrSessionClosed
	}
	if !s.booted {
		return report, ErrNotBooted
	}

	// 1. Dispatch.
	res, err := s.eng.dispatch(cycles)
	if err != nil {
		return report, err
	}
	report.Executed = res.executed

	// 2. SBI rendezvous.
	if err := s.refreshState(); err != nil {
		return report, err
	}
	served, err := s.sbi.poll()
	if err != nil {
		return report, err
	}
	report.SBIServed = served

	// 3. Timer comparator.
	if err := s.refreshState(); err != nil {
		return report, err
	}
	st := s.lastState
	if st.Cycles >= st.Timer && st.SIP&(1<<irqSTimer) == 0 {
		sip := st.SIP | 1<<irqSTimer
		err := s.eng.writeState(WordBatch{
			StateWordSIP:     sip,
			StateWordPending: sip,
		})
		if err != nil {
			return report, err
		}
		recordTimerInterrupt()
		report.TimerFired = true
	}

	// 4. UART head.
	region, err := s.eng.readMem(UARTOffset, uartRegionLen)
	if err != nil {
		return report, err
	}
	chars, lost := s.uart.drain(region)
	if lost > 0 {
		recordUARTOverrun(uint64(lost))
		report.ConsoleLost = lost
	}
	if len(chars) > 0 {
		recordUARTChars(uint64(len(chars)))
		report.Console = chars
		if s.console != nil {
			for _, b := range chars {
				s.console(b)
			}
		}
	}

	// 5. Framebuffer.
	if s.renderer != nil {
		frame, err := s.frameBytes()
		if err != nil {
			return report, err
		}
		s.renderer(frame)
	}

	// 6. Cache state for the next interval.
	if err := s.refreshState(); err != nil {
		return report, err
	}
	report.State = s.lastState
	return report, nil
}

// Run ticks the session until the guest halts, errors, or ctx is
// cancelled. Cancellation stops scheduling further dispatches; it never
// preempts a batch mid-flight.
func (s *Session) Run(ctx context.Context) (CPUState, error) {
	if s == nil {
		return CPUState{}, fmt.Errorf("gpurv: session is nil")
	}
	for {
		select {
		case <-ctx.Done():
			return s.lastState, ctx.Err()
		default:
		}
		report, err := s.Tick(s.cfg.CyclesPerTick)
		if err != nil {
			return s.lastState, err
		}
		if report.State.Halted() {
			return report.State, nil
		}
	}
}

// refreshState performs a staged state read and caches the snapshot.
func (s *Session) refreshState() error {
	words, err := s.eng.readState()
	if err != nil {
		return err
	}
	st, err := decodeState(words)
	if err != nil {
		return err
	}
	s.lastState = st
	return nil
}

// State returns the most recently cached CPU state snapshot.
func (s *Session) State() CPUState { return s.lastState }

// ReadState performs a fresh staged read of CPU state.
func (s *Session) ReadState() (CPUState, error) {
	if s == nil {
		return CPUState{}, fmt.Errorf("gpurv: session is nil")
	}
	if s.closed {
		return CPUState{}, ErrSessionClosed
	}
	if err := s.refreshState(); err != nil {
		return CPUState{}, err
	}
	return s.lastState, nil
}

// WriteState applies a narrow resume-write. The timeline commits it in
// the unscheduled interval between dispatch batches, never concurrently
// with one.
func (s *Session) WriteState(batch WordBatch) error {
	if s == nil {
		return fmt.Errorf("gpurv: session is nil")
	}
	if s.closed {
		return ErrSessionClosed
	}
	return s.eng.writeState(batch)
}

// ReadMemory copies n bytes of guest memory starting at off.
func (s *Session) ReadMemory(off uint32, n int) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("gpurv: session is nil")
	}
	if s.closed {
		return nil, ErrSessionClosed
	}
	if n < 0 || !s.amap.Validate(off, uint32(n)) {
		return nil, fmt.Errorf("gpurv: read of %d bytes at 0x%x out of bounds: %w", n, off, ErrRegionOverflow)
	}
	return s.eng.readMem(off, n)
}

// WriteMemory copies data into guest memory starting at off.
func (s *Session) WriteMemory(off uint32, data []byte) error {
	if s == nil {
		return fmt.Errorf("gpurv: session is nil")
	}
	if s.closed {
		return ErrSessionClosed
	}
	if !s.amap.Validate(off, uint32(len(data))) {
		return fmt.Errorf("gpurv: write of %d bytes at 0x%x out of bounds: %w", len(data), off, ErrRegionOverflow)
	}
	return s.eng.writeMem(off, data)
}

// Close stops the device timeline and releases guest memory. Idempotent.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}

	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return nil // Already closed
	}

	s.eng.stop()
	if err := s.mem.Close(); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}

	s.closed = true

	// Clear finalizer since we've cleaned up properly
	runtime.SetFinalizer(s, nil)

	recordSessionClose()
	return nil
}

// finalize is called by the garbage collector as a safety net
func (s *Session) finalize() {
	if s == nil {
		return
	}
	// Non-blocking lock to prevent deadlock in finalizers
	if s.closeMu.TryLock() {
		defer s.closeMu.Unlock()
		if !s.closed {
			s.closed = true
			s.eng.stop()
			s.mem.Close() // Best effort cleanup
		}
	}
}
