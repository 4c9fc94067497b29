package gpurv

import "encoding/binary"

// SBI bridge region layout, in words. The bridge is a synchronous
// rendezvous: at most one outstanding request, pending flag cleared by the
// host before the hart may issue another call.
const (
	sbiWordPending   = 0
	sbiWordExtension = 1
	sbiWordFunction  = 2
	sbiWordArg0      = 3 // args occupy words 3-8
	sbiWordError     = 9
	sbiWordValue     = 10
	sbiBridgeWords   = 11
)

// SBI extension ids.
const (
	SBIExtLegacyPutchar uint32 = 0x01
	SBIExtLegacyGetchar uint32 = 0x02
	SBIExtBase          uint32 = 0x10
	SBIExtTime          uint32 = 0x54494D45 // "TIME"
	SBIExtIPI           uint32 = 0x735049   // "sPI"
	SBIExtRFence        uint32 = 0x52464E43 // "RFNC"
	SBIExtHSM           uint32 = 0x48534D   // "HSM"
	SBIExtSRST          uint32 = 0x53525354 // "SRST"
	SBIExtDBCN          uint32 = 0x4442434E // "DBCN"
)

// SBI base extension function ids.
const (
	sbiBaseGetSpecVersion = 0
	sbiBaseGetImplID      = 1
	sbiBaseGetImplVersion = 2
	sbiBaseProbeExtension = 3
	sbiBaseGetMvendorid   = 4
	sbiBaseGetMarchid     = 5
	sbiBaseGetMimpid      = 6
)

// SBI standard error codes.
const (
	SBISuccess           int32 = 0
	SBIErrFailed         int32 = -1
	SBIErrNotSupported   int32 = -2
	SBIErrInvalidParam   int32 = -3
	SBIErrDenied         int32 = -4
	SBIErrInvalidAddress int32 = -5
)

// sbiSpecVersion encodes v2.0 (major in bits 24-30).
const sbiSpecVersion = 2 << 24

// sbiImplID identifies this implementation to the guest.
const sbiImplID = 0x67707276 // "gprv"

// SBIRequest is a decoded rendezvous record.
type SBIRequest struct {
	Extension uint32
	Function  uint32
	Args      [6]uint32
}

func decodeSBIRequest(bridge []byte) (SBIRequest, bool) {
	var req SBIRequest
	if binary.LittleEndian.Uint32(bridge[sbiWordPending*4:]) == 0 {
		return req, false
	}
	req.Extension = binary.LittleEndian.Uint32(bridge[sbiWordExtension*4:])
	req.Function = binary.LittleEndian.Uint32(bridge[sbiWordFunction*4:])
	for i := 0; i < 6; i++ {
		req.Args[i] = binary.LittleEndian.Uint32(bridge[(sbiWordArg0+i)*4:])
	}
	return req, true
}

// sbiEffects is everything servicing one call changes beyond the bridge
// words themselves.
type sbiEffects struct {
	console  []byte // appended to the UART ring
	setTimer bool
	timer    uint64
	shutdown bool
}

// sbiHandler services rendezvous requests between dispatch batches. Reads
// of guest memory (console payloads) go through the session's staged
// memory-read path like every other host access.
type sbiHandler struct {
	s *Session
}

// handle dispatches one request and returns the error code, return value,
// and side effects to apply.
func (h *sbiHandler) handle(req SBIRequest) (int32, uint32, sbiEffects) {
	var fx sbiEffects

	switch req.Extension {
	case SBIExtBase:
		switch req.Function {
		case sbiBaseGetSpecVersion:
			return SBISuccess, sbiSpecVersion, fx
		case sbiBaseGetImplID:
			return SBISuccess, sbiImplID, fx
		case sbiBaseGetImplVersion:
			return SBISuccess, 1, fx
		case sbiBaseProbeExtension:
			switch req.Args[0] {
			case SBIExtBase, SBIExtTime, SBIExtIPI, SBIExtRFence, SBIExtHSM, SBIExtSRST, SBIExtDBCN:
				return SBISuccess, 1, fx
			}
			return SBISuccess, 0, fx
		case sbiBaseGetMvendorid, sbiBaseGetMarchid, sbiBaseGetMimpid:
			return SBISuccess, 0, fx
		}

	case SBIExtTime:
		if req.Function == 0 { // set_timer
			fx.setTimer = true
			fx.timer = uint64(req.Args[0]) | uint64(req.Args[1])<<32
			return SBISuccess, 0, fx
		}

	case SBIExtLegacyPutchar:
		fx.console = []byte{byte(req.Args[0])}
		return SBISuccess, 0, fx

	case SBIExtLegacyGetchar:
		// No input stream on the console path; input arrives via MMIO.
		return SBIErrFailed, 0, fx

	case SBIExtDBCN:
		switch req.Function {
		case 0: // console_write: (num_bytes, base_lo, base_hi)
			n := req.Args[0]
			addr := req.Args[1]
			if req.Args[2] != 0 || !h.s.amap.Validate(addr, n) {
				return SBIErrInvalidAddress, 0, fx
			}
			data, err := h.s.eng.readMem(addr, int(n))
			if err != nil {
				return SBIErrInvalidAddress, 0, fx
			}
			fx.console = data
			return SBISuccess, n, fx
		case 2: // console_write_byte
			fx.console = []byte{byte(req.Args[0])}
			return SBISuccess, 0, fx
		}

	case SBIExtHSM:
		switch req.Function {
		case 2: // hart_get_status
			if req.Args[0] == 0 {
				return SBISuccess, 0, fx // STARTED
			}
			return SBIErrInvalidParam, 0, fx
		}
		// Single emulated hart: start/stop/suspend have no targets.
		return SBIErrNotSupported, 0, fx

	case SBIExtSRST:
		if req.Function == 0 { // system_reset
			fx.shutdown = true
			return SBISuccess, 0, fx
		}

	case SBIExtIPI, SBIExtRFence:
		// Single hart: nothing to send or fence.
		return SBISuccess, 0, fx
	}

	return SBIErrNotSupported, 0, fx
}

// poll checks the bridge after a dispatch batch and services at most one
// request. It clears the pending flag and the trap-cause word before the
// next dispatch so the hart resumes as a normal continue.
func (h *sbiHandler) poll() (bool, error) {
	bridge, err := h.s.eng.readMem(SBIBridgeOffset, sbiBridgeWords*4)
	if err != nil {
		return false, err
	}
	req, pending := decodeSBIRequest(bridge)
	if !pending {
		return false, nil
	}

	code, value, fx := h.handle(req)
	recordSBICall(code != SBIErrNotSupported)

	if len(fx.console) > 0 {
		region, err := h.s.eng.readMem(UARTOffset, uartRegionLen)
		if err != nil {
			return false, err
		}
		region = encodeUARTAppend(region, fx.console)
		if err := h.s.eng.writeMem(UARTOffset, region); err != nil {
			return false, err
		}
	}

	// Write the response and clear the pending flag.
	binary.LittleEndian.PutUint32(bridge[sbiWordPending*4:], 0)
	binary.LittleEndian.PutUint32(bridge[sbiWordError*4:], uint32(code))
	binary.LittleEndian.PutUint32(bridge[sbiWordValue*4:], value)
	if err := h.s.eng.writeMem(SBIBridgeOffset, bridge); err != nil {
		return false, err
	}

	// Resume registers: error in a0, value in a1, per the SBI convention.
	batch := WordBatch{
		StateWordReg(RegA0):  uint32(code),
		StateWordReg(RegA1):  value,
		StateWordTrapCause:   TrapNone,
		StateWordTrapValue:   0,
	}
	if fx.shutdown {
		batch[StateWordStatus] = uint32(StatusHalted)
	} else {
		batch[StateWordStatus] = uint32(StatusRunning)
	}
	if fx.setTimer {
		batch[StateWordTimerLo] = uint32(fx.timer)
		batch[StateWordTimerHi] = uint32(fx.timer >> 32)
		// Programming the timer acknowledges any outstanding tick.
		st := h.s.lastState
		sip := st.SIP &^ (1 << irqSTimer)
		batch[StateWordSIP] = sip
		batch[StateWordPending] = sip
	}
	if err := h.s.eng.writeState(batch); err != nil {
		return false, err
	}
	return true, nil
}
