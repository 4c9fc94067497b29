package gpurv

import (
	"encoding/binary"
	"fmt"
)

// Input MMIO layout: a one-byte command code at offset 0 and a 4-byte
// payload word at offset 4. Payload semantics are the collaborator's
// business; the orchestrator validates only size and placement.
const (
	InputCmdNone     byte = 0
	InputCmdKeyboard byte = 1
	InputCmdMouse    byte = 2

	inputCmdOffset     = 0
	inputPayloadOffset = 4
)

// sendInput commits one input event to the MMIO region between batches.
func (s *Session) sendInput(cmd byte, payload uint32) error {
	if s == nil {
		return fmt.Errorf("gpurv: session is nil")
	}
	if s.closed {
		return ErrSessionClosed
	}

	buf := make([]byte, 8)
	buf[inputCmdOffset] = cmd
	binary.LittleEndian.PutUint32(buf[inputPayloadOffset:], payload)
	if err := s.eng.writeMem(InputMMIOOffset, buf); err != nil {
		return err
	}
	recordInputEvent()
	return nil
}

// SendKey delivers one keyboard event (ASCII code) to the guest.
func (s *Session) SendKey(ascii byte) error {
	return s.sendInput(InputCmdKeyboard, uint32(ascii))
}

// SendMouse delivers one mouse event with packed 16-bit coordinates.
func (s *Session) SendMouse(x, y uint16) error {
	return s.sendInput(InputCmdMouse, uint32(x)|uint32(y)<<16)
}
