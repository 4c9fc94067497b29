package gpurv

import "encoding/binary"

// UART region layout: one monotonically increasing head counter word,
// followed by a fixed ring of character slots (one word per character,
// matching the device-side store granularity).
const (
	UARTCapacity = 256

	uartHeadWord  = 0
	uartRingWord  = 1
	uartRegionLen = (uartRingWord + UARTCapacity) * 4
)

// uartReader is the host's view of the FIFO. The cursor only ever moves
// forward; a character is delivered to the console collaborator at most
// once.
type uartReader struct {
	cursor uint32
}

// drain decodes the characters written since the last poll from a staged
// snapshot of the UART region. If the head advanced by more than the ring
// capacity, the overwritten characters are unrecoverable: drain skips to
// the oldest character still present and reports how many were lost.
func (u *uartReader) drain(region []byte) (chars []byte, lost uint32) {
	head := binary.LittleEndian.Uint32(region[uartHeadWord*4:])
	if head == u.cursor {
		return nil, 0
	}

	n := head - u.cursor
	if n > UARTCapacity {
		lost = n - UARTCapacity
		u.cursor = head - UARTCapacity
		n = UARTCapacity
	}

	chars = make([]byte, 0, n)
	for ; u.cursor != head; u.cursor++ {
		slot := u.cursor % UARTCapacity
		w := binary.LittleEndian.Uint32(region[(uartRingWord+slot)*4:])
		chars = append(chars, byte(w))
	}
	return chars, lost
}

// encodeUARTAppend applies data to a copy of the UART region and returns
// the modified region bytes. Used when the SBI handler emits console
// output on the guest's behalf: the write goes through the same ring the
// guest would use, so the poll path observes one ordered stream.
func encodeUARTAppend(region []byte, data []byte) []byte {
	head := binary.LittleEndian.Uint32(region[uartHeadWord*4:])
	for _, b := range data {
		slot := head % UARTCapacity
		binary.LittleEndian.PutUint32(region[(uartRingWord+slot)*4:], uint32(b))
		head++
	}
	binary.LittleEndian.PutUint32(region[uartHeadWord*4:], head)
	return region
}
