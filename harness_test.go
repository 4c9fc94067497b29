package gpurv

import (
	"encoding/binary"
	"testing"
)

// Minimal RV32I assembler used by the tests. Each asm* helper encodes one
// instruction word; prog flattens a sequence into little-endian bytes
// ready for a kernel segment.

func prog(words ...uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

func encR(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encI(imm int32, rs1, funct3, rd, opcode uint32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encS(imm int32, rs2, rs1, funct3, opcode uint32) uint32 {
	u := uint32(imm)
	return (u>>5&0x7F)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u&0x1F)<<7 | opcode
}

func encB(imm int32, rs2, rs1, funct3, opcode uint32) uint32 {
	u := uint32(imm)
	return (u>>12&1)<<31 | (u>>5&0x3F)<<25 | rs2<<20 | rs1<<15 |
		funct3<<12 | (u>>1&0xF)<<8 | (u>>11&1)<<7 | opcode
}

func encU(imm uint32, rd, opcode uint32) uint32 {
	return imm&0xFFFF_F000 | rd<<7 | opcode
}

func encJ(imm int32, rd, opcode uint32) uint32 {
	u := uint32(imm)
	return (u>>20&1)<<31 | (u>>1&0x3FF)<<21 | (u>>11&1)<<20 | (u>>12&0xFF)<<12 | rd<<7 | opcode
}

func asmADDI(rd, rs1 uint32, imm int32) uint32 { return encI(imm, rs1, 0, rd, 0x13) }
func asmANDI(rd, rs1 uint32, imm int32) uint32 { return encI(imm, rs1, 7, rd, 0x13) }
func asmADD(rd, rs1, rs2 uint32) uint32        { return encR(0, rs2, rs1, 0, rd, 0x33) }
func asmSUB(rd, rs1, rs2 uint32) uint32        { return encR(0x20, rs2, rs1, 0, rd, 0x33) }
func asmLUI(rd, imm uint32) uint32             { return encU(imm, rd, 0x37) }
func asmAUIPC(rd, imm uint32) uint32           { return encU(imm, rd, 0x17) }
func asmJAL(rd uint32, imm int32) uint32       { return encJ(imm, rd, 0x6F) }
func asmJALR(rd, rs1 uint32, imm int32) uint32 { return encI(imm, rs1, 0, rd, 0x67) }
func asmBEQ(rs1, rs2 uint32, imm int32) uint32 { return encB(imm, rs2, rs1, 0, 0x63) }
func asmBNE(rs1, rs2 uint32, imm int32) uint32 { return encB(imm, rs2, rs1, 1, 0x63) }
func asmLW(rd, rs1 uint32, imm int32) uint32   { return encI(imm, rs1, 2, rd, 0x03) }
func asmLBU(rd, rs1 uint32, imm int32) uint32  { return encI(imm, rs1, 4, rd, 0x03) }
func asmSW(rs2, rs1 uint32, imm int32) uint32  { return encS(imm, rs2, rs1, 2, 0x23) }
func asmSB(rs2, rs1 uint32, imm int32) uint32  { return encS(imm, rs2, rs1, 0, 0x23) }

func asmECALL() uint32  { return 0x0000_0073 }
func asmEBREAK() uint32 { return 0x0010_0073 }
func asmSRET() uint32   { return 0x1020_0073 }
func asmWFI() uint32    { return 0x1050_0073 }

func asmCSRRW(rd, csr, rs1 uint32) uint32 { return csr<<20 | rs1<<15 | 1<<12 | rd<<7 | 0x73 }
func asmCSRRS(rd, csr, rs1 uint32) uint32 { return csr<<20 | rs1<<15 | 2<<12 | rd<<7 | 0x73 }

// asmLI32 materializes an arbitrary 32-bit constant in rd (lui+addi pair,
// compensating for addi's sign extension).
func asmLI32(rd uint32, v uint32) []uint32 {
	upper := v & 0xFFFF_F000
	lower := int32(v<<20) >> 20
	if lower < 0 {
		upper += 0x1000
	}
	return []uint32{asmLUI(rd, upper), asmADDI(rd, rd, lower)}
}

// haltProg wraps instruction words with a trailing ebreak.
func haltProg(words ...uint32) []byte {
	return prog(append(words, asmEBREAK())...)
}

// spinProg is an endless tight loop (jal x0, 0).
func spinProg() []byte {
	return prog(asmJAL(0, 0))
}

// bootTestSession creates a small session, boots the given kernel bytes,
// and registers cleanup.
func bootTestSession(t *testing.T, kernel []byte) *Session {
	t.Helper()
	s, err := NewSession(DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bundle, err := ParseBundle(BuildBundle(0, kernel, nil, nil))
	if err != nil {
		t.Fatalf("Failed to parse bundle: %v", err)
	}
	if err := s.Boot(bundle); err != nil {
		t.Fatalf("Failed to boot: %v", err)
	}
	return s
}
