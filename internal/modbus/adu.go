package modbus

// Best-effort ADU decoding for traffic that is relayed rather than served.
//
// Unlike DecodeRequestTCP, nothing here returns an error: a buffer that is
// too short simply does not decode, and the caller forwards it untouched.

import (
	"encoding/binary"
	"fmt"
)

// Byte offsets inside an MBAP frame.
const (
	OffsetFunction  = 7
	OffsetAddress   = 8
	OffsetValue     = 10 // FC 0x06 value, FC 0x03 request quantity
	OffsetByteCount = 8  // FC 0x03 response
	OffsetRegisters = 9  // FC 0x03 response register data

	// MinADUSize is the MBAP header plus the function code.
	MinADUSize = MBAPHeaderSize + 1

	// AddrValueADUSize is the size of an FC 0x03 request or an FC 0x06
	// request/response: header, function code, two 16-bit fields.
	AddrValueADUSize = 12

	// writeResponseLength is the MBAP length of an FC 0x06 response.
	writeResponseLength = 6
)

// ADU is one decoded Modbus/TCP application data unit.
//
// Address, Value and Quantity are only meaningful when HasAddress is set,
// which happens for FC 0x06 and FC 0x03 frames of at least 12 bytes.
type ADU struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	UnitID        uint8
	Function      FunctionCode
	Payload       []byte // bytes after the function code, aliasing Raw
	Raw           []byte

	HasAddress bool
	Address    uint16
	Value      uint16 // FC 0x06
	Quantity   uint16 // FC 0x03
}

// DecodeADU decodes buf into an ADU. It returns false when buf is shorter
// than the MBAP header plus function code.
func DecodeADU(buf []byte) (ADU, bool) {
	if len(buf) < MinADUSize {
		return ADU{}, false
	}
	adu := ADU{
		TransactionID: binary.BigEndian.Uint16(buf[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(buf[2:4]),
		Length:        binary.BigEndian.Uint16(buf[4:6]),
		UnitID:        buf[6],
		Function:      FunctionCode(buf[OffsetFunction]),
		Payload:       buf[MinADUSize:],
		Raw:           buf,
	}
	if len(buf) >= AddrValueADUSize {
		switch adu.Function {
		case FcWriteSingleRegister:
			adu.HasAddress = true
			adu.Address = binary.BigEndian.Uint16(buf[OffsetAddress:])
			adu.Value = binary.BigEndian.Uint16(buf[OffsetValue:])
		case FcReadHoldingRegisters:
			adu.HasAddress = true
			adu.Address = binary.BigEndian.Uint16(buf[OffsetAddress:])
			adu.Quantity = binary.BigEndian.Uint16(buf[OffsetValue:])
		}
	}
	return adu, true
}

// IsWriteSingleRegister reports whether the ADU is a decodable FC 0x06 frame.
func (a ADU) IsWriteSingleRegister() bool {
	return a.HasAddress && a.Function == FcWriteSingleRegister
}

// IsReadHoldingRegisters reports whether the ADU is a decodable FC 0x03 request.
func (a ADU) IsReadHoldingRegisters() bool {
	return a.HasAddress && a.Function == FcReadHoldingRegisters
}

// String summarizes the ADU for logs.
func (a ADU) String() string {
	switch {
	case a.IsWriteSingleRegister():
		return fmt.Sprintf("%s addr=0x%04X value=%d", a.Function, a.Address, a.Value)
	case a.IsReadHoldingRegisters():
		return fmt.Sprintf("%s addr=0x%04X count=%d", a.Function, a.Address, a.Quantity)
	default:
		return a.Function.String()
	}
}

// EncodeWriteResponse builds an FC 0x06 response from the first 8 bytes of
// the original frame, with the length forced to 6, followed by the ADU's
// address and the given value.
func EncodeWriteResponse(a ADU, value uint16) []byte {
	buf := make([]byte, AddrValueADUSize)
	copy(buf, a.Raw[:MinADUSize])
	binary.BigEndian.PutUint16(buf[4:6], writeResponseLength)
	binary.BigEndian.PutUint16(buf[OffsetAddress:], a.Address)
	binary.BigEndian.PutUint16(buf[OffsetValue:], value)
	return buf
}

// PatchUint16 returns a copy of buf with the big-endian field at offset
// replaced by v. The input is returned unchanged if the field does not fit.
func PatchUint16(buf []byte, offset int, v uint16) []byte {
	if offset < 0 || offset+2 > len(buf) {
		return buf
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	binary.BigEndian.PutUint16(out[offset:], v)
	return out
}
