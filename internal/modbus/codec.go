package modbus

// Modbus TCP (MBAP) codec: encode and decode Modbus PDUs with MBAP framing.

import (
	"encoding/binary"
	"fmt"
	"io"
)

// errTooShort returns a standardised validation error for short buffers.
func errTooShort(what string, got, need int) error {
	return fmt.Errorf("%s too short: %d bytes (minimum %d)", what, got, need)
}

// MinPDUSize is the minimum PDU size (function code only).
const MinPDUSize = 1

// MaxPDUSize is the maximum Modbus PDU size (253 bytes, Modbus application protocol).
const MaxPDUSize = 253

// MaxADUSize is the maximum Modbus TCP ADU size (MBAP header + PDU).
const MaxADUSize = MBAPHeaderSize + MaxPDUSize

// EncodeRequestTCP encodes a Modbus request into a TCP (MBAP) frame.
func EncodeRequestTCP(req Request) []byte {
	return encodeFrame(req.TransactionID, req.UnitID, req.Function, req.Data)
}

// DecodeRequestTCP decodes a Modbus TCP (MBAP) frame into a Request.
func DecodeRequestTCP(data []byte) (Request, error) {
	hdr, fc, body, err := decodeFrame(data)
	if err != nil {
		return Request{}, err
	}
	return Request{
		TransactionID: hdr.TransactionID,
		UnitID:        hdr.UnitID,
		Function:      fc,
		Data:          body,
	}, nil
}

// EncodeResponseTCP encodes a Modbus response into a TCP (MBAP) frame.
func EncodeResponseTCP(resp Response) []byte {
	return encodeFrame(resp.TransactionID, resp.UnitID, resp.Function, resp.Data)
}

// DecodeResponseTCP decodes a Modbus TCP (MBAP) frame into a Response.
func DecodeResponseTCP(data []byte) (Response, error) {
	hdr, fc, body, err := decodeFrame(data)
	if err != nil {
		return Response{}, err
	}
	return Response{
		TransactionID: hdr.TransactionID,
		UnitID:        hdr.UnitID,
		Function:      fc,
		Data:          body,
	}, nil
}

// EncodeExceptionResponse creates an exception response frame (TCP).
func EncodeExceptionResponse(transactionID uint16, unitID uint8, fc FunctionCode, exc ExceptionCode) []byte {
	return EncodeResponseTCP(Response{
		TransactionID: transactionID,
		UnitID:        unitID,
		Function:      fc | 0x80,
		Data:          []byte{byte(exc)},
	})
}

// ReadFrame reads exactly one MBAP frame from r, using the length field to
// find the end of the frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, MBAPHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 1+MinPDUSize || length > 1+MaxPDUSize {
		return nil, fmt.Errorf("invalid MBAP length: %d", length)
	}
	frame := make([]byte, MBAPHeaderSize+length-1)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[MBAPHeaderSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// --- PDU-level helpers (function-code-specific request builders) ---

// ReadHoldingRegistersRequest builds the data payload for FC 0x03.
func ReadHoldingRegistersRequest(startAddr uint16, quantity uint16) []byte {
	return encodeAddrQty(startAddr, quantity)
}

// ReadInputRegistersRequest builds the data payload for FC 0x04.
func ReadInputRegistersRequest(startAddr uint16, quantity uint16) []byte {
	return encodeAddrQty(startAddr, quantity)
}

// WriteSingleRegisterRequest builds the data payload for FC 0x06.
func WriteSingleRegisterRequest(addr uint16, value uint16) []byte {
	return encodeAddrQty(addr, value)
}

// WriteMultipleRegistersRequest builds the data payload for FC 0x10.
func WriteMultipleRegistersRequest(startAddr uint16, values ...uint16) []byte {
	buf := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(buf[0:2], startAddr)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(values)))
	buf[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(buf[5+2*i:], v)
	}
	return buf
}

// MaskWriteRegisterRequest builds the data payload for FC 0x16.
func MaskWriteRegisterRequest(addr uint16, andMask uint16, orMask uint16) []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint16(buf[0:2], addr)
	binary.BigEndian.PutUint16(buf[2:4], andMask)
	binary.BigEndian.PutUint16(buf[4:6], orMask)
	return buf
}

// DecodeReadRegistersResponse parses the data field of a read registers
// response (FC 0x03 or 0x04) into a slice of uint16 register values.
func DecodeReadRegistersResponse(data []byte) ([]uint16, error) {
	if len(data) < 1 {
		return nil, errTooShort("read registers response", len(data), 1)
	}
	byteCount := int(data[0])
	if len(data) < 1+byteCount {
		return nil, errTooShort("read registers response data", len(data), 1+byteCount)
	}
	if byteCount%2 != 0 {
		return nil, fmt.Errorf("odd byte count in register response: %d", byteCount)
	}
	regs := make([]uint16, byteCount/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[1+i*2 : 1+i*2+2])
	}
	return regs, nil
}

// --- internal helpers ---

func encodeFrame(txID uint16, unitID uint8, fc FunctionCode, data []byte) []byte {
	buf := EncodeMBAPHeader(MBAPHeader{
		TransactionID: txID,
		Length:        uint16(2 + len(data)), // UnitID + function code + data
		UnitID:        unitID,
	})
	buf = append(buf, byte(fc))
	return append(buf, data...)
}

func decodeFrame(data []byte) (MBAPHeader, FunctionCode, []byte, error) {
	hdr, err := DecodeMBAPHeader(data)
	if err != nil {
		return MBAPHeader{}, 0, nil, err
	}
	if hdr.ProtocolID != 0x0000 {
		return MBAPHeader{}, 0, nil, fmt.Errorf("invalid Modbus protocol ID: 0x%04X", hdr.ProtocolID)
	}
	// Length field covers UnitID (already in the header) + PDU.
	pduStart := MBAPHeaderSize
	pduEnd := MBAPHeaderSize + int(hdr.Length) - 1
	if pduEnd > len(data) {
		return MBAPHeader{}, 0, nil, errTooShort("Modbus TCP frame", len(data), pduEnd)
	}
	if pduEnd < pduStart+MinPDUSize {
		return MBAPHeader{}, 0, nil, errTooShort("Modbus PDU", pduEnd-pduStart, MinPDUSize)
	}
	return hdr, FunctionCode(data[pduStart]), cloneBytes(data[pduStart+1 : pduEnd]), nil
}

func encodeAddrQty(addr, qty uint16) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], addr)
	binary.BigEndian.PutUint16(buf[2:4], qty)
	return buf
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
