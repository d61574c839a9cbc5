package mitm

import (
	"encoding/binary"

	"github.com/tturner/mbmitm/internal/metrics"
	"github.com/tturner/mbmitm/internal/modbus"
)

// Reasons a frame was forwarded without being rewritten.
const (
	AnomalyShortFrame        = "short_frame"
	AnomalyShortWriteAck     = "short_write_response"
	AnomalyUpstreamException = "upstream_exception"
	AnomalyShortReadResponse = "short_read_response"
	AnomalyByteCountMismatch = "byte_count_mismatch"
	AnomalyRegisterTruncated = "register_out_of_bounds"
)

// Rewrite describes one register value changed on the wire.
type Rewrite struct {
	Kind    metrics.RewriteKind
	Address uint16
	From    uint16
	To      uint16
}

// RewriteRequest applies the request-path rule to a decoded client frame.
// A write-single-register to an overridden address is recorded into shadow
// first and then forwarded with its value field replaced by the override.
// Every other frame is returned as is.
func RewriteRequest(req modbus.ADU, overrides *OverrideTable, shadow *ShadowEntry) ([]byte, []Rewrite) {
	if !req.IsWriteSingleRegister() {
		return req.Raw, nil
	}
	forced, ok := overrides.Lookup(req.Address)
	if !ok {
		return req.Raw, nil
	}

	shadow.Record(req.Address, req.Value)
	out := modbus.PatchUint16(req.Raw, modbus.OffsetValue, forced)
	return out, []Rewrite{{
		Kind:    metrics.RewriteWriteRequest,
		Address: req.Address,
		From:    req.Value,
		To:      forced,
	}}
}

// RewriteResponse applies the response-path rules to an upstream frame,
// given the decoded request it answers. It returns the bytes to send to the
// client, the rewrites made, and a non-empty anomaly when a rule applied
// but the response could not be rewritten safely. The response is never
// dropped: on any anomaly it is returned unmodified.
func RewriteResponse(req modbus.ADU, resp []byte, overrides *OverrideTable, shadow *ShadowEntry) ([]byte, []Rewrite, string) {
	switch {
	case req.IsWriteSingleRegister():
		return rewriteWriteAck(req, resp, overrides, shadow)
	case req.IsReadHoldingRegisters():
		return rewriteReadResponse(req, resp, overrides, shadow)
	default:
		return resp, nil, ""
	}
}

func rewriteWriteAck(req modbus.ADU, resp []byte, overrides *OverrideTable, shadow *ShadowEntry) ([]byte, []Rewrite, string) {
	if _, ok := overrides.Lookup(req.Address); !ok {
		return resp, nil, ""
	}
	value, ok := shadow.Lookup(req.Address)
	if !ok {
		return resp, nil, ""
	}
	if len(resp) < modbus.MinADUSize {
		return resp, nil, AnomalyShortFrame
	}
	if modbus.FunctionCode(resp[modbus.OffsetFunction]) != modbus.FcWriteSingleRegister {
		return resp, nil, AnomalyUpstreamException
	}
	if len(resp) < modbus.AddrValueADUSize {
		return resp, nil, AnomalyShortWriteAck
	}

	from := binary.BigEndian.Uint16(resp[modbus.OffsetValue:])
	return modbus.EncodeWriteResponse(req, value), []Rewrite{{
		Kind:    metrics.RewriteWriteAck,
		Address: req.Address,
		From:    from,
		To:      value,
	}}, ""
}

func rewriteReadResponse(req modbus.ADU, resp []byte, overrides *OverrideTable, shadow *ShadowEntry) ([]byte, []Rewrite, string) {
	if len(resp) < modbus.OffsetRegisters {
		if len(resp) < modbus.MinADUSize {
			return resp, nil, AnomalyShortFrame
		}
		return resp, nil, AnomalyShortReadResponse
	}
	if modbus.FunctionCode(resp[modbus.OffsetFunction]) != modbus.FcReadHoldingRegisters {
		return resp, nil, AnomalyUpstreamException
	}
	if int(resp[modbus.OffsetByteCount]) != 2*int(req.Quantity) {
		return resp, nil, AnomalyByteCountMismatch
	}

	out := resp
	var rewrites []Rewrite
	anomaly := ""
	for i := 0; i < int(req.Quantity); i++ {
		// Registers past 0xFFFF have no address and are never overridden.
		if int(req.Address)+i > 0xFFFF {
			break
		}
		addr := req.Address + uint16(i)
		if _, ok := overrides.Lookup(addr); !ok {
			continue
		}
		value, ok := shadow.Lookup(addr)
		if !ok {
			continue
		}
		offset := modbus.OffsetRegisters + 2*i
		if offset+2 > len(out) {
			anomaly = AnomalyRegisterTruncated
			continue
		}
		from := binary.BigEndian.Uint16(out[offset:])
		if len(rewrites) == 0 {
			out = modbus.PatchUint16(out, offset, value)
		} else {
			binary.BigEndian.PutUint16(out[offset:], value)
		}
		rewrites = append(rewrites, Rewrite{
			Kind:    metrics.RewriteReadResponse,
			Address: addr,
			From:    from,
			To:      value,
		})
	}
	return out, rewrites, anomaly
}
