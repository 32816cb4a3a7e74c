// Package otframe implements the OpenTherm 32-bit frame value: bit-field
// accessors, parity, and request/response builders. It is content-agnostic
// beyond parity, message type, and data-ID extraction.
package otframe

import "math/bits"

// MessageType is the 3-bit type field in bits 28-30.
type MessageType uint8

// Master-to-slave (request) types.
const (
	ReadData MessageType = iota
	WriteData
	InvalidData
	Reserved
)

// Slave-to-master (response) types.
const (
	ReadAck MessageType = iota + 4
	WriteAck
	DataInvalid
	UnknownDataID
)

// Frame is an immutable 32-bit OpenTherm value.
type Frame uint32

// Parity reports bit 31, the odd-parity bit over bits 0-30.
func (f Frame) Parity() bool { return f&(1<<31) != 0 }

// MessageType extracts bits 28-30.
func (f Frame) MessageType() MessageType { return MessageType((f >> 28) & 0x7) }

// DataID extracts bits 16-23.
func (f Frame) DataID() uint8 { return uint8((f >> 16) & 0xFF) }

// DataValue extracts bits 0-15.
func (f Frame) DataValue() uint16 { return uint16(f & 0xFFFF) }

// ParityOK reports whether the frame's total bit count (0-31) is odd.
func (f Frame) ParityOK() bool { return bits.OnesCount32(uint32(f))%2 == 1 }

var requestTypes = map[MessageType]bool{ReadData: true, WriteData: true}
var responseTypes = map[MessageType]bool{ReadAck: true, WriteAck: true, DataInvalid: true, UnknownDataID: true}

// IsValidAsRequest reports parity-correct frames whose type is READ_DATA or WRITE_DATA.
func (f Frame) IsValidAsRequest() bool { return f.ParityOK() && requestTypes[f.MessageType()] }

// IsValidAsResponse reports parity-correct frames whose type is one of the four response types.
func (f Frame) IsValidAsResponse() bool { return f.ParityOK() && responseTypes[f.MessageType()] }

// withParity sets bit 31 so that the total bit count becomes odd.
func withParity(v uint32) Frame {
	v &^= 1 << 31
	if bits.OnesCount32(v)%2 == 0 {
		v |= 1 << 31
	}
	return Frame(v)
}

// build assembles value | (id<<16) | (type<<28) and fixes up parity.
func build(msgType MessageType, dataID uint8, value uint16) Frame {
	v := uint32(value) | uint32(dataID)<<16 | uint32(msgType&0x7)<<28
	return withParity(v)
}

// BuildRequest assembles a master-to-slave frame (READ_DATA or WRITE_DATA) with correct parity.
func BuildRequest(msgType MessageType, dataID uint8, value uint16) Frame {
	return build(msgType, dataID, value)
}

// BuildResponse assembles a slave-to-master frame with correct parity.
func BuildResponse(msgType MessageType, dataID uint8, value uint16) Frame {
	return build(msgType, dataID, value)
}

// WithDataValue returns a copy of f with its 16-bit value field replaced and parity recomputed.
func (f Frame) WithDataValue(value uint16) Frame {
	v := uint32(f)&^0xFFFF | uint32(value)
	return withParity(v)
}
