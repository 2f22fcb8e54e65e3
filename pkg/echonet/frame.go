// ECHONET Lite frame codec, transport independent.
// Wire layout: EHD1 EHD2 TID(2, big-endian), then for format 1
// SEOJ(3) DEOJ(3) ESV OPC and OPC properties of [EPC][PDC][EDT...];
// format 2 carries an opaque payload.
package echonet

import (
	"encoding/binary"
	"fmt"
)

// FrameHeader is the fixed EHD1 byte opening every frame.
const FrameHeader byte = 0x10

// Format is the EHD2 discriminator byte.
type Format byte

const (
	Format1 Format = 0x81 // structured property list
	Format2 Format = 0x82 // arbitrary payload
)

// ServiceCode is the ESV verb of a format 1 frame. The set is closed:
// a byte outside it is a decode error, not a pass-through, because the
// frame layout is in principle verb dependent.
type ServiceCode byte

const (
	// Requests
	SetI   ServiceCode = 0x60 // set, no reply wanted
	SetC   ServiceCode = 0x61 // set, reply required
	Get    ServiceCode = 0x62
	InfReq ServiceCode = 0x63 // notification request
	SetGet ServiceCode = 0x6E

	// Responses and notifications
	SetRes    ServiceCode = 0x71
	GetRes    ServiceCode = 0x72
	Inf       ServiceCode = 0x73
	InfC      ServiceCode = 0x74
	InfCRes   ServiceCode = 0x7A
	SetGetRes ServiceCode = 0x7E

	// Error responses
	SetISNA   ServiceCode = 0x50
	SetCSNA   ServiceCode = 0x51
	GetSNA    ServiceCode = 0x52
	InfSNA    ServiceCode = 0x53
	SetGetSNA ServiceCode = 0x5E
)

func (s ServiceCode) valid() bool {
	switch s {
	case SetI, SetC, Get, InfReq, SetGet,
		SetRes, GetRes, Inf, InfC, InfCRes, SetGetRes,
		SetISNA, SetCSNA, GetSNA, InfSNA, SetGetSNA:
		return true
	}
	return false
}

// EOJ names one ECHONET object: class group, class, instance.
type EOJ struct {
	ClassGroup byte
	Class      byte
	Instance   byte
}

// Property is one EPC/EDT pair. The PDC length byte on the wire is
// derived from len(EDT) and must fit a byte.
type Property struct {
	EPC byte
	EDT []byte
}

// Frame is one decoded ECHONET Lite message. For Format1 the object
// and property fields apply; for Format2 only Payload does. TID is an
// opaque correlation token: encode and decode pass it through
// unchanged and matching a response against an outstanding request is
// the caller's job.
type Frame struct {
	Format Format
	TID    uint16

	// Format1
	SEOJ       EOJ
	DEOJ       EOJ
	Service    ServiceCode
	Properties []Property

	// Format2
	Payload []byte
}

// InvalidValueError reports an out-of-range discriminator byte.
type InvalidValueError struct {
	Field string
	Value byte
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("echonet: invalid %s 0x%02X", e.Field, e.Value)
}

// TruncatedError reports a buffer shorter than its declared structure.
type TruncatedError struct {
	Need int
	Have int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("echonet: truncated frame: need %d bytes, have %d", e.Need, e.Have)
}

// Encode serializes the frame. It fails if a property list or data
// block is too long for its one-byte counter, or the service code is
// not part of the closed set.
func (f *Frame) Encode() ([]byte, error) {
	out := []byte{FrameHeader, byte(f.Format)}
	out = binary.BigEndian.AppendUint16(out, f.TID)

	switch f.Format {
	case Format1:
		if !f.Service.valid() {
			return nil, &InvalidValueError{Field: "service code", Value: byte(f.Service)}
		}
		if len(f.Properties) > 0xFF {
			return nil, fmt.Errorf("echonet: %d properties exceed the count byte", len(f.Properties))
		}
		out = append(out, f.SEOJ.ClassGroup, f.SEOJ.Class, f.SEOJ.Instance)
		out = append(out, f.DEOJ.ClassGroup, f.DEOJ.Class, f.DEOJ.Instance)
		out = append(out, byte(f.Service), byte(len(f.Properties)))
		for _, prop := range f.Properties {
			if len(prop.EDT) > 0xFF {
				return nil, fmt.Errorf("echonet: property 0x%02X data exceeds the length byte", prop.EPC)
			}
			out = append(out, prop.EPC, byte(len(prop.EDT)))
			out = append(out, prop.EDT...)
		}
	case Format2:
		out = append(out, f.Payload...)
	default:
		return nil, &InvalidValueError{Field: "format", Value: byte(f.Format)}
	}
	return out, nil
}

// Decode parses one frame. Reading past the end of the buffer anywhere
// inside the declared structure yields a *TruncatedError; unknown
// format or service bytes yield *InvalidValueError.
func Decode(data []byte) (*Frame, error) {
	if len(data) < 4 {
		return nil, &TruncatedError{Need: 4, Have: len(data)}
	}
	if data[0] != FrameHeader {
		return nil, &InvalidValueError{Field: "header", Value: data[0]}
	}

	frame := &Frame{
		TID: binary.BigEndian.Uint16(data[2:4]),
	}
	switch Format(data[1]) {
	case Format1:
		frame.Format = Format1
	case Format2:
		frame.Format = Format2
		frame.Payload = append([]byte(nil), data[4:]...)
		return frame, nil
	default:
		return nil, &InvalidValueError{Field: "format", Value: data[1]}
	}

	if len(data) < 12 {
		return nil, &TruncatedError{Need: 12, Have: len(data)}
	}
	frame.SEOJ = EOJ{ClassGroup: data[4], Class: data[5], Instance: data[6]}
	frame.DEOJ = EOJ{ClassGroup: data[7], Class: data[8], Instance: data[9]}
	frame.Service = ServiceCode(data[10])
	if !frame.Service.valid() {
		return nil, &InvalidValueError{Field: "service code", Value: data[10]}
	}

	count := int(data[11])
	cursor := 12
	for i := 0; i < count; i++ {
		if cursor+2 > len(data) {
			return nil, &TruncatedError{Need: cursor + 2, Have: len(data)}
		}
		epc := data[cursor]
		pdc := int(data[cursor+1])
		cursor += 2
		if cursor+pdc > len(data) {
			return nil, &TruncatedError{Need: cursor + pdc, Have: len(data)}
		}
		frame.Properties = append(frame.Properties, Property{
			EPC: epc,
			EDT: append([]byte(nil), data[cursor:cursor+pdc]...),
		})
		cursor += pdc
	}
	return frame, nil
}
