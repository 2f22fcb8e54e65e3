package skstack

import (
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Session drives one SKSTACK-IP adapter over its serial line.
// All operations are synchronous and the session owns the transport
// exclusively; never issue a second operation while one is pending.
type Session struct {
	transport io.ReadWriter
	closer    io.Closer
	reader    *lineReader
	log       *zap.Logger
}

// Adapter notification codes delivered as EVENT lines.
const (
	EventPanFound     byte = 0x20 // scan found a PAN, EPANDESC follows
	EventScanComplete byte = 0x22
	EventJoinFailed   byte = 0x24
	EventJoinSucceed  byte = 0x25
)

// Event is one line (or multi-line record) from the adapter.
// Exactly one concrete type applies per received record.
type Event interface {
	isEvent()
}

// VersionEvent is the EVER reply to SKVER.
type VersionEvent struct {
	Text string
}

// PanDescriptor is one EPANDESC record found during an active scan.
// It only lives long enough to derive join parameters.
type PanDescriptor struct {
	Channel     byte
	ChannelPage byte
	PanID       uint16
	Addr        string // 16 hex digit hardware address
	LQI         byte
	PairID      string
}

// Notification is a bare EVENT line (scan progress, join result, ...).
type Notification struct {
	Code   byte
	Sender string
}

// InboundDatagram is an ERXUDP line: one UDP datagram received on the
// PAN, payload already decoded from its hex representation. The line's
// declared length field is checked against the payload during parsing;
// len(Data) always equals it, so it is not carried separately.
type InboundDatagram struct {
	Sender     string
	Dest       string
	RemotePort uint16
	LocalPort  uint16
	SenderLLA  string
	Secured    byte
	Data       []byte
}

// Unrecognized is any line that matches no known event prefix.
// Unknown notification types from newer firmware pass through here
// instead of failing the session.
type Unrecognized struct {
	Raw string
}

func (VersionEvent) isEvent()    {}
func (PanDescriptor) isEvent()   {}
func (Notification) isEvent()    {}
func (InboundDatagram) isEvent() {}
func (Unrecognized) isEvent()    {}

// DecodeError reports a line that matched a known event prefix but not
// its grammar. Carries the offending raw line.
type DecodeError struct {
	Line   string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("skstack: cannot decode %q: %s", e.Line, e.Reason)
}

// TextDecodeError reports a received line that is not valid UTF-8.
type TextDecodeError struct {
	Raw []byte
}

func (e *TextDecodeError) Error() string {
	return fmt.Sprintf("skstack: line is not valid text: %q", e.Raw)
}

// UnexpectedEventError reports a well-formed event that is not the one
// the current protocol step required.
type UnexpectedEventError struct {
	Event Event
}

func (e *UnexpectedEventError) Error() string {
	return fmt.Sprintf("skstack: unexpected event %#v", e.Event)
}

// NotAcknowledgedError reports a reply other than OK where the adapter
// was expected to acknowledge a command.
type NotAcknowledgedError struct {
	Line string
}

func (e *NotAcknowledgedError) Error() string {
	return fmt.Sprintf("skstack: expected OK, adapter replied %q", e.Line)
}

// JoinFailedError reports the EVENT 24 notification ending a failed
// PANA join attempt.
type JoinFailedError struct {
	Notification Notification
}

func (e *JoinFailedError) Error() string {
	return fmt.Sprintf("skstack: join rejected by %s", e.Notification.Sender)
}
