// Driver for SKSTACK-IP Wi-SUN adapters (BP35A1 and compatibles).
// The adapter speaks CRLF terminated ASCII commands on a serial line
// and interleaves asynchronous event notifications with command
// replies on the same stream.
package skstack

import (
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/NotCoffee418/japanese_smart_meter/pkg/logging"
	"go.uber.org/zap"
)

// Open connects to the adapter on the given serial device (8N1).
// Reads give up after readTimeout and surface ErrTimedOut.
func Open(device string, baudrate uint, readTimeout time.Duration) (*Session, error) {
	port, err := openSerialPort(device, baudrate, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	s := NewSession(port)
	s.closer = port
	return s, nil
}

// NewSession wraps an already-open adapter byte stream. The session
// takes exclusive ownership of the transport.
func NewSession(transport io.ReadWriter) *Session {
	return &Session{
		transport: transport,
		reader:    newLineReader(transport),
		log:       logging.GetLogger(),
	}
}

func (s *Session) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Version asks the adapter firmware version (SKVER).
func (s *Session) Version() (string, error) {
	if err := s.writeCommand("SKVER"); err != nil {
		return "", err
	}
	if err := s.discardEcho(); err != nil {
		return "", err
	}
	ev, err := s.expectEvent(func(ev Event) bool {
		_, ok := ev.(VersionEvent)
		return ok
	})
	if err != nil {
		return "", err
	}
	if err := s.consumeOK(); err != nil {
		return "", err
	}
	return ev.(VersionEvent).Text, nil
}

// SetPassword registers the B-route password (SKSETPWD).
func (s *Session) SetPassword(password string) error {
	return s.simpleCommand(fmt.Sprintf("SKSETPWD %X %s", len(password), password))
}

// SetRBID registers the B-route authentication id (SKSETRBID).
func (s *Session) SetRBID(id string) error {
	return s.simpleCommand("SKSETRBID " + id)
}

// SetRegister writes one virtual register, e.g. S2 for the radio
// channel or S3 for the PAN id (SKSREG).
func (s *Session) SetRegister(name, value string) error {
	return s.simpleCommand(fmt.Sprintf("SKSREG %s %s", name, value))
}

// LinkLocalAddr resolves a 64-bit hardware address into its IPv6
// link-local form (SKLL64). The adapter replies with the bare address
// on the next line, not an event.
func (s *Session) LinkLocalAddr(hwAddr string) (string, error) {
	if err := s.writeCommand("SKLL64 " + hwAddr); err != nil {
		return "", err
	}
	if err := s.discardEcho(); err != nil {
		return "", err
	}
	return s.readLine()
}

// SendTo transmits one UDP datagram over the PAN (SKSENDTO). The
// payload goes on the wire verbatim after the header fields. Security
// flag is fixed to 1 (plain); secured sends are not supported.
func (s *Session) SendTo(handle byte, addr string, port uint16, data []byte) error {
	header := fmt.Sprintf("SKSENDTO %X %s %04X 1 %04X ", handle, addr, port, len(data))
	s.log.Debug("serial tx", zap.String("command", header), zap.Int("payload_bytes", len(data)))

	msg := make([]byte, 0, len(header)+len(data)+2)
	msg = append(msg, header...)
	msg = append(msg, data...)
	msg = append(msg, crlf...)
	if _, err := s.transport.Write(msg); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}

	// The echo repeats the command line verbatim, raw payload bytes
	// included. Those bytes are binary: they need not be valid text and
	// may themselves contain CRLF, so the echo is discarded at the byte
	// level until the echoed length is accounted for.
	discarded := 0
	for discarded < len(msg) {
		raw, err := s.reader.readLine()
		if err == io.EOF {
			return fmt.Errorf("serial stream ended (partial line %q)", raw)
		}
		if err != nil {
			return err
		}
		discarded += len(raw) + len(crlf)
	}
	return nil
}

// ReadEvent reads and classifies the next line from the adapter. This
// is the only entry point through which asynchronous notifications,
// including inbound datagrams, are observed.
func (s *Session) ReadEvent() (Event, error) {
	line, err := s.readLine()
	if err != nil {
		return nil, err
	}
	return s.parseEvent(line)
}

// Scan performs an active scan (SKSCAN) and collects every PAN
// descriptor the adapter reports until the scan-complete notification.
// An empty result is not an error; callers typically retry with a
// longer duration. The wait for scan completion has no internal bound:
// the transport read timeout is the only thing limiting it.
func (s *Session) Scan(mode byte, channelMask uint32, duration byte) ([]PanDescriptor, error) {
	cmd := fmt.Sprintf("SKSCAN %X %X %X", mode, channelMask, duration)
	if err := s.simpleCommand(cmd); err != nil {
		return nil, err
	}

	var found []PanDescriptor
	for {
		ev, err := s.ReadEvent()
		if err != nil {
			return nil, err
		}
		note, ok := ev.(Notification)
		if !ok {
			return nil, &UnexpectedEventError{Event: ev}
		}
		switch note.Code {
		case EventPanFound:
			next, err := s.expectEvent(func(ev Event) bool {
				_, ok := ev.(PanDescriptor)
				return ok
			})
			if err != nil {
				return nil, err
			}
			found = append(found, next.(PanDescriptor))
		case EventScanComplete:
			return found, nil
		default:
			return nil, &UnexpectedEventError{Event: ev}
		}
	}
}

// Join starts the PANA association with the PAN coordinator at the
// given IPv6 address (SKJOIN) and waits for its outcome. Everything
// but the success and failure notifications is ignored, since the
// adapter chalks up key exchange chatter meanwhile. Like Scan, the
// wait is only bounded by the transport read timeout.
func (s *Session) Join(addr string) error {
	if err := s.simpleCommand("SKJOIN " + addr); err != nil {
		return err
	}
	for {
		ev, err := s.ReadEvent()
		if err != nil {
			return err
		}
		note, ok := ev.(Notification)
		if !ok {
			continue
		}
		switch note.Code {
		case EventJoinSucceed:
			return nil
		case EventJoinFailed:
			return &JoinFailedError{Notification: note}
		}
	}
}

// simpleCommand runs the common send / discard echo / require OK shape.
func (s *Session) simpleCommand(cmd string) error {
	if err := s.writeCommand(cmd); err != nil {
		return err
	}
	if err := s.discardEcho(); err != nil {
		return err
	}
	return s.consumeOK()
}

func (s *Session) writeCommand(cmd string) error {
	s.log.Debug("serial tx", zap.String("command", cmd))
	if _, err := s.transport.Write(append([]byte(cmd), crlf...)); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// Every command is echoed back verbatim before the adapter replies.
func (s *Session) discardEcho() error {
	_, err := s.readLine()
	return err
}

func (s *Session) consumeOK() error {
	line, err := s.readLine()
	if err != nil {
		return err
	}
	if line != "OK" {
		return &NotAcknowledgedError{Line: line}
	}
	return nil
}

// expectEvent reads one event and requires it to match, the recurring
// "next event must be X" step of the multi-part sequences.
func (s *Session) expectEvent(match func(Event) bool) (Event, error) {
	ev, err := s.ReadEvent()
	if err != nil {
		return nil, err
	}
	if !match(ev) {
		return nil, &UnexpectedEventError{Event: ev}
	}
	return ev, nil
}

func (s *Session) readLine() (string, error) {
	raw, err := s.reader.readLine()
	if err == io.EOF {
		// Serial lines have no end of stream; treat as a failed read
		// and let the caller see what was lost.
		return "", fmt.Errorf("serial stream ended (partial line %q)", raw)
	}
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", &TextDecodeError{Raw: raw}
	}
	line := string(raw)
	s.log.Debug("serial rx", zap.String("line", line))
	return line, nil
}
