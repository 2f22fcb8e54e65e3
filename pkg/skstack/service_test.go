package skstack

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

// scriptedTransport replays adapter output and captures what the
// session writes.
type scriptedTransport struct {
	in  bytes.Buffer
	out bytes.Buffer
}

func newScript(lines ...string) *scriptedTransport {
	t := &scriptedTransport{}
	for _, l := range lines {
		t.in.WriteString(l)
		t.in.WriteString("\r\n")
	}
	return t
}

func (t *scriptedTransport) Read(p []byte) (int, error)  { return t.in.Read(p) }
func (t *scriptedTransport) Write(p []byte) (int, error) { return t.out.Write(p) }

func TestReadEventClassification(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		want    Event
		wantErr bool
	}{
		{
			name:  "version event",
			lines: []string{"EVER 1.2.3"},
			want:  VersionEvent{Text: "1.2.3"},
		},
		{
			name:  "notification",
			lines: []string{"EVENT 20 FE80::1"},
			want:  Notification{Code: 0x20, Sender: "FE80::1"},
		},
		{
			name:  "notification with extra parameter",
			lines: []string{"EVENT 21 FE80::1 00"},
			want:  Notification{Code: 0x21, Sender: "FE80::1"},
		},
		{
			name:    "notification missing sender",
			lines:   []string{"EVENT 20"},
			wantErr: true,
		},
		{
			name:    "notification bad code",
			lines:   []string{"EVENT ZZ FE80::1"},
			wantErr: true,
		},
		{
			name: "pan descriptor",
			lines: []string{
				"EPANDESC",
				"  Channel:21",
				"  Channel Page:09",
				"  Pan ID:8888",
				"  Addr:12345678ABCDEF01",
				"  LQI:E1",
				"  PairID:AABBCCDD",
			},
			want: PanDescriptor{
				Channel:     0x21,
				ChannelPage: 0x09,
				PanID:       0x8888,
				Addr:        "12345678ABCDEF01",
				LQI:         0xE1,
				PairID:      "AABBCCDD",
			},
		},
		{
			name: "pan descriptor missing indent",
			lines: []string{
				"EPANDESC",
				"Channel:21",
			},
			wantErr: true,
		},
		{
			name: "pan descriptor bad hex field",
			lines: []string{
				"EPANDESC",
				"  Channel:XY",
			},
			wantErr: true,
		},
		{
			name:  "inbound datagram",
			lines: []string{"ERXUDP FE80::1 FF02::1 0E1A 0E1A 001D129012345678 0 0004 DEADBEEF"},
			want: InboundDatagram{
				Sender:     "FE80::1",
				Dest:       "FF02::1",
				RemotePort: 0x0E1A,
				LocalPort:  0x0E1A,
				SenderLLA:  "001D129012345678",
				Secured:    0,
				Data:       []byte{0xDE, 0xAD, 0xBE, 0xEF},
			},
		},
		{
			name:    "inbound datagram odd hex payload",
			lines:   []string{"ERXUDP FE80::1 FF02::1 0E1A 0E1A 001D129012345678 0 0002 ABC"},
			wantErr: true,
		},
		{
			name:    "inbound datagram length mismatch",
			lines:   []string{"ERXUDP FE80::1 FF02::1 0E1A 0E1A 001D129012345678 0 0003 DEADBEEF"},
			wantErr: true,
		},
		{
			name:    "inbound datagram bad port",
			lines:   []string{"ERXUDP FE80::1 FF02::1 XXXX 0E1A 001D129012345678 0 0004 DEADBEEF"},
			wantErr: true,
		},
		{
			name:  "unknown line passes through",
			lines: []string{"EEDSCAN 21:09"},
			want:  Unrecognized{Raw: "EEDSCAN 21:09"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession(newScript(tt.lines...))
			got, err := s.ReadEvent()
			if tt.wantErr {
				var decodeErr *DecodeError
				if !errors.As(err, &decodeErr) {
					t.Fatalf("ReadEvent() error = %v, want *DecodeError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadEvent() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ReadEvent() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	script := newScript(
		"SKVER", // command echo
		"EVER 1.2.10",
		"OK",
	)
	s := NewSession(script)

	version, err := s.Version()
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if version != "1.2.10" {
		t.Errorf("Version() = %q, want 1.2.10", version)
	}
	if got := script.out.String(); got != "SKVER\r\n" {
		t.Errorf("wrote %q, want SKVER line", got)
	}
}

func TestVersionUnexpectedEvent(t *testing.T) {
	s := NewSession(newScript("SKVER", "EVENT 22 FE80::1"))
	_, err := s.Version()
	var unexpected *UnexpectedEventError
	if !errors.As(err, &unexpected) {
		t.Fatalf("Version() error = %v, want *UnexpectedEventError", err)
	}
}

func TestCommandNotAcknowledged(t *testing.T) {
	s := NewSession(newScript("SKSETRBID 00112233", "FAIL ER04"))
	err := s.SetRBID("00112233")
	var nack *NotAcknowledgedError
	if !errors.As(err, &nack) {
		t.Fatalf("SetRBID() error = %v, want *NotAcknowledgedError", err)
	}
	if nack.Line != "FAIL ER04" {
		t.Errorf("NotAcknowledgedError.Line = %q", nack.Line)
	}
}

func TestSetPasswordHexLength(t *testing.T) {
	script := newScript("echo", "OK")
	s := NewSession(script)
	if err := s.SetPassword("0123456789AB"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	// 12 characters, length is sent in hex
	if got := script.out.String(); got != "SKSETPWD C 0123456789AB\r\n" {
		t.Errorf("wrote %q", got)
	}
}

func TestLinkLocalAddr(t *testing.T) {
	script := newScript(
		"SKLL64 12345678ABCDEF01",
		"FE80:0000:0000:0000:1034:5678:ABCD:EF01",
	)
	s := NewSession(script)

	addr, err := s.LinkLocalAddr("12345678ABCDEF01")
	if err != nil {
		t.Fatalf("LinkLocalAddr() error = %v", err)
	}
	if addr != "FE80:0000:0000:0000:1034:5678:ABCD:EF01" {
		t.Errorf("LinkLocalAddr() = %q", addr)
	}
}

func TestSendTo(t *testing.T) {
	payload := []byte{0x10, 0x81, 0x00, 0x01}
	echo := append([]byte("SKSENDTO 1 FE80::1 0E1A 1 0004 "), payload...)

	script := &scriptedTransport{}
	script.in.Write(echo)
	script.in.WriteString("\r\n")
	s := NewSession(script)

	if err := s.SendTo(1, "FE80::1", 3610, payload); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}

	want := append(echo, '\r', '\n')
	if !bytes.Equal(script.out.Bytes(), want) {
		t.Errorf("wrote %q, want %q", script.out.Bytes(), want)
	}
}

func TestSendToBinaryEcho(t *testing.T) {
	// 0x81 is not valid UTF-8 and the payload embeds a CRLF pair, so
	// the echo is both non-text and split across two raw lines. Neither
	// may disturb the event stream that follows.
	payload := []byte{0x10, 0x81, 0x00, 0x01, 0x0D, 0x0A, 0x62}

	script := &scriptedTransport{}
	script.in.WriteString(fmt.Sprintf("SKSENDTO 1 FE80::1 0E1A 1 %04X ", len(payload)))
	script.in.Write(payload)
	script.in.WriteString("\r\n")
	script.in.WriteString("EVENT 21 FE80::1\r\n")
	s := NewSession(script)

	if err := s.SendTo(1, "FE80::1", 3610, payload); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}

	ev, err := s.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent() after send error = %v", err)
	}
	note, ok := ev.(Notification)
	if !ok || note.Code != 0x21 {
		t.Errorf("ReadEvent() = %#v, want the scripted notification", ev)
	}
}

func TestScanCollectsPeers(t *testing.T) {
	script := newScript(
		"SKSCAN 2 FFFFFFFF 4",
		"OK",
		"EVENT 20 FE80::1",
		"EPANDESC",
		"  Channel:21",
		"  Channel Page:09",
		"  Pan ID:8888",
		"  Addr:12345678ABCDEF01",
		"  LQI:E1",
		"  PairID:AABBCCDD",
		"EVENT 20 FE80::1",
		"EPANDESC",
		"  Channel:2F",
		"  Channel Page:09",
		"  Pan ID:9999",
		"  Addr:FEDCBA9876543210",
		"  LQI:40",
		"  PairID:00112233",
		"EVENT 22 FE80::1",
	)
	s := NewSession(script)

	found, err := s.Scan(2, 0xFFFFFFFF, 4)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("Scan() found %d peers, want 2", len(found))
	}
	if found[0].PanID != 0x8888 || found[1].PanID != 0x9999 {
		t.Errorf("peers out of order: %#v", found)
	}
	if got := script.out.String(); got != "SKSCAN 2 FFFFFFFF 4\r\n" {
		t.Errorf("wrote %q", got)
	}
}

func TestScanEmptyResult(t *testing.T) {
	s := NewSession(newScript("echo", "OK", "EVENT 22 FE80::1"))
	found, err := s.Scan(2, 0xFFFFFFFF, 4)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(found) != 0 {
		t.Errorf("Scan() = %#v, want empty", found)
	}
}

func TestScanRejectsStrayEvent(t *testing.T) {
	s := NewSession(newScript("echo", "OK", "EVER 1.0.0"))
	_, err := s.Scan(2, 0xFFFFFFFF, 4)
	var unexpected *UnexpectedEventError
	if !errors.As(err, &unexpected) {
		t.Fatalf("Scan() error = %v, want *UnexpectedEventError", err)
	}
}

func TestScanPanFoundWithoutDescriptor(t *testing.T) {
	s := NewSession(newScript("echo", "OK", "EVENT 20 FE80::1", "EVENT 22 FE80::1"))
	_, err := s.Scan(2, 0xFFFFFFFF, 4)
	var unexpected *UnexpectedEventError
	if !errors.As(err, &unexpected) {
		t.Fatalf("Scan() error = %v, want *UnexpectedEventError", err)
	}
}

func TestJoinSuccess(t *testing.T) {
	// Key exchange chatter and unknown lines precede the success event
	s := NewSession(newScript(
		"SKJOIN FE80::1",
		"OK",
		"EVENT 21 FE80::1 00",
		"ERXUDP FE80::1 FE80::2 02CC 02CC 001D129012345678 0 0001 00",
		"some unknown notification",
		"EVENT 25 FE80::1",
	))
	if err := s.Join("FE80::1"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
}

func TestJoinFailure(t *testing.T) {
	s := NewSession(newScript(
		"SKJOIN FE80::1",
		"OK",
		"EVENT 24 FE80::1",
		"EVENT 25 FE80::1", // must not be reached
	))
	err := s.Join("FE80::1")
	var joinErr *JoinFailedError
	if !errors.As(err, &joinErr) {
		t.Fatalf("Join() error = %v, want *JoinFailedError", err)
	}
	if joinErr.Notification.Code != EventJoinFailed {
		t.Errorf("JoinFailedError code = 0x%02X", joinErr.Notification.Code)
	}
}

func TestReadEventTimeout(t *testing.T) {
	s := NewSession(&timeoutTransport{})
	_, err := s.ReadEvent()
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("ReadEvent() error = %v, want ErrTimedOut", err)
	}
}

func TestReadEventInvalidText(t *testing.T) {
	script := &scriptedTransport{}
	script.in.Write([]byte{0xFF, 0xFE, '\r', '\n'})
	s := NewSession(script)
	_, err := s.ReadEvent()
	var textErr *TextDecodeError
	if !errors.As(err, &textErr) {
		t.Fatalf("ReadEvent() error = %v, want *TextDecodeError", err)
	}
}

type timeoutTransport struct{}

func (t *timeoutTransport) Read(p []byte) (int, error)  { return 0, ErrTimedOut }
func (t *timeoutTransport) Write(p []byte) (int, error) { return len(p), nil }
