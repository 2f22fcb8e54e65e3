package skstack

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// parseEvent classifies one received line. The grammar is checked in
// order; only a line matching no known prefix at all degrades to
// Unrecognized. A malformed line behind a known prefix is a *DecodeError
// so firmware anomalies do not pass silently.
func (s *Session) parseEvent(line string) (Event, error) {
	if rest, ok := strings.CutPrefix(line, "EVER "); ok {
		return VersionEvent{Text: rest}, nil
	}
	if line == "EPANDESC" {
		return s.parsePanDescriptor()
	}
	if rest, ok := strings.CutPrefix(line, "EVENT "); ok {
		return parseNotification(line, rest)
	}
	if rest, ok := strings.CutPrefix(line, "ERXUDP "); ok {
		return parseInboundDatagram(line, rest)
	}
	return Unrecognized{Raw: line}, nil
}

// parsePanDescriptor consumes the six indented `key:value` lines that
// follow an EPANDESC header, in their fixed adapter order.
func (s *Session) parsePanDescriptor() (Event, error) {
	channel, err := s.readPanFieldByte()
	if err != nil {
		return nil, err
	}
	channelPage, err := s.readPanFieldByte()
	if err != nil {
		return nil, err
	}
	panIDText, err := s.readPanField()
	if err != nil {
		return nil, err
	}
	panID, err := strconv.ParseUint(panIDText, 16, 16)
	if err != nil {
		return nil, &DecodeError{Line: panIDText, Reason: "bad PAN id"}
	}
	addr, err := s.readPanField()
	if err != nil {
		return nil, err
	}
	lqi, err := s.readPanFieldByte()
	if err != nil {
		return nil, err
	}
	pairID, err := s.readPanField()
	if err != nil {
		return nil, err
	}

	return PanDescriptor{
		Channel:     channel,
		ChannelPage: channelPage,
		PanID:       uint16(panID),
		Addr:        addr,
		LQI:         lqi,
		PairID:      pairID,
	}, nil
}

// readPanField reads one `  key:value` line and returns the value.
func (s *Session) readPanField() (string, error) {
	line, err := s.readLine()
	if err != nil {
		return "", err
	}
	rest, ok := strings.CutPrefix(line, "  ")
	if !ok {
		return "", &DecodeError{Line: line, Reason: "missing field indent"}
	}
	_, value, ok := strings.Cut(rest, ":")
	if !ok {
		return "", &DecodeError{Line: line, Reason: "missing key separator"}
	}
	return value, nil
}

func (s *Session) readPanFieldByte() (byte, error) {
	value, err := s.readPanField()
	if err != nil {
		return 0, err
	}
	b, err := strconv.ParseUint(value, 16, 8)
	if err != nil {
		return 0, &DecodeError{Line: value, Reason: "bad hex byte"}
	}
	return byte(b), nil
}

func parseNotification(line, rest string) (Event, error) {
	tokens := strings.Fields(rest)
	if len(tokens) < 1 {
		return nil, &DecodeError{Line: line, Reason: "missing event code"}
	}
	code, err := strconv.ParseUint(tokens[0], 16, 8)
	if err != nil {
		return nil, &DecodeError{Line: line, Reason: "bad event code"}
	}
	if len(tokens) < 2 {
		return nil, &DecodeError{Line: line, Reason: "missing sender address"}
	}
	// Some notifications append an extra parameter. It carries nothing
	// we act on, so it is tolerated.
	return Notification{Code: byte(code), Sender: tokens[1]}, nil
}

func parseInboundDatagram(line, rest string) (Event, error) {
	tokens := strings.Fields(rest)
	if len(tokens) != 8 {
		return nil, &DecodeError{Line: line, Reason: "want 8 fields"}
	}

	rport, err := strconv.ParseUint(tokens[2], 16, 16)
	if err != nil {
		return nil, &DecodeError{Line: line, Reason: "bad remote port"}
	}
	lport, err := strconv.ParseUint(tokens[3], 16, 16)
	if err != nil {
		return nil, &DecodeError{Line: line, Reason: "bad local port"}
	}
	secured, err := strconv.ParseUint(tokens[5], 16, 8)
	if err != nil {
		return nil, &DecodeError{Line: line, Reason: "bad secured flag"}
	}
	declaredLen, err := strconv.ParseUint(tokens[6], 16, 16)
	if err != nil {
		return nil, &DecodeError{Line: line, Reason: "bad payload length"}
	}
	data, err := hex.DecodeString(tokens[7])
	if err != nil {
		return nil, &DecodeError{Line: line, Reason: "bad hex payload"}
	}
	if len(data) != int(declaredLen) {
		return nil, &DecodeError{Line: line, Reason: "payload length mismatch"}
	}

	return InboundDatagram{
		Sender:     tokens[0],
		Dest:       tokens[1],
		RemotePort: uint16(rport),
		LocalPort:  uint16(lport),
		SenderLLA:  tokens[4],
		Secured:    byte(secured),
		Data:       data,
	}, nil
}
