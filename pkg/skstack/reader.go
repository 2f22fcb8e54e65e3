package skstack

import (
	"bytes"
	"errors"
	"io"
	"syscall"
	"time"

	"github.com/jacobsa/go-serial/serial"
)

// ErrTimedOut is returned when the configured read timeout elapses
// before a full line arrives. The read position on the wire is then
// undefined; callers must not resume the same logical read and should
// retry the whole exchange instead.
var ErrTimedOut = errors.New("skstack: read timed out")

var crlf = []byte{'\r', '\n'}

// lineReader frames an adapter byte stream into CRLF terminated lines.
type lineReader struct {
	src io.Reader
	buf []byte
}

func newLineReader(src io.Reader) *lineReader {
	return &lineReader{src: src}
}

// readLine returns the next line with its CRLF terminator stripped.
// A lone CR is ordinary data; the pairing LF may arrive in a later
// read. End of stream returns the partial accumulated bytes together
// with io.EOF so the caller can decide whether an unterminated tail is
// usable.
func (lr *lineReader) readLine() ([]byte, error) {
	chunk := make([]byte, 256)
	for {
		if i := bytes.Index(lr.buf, crlf); i >= 0 {
			line := append([]byte(nil), lr.buf[:i]...)
			lr.buf = append(lr.buf[:0], lr.buf[i+2:]...)
			return line, nil
		}

		n, err := lr.src.Read(chunk)
		if n > 0 {
			lr.buf = append(lr.buf, chunk[:n]...)
			continue
		}
		if err == nil || isTransientReadError(err) {
			// No bytes yet, not an error. Try again.
			continue
		}
		if err == io.EOF {
			line := lr.buf
			lr.buf = nil
			return line, io.EOF
		}
		return nil, err
	}
}

// A signal-interrupted read never surfaces to the protocol layer.
func isTransientReadError(err error) bool {
	return errors.Is(err, syscall.EINTR)
}

// serialTransport adapts a jacobsa/go-serial port opened with
// MinimumReadSize 0 and an inter-character timeout. In that mode an
// expired read comes back as a zero-byte io.EOF from the file layer,
// which is reported here as ErrTimedOut; a serial line has no real end
// of stream.
type serialTransport struct {
	port io.ReadWriteCloser
}

func (t *serialTransport) Read(p []byte) (int, error) {
	n, err := t.port.Read(p)
	if n == 0 && err == io.EOF {
		return 0, ErrTimedOut
	}
	return n, err
}

func (t *serialTransport) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}

func openSerialPort(device string, baudrate uint, readTimeout time.Duration) (*serialTransport, error) {
	timeoutMs := uint(readTimeout / time.Millisecond)
	if timeoutMs < 100 {
		// go-serial requires at least 100ms when MinimumReadSize is 0
		timeoutMs = 100
	}

	options := serial.OpenOptions{
		PortName:              device,
		BaudRate:              baudrate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: timeoutMs,
	}

	port, err := serial.Open(options)
	if err != nil {
		return nil, err
	}
	return &serialTransport{port: port}, nil
}
