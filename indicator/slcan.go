package indicator

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

const (
	DefaultSerialBaudrate = 115200
	DefaultBitrateKbps    = 500

	slcanReadTimeout = 100 * time.Millisecond
	slcanBell        = '\a'
	slcanEOL         = '\r'
)

// slcanBitrates maps a CAN bitrate in kbit/s to the SLCAN "S" setup code.
var slcanBitrates = map[int]byte{
	10: '0', 20: '1', 50: '2', 100: '3', 125: '4', 250: '5', 500: '6', 800: '7', 1000: '8',
}

// EncodeFrame renders f as an SLCAN transmit command, including the trailing carriage return.
func EncodeFrame(f Frame) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	if f.Extended() {
		fmt.Fprintf(&b, "T%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "t%03X", f.ID)
	}
	b.WriteByte(byte('0' + len(f.Data)))
	b.WriteString(strings.ToUpper(hex.EncodeToString(f.Data)))
	b.WriteByte(slcanEOL)
	return b.String(), nil
}

// DecodeFrame parses one SLCAN receive line, with or without its carriage return.
func DecodeFrame(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return Frame{}, errors.New("empty SLCAN line")
	}

	var idLen int
	switch line[0] {
	case 't':
		idLen = 3
	case 'T':
		idLen = 8
	default:
		return Frame{}, errors.Errorf("not a data frame: %q", line)
	}
	if len(line) < 1+idLen+1 {
		return Frame{}, errors.Errorf("truncated SLCAN frame: %q", line)
	}

	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return Frame{}, errors.Wrapf(err, "bad CAN ID in %q", line)
	}
	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > maxDataLength {
		return Frame{}, errors.Errorf("bad data length in %q", line)
	}

	// Some adapters append a 4 digit timestamp; it is ignored.
	payload := line[2+idLen:]
	if len(payload) < 2*dlc {
		return Frame{}, errors.Errorf("payload shorter than length %d in %q", dlc, line)
	}
	data, err := hex.DecodeString(payload[:2*dlc])
	if err != nil {
		return Frame{}, errors.Wrapf(err, "bad payload in %q", line)
	}

	f := Frame{ID: uint32(id), Data: data}
	return f, f.Validate()
}

// SLCANLink exchanges frames with a Lawicel-protocol USB-CAN adapter.
type SLCANLink struct {
	rw io.ReadWriteCloser

	writeMu sync.Mutex

	// read side, owned by the single reader
	buf []byte
}

// OpenSLCAN opens the adapter on port and brings the CAN channel up at bitrateKbps.
func OpenSLCAN(port string, baudrate, bitrateKbps int) (*SLCANLink, error) {
	code, ok := slcanBitrates[bitrateKbps]
	if !ok {
		return nil, errors.Errorf("unsupported CAN bitrate %d kbit/s", bitrateKbps)
	}
	if baudrate == 0 {
		baudrate = DefaultSerialBaudrate
	}

	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", port)
	}
	if err := p.SetReadTimeout(slcanReadTimeout); err != nil {
		p.Close()
		return nil, errors.Wrap(err, "failed to set read timeout")
	}

	link := NewSLCANLink(p)
	// close first in case the channel was left open, then configure and open
	for _, cmd := range []string{"C\r", "S" + string(code) + "\r", "O\r"} {
		if err := link.writeRaw(cmd); err != nil {
			p.Close()
			return nil, errors.Wrapf(err, "failed to configure adapter on %s", port)
		}
	}
	return link, nil
}

// NewSLCANLink wraps an already configured byte stream.
func NewSLCANLink(rw io.ReadWriteCloser) *SLCANLink {
	return &SLCANLink{rw: rw}
}

// WriteFrame transmits f.
func (l *SLCANLink) WriteFrame(f Frame) error {
	line, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return l.writeRaw(line)
}

func (l *SLCANLink) writeRaw(s string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := io.WriteString(l.rw, s)
	return err
}

// ReadFrame blocks until a data frame arrives, ctx is done or the stream fails.
// Adapter status replies and malformed lines are skipped.
func (l *SLCANLink) ReadFrame(ctx context.Context) (Frame, error) {
	chunk := make([]byte, 64)
	for {
		if line, ok := l.nextLine(); ok {
			if f, err := DecodeFrame(line); err == nil {
				return f, nil
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		n, err := l.rw.Read(chunk)
		if n > 0 {
			l.buf = append(l.buf, chunk[:n]...)
		}
		if err != nil {
			return Frame{}, err
		}
	}
}

// nextLine pops one line terminated by a carriage return or bell from the buffer.
func (l *SLCANLink) nextLine() (string, bool) {
	for i, c := range l.buf {
		if c == slcanEOL || c == slcanBell {
			line := string(l.buf[:i])
			l.buf = l.buf[i+1:]
			return line, true
		}
	}
	return "", false
}

// Close takes the channel down and closes the stream.
func (l *SLCANLink) Close() error {
	_ = l.writeRaw("C\r")
	return l.rw.Close()
}

// DetectSLCAN reports whether an SLCAN adapter answers the version query on port.
func DetectSLCAN(port string, baudrate int) bool {
	if baudrate == 0 {
		baudrate = DefaultSerialBaudrate
	}
	p, err := serial.Open(port, &serial.Mode{BaudRate: baudrate})
	if err != nil {
		return false
	}
	defer p.Close()

	if err := p.SetReadTimeout(slcanReadTimeout); err != nil {
		return false
	}
	if _, err := p.Write([]byte("V\r")); err != nil {
		return false
	}

	reply := make([]byte, 16)
	n, err := p.Read(reply)
	return err == nil && n > 0 && (reply[0] == 'V' || reply[0] == 'v')
}
