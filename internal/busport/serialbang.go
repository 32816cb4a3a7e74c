// Package busport: software bit-bang fallback profile (spec §2/§9) for
// hosts without native GPIO. The precise ~500 µs half-bit timing is
// delegated to a small attached microcontroller reachable over a UART; this
// driver only frames/deframes the (level, duration) runs it observes and
// the levels it wants driven, reusing the teacher's serial framing and
// resync style (internal/serial/codec.go: fixed preamble, length byte,
// checksum, advance-one-byte-and-resync on any mismatch).
package busport

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/kstaniek/opentherm-gateway/internal/diagmetrics"
)

// Wire framing for the bit-bang bridge protocol: [0x2D, 0xB7, cmd, len, payload..., checksum].
const (
	serialPre0 = 0x2D
	serialPre1 = 0xB7

	cmdSetLevel = 0x01 // payload: level(1) + durationUS(4, BE)
	cmdRun      = 0x02 // payload: level(1) + durationUS(4, BE), MCU -> host
)

// openSerialPort is a hook for tests.
var openSerialPort = func(name string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// serialDriver implements Driver over a framed UART link to a bit-bang bridge.
type serialDriver struct {
	sp     io.ReadWriteCloser
	ring   *Ring
	mu     sync.Mutex // serializes writes
	cancel context.CancelFunc
}

// OpenSerialBang opens dev at baud and starts the framed RX-drain goroutine.
func OpenSerialBang(name, dev string, baud int, readTimeout time.Duration, ringBuf int) (*serialDriver, error) {
	sp, err := openSerialPort(dev, baud, readTimeout)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &serialDriver{
		sp:     sp,
		ring:   NewRing(ctx, ringBuf, diagmetrics.IncManchesterOutOfRange),
		cancel: cancel,
	}
	go d.rxLoop(ctx)
	return d, nil
}

func checksum(cmd, ln byte, payload []byte) byte {
	sum := serialPre0 + cmd + ln
	for _, b := range payload {
		sum += b
	}
	return sum
}

func (d *serialDriver) writeFrame(cmd byte, payload []byte) error {
	ln := byte(len(payload))
	buf := make([]byte, 0, 4+len(payload)+1)
	buf = append(buf, serialPre0, serialPre1, cmd, ln)
	buf = append(buf, payload...)
	buf = append(buf, checksum(cmd, ln, payload))
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sp.Write(buf)
	return err
}

// WriteLevel asks the bridge to drive the TX line to level immediately
// (duration 0 means "hold until next command").
func (d *serialDriver) WriteLevel(level bool) error {
	var lv byte
	if level {
		lv = 1
	}
	return d.writeFrame(cmdSetLevel, []byte{lv, 0, 0, 0, 0})
}

// Edges returns the capture ring fed by rxLoop.
func (d *serialDriver) Edges() *Ring { return d.ring }

// Close stops the RX-drain goroutine and closes the serial port.
func (d *serialDriver) Close() error {
	d.cancel()
	d.ring.Close()
	return d.sp.Close()
}

// rxLoop reads framed cmdRun packets from the bridge and pushes runs into
// the ring, resyncing on any malformed/garbage byte exactly like the
// teacher's internal/serial/codec.go DecodeStream.
func (d *serialDriver) rxLoop(ctx context.Context) {
	buf := make([]byte, 256)
	acc := bytes.NewBuffer(nil)
	header := []byte{serialPre0, serialPre1}
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := d.sp.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			d.drainFrames(acc, header)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
	}
}

func (d *serialDriver) drainFrames(acc *bytes.Buffer, header []byte) {
	for {
		data := acc.Bytes()
		if len(data) < 4 {
			return
		}
		i := bytes.Index(data, header)
		if i < 0 {
			if acc.Len() > 1 {
				last := data[len(data)-1]
				acc.Reset()
				_ = acc.WriteByte(last)
			}
			return
		}
		if i > 0 {
			acc.Next(i)
			continue
		}
		cmd, ln := data[2], int(data[3])
		req := 4 + ln + 1
		if len(data) < req {
			return
		}
		payload := data[4 : 4+ln]
		want := checksum(cmd, byte(ln), payload)
		if data[req-1] != want {
			diagmetrics.IncManchesterOutOfRange()
			acc.Next(1)
			continue
		}
		if cmd == cmdRun && ln == 5 {
			level := payload[0] != 0
			us := uint32(payload[1])<<24 | uint32(payload[2])<<16 | uint32(payload[3])<<8 | uint32(payload[4])
			d.ring.PushRun(runSymbol(level, time.Duration(us)*time.Microsecond))
		}
		acc.Next(req)
	}
}
