package fieldbus

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// InputReport carries the discrete input levels and the edges observed
// since the previous poll.
type InputReport struct {
	Levels  []bool
	Rising  []bool
	Falling []bool
}

// Driver is the runtime's contract with the bus transport. Send pushes one
// output frame and collects the transceiver's reply; Poll hands the most
// recent input report to the tick loop without blocking it.
type Driver interface {
	Send(frame OutputFrame) error
	Poll() (InputReport, bool)
	Close() error
}

// diffEdges derives rising/falling edge sets from consecutive level scans.
func diffEdges(prev, levels []bool) (rising, falling []bool) {
	rising = make([]bool, len(levels))
	falling = make([]bool, len(levels))
	for i, level := range levels {
		was := i < len(prev) && prev[i]
		rising[i] = level && !was
		falling[i] = !level && was
	}
	return rising, falling
}

// SerialDriver exchanges frames over an opened serial port. The port must
// already be configured for raw 8N1 operation at the bus baud rate.
type SerialDriver struct {
	mu       sync.Mutex
	port     io.ReadWriteCloser
	reader   *bufio.Reader
	attempts int
	prev     []bool
	pending  *InputReport
}

func NewSerialDriver(port io.ReadWriteCloser, responseAttempts int) *SerialDriver {
	if responseAttempts <= 0 {
		responseAttempts = 3
	}
	return &SerialDriver{
		port:     port,
		reader:   bufio.NewReader(port),
		attempts: responseAttempts,
	}
}

// Send writes the output frame and reads the transceiver's input frame
// reply, retrying up to the configured response attempts. Persistent
// failure is reported to the caller, which owns the fail-safe decision.
func (d *SerialDriver) Send(frame OutputFrame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	encoded := frame.Encode()
	var lastErr error
	for attempt := 0; attempt < d.attempts; attempt++ {
		if _, err := d.port.Write(encoded); err != nil {
			lastErr = fmt.Errorf("write frame: %w", err)
			continue
		}
		reply, err := d.readFrame()
		if err != nil {
			lastErr = err
			continue
		}
		in, err := DecodeInputFrame(reply)
		if err != nil {
			lastErr = err
			continue
		}
		rising, falling := diffEdges(d.prev, in.Levels)
		d.prev = in.Levels
		d.pending = &InputReport{Levels: in.Levels, Rising: rising, Falling: falling}
		return nil
	}
	return fmt.Errorf("no valid response after %d attempts: %w", d.attempts, lastErr)
}

// readFrame scans the stream for the next flag-delimited frame and returns
// the bytes between its flag octets.
func (d *SerialDriver) readFrame() ([]byte, error) {
	for {
		b, err := d.reader.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if b == hdlcFlag {
			break
		}
	}
	frame := []byte{hdlcFlag}
	for {
		b, err := d.reader.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		frame = append(frame, b)
		if b == hdlcFlag {
			if len(frame) == 2 {
				// Back-to-back flags: the first closed a previous frame.
				frame = frame[1:]
				continue
			}
			return frame[1 : len(frame)-1], nil
		}
		if len(frame) > MaxFrameLength+2 {
			return nil, fmt.Errorf("%w: unterminated frame", ErrBadFrame)
		}
	}
}

// Poll hands the report gathered by the last successful Send to the tick
// loop, at most once.
func (d *SerialDriver) Poll() (InputReport, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return InputReport{}, false
	}
	report := *d.pending
	d.pending = nil
	return report, true
}

func (d *SerialDriver) Close() error {
	return d.port.Close()
}

// Loopback is an in-memory driver for simulation and tests: input levels
// are set programmatically and every Send succeeds unless a failure is
// injected.
type Loopback struct {
	mu       sync.Mutex
	levels   []bool
	prev     []bool
	pending  *InputReport
	lastSent *OutputFrame
	failNext int
}

func NewLoopback(inputs int) *Loopback {
	return &Loopback{levels: make([]bool, inputs)}
}

// SetInput drives a simulated discrete input level.
func (l *Loopback) SetInput(index int, level bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index >= 0 && index < len(l.levels) {
		l.levels[index] = level
	}
}

// FailNext makes the next n Send calls fail, for transport-fault tests.
func (l *Loopback) FailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = n
}

// LastSent returns the most recent output frame, or nil.
func (l *Loopback) LastSent() *OutputFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSent
}

func (l *Loopback) Send(frame OutputFrame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext > 0 {
		l.failNext--
		return fmt.Errorf("injected transport failure")
	}
	f := frame
	l.lastSent = &f
	levels := append([]bool(nil), l.levels...)
	rising, falling := diffEdges(l.prev, levels)
	l.prev = levels
	l.pending = &InputReport{Levels: levels, Rising: rising, Falling: falling}
	return nil
}

func (l *Loopback) Poll() (InputReport, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return InputReport{}, false
	}
	report := *l.pending
	l.pending = nil
	return report, true
}

func (l *Loopback) Close() error {
	return nil
}
