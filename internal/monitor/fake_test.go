package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/vibrationmon/internal/sensor"
	"periph.io/x/conn/v3/spi"
)

type fakeLink struct {
	mu        sync.Mutex
	desired   map[string]string
	fetchErr  error
	sendErrs  []error
	reportErr error
	sent      [][]byte
	reports   []map[string]any
	handler   func(map[string]string)
	sentCh    chan []byte
}

func newFakeLink(desired map[string]string) *fakeLink {
	return &fakeLink{
		desired: desired,
		sentCh:  make(chan []byte, 64),
	}
}

func (l *fakeLink) SendTelemetry(_ context.Context, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.sendErrs) > 0 {
		err := l.sendErrs[0]
		l.sendErrs = l.sendErrs[1:]
		if err != nil {
			return err
		}
	}

	b := append([]byte(nil), payload...)
	l.sent = append(l.sent, b)
	l.sentCh <- b
	return nil
}

func (l *fakeLink) DesiredConfig(_ context.Context) (map[string]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fetchErr != nil {
		return nil, l.fetchErr
	}
	return l.desired, nil
}

func (l *fakeLink) ReportConfig(_ context.Context, props map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.reportErr != nil {
		return l.reportErr
	}
	l.reports = append(l.reports, props)
	return nil
}

func (l *fakeLink) OnDesiredConfigChanged(fn func(map[string]string)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.handler = fn
}

// patch delivers a desired property change the way the cloud link does.
func (l *fakeLink) patch(desired map[string]string) {
	l.mu.Lock()
	fn := l.handler
	l.mu.Unlock()

	fn(desired)
}

func (l *fakeLink) sentPayloads() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([][]byte(nil), l.sent...)
}

func (l *fakeLink) reported() []map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]map[string]any(nil), l.reports...)
}

type fakeSensor struct {
	mu       sync.Mutex
	r        sensor.GravityRange
	readings []sensor.Acceleration
	errs     []error
	reads    int
	closed   bool
}

func (s *fakeSensor) Acceleration() (sensor.Acceleration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return sensor.Acceleration{}, err
		}
	}
	if len(s.readings) > 0 {
		a := s.readings[0]
		if len(s.readings) > 1 {
			s.readings = s.readings[1:]
		}
		return a, nil
	}
	return sensor.Acceleration{Z: 1}, nil
}

func (s *fakeSensor) Range() sensor.GravityRange { return s.r }

func (s *fakeSensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func (s *fakeSensor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *fakeSensor) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reads
}

type fakeOpener struct {
	mu      sync.Mutex
	opened  []*fakeSensor
	err     error
	prepare func(s *fakeSensor)
}

func (o *fakeOpener) Open(r sensor.GravityRange) (sensor.Sensor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.err != nil {
		return nil, o.err
	}

	s := &fakeSensor{r: r}
	if o.prepare != nil {
		o.prepare(s)
	}
	o.opened = append(o.opened, s)
	return s, nil
}

func (o *fakeOpener) handles() []*fakeSensor {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]*fakeSensor(nil), o.opened...)
}

// manualClock hands the loop a channel the test fires explicitly and records
// every requested delay.
type manualClock struct {
	requests chan time.Duration
	ticks    chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{
		requests: make(chan time.Duration, 64),
		ticks:    make(chan time.Time),
	}
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.requests <- d
	return c.ticks
}

func (c *manualClock) waitRequest(t *testing.T) time.Duration {
	t.Helper()

	select {
	case d := <-c.requests:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not wait")
		return 0
	}
}

func (c *manualClock) tick(t *testing.T) {
	t.Helper()

	select {
	case c.ticks <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("loop is not waiting")
	}
}

// ADXL345 register addresses used by the shared-device tests.
const (
	adxlDevID      = 0x00
	adxlPowerCtl   = 0x2D
	adxlDataFormat = 0x31
	adxlMeasure    = 0x08
)

// registerConn is a single ADXL345 register file shared by every handle
// opened on it.
type registerConn struct {
	spi.Conn

	mu   sync.Mutex
	regs [64]byte
}

func newRegisterConn() *registerConn {
	c := &registerConn{}
	c.regs[adxlDevID] = 0xE5
	return c
}

func (c *registerConn) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg := w[0] &^ 0xC0
	if w[0]&0x80 == 0 {
		c.regs[reg] = w[1]
		return nil
	}
	for i := 1; i < len(r); i++ {
		r[i] = c.regs[int(reg)+i-1]
	}
	return nil
}

func (c *registerConn) reg(addr byte) byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.regs[addr]
}

// portCloser records whether a handle released its port.
type portCloser struct {
	closed atomic.Bool
}

func (p *portCloser) Close() error {
	p.closed.Store(true)
	return nil
}
