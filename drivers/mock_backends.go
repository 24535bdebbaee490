package drivers

import (
	"io"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/physic"
)

// MockPinChip keeps pin levels in memory. Inputs read whatever Levels holds.
type MockPinChip struct {
	Levels  map[uint8]bool
	Outputs map[uint8]bool
	OpenErr error

	lock sync.Mutex
	open bool
}

func NewMockPinChip() *MockPinChip {
	return &MockPinChip{Levels: map[uint8]bool{}, Outputs: map[uint8]bool{}}
}

func (mc *MockPinChip) Open() error {
	if mc.OpenErr != nil {
		return mc.OpenErr
	}
	mc.lock.Lock()
	defer mc.lock.Unlock()
	if mc.Levels == nil {
		mc.Levels = map[uint8]bool{}
	}
	if mc.Outputs == nil {
		mc.Outputs = map[uint8]bool{}
	}
	mc.open = true
	return nil
}

func (mc *MockPinChip) Close() error {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	mc.open = false
	return nil
}

func (mc *MockPinChip) IsOpen() bool {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	return mc.open
}

func (mc *MockPinChip) Input(pin uint8) {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	delete(mc.Outputs, pin)
}

func (mc *MockPinChip) Output(pin uint8) {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	mc.Outputs[pin] = mc.Levels[pin]
}

func (mc *MockPinChip) PullDown(pin uint8) {}
func (mc *MockPinChip) PullOff(pin uint8)  {}

func (mc *MockPinChip) Read(pin uint8) bool {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	return mc.Levels[pin]
}

func (mc *MockPinChip) Write(pin uint8, high bool) {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	mc.Levels[pin] = high
	mc.Outputs[pin] = high
}

// Level returns the level last driven or set on pin.
func (mc *MockPinChip) Level(pin uint8) bool {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	return mc.Levels[pin]
}

// SetLevel simulates an external signal on pin.
func (mc *MockPinChip) SetLevel(pin uint8, high bool) {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	mc.Levels[pin] = high
}

// MockExpander is an in-memory MCP23017. FailAfter makes every I/O call fail
// once that many calls went through, zero disables it.
type MockExpander struct {
	Inputs    [16]bool
	Levels    [16]bool
	PullUps   [16]bool
	FailAfter int
	Closed    bool

	calls int
	lock  sync.Mutex
}

func (me *MockExpander) call() error {
	me.calls++
	if me.FailAfter > 0 && me.calls > me.FailAfter {
		return errors.New("i2c remote I/O error")
	}
	return nil
}

func (me *MockExpander) SetDirection(pin uint8, input bool) error {
	me.lock.Lock()
	defer me.lock.Unlock()
	if err := me.call(); err != nil {
		return err
	}
	me.Inputs[pin] = input
	return nil
}

func (me *MockExpander) SetPullUp(pin uint8, enabled bool) error {
	me.lock.Lock()
	defer me.lock.Unlock()
	if err := me.call(); err != nil {
		return err
	}
	me.PullUps[pin] = enabled
	return nil
}

func (me *MockExpander) Write(pin uint8, high bool) error {
	me.lock.Lock()
	defer me.lock.Unlock()
	if err := me.call(); err != nil {
		return err
	}
	if !me.Inputs[pin] {
		me.Levels[pin] = high
	}
	return nil
}

func (me *MockExpander) Read(pin uint8) (bool, error) {
	me.lock.Lock()
	defer me.lock.Unlock()
	if err := me.call(); err != nil {
		return false, err
	}
	return me.Levels[pin], nil
}

func (me *MockExpander) Close() error {
	me.lock.Lock()
	defer me.lock.Unlock()
	me.Closed = true
	return nil
}

// SetInput simulates an external level on an input pin.
func (me *MockExpander) SetInput(pin uint8, high bool) {
	me.lock.Lock()
	defer me.lock.Unlock()
	me.Levels[pin] = high
}

// MockAdsBus answers ADS1015 register access with the voltages returned by
// Signal for each channel.
type MockAdsBus struct {
	Signal func(channel int) float64

	lock      sync.Mutex
	config    uint16
	converted int16
}

func (mb *MockAdsBus) String() string {
	return "mock-ads-bus"
}

func (mb *MockAdsBus) SetSpeed(f physic.Frequency) error {
	return nil
}

func (mb *MockAdsBus) Tx(addr uint16, w, r []byte) error {
	mb.lock.Lock()
	defer mb.lock.Unlock()

	if len(w) == 0 {
		return errors.New("mock ads bus: empty write")
	}
	switch {
	case w[0] == adsRegConfig && len(w) == 3:
		mb.config = uint16(w[1])<<8 | uint16(w[2])
		mb.convert()
	case w[0] == adsRegConfig && len(r) == 2:
		r[0] = byte(mb.config>>8) | 0x80
		r[1] = byte(mb.config)
	case w[0] == adsRegConversion && len(r) == 2:
		raw := uint16(mb.converted) << 4
		r[0] = byte(raw >> 8)
		r[1] = byte(raw)
	default:
		return errors.Errorf("mock ads bus: unsupported transaction % x", w)
	}
	return nil
}

func (mb *MockAdsBus) convert() {
	mux := (mb.config >> 12) & 0x7
	pga := uint8((mb.config >> 9) & 0x7)
	channel := int(mux) - 0b100

	volts := 0.0
	if mb.Signal != nil && channel >= 0 {
		volts = mb.Signal(channel)
	}
	fs, ok := adsPgaFullScale[pga]
	if !ok {
		fs = adsPgaFullScale[adsDefaultPga]
	}
	counts := math.Round(volts / fs * 2048)
	counts = math.Max(-2048, math.Min(2047, counts))
	mb.converted = int16(counts)
}

// SineSignal returns a slowly moving demo signal, phase shifted per channel.
func SineSignal(amplitude float64, period time.Duration) func(int) float64 {
	start := time.Now()
	return func(channel int) float64 {
		phase := float64(time.Since(start)) / float64(period) * 2 * math.Pi
		return amplitude/2 + amplitude/2*math.Sin(phase+float64(channel)*math.Pi/2)
	}
}

// MockSerialPort is a loopback-free in-memory serial port. Feed pushes bytes
// to the reader side; everything written is kept in Written.
type MockSerialPort struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
	lock     sync.Mutex
	written  []byte
	pending  []byte
}

func NewMockSerialPort() *MockSerialPort {
	return &MockSerialPort{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (mp *MockSerialPort) Feed(data string) {
	mp.incoming <- []byte(data)
}

func (mp *MockSerialPort) Read(p []byte) (int, error) {
	mp.lock.Lock()
	if len(mp.pending) > 0 {
		n := copy(p, mp.pending)
		mp.pending = mp.pending[n:]
		mp.lock.Unlock()
		return n, nil
	}
	mp.lock.Unlock()

	select {
	case <-mp.closed:
		return 0, io.EOF
	case data := <-mp.incoming:
		n := copy(p, data)
		if n < len(data) {
			mp.lock.Lock()
			mp.pending = append(mp.pending, data[n:]...)
			mp.lock.Unlock()
		}
		return n, nil
	}
}

func (mp *MockSerialPort) Write(p []byte) (int, error) {
	select {
	case <-mp.closed:
		return 0, errors.New("port closed")
	default:
	}
	mp.lock.Lock()
	defer mp.lock.Unlock()
	mp.written = append(mp.written, p...)
	return len(p), nil
}

func (mp *MockSerialPort) Written() string {
	mp.lock.Lock()
	defer mp.lock.Unlock()
	return string(mp.written)
}

func (mp *MockSerialPort) Drain() error {
	return nil
}

func (mp *MockSerialPort) Close() error {
	mp.once.Do(func() { close(mp.closed) })
	return nil
}
