package drivers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/racerxdl/go-mcp23017"
)

const mcpioDriverName = "mcpio"

const (
	mcpDefaultBus      = 1
	mcpDefaultResetPin = 18
	mcpResetHold       = time.Millisecond
	mcpResetSettle     = 10 * time.Millisecond
	mcpPinsPerPort     = 8
)

type Port string

const (
	PortA Port = "A"
	PortB Port = "B"
)

func ParsePort(port string) (Port, error) {
	switch Port(strings.ToUpper(port)) {
	case PortA:
		return PortA, nil
	case PortB:
		return PortB, nil
	}
	return "", errors.Wrapf(ErrInvalidPort, "got %q", port)
}

func (p Port) offset() uint8 {
	if p == PortB {
		return mcpPinsPerPort
	}
	return 0
}

// Expander is the pin level access McpIO needs from the chip. Pins 0-7 are
// GPA0-7 and pins 8-15 are GPB0-7.
type Expander interface {
	SetDirection(pin uint8, input bool) error
	SetPullUp(pin uint8, enabled bool) error
	Write(pin uint8, high bool) error
	Read(pin uint8) (bool, error)
	Close() error
}

type mcpDevice struct {
	device *mcp23017.Device
}

func openMcpDevice(bus, devNo uint8) (Expander, error) {
	device, err := mcp23017.Open(bus, devNo)
	if err != nil {
		return nil, err
	}
	return &mcpDevice{device: device}, nil
}

func (md *mcpDevice) SetDirection(pin uint8, input bool) error {
	if input {
		return md.device.PinMode(pin, mcp23017.INPUT)
	}
	return md.device.PinMode(pin, mcp23017.OUTPUT)
}

func (md *mcpDevice) SetPullUp(pin uint8, enabled bool) error {
	return md.device.SetPullUp(pin, enabled)
}

func (md *mcpDevice) Write(pin uint8, high bool) error {
	return md.device.DigitalWrite(pin, mcp23017.PinLevel(high))
}

func (md *mcpDevice) Read(pin uint8) (bool, error) {
	level, err := md.device.DigitalRead(pin)
	return bool(level), err
}

func (md *mcpDevice) Close() error {
	return md.device.Close()
}

type McpIO struct {
	BusNo uint8
	DevNo uint8

	// Direction masks, bit set means input.
	DirA uint8
	DirB uint8

	ResetPin     uint8
	DisableReset bool

	InvertInputs  bool
	InvertOutputs bool

	device  Expander
	reset   DigitalOutput
	latch   map[Port]uint8
	lock    sync.Mutex
	isReady bool
}

type McpInput struct {
	pin    uint8
	invert bool

	device Expander
}

type McpOutput struct {
	pin    uint8
	invert bool

	mcp *McpIO
}

func (min *McpInput) GetState() (state bool, err error) {
	state, err = min.device.Read(min.pin)
	if err != nil {
		return
	}

	if min.invert {
		state = !state
	}
	return
}

func (mout *McpOutput) GetState() (state bool, err error) {
	port, bit := pinToPortBit(mout.pin)
	state = mout.mcp.Outputs()[port]&(1<<bit) != 0

	if mout.invert {
		state = !state
	}
	return
}

func (mout *McpOutput) Set(state bool) (err error) {
	if mout.invert {
		state = !state
	}

	port, bit := pinToPortBit(mout.pin)
	_, err = mout.mcp.SetOutput(port, bit, state)

	return
}

func pinToPortBit(pin uint8) (Port, uint8) {
	if pin >= mcpPinsPerPort {
		return PortB, pin - mcpPinsPerPort
	}
	return PortA, pin
}

func (mcp *McpIO) String() string {
	return mcpioDriverName
}

func (mcp *McpIO) IsReady() bool {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()
	return mcp.isReady
}

func (mcp *McpIO) busNo() uint8 {
	if mcp.BusNo == 0 {
		return mcpDefaultBus
	}
	return mcp.BusNo
}

func (mcp *McpIO) resetPin() uint8 {
	if mcp.ResetPin == 0 {
		return mcpDefaultResetPin
	}
	return mcp.ResetPin
}

// AttachReset uses gp to claim the chip reset line. Without it Setup skips the
// hardware reset.
func (mcp *McpIO) AttachReset(gp *GpIO) error {
	if mcp.DisableReset || gp == nil || !gp.IsReady() {
		return nil
	}
	out, err := gp.ReservePin(mcp.resetPin(), true)
	if err != nil {
		return errors.Wrapf(err, "failed to reserve mcp23017 reset pin %d", mcp.resetPin())
	}
	mcp.reset = out
	return nil
}

func (mcp *McpIO) hardwareReset() error {
	if mcp.reset == nil {
		return nil
	}
	if err := mcp.reset.Set(false); err != nil {
		return err
	}
	time.Sleep(mcpResetHold)
	if err := mcp.reset.Set(true); err != nil {
		return err
	}
	time.Sleep(mcpResetSettle)
	return nil
}

// Setup opens the chip on BusNo/DevNo. Pins listed in inputs are forced to
// inputs, pins in outputs to outputs, on top of DirA/DirB.
func (mcp *McpIO) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	if err := mcp.hardwareReset(); err != nil {
		return errors.Wrap(err, "mcp23017 hardware reset failed")
	}

	device, err := openMcpDevice(mcp.busNo(), mcp.DevNo)
	if err != nil {
		return errors.Wrapf(err, "failed to open mcp23017 (bus %d, dev %d)", mcp.busNo(), mcp.DevNo)
	}
	return mcp.SetupWithExpander(ctx, device, inputs, outputs)
}

// SetupWithExpander configures device. The driver owns device from here on
// and closes it when setup fails.
func (mcp *McpIO) SetupWithExpander(ctx context.Context, device Expander, inputs []uint16, outputs []uint16) (err error) {
	defer func() {
		if err == nil {
			return
		}
		if closeErr := device.Close(); closeErr != nil {
			err = errors.Wrap(err, closeErr.Error())
		}
		mcp.lock.Lock()
		mcp.device = nil
		mcp.lock.Unlock()
	}()

	for _, pin := range inputs {
		if pin >= 2*mcpPinsPerPort {
			return errors.Wrapf(ErrInvalidPin, "input pin %d (mcpio takes 0-15)", pin)
		}
		port, bit := pinToPortBit(uint8(pin))
		mcp.setDirBit(port, bit, true)
	}
	for _, pin := range outputs {
		if pin >= 2*mcpPinsPerPort {
			return errors.Wrapf(ErrInvalidPin, "output pin %d (mcpio takes 0-15)", pin)
		}
		port, bit := pinToPortBit(uint8(pin))
		mcp.setDirBit(port, bit, false)
	}

	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	mcp.device = device
	for pin := uint8(0); pin < 2*mcpPinsPerPort; pin++ {
		input := mcp.isInput(pin)
		err = device.SetDirection(pin, input)
		if err != nil {
			return errors.Wrapf(err, "failed to set direction of pin %d", pin)
		}
		if input {
			err = device.SetPullUp(pin, true)
		} else {
			err = device.Write(pin, false)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to init pin %d", pin)
		}
	}
	mcp.latch = map[Port]uint8{PortA: 0, PortB: 0}
	mcp.isReady = true

	return nil
}

func (mcp *McpIO) setDirBit(port Port, bit uint8, input bool) {
	mask := &mcp.DirA
	if port == PortB {
		mask = &mcp.DirB
	}
	if input {
		*mask |= 1 << bit
	} else {
		*mask &^= 1 << bit
	}
}

func (mcp *McpIO) isInput(pin uint8) bool {
	port, bit := pinToPortBit(pin)
	if port == PortB {
		return mcp.DirB&(1<<bit) != 0
	}
	return mcp.DirA&(1<<bit) != 0
}

// ReadPorts returns the GPIOA and GPIOB levels, bit n is pin n of the port.
func (mcp *McpIO) ReadPorts() (a, b uint8, err error) {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	if !mcp.isReady {
		err = ErrNotReady
		return
	}

	for pin := uint8(0); pin < 2*mcpPinsPerPort; pin++ {
		var high bool
		high, err = mcp.device.Read(pin)
		if err != nil {
			err = errors.Wrapf(err, "mcp23017 read of pin %d failed", pin)
			return
		}
		if !high {
			continue
		}
		if pin < mcpPinsPerPort {
			a |= 1 << pin
		} else {
			b |= 1 << (pin - mcpPinsPerPort)
		}
	}
	return
}

// WriteOutputs drives every output pin of both ports from the given bytes.
// Bits of input pins are ignored.
func (mcp *McpIO) WriteOutputs(a, b uint8) error {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	if !mcp.isReady {
		return ErrNotReady
	}
	for pin := uint8(0); pin < 2*mcpPinsPerPort; pin++ {
		if mcp.isInput(pin) {
			continue
		}
		port, bit := pinToPortBit(pin)
		value := a
		if port == PortB {
			value = b
		}
		if err := mcp.device.Write(pin, value&(1<<bit) != 0); err != nil {
			return errors.Wrapf(err, "mcp23017 write of pin %d failed", pin)
		}
	}
	mcp.latch[PortA] = a &^ mcp.DirA
	mcp.latch[PortB] = b &^ mcp.DirB
	return nil
}

// SetOutput drives a single output bit and returns the updated latch.
func (mcp *McpIO) SetOutput(port Port, bit uint8, state bool) (map[Port]uint8, error) {
	if port != PortA && port != PortB {
		return nil, errors.Wrapf(ErrInvalidPort, "got %q", port)
	}
	if bit >= mcpPinsPerPort {
		return nil, errors.Wrapf(ErrInvalidPin, "pin %d (must be between 0 and 7)", bit)
	}

	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	if !mcp.isReady {
		return nil, ErrNotReady
	}
	pin := port.offset() + bit
	if mcp.isInput(pin) {
		return nil, errors.Wrapf(ErrPinNotOutput, "%s%d", port, bit)
	}

	if err := mcp.device.Write(pin, state); err != nil {
		return nil, errors.Wrapf(err, "mcp23017 write of %s%d failed", port, bit)
	}
	if state {
		mcp.latch[port] |= 1 << bit
	} else {
		mcp.latch[port] &^= 1 << bit
	}

	return mcp.outputsLocked(), nil
}

func (mcp *McpIO) Outputs() map[Port]uint8 {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()
	return mcp.outputsLocked()
}

func (mcp *McpIO) outputsLocked() map[Port]uint8 {
	return map[Port]uint8{PortA: mcp.latch[PortA], PortB: mcp.latch[PortB]}
}

func (mcp *McpIO) GetInput(id uint16) (DigitalInput, error) {
	if id >= 2*mcpPinsPerPort || !mcp.IsReady() {
		return nil, fmt.Errorf("input (id: %d) not found", id)
	}
	if !mcp.isInput(uint8(id)) {
		return nil, fmt.Errorf("input (id: %d) not found", id)
	}
	return &McpInput{pin: uint8(id), invert: mcp.InvertInputs, device: mcp.device}, nil
}

func (mcp *McpIO) GetOutput(id uint16) (DigitalOutput, error) {
	if id >= 2*mcpPinsPerPort || !mcp.IsReady() {
		return nil, fmt.Errorf("output (id: %d) not found", id)
	}
	if mcp.isInput(uint8(id)) {
		return nil, fmt.Errorf("output (id: %d) not found", id)
	}
	return &McpOutput{pin: uint8(id), invert: mcp.InvertOutputs, mcp: mcp}, nil
}

func (mcp *McpIO) Close() error {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	if !mcp.isReady {
		return nil
	}
	mcp.isReady = false
	for pin := uint8(0); pin < 2*mcpPinsPerPort; pin++ {
		if !mcp.isInput(pin) {
			mcp.device.Write(pin, false)
		}
	}
	return mcp.device.Close()
}

func (mcp *McpIO) GetAllIo() (inputs []uint16, outputs []uint16) {
	for pin := uint8(0); pin < 2*mcpPinsPerPort; pin++ {
		if mcp.isInput(pin) {
			inputs = append(inputs, uint16(pin))
		} else {
			outputs = append(outputs, uint16(pin))
		}
	}

	return
}

// FormatPort renders a port byte as the eight digit binary string the
// dashboard shows, most significant bit first.
func FormatPort(value uint8) string {
	return fmt.Sprintf("%08b", value)
}
