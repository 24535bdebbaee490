package drivers

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

const gpioDriverName = "gpio"

// DefaultSafePins are BCM pins free of I2C, UART, the expander reset line and
// the RS-485 direction line.
var DefaultSafePins = []uint8{4, 17, 22, 10, 9, 11, 26, 15, 23, 24, 25, 8, 7, 16, 20, 21}

var DefaultOutputPins = []uint8{23, 24, 25}

type PinMode string

const (
	PinModeIn  PinMode = "IN"
	PinModeOut PinMode = "OUT"
)

func ParsePinMode(mode string) (PinMode, error) {
	switch PinMode(strings.ToUpper(mode)) {
	case PinModeIn:
		return PinModeIn, nil
	case PinModeOut:
		return PinModeOut, nil
	}
	return "", errors.Wrapf(ErrInvalidMode, "got %q", mode)
}

// PinChip is the register level access GpIO needs. rpioChip is the real one.
type PinChip interface {
	Open() error
	Close() error
	Input(pin uint8)
	Output(pin uint8)
	PullDown(pin uint8)
	PullOff(pin uint8)
	Read(pin uint8) bool
	Write(pin uint8, high bool)
}

type rpioChip struct{}

func (rpioChip) Open() error  { return rpio.Open() }
func (rpioChip) Close() error { return rpio.Close() }

func (rpioChip) Input(pin uint8)    { rpio.Pin(pin).Input() }
func (rpioChip) Output(pin uint8)   { rpio.Pin(pin).Output() }
func (rpioChip) PullDown(pin uint8) { rpio.Pin(pin).PullDown() }
func (rpioChip) PullOff(pin uint8)  { rpio.Pin(pin).PullOff() }

func (rpioChip) Read(pin uint8) bool {
	return rpio.Pin(pin).Read() == rpio.High
}

func (rpioChip) Write(pin uint8, high bool) {
	if high {
		rpio.Pin(pin).High()
	} else {
		rpio.Pin(pin).Low()
	}
}

type GpIO struct {
	SafePins       []uint8
	DefaultOutputs []uint8

	InvertInputs  bool
	InvertOutputs bool

	chip     PinChip
	configs  map[uint8]PinMode
	states   map[uint8]bool
	reserved map[uint8]*GpOutput
	lock     sync.Mutex
	isReady  bool
}

type GpInput struct {
	pin    uint8
	invert bool
	gp     *GpIO
}

type GpOutput struct {
	pin    uint8
	invert bool
	gp     *GpIO
}

func (gpi *GpInput) GetState() (bool, error) {
	state, err := gpi.gp.ReadPin(gpi.pin)
	if err != nil {
		return false, err
	}
	if gpi.invert {
		state = !state
	}
	return state, nil
}

func (gpo *GpOutput) Set(state bool) error {
	if gpo.invert {
		state = !state
	}
	if _, reserved := gpo.gp.reservedOutput(gpo.pin); reserved {
		return gpo.gp.writeReserved(gpo.pin, state)
	}
	return gpo.gp.WritePin(gpo.pin, state)
}

func (gpo *GpOutput) GetState() (bool, error) {
	var state bool
	var err error
	if _, reserved := gpo.gp.reservedOutput(gpo.pin); reserved {
		state, err = gpo.gp.readReserved(gpo.pin)
	} else {
		state, err = gpo.gp.ReadPin(gpo.pin)
	}
	if err != nil {
		return false, err
	}
	if gpo.invert {
		state = !state
	}
	return state, nil
}

func (gp *GpIO) safePins() []uint8 {
	if gp.SafePins == nil {
		return DefaultSafePins
	}
	return gp.SafePins
}

func (gp *GpIO) defaultOutputs() []uint8 {
	if gp.DefaultOutputs == nil {
		return DefaultOutputPins
	}
	return gp.DefaultOutputs
}

func (gp *GpIO) IsSafe(pin uint8) bool {
	for _, safe := range gp.safePins() {
		if safe == pin {
			return true
		}
	}
	return false
}

func (gp *GpIO) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	if gp.chip == nil {
		gp.chip = rpioChip{}
	}
	return gp.SetupWithChip(ctx, gp.chip, inputs, outputs)
}

// SetupWithChip opens chip and configures the default output pins followed by
// the requested inputs and outputs.
func (gp *GpIO) SetupWithChip(ctx context.Context, chip PinChip, inputs []uint16, outputs []uint16) error {
	err := chip.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to Setup gpio driver for pins: %v, %v; ", inputs, outputs)
	}

	gp.lock.Lock()
	gp.chip = chip
	gp.configs = make(map[uint8]PinMode)
	gp.states = make(map[uint8]bool)
	gp.reserved = make(map[uint8]*GpOutput)
	gp.isReady = true
	gp.lock.Unlock()

	for _, pin := range gp.defaultOutputs() {
		err = gp.SetupPin(pin, PinModeOut)
		if err != nil {
			return errors.Wrap(err, "failed to setup default output")
		}
	}
	for _, inPin := range inputs {
		if inPin > 255 {
			return errors.Errorf("inpin out of range (gpio takes uint8 pin)")
		}
		err = gp.SetupPin(uint8(inPin), PinModeIn)
		if err != nil {
			return err
		}
	}
	for _, outPin := range outputs {
		if outPin > 255 {
			return errors.Errorf("outpin out of range (gpio takes uint8 pin)")
		}
		err = gp.SetupPin(uint8(outPin), PinModeOut)
		if err != nil {
			return err
		}
	}

	return nil
}

func (gp *GpIO) SetupPin(pin uint8, mode PinMode) error {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	if !gp.isReady {
		return ErrNotReady
	}
	if !gp.IsSafe(pin) {
		return errors.Wrapf(ErrUnsafePin, "pin %d", pin)
	}
	if _, reserved := gp.reserved[pin]; reserved {
		return errors.Wrapf(ErrUnsafePin, "pin %d is reserved as system line", pin)
	}

	switch mode {
	case PinModeOut:
		gp.chip.Output(pin)
		gp.chip.Write(pin, false)
		gp.states[pin] = false
	case PinModeIn:
		gp.chip.Input(pin)
		gp.chip.PullDown(pin)
		gp.states[pin] = gp.chip.Read(pin)
	default:
		return errors.Wrapf(ErrInvalidMode, "got %q", mode)
	}
	gp.configs[pin] = mode

	return nil
}

func (gp *GpIO) WritePin(pin uint8, state bool) error {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	if !gp.isReady {
		return ErrNotReady
	}
	mode, configured := gp.configs[pin]
	if !configured {
		return errors.Wrapf(ErrPinNotConfigured, "pin %d", pin)
	}
	if mode != PinModeOut {
		return errors.Wrapf(ErrPinNotOutput, "pin %d", pin)
	}

	gp.chip.Write(pin, state)
	gp.states[pin] = state
	return nil
}

// ReadPin returns the last commanded state for outputs and the hardware level
// for inputs.
func (gp *GpIO) ReadPin(pin uint8) (bool, error) {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	if !gp.isReady {
		return false, ErrNotReady
	}
	mode, configured := gp.configs[pin]
	if !configured {
		return false, errors.Wrapf(ErrPinNotConfigured, "pin %d", pin)
	}
	if mode == PinModeOut {
		return gp.states[pin], nil
	}

	state := gp.chip.Read(pin)
	gp.states[pin] = state
	return state, nil
}

func (gp *GpIO) ResetPin(pin uint8) error {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	if !gp.isReady {
		return ErrNotReady
	}
	if _, configured := gp.configs[pin]; !configured {
		return errors.Wrapf(ErrPinNotConfigured, "pin %d", pin)
	}

	gp.chip.Input(pin)
	gp.chip.PullOff(pin)
	delete(gp.configs, pin)
	delete(gp.states, pin)
	return nil
}

// ReservePin claims a system output outside the safe list, e.g. a chip reset
// or a transceiver direction line.
func (gp *GpIO) ReservePin(pin uint8, initial bool) (DigitalOutput, error) {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	if !gp.isReady {
		return nil, ErrNotReady
	}
	if _, configured := gp.configs[pin]; configured {
		return nil, errors.Errorf("pin %d already configured as user pin", pin)
	}
	if out, reserved := gp.reserved[pin]; reserved {
		return out, nil
	}

	gp.chip.Output(pin)
	gp.chip.Write(pin, initial)
	gp.states[pin] = initial
	out := &GpOutput{pin: pin, gp: gp}
	gp.reserved[pin] = out
	return out, nil
}

func (gp *GpIO) ReleasePin(pin uint8) {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	if _, reserved := gp.reserved[pin]; !reserved || !gp.isReady {
		return
	}
	gp.chip.Input(pin)
	gp.chip.PullOff(pin)
	delete(gp.reserved, pin)
	delete(gp.states, pin)
}

func (gp *GpIO) reservedOutput(pin uint8) (*GpOutput, bool) {
	gp.lock.Lock()
	defer gp.lock.Unlock()
	out, ok := gp.reserved[pin]
	return out, ok
}

func (gp *GpIO) writeReserved(pin uint8, state bool) error {
	gp.lock.Lock()
	defer gp.lock.Unlock()
	if !gp.isReady {
		return ErrNotReady
	}
	gp.chip.Write(pin, state)
	gp.states[pin] = state
	return nil
}

func (gp *GpIO) readReserved(pin uint8) (bool, error) {
	gp.lock.Lock()
	defer gp.lock.Unlock()
	if !gp.isReady {
		return false, ErrNotReady
	}
	return gp.states[pin], nil
}

func (gp *GpIO) Configs() map[uint8]PinMode {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	configs := make(map[uint8]PinMode, len(gp.configs))
	for pin, mode := range gp.configs {
		configs[pin] = mode
	}
	return configs
}

// States reads every configured user pin.
func (gp *GpIO) States() map[uint8]bool {
	states := make(map[uint8]bool)
	for pin := range gp.Configs() {
		state, err := gp.ReadPin(pin)
		if err != nil {
			continue
		}
		states[pin] = state
	}
	return states
}

// AllowedPins returns the safe pins the dashboard may drive, without the
// ones reserved as system lines.
func (gp *GpIO) AllowedPins() []uint8 {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	pins := make([]uint8, 0, len(gp.safePins()))
	for _, pin := range gp.safePins() {
		if _, reserved := gp.reserved[pin]; reserved {
			continue
		}
		pins = append(pins, pin)
	}
	return pins
}

func (gp *GpIO) String() string {
	return gpioDriverName
}

func (gp *GpIO) IsReady() bool {
	gp.lock.Lock()
	defer gp.lock.Unlock()
	return gp.isReady
}

func (gp *GpIO) Close() error {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	if !gp.isReady {
		return nil
	}
	gp.isReady = false
	for pin := range gp.configs {
		gp.chip.Input(pin)
		gp.chip.PullOff(pin)
	}
	for pin := range gp.reserved {
		gp.chip.Input(pin)
		gp.chip.PullOff(pin)
	}
	gp.configs = map[uint8]PinMode{}
	gp.states = map[uint8]bool{}
	gp.reserved = map[uint8]*GpOutput{}

	return gp.chip.Close()
}

func (gp *GpIO) GetInput(id uint16) (DigitalInput, error) {
	if id > 255 {
		return nil, errors.Errorf("pin id out of range (gpio takes uint8 pin)")
	}
	if mode, ok := gp.Configs()[uint8(id)]; !ok || mode != PinModeIn {
		return nil, errors.Errorf("GpIO Input (id: %d) not found", id)
	}
	return &GpInput{pin: uint8(id), invert: gp.InvertInputs, gp: gp}, nil
}

func (gp *GpIO) GetOutput(id uint16) (DigitalOutput, error) {
	if id > 255 {
		return nil, errors.Errorf("pin id out of range (gpio takes uint8 pin)")
	}
	if mode, ok := gp.Configs()[uint8(id)]; !ok || mode != PinModeOut {
		return nil, errors.Errorf("GpIO Output (id: %d) not found", id)
	}
	return &GpOutput{pin: uint8(id), invert: gp.InvertOutputs, gp: gp}, nil
}

func (gp *GpIO) GetAllIo() (inputs []uint16, outputs []uint16) {
	configs := gp.Configs()
	pins := make([]int, 0, len(configs))
	for pin := range configs {
		pins = append(pins, int(pin))
	}
	sort.Ints(pins)

	for _, pin := range pins {
		if configs[uint8(pin)] == PinModeIn {
			inputs = append(inputs, uint16(pin))
		} else {
			outputs = append(outputs, uint16(pin))
		}
	}
	return
}
