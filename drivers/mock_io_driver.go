package drivers

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

const mockDriverName = "mock_driver"

// MockPin is a simulated relay or switch on MockIoDriver.
type MockPin struct {
	pin     uint16
	state   bool
	fault   error
	monitor io.Writer
	lock    sync.Mutex
}

func (mp *MockPin) GetState() (bool, error) {
	mp.lock.Lock()
	defer mp.lock.Unlock()

	if mp.fault != nil {
		return false, mp.fault
	}
	return mp.state, nil
}

func (mp *MockPin) Set(state bool) error {
	mp.lock.Lock()
	defer mp.lock.Unlock()

	if mp.fault != nil {
		return mp.fault
	}
	if mp.monitor != nil && state != mp.state {
		fmt.Fprintf(mp.monitor, "[%s %d] state changed to %v\n", mockDriverName, mp.pin, state)
	}
	mp.state = state
	return nil
}

// Press sets the simulated level of an input pin.
func (mp *MockPin) Press(state bool) {
	mp.lock.Lock()
	mp.state = state
	mp.lock.Unlock()
}

// MockIoDriver simulates a relay board for the mock binary and tests. Fault
// makes every pin fail until cleared with nil.
type MockIoDriver struct {
	inputs  map[uint16]*MockPin
	outputs map[uint16]*MockPin
	lock    sync.Mutex
	ready   bool
}

func (md *MockIoDriver) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.inputs = make(map[uint16]*MockPin, len(inputs))
	md.outputs = make(map[uint16]*MockPin, len(outputs))
	for _, pin := range inputs {
		md.inputs[pin] = &MockPin{pin: pin}
	}
	for _, pin := range outputs {
		md.outputs[pin] = &MockPin{pin: pin}
	}
	md.ready = true
	return nil
}

func (md *MockIoDriver) Close() error {
	md.lock.Lock()
	defer md.lock.Unlock()
	md.ready = false
	return nil
}

func (md *MockIoDriver) String() string {
	return mockDriverName
}

func (md *MockIoDriver) IsReady() bool {
	md.lock.Lock()
	defer md.lock.Unlock()
	return md.ready
}

func (md *MockIoDriver) lookup(pins map[uint16]*MockPin, pin uint16) (*MockPin, error) {
	md.lock.Lock()
	defer md.lock.Unlock()

	if !md.ready {
		return nil, ErrNotReady
	}
	found, ok := pins[pin]
	if !ok {
		return nil, errors.Wrapf(ErrPinNotConfigured, "mock pin %d", pin)
	}
	return found, nil
}

func (md *MockIoDriver) GetInput(pin uint16) (DigitalInput, error) {
	return md.lookup(md.inputs, pin)
}

func (md *MockIoDriver) GetOutput(pin uint16) (DigitalOutput, error) {
	return md.lookup(md.outputs, pin)
}

// Input gives direct access to a simulated input.
func (md *MockIoDriver) Input(pin uint16) (*MockPin, error) {
	return md.lookup(md.inputs, pin)
}

func sortedPins(pins map[uint16]*MockPin) (sorted []uint16) {
	for pin := range pins {
		sorted = append(sorted, pin)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return
}

func (md *MockIoDriver) GetAllIo() (inputs []uint16, outputs []uint16) {
	md.lock.Lock()
	defer md.lock.Unlock()
	return sortedPins(md.inputs), sortedPins(md.outputs)
}

func (md *MockIoDriver) pins() (all []*MockPin) {
	md.lock.Lock()
	defer md.lock.Unlock()
	for _, pin := range md.inputs {
		all = append(all, pin)
	}
	for _, pin := range md.outputs {
		all = append(all, pin)
	}
	return
}

// MonitorStateChanges prints every output change to writer.
func (md *MockIoDriver) MonitorStateChanges(writer io.Writer) {
	for _, pin := range md.pins() {
		pin.lock.Lock()
		pin.monitor = writer
		pin.lock.Unlock()
	}
}

func (md *MockIoDriver) Fault(err error) {
	for _, pin := range md.pins() {
		pin.lock.Lock()
		pin.fault = err
		pin.lock.Unlock()
	}
}
