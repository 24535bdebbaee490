package tophat

import (
	"context"
	"time"

	"github.com/Cirkitscape/Top-HAT-Dashboard/drivers"
)

type RpiGpioStatus struct {
	Configs  map[uint8]drivers.PinMode `json:"configs"`
	States   map[uint8]int             `json:"states"`
	SafePins []int                     `json:"safe_pins"`
}

// Snapshot is the whole board state as served on /json and published over
// MQTT.
type Snapshot struct {
	HardwareStatus map[string]bool         `json:"hardware_status"`
	Adc            map[string]float64      `json:"adc"`
	Gpio           map[drivers.Port]string `json:"gpio"`
	Outputs        map[drivers.Port]uint8  `json:"outputs"`
	Rs485Last      *string                 `json:"rs485_last"`
	UsbConnected   bool                    `json:"usb_connected"`
	UsbDevices     []drivers.UsbDevice     `json:"usb_devices"`
	RpiGpio        RpiGpioStatus           `json:"rpi_gpio"`
	Time           time.Time               `json:"time"`

	portA, portB uint8
	gpioRead     bool
}

func emptyRpiGpioStatus() RpiGpioStatus {
	return RpiGpioStatus{
		Configs:  map[uint8]drivers.PinMode{},
		States:   map[uint8]int{},
		SafePins: []int{},
	}
}

func boolToInt(state bool) int {
	if state {
		return 1
	}
	return 0
}

// RpiGpioStatus reads configs and states of the native pins, empty when the
// GPIO is down.
func (th *TopHat) RpiGpioStatus() RpiGpioStatus {
	status := emptyRpiGpioStatus()
	if !th.Available(ComponentRpiGpio) {
		return status
	}

	status.Configs = th.Gpio.Configs()
	for pin, state := range th.Gpio.States() {
		status.States[pin] = boolToInt(state)
	}
	for _, pin := range th.Gpio.AllowedPins() {
		status.SafePins = append(status.SafePins, int(pin))
	}
	return status
}

// Snapshot reads every available component. Read failures leave that part at
// its empty value, they never fail the whole snapshot.
func (th *TopHat) Snapshot(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		HardwareStatus: th.HardwareStatus(),
		Adc:            map[string]float64{},
		Gpio:           map[drivers.Port]string{drivers.PortA: drivers.FormatPort(0), drivers.PortB: drivers.FormatPort(0)},
		Outputs:        map[drivers.Port]uint8{drivers.PortA: 0, drivers.PortB: 0},
		UsbDevices:     []drivers.UsbDevice{},
		RpiGpio:        th.RpiGpioStatus(),
		Time:           time.Now(),
	}

	if th.Available(ComponentAdc) {
		readings, err := th.Adc.ReadAll(ctx)
		if err != nil {
			th.log().Debug("ADC read failed", "err", err)
		} else {
			snap.Adc = readings
		}
	}

	if th.Available(ComponentMcp23017) {
		a, b, err := th.Mcp23017.ReadPorts()
		if err != nil {
			th.log().Debug("MCP23017 read failed", "err", err)
		} else {
			snap.portA, snap.portB, snap.gpioRead = a, b, true
			snap.Gpio[drivers.PortA] = drivers.FormatPort(a)
			snap.Gpio[drivers.PortB] = drivers.FormatPort(b)
		}
		snap.Outputs = th.Mcp23017.Outputs()
	}

	if th.Available(ComponentRs485) {
		snap.Rs485Last = th.Rs485.LastMessage()
	}

	if th.Available(ComponentUsb) {
		devices, err := th.Usb.Devices()
		if err != nil {
			th.log().Debug("USB read failed", "err", err)
		} else {
			snap.UsbDevices = devices
			snap.UsbConnected = len(devices) > 0
		}
	}

	return snap
}
