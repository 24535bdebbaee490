package tophat

import (
	"context"

	"github.com/Cirkitscape/Top-HAT-Dashboard/drivers"
)

// MockBackends are the in-memory chips behind a board started with
// InitMockDrivers.
type MockBackends struct {
	Chip     *drivers.MockPinChip
	Expander *drivers.MockExpander
	AdsBus   *drivers.MockAdsBus
	Serial   *drivers.MockSerialPort
}

// InitMockDrivers brings the board up without hardware. signal feeds the ADC
// channels, nil reads zero volts.
func (th *TopHat) InitMockDrivers(ctx context.Context, signal func(channel int) float64) (*MockBackends, error) {
	mb := &MockBackends{
		Chip:     drivers.NewMockPinChip(),
		Expander: &drivers.MockExpander{},
		AdsBus:   &drivers.MockAdsBus{Signal: signal},
		Serial:   drivers.NewMockSerialPort(),
	}

	err := th.initComponents(ctx, hardwareSetup{
		gpio: func(ctx context.Context, outputs []uint16) error {
			return th.Gpio.SetupWithChip(ctx, mb.Chip, nil, outputs)
		},
		mcp: func(ctx context.Context, outputs []uint16) error {
			return th.Mcp23017.SetupWithExpander(ctx, mb.Expander, nil, outputs)
		},
		rs485: func(ctx context.Context) error {
			return th.Rs485.SetupWithPort(ctx, mb.Serial)
		},
		adc: func(ctx context.Context) error {
			return th.Adc.SetupWithBus(ctx, mb.AdsBus)
		},
	})
	return mb, err
}
