package drivers

import (
	"context"
	"testing"

	"github.com/pkg/errors"
)

func setupMockGpio(t *testing.T) (*GpIO, *MockPinChip) {
	t.Helper()

	chip := NewMockPinChip()
	gp := &GpIO{}
	err := gp.SetupWithChip(context.Background(), chip, nil, nil)
	assertNoError(t, err)
	return gp, chip
}

func assertErrorIs(t testing.TB, err, target error) {
	t.Helper()

	if !errors.Is(err, target) {
		t.Errorf("got error %v want %v", err, target)
	}
}

func TestGpioSetupDefaultOutputs(t *testing.T) {
	gp, chip := setupMockGpio(t)

	configs := gp.Configs()
	if len(configs) != len(DefaultOutputPins) {
		t.Fatalf("got %d configured pins want %d", len(configs), len(DefaultOutputPins))
	}
	for _, pin := range DefaultOutputPins {
		if configs[pin] != PinModeOut {
			t.Errorf("pin %d: got mode %q want OUT", pin, configs[pin])
		}
		assertBools(t, chip.Level(pin), false)
	}

	_, outputs := gp.GetAllIo()
	assertUint16Slices(t, outputs, []uint16{23, 24, 25})
}

func TestGpioSetupFailure(t *testing.T) {
	chip := NewMockPinChip()
	chip.OpenErr = errors.New("/dev/gpiomem: permission denied")
	gp := &GpIO{}

	err := gp.SetupWithChip(context.Background(), chip, nil, nil)
	if err == nil {
		t.Fatal("expected error from failing chip")
	}
	assertBools(t, gp.IsReady(), false)
}

func TestGpioSetupPin(t *testing.T) {
	gp, chip := setupMockGpio(t)

	t.Run("unsafe pin", func(t *testing.T) {
		assertErrorIs(t, gp.SetupPin(18, PinModeOut), ErrUnsafePin)
		assertErrorIs(t, gp.SetupPin(2, PinModeIn), ErrUnsafePin)
	})

	t.Run("invalid mode", func(t *testing.T) {
		assertErrorIs(t, gp.SetupPin(4, PinMode("PWM")), ErrInvalidMode)
	})

	t.Run("input reads hardware", func(t *testing.T) {
		chip.SetLevel(17, true)
		assertNoError(t, gp.SetupPin(17, PinModeIn))

		state, err := gp.ReadPin(17)
		assertNoError(t, err)
		assertBools(t, state, true)

		chip.SetLevel(17, false)
		state, _ = gp.ReadPin(17)
		assertBools(t, state, false)
	})
}

func TestGpioWritePin(t *testing.T) {
	gp, chip := setupMockGpio(t)

	assertNoError(t, gp.WritePin(23, true))
	assertBools(t, chip.Level(23), true)

	state, err := gp.ReadPin(23)
	assertNoError(t, err)
	assertBools(t, state, true)

	assertErrorIs(t, gp.WritePin(4, true), ErrPinNotConfigured)

	assertNoError(t, gp.SetupPin(4, PinModeIn))
	assertErrorIs(t, gp.WritePin(4, true), ErrPinNotOutput)
}

func TestGpioOutputRemembersCommandedState(t *testing.T) {
	gp, chip := setupMockGpio(t)

	assertNoError(t, gp.WritePin(24, true))
	// something else pulls the line, outputs still report what was commanded
	chip.SetLevel(24, false)

	state, err := gp.ReadPin(24)
	assertNoError(t, err)
	assertBools(t, state, true)

	states := gp.States()
	assertBools(t, states[24], true)
	assertBools(t, states[23], false)
}

func TestGpioResetPin(t *testing.T) {
	gp, _ := setupMockGpio(t)

	assertNoError(t, gp.ResetPin(25))
	if _, found := gp.Configs()[25]; found {
		t.Error("pin 25 still configured after reset")
	}
	if _, found := gp.States()[25]; found {
		t.Error("pin 25 still has a state after reset")
	}

	assertErrorIs(t, gp.ResetPin(25), ErrPinNotConfigured)
}

func TestGpioReservePin(t *testing.T) {
	gp, chip := setupMockGpio(t)

	out, err := gp.ReservePin(18, true)
	assertNoError(t, err)
	assertBools(t, chip.Level(18), true)

	if _, found := gp.Configs()[18]; found {
		t.Error("reserved pin should not show in configs")
	}

	assertNoError(t, out.Set(false))
	assertBools(t, chip.Level(18), false)
	state, err := out.GetState()
	assertNoError(t, err)
	assertBools(t, state, false)

	again, err := gp.ReservePin(18, true)
	assertNoError(t, err)
	if again != out {
		t.Error("reserving twice should return the same output")
	}

	_, err = gp.ReservePin(23, false)
	if err == nil {
		t.Error("expected error reserving a configured user pin")
	}
}

func TestGpioReservedPinNotUserConfigurable(t *testing.T) {
	gp := &GpIO{SafePins: []uint8{4, 18}, DefaultOutputs: []uint8{}}
	chip := NewMockPinChip()
	assertNoError(t, gp.SetupWithChip(context.Background(), chip, nil, nil))

	_, err := gp.ReservePin(18, true)
	assertNoError(t, err)

	err = gp.SetupPin(18, PinModeOut)
	assertErrorIs(t, err, ErrUnsafePin)
	assertBools(t, chip.Level(18), true)
	if _, found := gp.Configs()[18]; found {
		t.Error("reserved pin ended up in configs")
	}

	err = gp.ResetPin(18)
	assertErrorIs(t, err, ErrPinNotConfigured)
	assertBools(t, chip.Level(18), true)

	allowed := gp.AllowedPins()
	if len(allowed) != 1 || allowed[0] != 4 {
		t.Errorf("got allowed pins %v want [4]", allowed)
	}
}

func TestGpioNotReady(t *testing.T) {
	gp := &GpIO{}

	assertErrorIs(t, gp.SetupPin(4, PinModeOut), ErrNotReady)
	assertErrorIs(t, gp.WritePin(23, true), ErrNotReady)
	_, err := gp.ReadPin(23)
	assertErrorIs(t, err, ErrNotReady)
	assertNoError(t, gp.Close())
}

func TestGpioClose(t *testing.T) {
	gp, chip := setupMockGpio(t)
	gp.ReservePin(6, false)

	assertNoError(t, gp.Close())
	assertBools(t, gp.IsReady(), false)
	assertBools(t, chip.IsOpen(), false)
	if len(gp.Configs()) != 0 {
		t.Errorf("configs not cleared: %v", gp.Configs())
	}
}

func TestGpioDigitalIo(t *testing.T) {
	gp, chip := setupMockGpio(t)
	gp.InvertOutputs = true

	out, err := gp.GetOutput(23)
	assertNoError(t, err)
	assertNoError(t, out.Set(true))
	assertBools(t, chip.Level(23), false)

	state, _ := out.GetState()
	assertBools(t, state, true)

	_, err = gp.GetInput(23)
	if err == nil {
		t.Error("expected error getting output pin as input")
	}
	_, err = gp.GetOutput(300)
	if err == nil {
		t.Error("expected error for pin out of range")
	}
}

func TestParsePinMode(t *testing.T) {
	mode, err := ParsePinMode("out")
	assertNoError(t, err)
	if mode != PinModeOut {
		t.Errorf("got %q want OUT", mode)
	}

	_, err = ParsePinMode("both")
	assertErrorIs(t, err, ErrInvalidMode)
}
