package drivers

import (
	"bytes"
	"context"
	"testing"

	"github.com/pkg/errors"
)

func assertBools(t testing.TB, got, want bool) {
	t.Helper()

	if got != want {
		t.Errorf("got %v want %v", got, want)
	}
}

func assertUint16Slices(t testing.TB, got, want []uint16) {
	t.Helper()

	if len(got) != len(want) {
		t.Errorf("len(got) = %d len(want) = %d", len(got), len(want))
		return
	}

	for key, val := range got {
		if want[key] != val {
			t.Errorf("for key [%d] got: %d want: %d", key, val, want[key])
		}
	}
}

func assertNoError(t testing.TB, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMockIoSetup(t *testing.T) {
	md := MockIoDriver{}

	assertBools(t, md.IsReady(), false)

	assertNoError(t, md.Setup(context.Background(), []uint16{5, 1, 3}, []uint16{4, 2}))
	assertBools(t, md.IsReady(), true)

	inputs, outputs := md.GetAllIo()
	assertUint16Slices(t, inputs, []uint16{1, 3, 5})
	assertUint16Slices(t, outputs, []uint16{2, 4})
}

func TestMockInput(t *testing.T) {
	md := MockIoDriver{}
	assertNoError(t, md.Setup(context.Background(), []uint16{1}, nil))

	in, err := md.Input(1)
	assertNoError(t, err)
	in.Press(true)

	generic, err := md.GetInput(1)
	assertNoError(t, err)
	state, err := generic.GetState()
	assertNoError(t, err)
	assertBools(t, state, true)

	_, err = md.GetInput(2)
	if !errors.Is(err, ErrPinNotConfigured) {
		t.Errorf("got %v want ErrPinNotConfigured", err)
	}
}

func TestMockGetOutput(t *testing.T) {
	md := MockIoDriver{}
	assertNoError(t, md.Setup(context.Background(), nil, []uint16{3}))
	output, err := md.GetOutput(3)
	assertNoError(t, err)

	assertNoError(t, output.Set(true))
	anotherOut, _ := md.GetOutput(3)
	got, _ := anotherOut.GetState()
	assertBools(t, got, true)

	_, err = md.GetOutput(4)
	if !errors.Is(err, ErrPinNotConfigured) {
		t.Errorf("got %v want ErrPinNotConfigured", err)
	}

	md.Close()
	_, err = md.GetOutput(3)
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("got %v want ErrNotReady", err)
	}
}

func TestMockFault(t *testing.T) {
	md := MockIoDriver{}
	assertNoError(t, md.Setup(context.Background(), nil, []uint16{3}))
	output, _ := md.GetOutput(3)

	broken := errors.New("relay coil open")
	md.Fault(broken)
	if err := output.Set(true); err != broken {
		t.Errorf("got %v want %v", err, broken)
	}
	if _, err := output.GetState(); err != broken {
		t.Errorf("got %v want %v", err, broken)
	}

	md.Fault(nil)
	assertNoError(t, output.Set(true))
}

func TestMockMonitorStateChanges(t *testing.T) {
	md := MockIoDriver{}
	assertNoError(t, md.Setup(context.Background(), nil, []uint16{7}))

	buf := &bytes.Buffer{}
	md.MonitorStateChanges(buf)

	out, _ := md.GetOutput(7)
	out.Set(true)
	out.Set(true)

	if got, want := buf.String(), "[mock_driver 7] state changed to true\n"; got != want {
		t.Errorf("got %q want %q", got, want)
	}
}
