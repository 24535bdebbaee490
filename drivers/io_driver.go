package drivers

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrNotReady         = errors.New("driver not ready")
	ErrUnsafePin        = errors.New("pin is not safe to use")
	ErrInvalidMode      = errors.New("mode must be 'IN' or 'OUT'")
	ErrPinNotConfigured = errors.New("pin not configured")
	ErrPinNotOutput     = errors.New("pin is not configured as output")
	ErrInvalidPort      = errors.New("port must be 'A' or 'B'")
	ErrInvalidPin       = errors.New("pin out of range")
	ErrInvalidChannel   = errors.New("channel out of range")
	ErrEmptyMessage     = errors.New("message cannot be empty")
	ErrMessageTooLong   = errors.New("message too long")
)

type IoDriver interface {
	Setup(ctx context.Context, inputs []uint16, outputs []uint16) error
	Close() error
	String() string
	IsReady() bool
	GetInput(pin uint16) (DigitalInput, error)
	GetOutput(pin uint16) (DigitalOutput, error)
	GetAllIo() (inputs []uint16, outputs []uint16)
}

func MapAllIoDrivers() map[string]IoDriver {
	drivers := []IoDriver{
		&GpIO{},
		&McpIO{},
		&MockIoDriver{},
	}

	mapped := make(map[string]IoDriver)
	for _, driver := range drivers {
		mapped[driver.String()] = driver
	}
	return mapped
}

type DigitalInput interface {
	GetState() (bool, error)
}

type DigitalOutput interface {
	GetState() (bool, error)
	Set(bool) error
}
