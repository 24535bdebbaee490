package tophat

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/pkg/errors"

	"github.com/Cirkitscape/Top-HAT-Dashboard/drivers"
)

var ErrDriverMismatch = errors.New("output driver mismatch")

// Output is a driver output pin exposed as a HomeKit switch.
type Output struct {
	Name           string
	State          bool
	DriverName     string
	OutPin         uint16
	DisableHomekit bool
	IsFaulty       bool

	output drivers.DigitalOutput
	driver drivers.IoDriver

	hk    *accessory.Switch
	fault *characteristic.StatusFault

	lock sync.Mutex
}

func (ou *Output) GetDriverName() string {
	return ou.DriverName
}

func (ou *Output) GetUniqueId() uint64 {
	hash := fnv.New64()
	hash.Write([]byte("Output_" + ou.Name))
	return hash.Sum64()
}

func (ou *Output) IsReady() bool {
	ou.lock.Lock()
	defer ou.lock.Unlock()
	return ou.output != nil
}

func (ou *Output) Init(driver drivers.IoDriver) error {
	if !strings.EqualFold(driver.String(), ou.DriverName) {
		return errors.Wrapf(ErrDriverMismatch, "output %s wants %s, got %s", ou.Name, ou.DriverName, driver)
	}
	if !driver.IsReady() {
		return errors.Wrapf(drivers.ErrNotReady, "output %s", ou.Name)
	}

	output, err := driver.GetOutput(ou.OutPin)
	if err != nil {
		return errors.Wrapf(err, "output %s", ou.Name)
	}

	ou.lock.Lock()
	defer ou.lock.Unlock()

	ou.driver = driver
	ou.output = output

	if ou.DisableHomekit {
		return nil
	}
	info := accessory.Info{
		Name:         ou.Name,
		SerialNumber: fmt.Sprintf("output:%s:%02d", ou.DriverName, ou.OutPin),
	}
	ou.hk = accessory.NewSwitch(info)

	ou.fault = characteristic.NewStatusFault()
	ou.fault.SetValue(characteristic.StatusFaultNoFault)
	ou.hk.Switch.AddC(ou.fault.C)

	ou.hk.Switch.On.OnValueRemoteUpdate(ou.SetValue)
	return nil
}

// markFault mirrors a driver error on the HomeKit fault characteristic.
// Callers hold the lock.
func (ou *Output) markFault(err error) {
	ou.IsFaulty = err != nil
	if ou.fault == nil {
		return
	}
	if ou.IsFaulty {
		ou.fault.SetValue(characteristic.StatusFaultGeneralFault)
	} else {
		ou.fault.SetValue(characteristic.StatusFaultNoFault)
	}
}

// Sync pulls the pin state from the driver, so changes made through the web
// UI or MQTT show up in HomeKit.
func (ou *Output) Sync() error {
	ou.lock.Lock()
	defer ou.lock.Unlock()

	if ou.output == nil {
		return errors.Wrapf(drivers.ErrNotReady, "output %s", ou.Name)
	}

	state, err := ou.output.GetState()
	ou.markFault(err)
	if err != nil {
		return errors.Wrapf(err, "sync of output %s failed", ou.Name)
	}

	changed := state != ou.State
	ou.State = state
	if changed && ou.hk != nil {
		ou.hk.Switch.On.SetValue(state)
	}
	return nil
}

func (ou *Output) GetHk() *accessory.A {
	if ou.hk == nil {
		return nil
	}
	return ou.hk.A
}

// Set drives the pin. State only follows when the driver accepted it.
func (ou *Output) Set(state bool) error {
	ou.lock.Lock()
	defer ou.lock.Unlock()

	if ou.output == nil {
		return errors.Wrapf(drivers.ErrNotReady, "output %s", ou.Name)
	}
	err := ou.output.Set(state)
	ou.markFault(err)
	if err != nil {
		return errors.Wrapf(err, "failed to set output %s", ou.Name)
	}
	ou.State = state
	return nil
}

// SetValue is the HomeKit remote update callback, a failure shows up as the
// fault characteristic.
func (ou *Output) SetValue(state bool) {
	ou.Set(state)
}

func (ou *Output) Toggle() error {
	ou.lock.Lock()
	state := !ou.State
	ou.lock.Unlock()

	return ou.Set(state)
}
