package tophat

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/Cirkitscape/Top-HAT-Dashboard/drivers"
	"github.com/Cirkitscape/Top-HAT-Dashboard/mqtt"
)

const defaultBoardName = "tophat"
const defaultHttpAddr = ":5000"
const defaultMqttPrefix = "tophat"
const mqttDisconnectTimeout = 2 * time.Second

// Component names used as hardware_status keys.
const (
	ComponentMcp23017 = "mcp23017"
	ComponentRs485    = "rs485"
	ComponentRpiGpio  = "rpi_gpio"
	ComponentAdc      = "adc"
	ComponentUsb      = "usb"
)

var ErrNoHardware = errors.New("no hardware component initialized")

type TopHat struct {
	Name     string
	HttpAddr string
	LogLevel string

	Gpio       *drivers.GpIO
	Mcp23017   *drivers.McpIO
	Adc        *drivers.Ads1015
	Rs485      *drivers.Rs485
	Usb        *drivers.UsbMonitor
	FakeDriver *drivers.MockIoDriver

	Outputs []*Output

	HkPin       string
	HkDirectory string
	HkAddress   string
	HkDebug     bool

	MqttBroker string
	MqttPrefix string

	Influx *InfluxRecorder

	ioDrivers   map[string]drivers.IoDriver
	status      map[string]bool
	mqttClient  mqtt.Publisher
	forwardStop func()
	logger      *log.Logger
	lock        sync.RWMutex
}

// Default returns the board layout of the Top HAT: expander outputs on both
// ports, RS-485 on the primary UART and the ADC at 0x49.
func Default() *TopHat {
	return &TopHat{
		Name:     defaultBoardName,
		HttpAddr: defaultHttpAddr,
		Gpio:     &drivers.GpIO{},
		Mcp23017: &drivers.McpIO{},
		Adc:      &drivers.Ads1015{},
		Rs485:    &drivers.Rs485{},
		Usb:      &drivers.UsbMonitor{},
	}
}

func (th *TopHat) log() *log.Logger {
	if th.logger == nil {
		th.logger = log.NewWithOptions(os.Stderr, log.Options{
			Prefix: th.name(),
			Level:  log.GetLevel(),
		})
	}
	return th.logger
}

func (th *TopHat) name() string {
	if len(th.Name) == 0 {
		return defaultBoardName
	}
	return th.Name
}

func (th *TopHat) mqttPrefix() string {
	if len(th.MqttPrefix) == 0 {
		return defaultMqttPrefix
	}
	return strings.TrimSuffix(th.MqttPrefix, "/")
}

func (th *TopHat) getOutPins(driverName string) (pins []uint16) {
	for _, out := range th.Outputs {
		if strings.EqualFold(out.DriverName, driverName) {
			pins = append(pins, out.OutPin)
		}
	}
	return
}

func (th *TopHat) setStatus(component string, ok bool) {
	th.lock.Lock()
	defer th.lock.Unlock()
	th.status[component] = ok
}

// hardwareSetup opens one component on its backend. The mock binary and the
// tests swap these for in-memory backends.
type hardwareSetup struct {
	gpio  func(ctx context.Context, outputs []uint16) error
	mcp   func(ctx context.Context, outputs []uint16) error
	rs485 func(ctx context.Context) error
	adc   func(ctx context.Context) error
}

// InitDrivers brings up every configured component on its own. A component
// that fails is logged and left unavailable; ErrNoHardware is returned only
// when nothing came up.
func (th *TopHat) InitDrivers(ctx context.Context) error {
	return th.initComponents(ctx, hardwareSetup{
		gpio: func(ctx context.Context, outputs []uint16) error {
			return th.Gpio.Setup(ctx, nil, outputs)
		},
		mcp: func(ctx context.Context, outputs []uint16) error {
			return th.Mcp23017.Setup(ctx, nil, outputs)
		},
		rs485: th.Rs485.Setup,
		adc:   th.Adc.Setup,
	})
}

func (th *TopHat) initComponents(ctx context.Context, hw hardwareSetup) error {
	th.lock.Lock()
	th.ioDrivers = make(map[string]drivers.IoDriver)
	th.status = map[string]bool{
		ComponentMcp23017: false,
		ComponentRs485:    false,
		ComponentRpiGpio:  false,
		ComponentAdc:      false,
		ComponentUsb:      false,
	}
	th.lock.Unlock()

	// native gpio first, the expander reset and RS-485 DE lines hang off it
	if th.Gpio != nil {
		err := hw.gpio(ctx, th.getOutPins(th.Gpio.String()))
		if err != nil {
			th.log().Warn("Raspberry Pi GPIO initialization failed", "err", err)
		} else {
			th.ioDrivers[th.Gpio.String()] = th.Gpio
			th.setStatus(ComponentRpiGpio, true)
			th.log().Info("Raspberry Pi GPIO initialized")
		}
	}

	if th.Mcp23017 != nil {
		err := th.Mcp23017.AttachReset(th.Gpio)
		if err == nil {
			err = hw.mcp(ctx, th.getOutPins(th.Mcp23017.String()))
		}
		if err != nil {
			th.log().Warn("MCP23017 initialization failed, continuing without it", "err", err)
		} else {
			th.ioDrivers[th.Mcp23017.String()] = th.Mcp23017
			th.setStatus(ComponentMcp23017, true)
			th.log().Info("MCP23017 initialized")
		}
	}

	if th.Rs485 != nil {
		err := th.Rs485.AttachDe(th.Gpio)
		if err == nil {
			err = hw.rs485(ctx)
		}
		if err != nil {
			th.log().Warn("RS-485 initialization failed, continuing without it", "err", err)
		} else {
			th.setStatus(ComponentRs485, true)
			th.log().Info("RS-485 initialized")
		}
	}

	if th.Adc != nil {
		err := hw.adc(ctx)
		if err != nil {
			th.log().Warn("ADS1015 initialization failed, continuing without it", "err", err)
		} else {
			th.setStatus(ComponentAdc, true)
			th.log().Info("ADS1015 initialized")
		}
	}

	if th.Usb != nil {
		err := th.Usb.Setup()
		if err != nil {
			th.log().Warn("USB monitor initialization failed", "err", err)
		} else {
			th.setStatus(ComponentUsb, true)
		}
	}

	if th.FakeDriver != nil {
		err := th.FakeDriver.Setup(ctx, nil, th.getOutPins(th.FakeDriver.String()))
		if err == nil {
			th.ioDrivers[th.FakeDriver.String()] = th.FakeDriver
		}
	}

	working, hatComponents := 0, 0
	status := th.HardwareStatus()
	for component, ok := range status {
		if ok {
			working++
		}
		// usb sysfs is there on any Linux box, it says nothing about the HAT
		if ok && component != ComponentUsb {
			hatComponents++
		}
	}
	th.log().Info("hardware initialization complete", "working", working, "total", len(status))
	if hatComponents == 0 {
		return ErrNoHardware
	}
	return nil
}

// InitOutputs binds the configured outputs to their drivers. Outputs whose
// driver is down are skipped with a warning.
func (th *TopHat) InitOutputs() error {
	for _, out := range th.Outputs {
		driverName := strings.ToLower(out.DriverName)
		driver, found := th.ioDrivers[driverName]
		if !found {
			if _, known := drivers.MapAllIoDrivers()[driverName]; !known {
				th.log().Error("unknown output driver, skipping", "output", out.Name, "driver", out.DriverName)
			} else {
				th.log().Warn("output driver not available, skipping", "output", out.Name, "driver", out.DriverName)
			}
			continue
		}
		err := out.Init(driver)
		if err != nil {
			return errors.Wrapf(err, "failed to init output %s", out.Name)
		}
	}
	return nil
}

// HardwareStatus reports which components came up.
func (th *TopHat) HardwareStatus() map[string]bool {
	th.lock.RLock()
	defer th.lock.RUnlock()

	status := make(map[string]bool, len(th.status))
	for component, ok := range th.status {
		status[component] = ok
	}
	return status
}

func (th *TopHat) Available(component string) bool {
	th.lock.RLock()
	defer th.lock.RUnlock()
	return th.status[component]
}

func (th *TopHat) readyOutputs() (outs []*Output) {
	for _, out := range th.Outputs {
		if out.IsReady() {
			outs = append(outs, out)
		}
	}
	return
}

// StartTicker syncs outputs every syncInterval and publishes telemetry every
// telemetryInterval until ctx is done. A zero telemetryInterval disables it.
func (th *TopHat) StartTicker(ctx context.Context, syncInterval, telemetryInterval time.Duration) {
	if syncInterval <= 0 {
		th.log().Error("ticker not started, sync interval must be positive", "interval", syncInterval)
		return
	}
	syncTicker := time.NewTicker(syncInterval)
	defer syncTicker.Stop()

	var telemetry <-chan time.Time
	if telemetryInterval > 0 {
		telemetryTicker := time.NewTicker(telemetryInterval)
		defer telemetryTicker.Stop()
		telemetry = telemetryTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			for _, out := range th.readyOutputs() {
				err := out.Sync()
				if err != nil {
					th.log().Error("failed to sync output", "output", out.Name, "err", err)
				}
			}
		case <-telemetry:
			th.PublishTelemetry(ctx)
		}
	}
}

func (th *TopHat) Close() (err error) {
	th.stopForwarding()

	if mc, ok := th.publisher().(*mqtt.MqttClient); ok {
		ctx, cancel := context.WithTimeout(context.Background(), mqttDisconnectTimeout)
		err = mc.Disconnect(ctx)
		cancel()
	}

	closers := []io.Closer{}
	// reverse of InitDrivers, gpio last as others hold pins on it
	if th.Rs485 != nil {
		closers = append(closers, th.Rs485)
	}
	if th.Mcp23017 != nil {
		closers = append(closers, th.Mcp23017)
	}
	if th.Adc != nil {
		closers = append(closers, th.Adc)
	}
	if th.Usb != nil {
		closers = append(closers, th.Usb)
	}
	if th.FakeDriver != nil {
		closers = append(closers, th.FakeDriver)
	}
	if th.Gpio != nil {
		closers = append(closers, th.Gpio)
	}
	if th.Influx != nil {
		closers = append(closers, th.Influx)
	}

	for _, closer := range closers {
		closeErr := closer.Close()
		if closeErr == nil {
			continue
		}
		if err == nil {
			err = closeErr
		} else {
			err = errors.Wrap(err, closeErr.Error())
		}
	}

	th.lock.Lock()
	for component := range th.status {
		th.status[component] = false
	}
	th.lock.Unlock()

	return
}

func (th *TopHat) PrintIoStatus(writer io.Writer) {
	status := th.HardwareStatus()
	components := make([]string, 0, len(status))
	for component := range status {
		components = append(components, component)
	}
	sort.Strings(components)

	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "=== hardware status ===")
	for _, component := range components {
		state := "unavailable"
		if status[component] {
			state = "ok"
		}
		fmt.Fprintf(writer, "| %-9s %s\n", component, state)
	}
	fmt.Fprintln(writer, "=== active io drivers ===")
	for driverName, driver := range th.ioDrivers {
		fmt.Fprintln(writer, "________")
		fmt.Fprintf(writer, "| driver: %s\n", driverName)
		inputs, outputs := driver.GetAllIo()
		fmt.Fprintf(writer, "| in pins: ")
		for _, inpin := range inputs {
			fmt.Fprintf(writer, "%d, ", inpin)
		}
		fmt.Fprintf(writer, "\n| out pins: ")
		for _, outpin := range outputs {
			fmt.Fprintf(writer, "%d, ", outpin)
		}
		fmt.Fprintln(writer)
		fmt.Fprintln(writer, "--------")
	}
	fmt.Fprintln(writer, "-----------------------------")
	fmt.Fprintln(writer)
}
