package drivers

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const adsDriverName = "ads1015"

const (
	AdsChannels = 4

	adsDefaultAddress  = 0x49
	adsDefaultPga      = 1
	adsDefaultDataRate = 4

	adsRegConversion = 0x00
	adsRegConfig     = 0x01

	adsConversionTimeout = 50 * time.Millisecond
)

// Full scale voltage per PGA code.
var adsPgaFullScale = map[uint8]float64{
	0: 6.144,
	1: 4.096,
	2: 2.048,
	3: 1.024,
	4: 0.512,
	5: 0.256,
}

// Single ended mux codes, AINn against GND.
var adsMuxSingle = [AdsChannels]uint16{0b100, 0b101, 0b110, 0b111}

type AdcReading struct {
	Channel int     `json:"channel"`
	Raw     int16   `json:"raw"`
	Voltage float64 `json:"voltage"`
}

type Ads1015 struct {
	BusName  string
	Address  uint16
	Pga      *uint8
	DataRate *uint8

	bus     i2c.Bus
	closer  i2c.BusCloser
	dev     *i2c.Dev
	lock    sync.Mutex
	isReady bool
}

func (ads *Ads1015) String() string {
	return adsDriverName
}

func (ads *Ads1015) IsReady() bool {
	ads.lock.Lock()
	defer ads.lock.Unlock()
	return ads.isReady
}

func (ads *Ads1015) address() uint16 {
	if ads.Address == 0 {
		return adsDefaultAddress
	}
	return ads.Address
}

func (ads *Ads1015) pga() uint8 {
	if ads.Pga == nil {
		return adsDefaultPga
	}
	return *ads.Pga
}

func (ads *Ads1015) dataRate() uint8 {
	if ads.DataRate == nil {
		return adsDefaultDataRate
	}
	return *ads.DataRate
}

func (ads *Ads1015) FullScale() float64 {
	return adsPgaFullScale[ads.pga()]
}

// Setup initialises the periph host drivers and opens BusName, an empty name
// picks the first bus available.
func (ads *Ads1015) Setup(ctx context.Context) error {
	if _, err := host.Init(); err != nil {
		return errors.Wrap(err, "failed to init periph host")
	}
	bus, err := i2creg.Open(ads.BusName)
	if err != nil {
		return errors.Wrapf(err, "failed to open i2c bus %q", ads.BusName)
	}
	if err = ads.SetupWithBus(ctx, bus); err != nil {
		bus.Close()
		return err
	}
	ads.closer = bus
	return nil
}

// SetupWithBus probes the chip on bus by reading its config register.
func (ads *Ads1015) SetupWithBus(ctx context.Context, bus i2c.Bus) error {
	if _, ok := adsPgaFullScale[ads.pga()]; !ok {
		return errors.Errorf("ads1015 pga code %d out of range (0-5)", ads.pga())
	}
	if ads.dataRate() > 7 {
		return errors.Errorf("ads1015 data rate code %d out of range (0-7)", ads.dataRate())
	}

	ads.lock.Lock()
	defer ads.lock.Unlock()

	ads.bus = bus
	ads.dev = &i2c.Dev{Bus: bus, Addr: ads.address()}

	config := make([]byte, 2)
	if err := ads.dev.Tx([]byte{adsRegConfig}, config); err != nil {
		return errors.Wrapf(err, "ads1015 not responding at 0x%02x", ads.address())
	}

	ads.isReady = true
	return nil
}

func (ads *Ads1015) buildConfig(channel int) uint16 {
	config := uint16(1) << 15
	config |= (adsMuxSingle[channel] & 0x7) << 12
	config |= uint16(ads.pga()&0x7) << 9
	config |= 1 << 8
	config |= uint16(ads.dataRate()&0x7) << 5
	config |= 0b11
	return config
}

// twosComplement12 interprets the low 12 bits of x as a signed value.
func twosComplement12(x uint16) int16 {
	x &= 0x0FFF
	if x&0x0800 != 0 {
		return int16(x) - 0x1000
	}
	return int16(x)
}

func (ads *Ads1015) ReadChannel(ctx context.Context, channel int) (reading AdcReading, err error) {
	if channel < 0 || channel >= AdsChannels {
		err = errors.Wrapf(ErrInvalidChannel, "channel %d (must be between 0 and %d)", channel, AdsChannels-1)
		return
	}

	ads.lock.Lock()
	defer ads.lock.Unlock()

	if !ads.isReady {
		err = ErrNotReady
		return
	}

	config := ads.buildConfig(channel)
	err = ads.dev.Tx([]byte{adsRegConfig, byte(config >> 8), byte(config)}, nil)
	if err != nil {
		err = errors.Wrapf(err, "failed to start conversion on AIN%d", channel)
		return
	}

	deadline := time.Now().Add(adsConversionTimeout)
	status := make([]byte, 2)
	for {
		err = ads.dev.Tx([]byte{adsRegConfig}, status)
		if err != nil {
			err = errors.Wrap(err, "failed to poll conversion status")
			return
		}
		if status[0]&0x80 != 0 || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			return
		case <-time.After(time.Millisecond):
		}
	}

	data := make([]byte, 2)
	err = ads.dev.Tx([]byte{adsRegConversion}, data)
	if err != nil {
		err = errors.Wrapf(err, "failed to read conversion of AIN%d", channel)
		return
	}

	raw16 := uint16(data[0])<<8 | uint16(data[1])
	reading.Channel = channel
	reading.Raw = twosComplement12(raw16 >> 4)
	reading.Voltage = float64(reading.Raw) / 2048.0 * ads.FullScale()
	return
}

// ReadAll samples every channel, keyed AIN0..AIN3, rounded to 4 decimals.
func (ads *Ads1015) ReadAll(ctx context.Context) (map[string]float64, error) {
	readings := make(map[string]float64, AdsChannels)
	for channel := 0; channel < AdsChannels; channel++ {
		reading, err := ads.ReadChannel(ctx, channel)
		if err != nil {
			return nil, err
		}
		readings[ChannelName(channel)] = round4(reading.Voltage)
	}
	return readings, nil
}

func ChannelName(channel int) string {
	return fmt.Sprintf("AIN%d", channel)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func (ads *Ads1015) Close() error {
	ads.lock.Lock()
	defer ads.lock.Unlock()

	ads.isReady = false
	if ads.closer != nil {
		err := ads.closer.Close()
		ads.closer = nil
		return err
	}
	return nil
}
