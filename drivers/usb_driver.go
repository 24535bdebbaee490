package drivers

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
)

const usbSystemPath string = "/sys/bus/usb/devices"
const usbRootHubPrefix string = "usb"
const usbDefaultCacheTimeout = 5 * time.Second

const usbDriverName string = "usb"

type UsbDevice struct {
	Bus         int    `json:"bus"`
	Device      int    `json:"device"`
	VendorId    string `json:"vendor_id"`
	ProductId   string `json:"product_id"`
	Description string `json:"description"`
	Id          string `json:"id"`
}

type SerialPortInfo struct {
	Name         string `json:"name"`
	IsUsb        bool   `json:"is_usb"`
	VendorId     string `json:"vendor_id,omitempty"`
	ProductId    string `json:"product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

type UsbMonitor struct {
	SysPath      string
	CacheSeconds int

	cached   []UsbDevice
	cachedAt time.Time
	lock     sync.Mutex
	now      func() time.Time
	ready    bool
}

func (um *UsbMonitor) String() string {
	return usbDriverName
}

func (um *UsbMonitor) sysPath() string {
	if um.SysPath == "" {
		return usbSystemPath
	}
	return um.SysPath
}

func (um *UsbMonitor) cacheTimeout() time.Duration {
	if um.CacheSeconds == 0 {
		return usbDefaultCacheTimeout
	}
	return time.Duration(um.CacheSeconds) * time.Second
}

func (um *UsbMonitor) clock() time.Time {
	if um.now == nil {
		return time.Now()
	}
	return um.now()
}

func (um *UsbMonitor) Setup() error {
	_, err := os.ReadDir(um.sysPath())
	if err != nil {
		return errors.Wrapf(err, "failed to init usb monitor: error reading dir (%s)", um.sysPath())
	}
	um.lock.Lock()
	um.ready = true
	um.lock.Unlock()
	return nil
}

func (um *UsbMonitor) IsReady() bool {
	um.lock.Lock()
	defer um.lock.Unlock()
	return um.ready
}

// Devices lists attached devices without root hubs, cached for CacheSeconds.
func (um *UsbMonitor) Devices() ([]UsbDevice, error) {
	um.lock.Lock()
	defer um.lock.Unlock()

	now := um.clock()
	if !um.cachedAt.IsZero() && now.Sub(um.cachedAt) < um.cacheTimeout() {
		return um.cached, nil
	}

	devices, err := um.scan()
	if err != nil {
		return nil, err
	}
	um.cached = devices
	um.cachedAt = now
	return devices, nil
}

func (um *UsbMonitor) scan() ([]UsbDevice, error) {
	entries, err := os.ReadDir(um.sysPath())
	if err != nil {
		return nil, errors.Wrapf(err, "failed reading dir %s", um.sysPath())
	}

	devices := []UsbDevice{}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, usbRootHubPrefix) || strings.Contains(name, ":") {
			continue
		}
		device, err := um.readDevice(path.Join(um.sysPath(), name))
		if err != nil {
			continue
		}
		devices = append(devices, device)
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Bus != devices[j].Bus {
			return devices[i].Bus < devices[j].Bus
		}
		return devices[i].Device < devices[j].Device
	})
	return devices, nil
}

func readAttr(dir, name string) string {
	b, err := os.ReadFile(path.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (um *UsbMonitor) readDevice(dir string) (device UsbDevice, err error) {
	device.VendorId = strings.ToLower(readAttr(dir, "idVendor"))
	device.ProductId = strings.ToLower(readAttr(dir, "idProduct"))
	if device.VendorId == "" || device.ProductId == "" {
		err = errors.Errorf("%s is not a usb device", dir)
		return
	}

	device.Bus, err = strconv.Atoi(readAttr(dir, "busnum"))
	if err != nil {
		err = errors.Wrapf(err, "bad busnum in %s", dir)
		return
	}
	device.Device, err = strconv.Atoi(readAttr(dir, "devnum"))
	if err != nil {
		err = errors.Wrapf(err, "bad devnum in %s", dir)
		return
	}

	description := strings.TrimSpace(readAttr(dir, "manufacturer") + " " + readAttr(dir, "product"))
	if description == "" {
		description = "Unknown Device"
	}
	device.Description = description
	device.Id = fmt.Sprintf("%s:%s", device.VendorId, device.ProductId)
	return
}

func (um *UsbMonitor) Connected() (bool, error) {
	devices, err := um.Devices()
	if err != nil {
		return false, err
	}
	return len(devices) > 0, nil
}

func (um *UsbMonitor) DeviceCount() (int, error) {
	devices, err := um.Devices()
	return len(devices), err
}

func (um *UsbMonitor) FindDevice(vendorId, productId uint16) (*UsbDevice, error) {
	devices, err := um.Devices()
	if err != nil {
		return nil, err
	}
	target := fmt.Sprintf("%04x:%04x", vendorId, productId)
	for _, device := range devices {
		if strings.EqualFold(device.Id, target) {
			found := device
			return &found, nil
		}
	}
	return nil, nil
}

func (um *UsbMonitor) ClearCache() {
	um.lock.Lock()
	defer um.lock.Unlock()
	um.cached = nil
	um.cachedAt = time.Time{}
}

func (um *UsbMonitor) Close() error {
	um.lock.Lock()
	defer um.lock.Unlock()
	um.ready = false
	return nil
}

// SerialPorts lists the serial ports the OS knows about, with USB ids when the
// port sits behind a USB adapter.
func SerialPorts() ([]SerialPortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate serial ports")
	}

	infos := []SerialPortInfo{}
	for _, port := range ports {
		infos = append(infos, SerialPortInfo{
			Name:         port.Name,
			IsUsb:        port.IsUSB,
			VendorId:     strings.ToLower(port.VID),
			ProductId:    strings.ToLower(port.PID),
			SerialNumber: port.SerialNumber,
			Product:      port.Product,
		})
	}
	return infos, nil
}
