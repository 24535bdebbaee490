package drivers

import (
	"os"
	"path"
	"testing"
	"time"
)

func writeUsbDevice(t testing.TB, root, name string, attrs map[string]string) {
	t.Helper()

	dir := path.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for attr, value := range attrs {
		if err := os.WriteFile(path.Join(dir, attr), []byte(value+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func fakeUsbTree(t testing.TB) string {
	t.Helper()

	root := t.TempDir()
	writeUsbDevice(t, root, "usb1", map[string]string{
		"idVendor": "1d6b", "idProduct": "0002", "busnum": "1", "devnum": "1",
	})
	writeUsbDevice(t, root, "1-1", map[string]string{
		"idVendor": "2109", "idProduct": "3431", "busnum": "1", "devnum": "2",
		"product": "USB2.0 Hub",
	})
	writeUsbDevice(t, root, "1-1:1.0", map[string]string{
		"bInterfaceClass": "09",
	})
	writeUsbDevice(t, root, "1-1.3", map[string]string{
		"idVendor": "0403", "idProduct": "6001", "busnum": "1", "devnum": "4",
		"manufacturer": "FTDI", "product": "FT232R USB UART",
	})
	writeUsbDevice(t, root, "1-1.2", map[string]string{
		"idVendor": "0BDA", "idProduct": "8153", "busnum": "1", "devnum": "3",
	})
	return root
}

func TestUsbDevices(t *testing.T) {
	um := &UsbMonitor{SysPath: fakeUsbTree(t)}
	assertNoError(t, um.Setup())

	devices, err := um.Devices()
	assertNoError(t, err)
	if len(devices) != 3 {
		t.Fatalf("got %d devices want 3: %+v", len(devices), devices)
	}

	want := []UsbDevice{
		{Bus: 1, Device: 2, VendorId: "2109", ProductId: "3431", Description: "USB2.0 Hub", Id: "2109:3431"},
		{Bus: 1, Device: 3, VendorId: "0bda", ProductId: "8153", Description: "Unknown Device", Id: "0bda:8153"},
		{Bus: 1, Device: 4, VendorId: "0403", ProductId: "6001", Description: "FTDI FT232R USB UART", Id: "0403:6001"},
	}
	for i, device := range devices {
		if device != want[i] {
			t.Errorf("device %d: got %+v want %+v", i, device, want[i])
		}
	}

	connected, err := um.Connected()
	assertNoError(t, err)
	assertBools(t, connected, true)
}

func TestUsbFindDevice(t *testing.T) {
	um := &UsbMonitor{SysPath: fakeUsbTree(t)}

	device, err := um.FindDevice(0x0403, 0x6001)
	assertNoError(t, err)
	if device == nil || device.Device != 4 {
		t.Errorf("got %+v", device)
	}

	device, err = um.FindDevice(0x0BDA, 0x8153)
	assertNoError(t, err)
	if device == nil {
		t.Error("lookup should ignore hex case")
	}

	device, err = um.FindDevice(0xFFFF, 0x0001)
	assertNoError(t, err)
	if device != nil {
		t.Errorf("got %+v want nil", device)
	}
}

func TestUsbCache(t *testing.T) {
	root := fakeUsbTree(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	um := &UsbMonitor{SysPath: root, CacheSeconds: 5, now: func() time.Time { return now }}

	count, err := um.DeviceCount()
	assertNoError(t, err)
	if count != 3 {
		t.Fatalf("got %d want 3", count)
	}

	writeUsbDevice(t, root, "1-1.4", map[string]string{
		"idVendor": "046d", "idProduct": "c52b", "busnum": "1", "devnum": "5",
	})

	now = now.Add(4 * time.Second)
	count, _ = um.DeviceCount()
	if count != 3 {
		t.Errorf("got %d want cached 3", count)
	}

	now = now.Add(2 * time.Second)
	count, _ = um.DeviceCount()
	if count != 4 {
		t.Errorf("got %d want 4 after cache expiry", count)
	}

	writeUsbDevice(t, root, "1-1.5", map[string]string{
		"idVendor": "046d", "idProduct": "c077", "busnum": "1", "devnum": "6",
	})
	um.ClearCache()
	count, _ = um.DeviceCount()
	if count != 5 {
		t.Errorf("got %d want 5 after ClearCache", count)
	}
}

func TestUsbNoDevices(t *testing.T) {
	root := t.TempDir()
	writeUsbDevice(t, root, "usb1", map[string]string{"idVendor": "1d6b", "idProduct": "0002"})
	um := &UsbMonitor{SysPath: root}

	connected, err := um.Connected()
	assertNoError(t, err)
	assertBools(t, connected, false)
}

func TestUsbMissingSysfs(t *testing.T) {
	um := &UsbMonitor{SysPath: path.Join(t.TempDir(), "missing")}

	if err := um.Setup(); err == nil {
		t.Error("expected setup error")
	}
	assertBools(t, um.IsReady(), false)
	_, err := um.Devices()
	if err == nil {
		t.Error("expected error listing devices")
	}
}
