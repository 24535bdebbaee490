package drivers

import "testing"

func TestMapAllIoDrivers(t *testing.T) {
	mapped := MapAllIoDrivers()

	for _, name := range []string{"gpio", "mcpio", "mock_driver"} {
		t.Run(name, func(t *testing.T) {
			driver, found := mapped[name]
			if !found {
				t.Fatalf("driver %s not mapped", name)
			}
			if driver.String() != name {
				t.Errorf("got %s want %s", driver.String(), name)
			}
		})
	}
}
