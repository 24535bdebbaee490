package tophat

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	dnslog "github.com/brutella/dnssd/log"
	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	hklog "github.com/brutella/hap/log"
	"github.com/pkg/errors"
)

const defaultHomeKitDirectory = "./homekit"
const homeKitBridgeAuthor = "github.com/Cirkitscape"

func (th *TopHat) HomeKitEnabled() bool {
	return len(th.HkPin) == 8
}

func (th *TopHat) GetHkAccessories(firmwareVersion string) (acc []*accessory.A) {
	acc = []*accessory.A{}

	for _, out := range th.readyOutputs() {
		accessory := out.GetHk()
		if accessory != nil {
			if accessory.Info != nil && accessory.Info.FirmwareRevision != nil {
				accessory.Info.FirmwareRevision.SetValue(firmwareVersion)
			}
			accessory.Id = out.GetUniqueId()
			acc = append(acc, accessory)
		}
	}

	return
}

// StartHomeKit serves the bridge until ctx is cancelled or the process gets
// SIGINT/SIGTERM.
func (th *TopHat) StartHomeKit(ctx context.Context, firmwareVersion string) error {
	bridge := accessory.NewBridge(accessory.Info{
		Name:         th.name(),
		Manufacturer: homeKitBridgeAuthor,
		Firmware:     firmwareVersion,
	})

	var store hap.Store
	if len(th.HkDirectory) > 1 {
		store = hap.NewFsStore(th.HkDirectory)
	} else {
		store = hap.NewFsStore(defaultHomeKitDirectory)
	}
	hkServer, err := hap.NewServer(store, bridge.A, th.GetHkAccessories(firmwareVersion)...)
	if err != nil {
		return errors.Wrap(err, "failed to create HomeKit server")
	}
	hkServer.Pin = th.HkPin
	if len(th.HkAddress) > 0 {
		hkServer.Addr = th.HkAddress
	}

	if th.HkDebug {
		hklog.Debug.Enable()
		dnslog.Debug.Enable()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c:
		case <-ctx.Done():
		}
		signal.Stop(c)
		cancel()
	}()

	th.log().Info("starting HomeKit bridge", "accessories", len(th.readyOutputs()))
	return hkServer.ListenAndServe(ctx)
}
