package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	tophat "github.com/Cirkitscape/Top-HAT-Dashboard"
)

const defaultSyncInterval = "330ms"
const defaultTelemetryInterval = "10s"

var (
	Version string
	Build   string

	config            = flag.String("config", "config.json", "path of the configuration file, json or yaml")
	flagInstall       = flag.Bool("install", false, "Install service in os")
	syncInterval      = flag.String("sync", defaultSyncInterval, "output sync interval (time.Duration)")
	telemetryInterval = flag.String("telemetry", defaultTelemetryInterval, "mqtt/influx telemetry interval (time.Duration), 0 disables")

	thService = servicemaker.ServiceMaker{
		User:               "tophat",
		UserGroups:         []string{"gpio", "i2c", "dialout"},
		ServicePath:        "/etc/systemd/system/tophat.service",
		ServiceDescription: "Top HAT dashboard: web control of ADC, GPIO expander and RS-485. github.com/Cirkitscape/Top-HAT-Dashboard",
		ExecDir:            "/srv/tophat",
		ExecName:           "tophat",
	}
)

func loadConfig(path string) (*tophat.TopHat, error) {
	th := tophat.Default()

	configFile, err := os.Open(path)
	if err != nil {
		return th, err
	}
	defer configFile.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(configFile).Decode(th)
	default:
		err = json.NewDecoder(configFile).Decode(th)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed decoding config (%s)", path)
	}
	return th, nil
}

// applyEnv lets the service unit or a .env file override the json config.
func applyEnv(th *tophat.TopHat) {
	if addr := os.Getenv("TOPHAT_HTTP_ADDR"); len(addr) > 0 {
		th.HttpAddr = addr
	}
	if level := os.Getenv("TOPHAT_LOG_LEVEL"); len(level) > 0 {
		th.LogLevel = level
	}
	if broker := os.Getenv("TOPHAT_MQTT_BROKER"); len(broker) > 0 {
		th.MqttBroker = broker
	}
}

func main() {
	flag.Parse()
	// .env is optional
	_ = godotenv.Load()

	log.Info("tophat started", "version", Version, "build", Build)

	if *flagInstall {
		err := thService.InstallService()
		if err != nil {
			log.Fatal("failed to install service", "err", err)
		}
		log.Info("service installed!")
		return
	}

	syncDuration, telemetryDuration, err := parseIntervals(*syncInterval, *telemetryInterval)
	if err != nil {
		log.Fatal("invalid interval", "err", err)
	}

	th, err := loadConfig(*config)
	if th == nil {
		log.Fatal("failed to load config", "err", err)
	}
	if err != nil {
		log.Warn("can't open config file, running with defaults", "path", *config, "err", err)
	}
	applyEnv(th)

	if len(th.LogLevel) > 0 {
		level, err := log.ParseLevel(th.LogLevel)
		if err != nil {
			log.Warn("unknown log level, keeping info", "level", th.LogLevel)
		} else {
			log.SetLevel(level)
		}
	}

	// run owns the hardware, its deferred Close must happen before exit
	err = run(th, syncDuration, telemetryDuration)
	if err != nil {
		log.Error("tophat stopped", "err", err)
		os.Exit(1)
	}
}

// parseIntervals validates the ticker flags. Telemetry may be 0 to disable it.
func parseIntervals(sync, telemetry string) (syncDuration, telemetryDuration time.Duration, err error) {
	syncDuration, err = time.ParseDuration(sync)
	if err != nil {
		return 0, 0, errors.Wrap(err, "sync interval")
	}
	if syncDuration <= 0 {
		return 0, 0, errors.Errorf("sync interval must be positive, got %s", syncDuration)
	}
	telemetryDuration, err = time.ParseDuration(telemetry)
	if err != nil {
		return 0, 0, errors.Wrap(err, "telemetry interval")
	}
	if telemetryDuration < 0 {
		return 0, 0, errors.Errorf("telemetry interval can't be negative, got %s", telemetryDuration)
	}
	return
}

func run(th *tophat.TopHat, syncDuration, telemetryDuration time.Duration) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("will init hardware drivers...")
	err = th.InitDrivers(ctx)
	defer func() {
		closeErr := th.Close()
		if closeErr != nil {
			log.Error("failed to release hardware", "err", closeErr)
		}
	}()
	if errors.Is(err, tophat.ErrNoHardware) {
		log.Warn("no hardware found, dashboard will run with limited functionality")
	} else if err != nil {
		return errors.Wrap(err, "driver initialization failed")
	}

	err = th.InitOutputs()
	if err != nil {
		log.Error("failed to init outputs", "err", err)
	}

	th.PrintIoStatus(os.Stdout)

	if th.Influx != nil {
		err = th.Influx.Setup(ctx)
		if err != nil {
			log.Error("influx disabled", "err", err)
		}
	}

	if len(th.MqttBroker) > 0 {
		err = th.InitMqtt()
		if err != nil {
			log.Error("mqtt disabled", "err", err)
		}
	}

	go th.StartTicker(ctx, syncDuration, telemetryDuration)

	if th.HomeKitEnabled() {
		log.Info("Starting with HomeKit server")
		go func() {
			err := th.StartHomeKit(ctx, Version)
			if err != nil {
				log.Error("HomeKit server stopped", "err", err)
			}
		}()
	} else {
		log.Info("HomeKit not configured, disabled")
	}

	return th.ListenAndServe(ctx)
}
