package tophat

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"

	"github.com/Cirkitscape/Top-HAT-Dashboard/drivers"
)

const influxAdcMeasurement = "tophat_adc"
const influxGpioMeasurement = "tophat_gpio"
const influxBoardTag = "board"

// InfluxRecorder writes ADC and expander readings to an InfluxDB 2 bucket.
type InfluxRecorder struct {
	Host         string
	Organization string
	Bucket       string
	Token        string

	Debug bool

	client   influxdb2.Client
	writeApi api.WriteAPIBlocking
	logger   *log.Logger
	lock     sync.Mutex
	ready    bool
}

func (ir *InfluxRecorder) Setup(ctx context.Context) error {
	ir.lock.Lock()
	defer ir.lock.Unlock()

	client := influxdb2.NewClient(ir.Host, ir.Token)
	_, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return errors.Wrapf(err, "failed to init influx recorder (%s)", ir.Host)
	}

	ir.client = client
	ir.writeApi = client.WriteAPIBlocking(ir.Organization, ir.Bucket)
	ir.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "influx",
		Level:  log.GetLevel(),
	})
	ir.ready = true
	return nil
}

func (ir *InfluxRecorder) IsReady() bool {
	ir.lock.Lock()
	defer ir.lock.Unlock()
	return ir.ready
}

func (ir *InfluxRecorder) points(board string, snap *Snapshot) (points []*write.Point) {
	tags := map[string]string{influxBoardTag: board}
	ts := snap.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	if len(snap.Adc) > 0 {
		fields := make(map[string]interface{}, len(snap.Adc))
		for channel, volts := range snap.Adc {
			fields[channel] = volts
		}
		points = append(points, influxdb2.NewPoint(influxAdcMeasurement, tags, fields, ts))
	}

	if snap.gpioRead {
		points = append(points, influxdb2.NewPoint(influxGpioMeasurement, tags, map[string]interface{}{
			"port_a":    int64(snap.portA),
			"port_b":    int64(snap.portB),
			"outputs_a": int64(snap.Outputs[drivers.PortA]),
			"outputs_b": int64(snap.Outputs[drivers.PortB]),
		}, ts))
	}
	return
}

// Record writes the readings held in snap. Parts the snapshot could not read
// are skipped.
func (ir *InfluxRecorder) Record(ctx context.Context, board string, snap *Snapshot) error {
	ir.lock.Lock()
	defer ir.lock.Unlock()

	if !ir.ready {
		return errors.New("influx recorder not ready")
	}

	points := ir.points(board, snap)
	if len(points) == 0 {
		return nil
	}
	if ir.Debug {
		ir.logger.Debug("writing points", "count", len(points))
	}

	err := ir.writeApi.WritePoint(ctx, points...)
	if err != nil {
		return errors.Wrap(err, "influx write failed")
	}
	return nil
}

func (ir *InfluxRecorder) Close() error {
	ir.lock.Lock()
	defer ir.lock.Unlock()

	if ir.client != nil {
		ir.client.Close()
		ir.client = nil
	}
	ir.ready = false
	return nil
}
