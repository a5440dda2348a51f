package doorkit

import (
	"time"

	"github.com/charmbracelet/log"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/pkg/errors"

	"github.com/hubertat/doorkit/drivers"
)

const defaultOpenMeasurement = "door_open"

// OpenRecorder receives the outcome of every door open attempt.
type OpenRecorder interface {
	RecordOpen(door drivers.DoorInfo, success bool)
}

// InfluxRecorder writes one point per open attempt, tagged with door
// and home, success as field. Writes are asynchronous and never block
// a switch.
type InfluxRecorder struct {
	Host         string
	Organization string
	Bucket       string
	Token        string
	Measurement  string

	client   influxdb2.Client
	writeApi api.WriteAPI
}

func (ir *InfluxRecorder) Setup() error {
	if len(ir.Host) == 0 {
		return errors.New("influx recorder Host not set")
	}

	if len(ir.Measurement) == 0 {
		ir.Measurement = defaultOpenMeasurement
	}

	ir.client = influxdb2.NewClient(ir.Host, ir.Token)
	ir.writeApi = ir.client.WriteAPI(ir.Organization, ir.Bucket)

	go func() {
		for err := range ir.writeApi.Errors() {
			log.Error("influx write failed", "err", err)
		}
	}()

	return nil
}

func (ir *InfluxRecorder) RecordOpen(door drivers.DoorInfo, success bool) {
	point := influxdb2.NewPoint(ir.Measurement,
		map[string]string{
			"door":      door.Id,
			"door_name": door.Name,
			"home":      door.HomeName,
		},
		map[string]interface{}{
			"success": success,
		},
		time.Now())

	ir.writeApi.WritePoint(point)
}

func (ir *InfluxRecorder) Close() {
	if ir.client == nil {
		return
	}

	ir.writeApi.Flush()
	ir.client.Close()
}
