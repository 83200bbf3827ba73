package influx

import (
	"context"
	"errors"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	telemetry "powerverter-monitor/internal/telemetry/domain"
)

const defaultMeasurement = "inverter_sample"

// Config configures the InfluxDB connection.
type Config struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// SampleLogger writes accepted samples to InfluxDB. Writes are batched by
// the client in the background and failures are logged, not returned.
type SampleLogger struct {
	client      influxdb2.Client
	writer      api.WriteAPI
	measurement string
	logger      zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewSampleLogger connects to InfluxDB.
func NewSampleLogger(cfg Config, logger zerolog.Logger) (*SampleLogger, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx: url, org and bucket are required")
	}
	if cfg.Measurement == "" {
		cfg.Measurement = defaultMeasurement
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(100).SetFlushInterval(1000))
	l := &SampleLogger{
		client:      client,
		writer:      client.WriteAPI(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		logger:      logger.With().Str("component", "influx").Logger(),
		done:        make(chan struct{}),
	}
	go l.drainErrors()
	return l, nil
}

// LogSample queues one sample.
func (l *SampleLogger) LogSample(_ context.Context, sample telemetry.Sample) error {
	l.writer.WritePoint(BuildPoint(l.measurement, sample))
	return nil
}

// Close flushes pending points and releases the client.
func (l *SampleLogger) Close() {
	l.closeOnce.Do(func() {
		l.writer.Flush()
		close(l.done)
		l.client.Close()
	})
}

func (l *SampleLogger) drainErrors() {
	errs := l.writer.Errors()
	for {
		select {
		case <-l.done:
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("influx write failed")
		}
	}
}

// BuildPoint converts a sample into a point tagged by system id.
func BuildPoint(measurement string, sample telemetry.Sample) *write.Point {
	r := sample.Reading
	tags := map[string]string{
		"system_id": sample.SystemID,
	}
	fields := map[string]interface{}{
		"voltage":            r.Voltage,
		"current":            r.Current,
		"power":              r.Power,
		"energy":             r.Energy,
		"frequency":          r.Frequency,
		"power_factor":       r.PowerFactor,
		"mains_present":      r.MainsPresent,
		"solar_present":      r.SolarPresent,
		"battery_voltage":    r.BatteryVoltage,
		"battery_percentage": r.BatteryPercentage,
		"sentinel":           r.Sentinel,
	}
	return write.NewPoint(measurement, tags, fields, sample.ReceivedAt)
}
