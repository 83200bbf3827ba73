package telemetry

import (
	"context"
	"time"
)

// Positional layout of the raw inverter record.
const (
	FieldVoltage           = 0
	FieldCurrent           = 1
	FieldPower             = 2
	FieldEnergy            = 3
	FieldFrequency         = 4
	FieldPowerFactor       = 5
	FieldMainsPresent      = 6
	FieldSolarPresent      = 7
	FieldBatteryVoltage    = 10
	FieldBatteryPercentage = 15
	FieldSentinel          = 20

	// MinFields is the shortest record the parser accepts.
	MinFields = FieldSentinel + 1
)

// Reading is one decoded inverter telemetry record.
type Reading struct {
	Voltage           float64
	Current           float64
	Power             float64
	Energy            float64
	Frequency         float64
	PowerFactor       float64
	MainsPresent      bool
	SolarPresent      bool
	BatteryVoltage    float64
	BatteryPercentage float64

	// Sentinel changes on every genuine device update cycle.
	Sentinel string
}

// Sample is a reading attributed to a system at the time it was received.
type Sample struct {
	SystemID   string
	Reading    Reading
	ReceivedAt time.Time
}

// SampleLogger persists measurements of accepted samples.
type SampleLogger interface {
	LogSample(ctx context.Context, sample Sample) error
}

// LatestSampleReader returns the newest raw record stored for a system.
type LatestSampleReader interface {
	LatestSample(ctx context.Context, systemID string) (string, bool, error)
}

// RecordWriter appends raw records to the pull store.
type RecordWriter interface {
	InsertRecord(ctx context.Context, systemID, raw string, at time.Time) error
}
