package telemetry

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func record(overrides map[int]string) string {
	fields := make([]string, MinFields)
	for i := range fields {
		fields[i] = "0"
	}
	fields[FieldVoltage] = "230.5"
	fields[FieldCurrent] = "4.2"
	fields[FieldPower] = "968"
	fields[FieldEnergy] = "12.75"
	fields[FieldFrequency] = "50.01"
	fields[FieldPowerFactor] = "0.98"
	fields[FieldMainsPresent] = "1"
	fields[FieldSolarPresent] = "0"
	fields[FieldBatteryVoltage] = "25.6"
	fields[FieldBatteryPercentage] = "87"
	fields[FieldSentinel] = "42"
	for idx, value := range overrides {
		fields[idx] = value
	}
	return strings.Join(fields, ",")
}

func TestParseRecord(t *testing.T) {
	reading, err := Parse(record(nil))
	require.NoError(t, err)
	require.Equal(t, 230.5, reading.Voltage)
	require.Equal(t, 4.2, reading.Current)
	require.Equal(t, 968.0, reading.Power)
	require.Equal(t, 12.75, reading.Energy)
	require.Equal(t, 50.01, reading.Frequency)
	require.Equal(t, 0.98, reading.PowerFactor)
	require.True(t, reading.MainsPresent)
	require.False(t, reading.SolarPresent)
	require.Equal(t, 25.6, reading.BatteryVoltage)
	require.Equal(t, 87.0, reading.BatteryPercentage)
	require.Equal(t, "42", reading.Sentinel)
}

func TestParseRecordExtraFields(t *testing.T) {
	reading, err := Parse(record(nil) + ",9,9,9")
	require.NoError(t, err)
	require.Equal(t, "42", reading.Sentinel)
}

func TestParseMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":       "",
		"too short":   "1,2,3",
		"non numeric": record(map[int]string{FieldPower: "abc"}),
		"bad flag":    record(map[int]string{FieldMainsPresent: "maybe"}),
		"no sentinel": record(map[int]string{FieldSentinel: " "}),
		"nan":         record(map[int]string{FieldVoltage: "NaN"}),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw)
			require.Error(t, err)
			var parseErr *ParseError
			require.True(t, errors.As(err, &parseErr))
		})
	}
}

func TestParsePayloadNamed(t *testing.T) {
	reading, err := ParsePayload(map[string]any{
		"voltage":            229.0,
		"power":              "1200",
		"mains_present":      true,
		"solar_present":      1.0,
		"battery_percentage": 55,
		"sentinel":           43.0,
	})
	require.NoError(t, err)
	require.Equal(t, 229.0, reading.Voltage)
	require.Equal(t, 1200.0, reading.Power)
	require.True(t, reading.MainsPresent)
	require.True(t, reading.SolarPresent)
	require.Equal(t, 55.0, reading.BatteryPercentage)
	require.Equal(t, "43", reading.Sentinel)
}

func TestParsePayloadRawData(t *testing.T) {
	reading, err := ParsePayload(map[string]any{"data": record(map[int]string{FieldSentinel: "77"})})
	require.NoError(t, err)
	require.Equal(t, "77", reading.Sentinel)
}

func TestParsePayloadErrors(t *testing.T) {
	_, err := ParsePayload(nil)
	require.Error(t, err)

	_, err = ParsePayload(map[string]any{"voltage": 230.0})
	require.ErrorContains(t, err, "missing sentinel")

	_, err = ParsePayload(map[string]any{"sentinel": "1", "power": []any{1}})
	require.ErrorContains(t, err, "power")
}
