package telemetry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseError reports a malformed telemetry record.
type ParseError struct {
	Field  int
	Name   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("telemetry: field %s: %s", e.Name, e.Reason)
	}
	if e.Field >= 0 {
		return fmt.Sprintf("telemetry: field %d: %s", e.Field, e.Reason)
	}
	return "telemetry: " + e.Reason
}

// Parse decodes a comma-delimited inverter record.
func Parse(raw string) (Reading, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reading{}, &ParseError{Field: -1, Reason: "empty record"}
	}
	fields := strings.Split(raw, ",")
	if len(fields) < MinFields {
		return Reading{}, &ParseError{Field: -1, Reason: fmt.Sprintf("expected at least %d fields, got %d", MinFields, len(fields))}
	}

	p := positional{fields: fields}
	reading := Reading{
		Voltage:           p.number(FieldVoltage),
		Current:           p.number(FieldCurrent),
		Power:             p.number(FieldPower),
		Energy:            p.number(FieldEnergy),
		Frequency:         p.number(FieldFrequency),
		PowerFactor:       p.number(FieldPowerFactor),
		MainsPresent:      p.flag(FieldMainsPresent),
		SolarPresent:      p.flag(FieldSolarPresent),
		BatteryVoltage:    p.number(FieldBatteryVoltage),
		BatteryPercentage: p.number(FieldBatteryPercentage),
		Sentinel:          strings.TrimSpace(fields[FieldSentinel]),
	}
	if p.err != nil {
		return Reading{}, p.err
	}
	if reading.Sentinel == "" {
		return Reading{}, &ParseError{Field: FieldSentinel, Reason: "empty sentinel"}
	}
	return reading, nil
}

// ParsePayload decodes a structured push-channel payload. A payload carrying
// a raw record under "data" is parsed positionally.
func ParsePayload(payload map[string]any) (Reading, error) {
	if len(payload) == 0 {
		return Reading{}, &ParseError{Field: -1, Reason: "empty payload"}
	}
	if raw, ok := payload["data"].(string); ok {
		return Parse(raw)
	}

	n := named{payload: payload}
	reading := Reading{
		Voltage:           n.number("voltage"),
		Current:           n.number("current"),
		Power:             n.number("power"),
		Energy:            n.number("energy"),
		Frequency:         n.number("frequency"),
		PowerFactor:       n.number("power_factor"),
		MainsPresent:      n.flag("mains_present"),
		SolarPresent:      n.flag("solar_present"),
		BatteryVoltage:    n.number("battery_voltage"),
		BatteryPercentage: n.number("battery_percentage"),
		Sentinel:          n.sentinel("sentinel"),
	}
	if n.err != nil {
		return Reading{}, n.err
	}
	return reading, nil
}

type positional struct {
	fields []string
	err    error
}

func (p *positional) number(idx int) float64 {
	if p.err != nil {
		return 0
	}
	value, err := parseNumber(p.fields[idx])
	if err != nil {
		p.err = &ParseError{Field: idx, Reason: err.Error()}
		return 0
	}
	return value
}

func (p *positional) flag(idx int) bool {
	if p.err != nil {
		return false
	}
	value, err := parseFlag(p.fields[idx])
	if err != nil {
		p.err = &ParseError{Field: idx, Reason: err.Error()}
		return false
	}
	return value
}

type named struct {
	payload map[string]any
	err     error
}

// number treats an absent field as zero; a present field must be numeric.
func (n *named) number(key string) float64 {
	if n.err != nil {
		return 0
	}
	raw, ok := n.payload[key]
	if !ok || raw == nil {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		value, err := parseNumber(v)
		if err != nil {
			n.err = &ParseError{Field: -1, Name: key, Reason: err.Error()}
			return 0
		}
		return value
	default:
		n.err = &ParseError{Field: -1, Name: key, Reason: fmt.Sprintf("unexpected type %T", raw)}
		return 0
	}
}

func (n *named) flag(key string) bool {
	if n.err != nil {
		return false
	}
	raw, ok := n.payload[key]
	if !ok || raw == nil {
		return false
	}
	switch v := raw.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		value, err := parseFlag(v)
		if err != nil {
			n.err = &ParseError{Field: -1, Name: key, Reason: err.Error()}
			return false
		}
		return value
	default:
		n.err = &ParseError{Field: -1, Name: key, Reason: fmt.Sprintf("unexpected type %T", raw)}
		return false
	}
}

func (n *named) sentinel(key string) string {
	if n.err != nil {
		return ""
	}
	raw, ok := n.payload[key]
	if !ok || raw == nil {
		n.err = &ParseError{Field: -1, Name: key, Reason: "missing sentinel"}
		return ""
	}
	var value string
	switch v := raw.(type) {
	case string:
		value = strings.TrimSpace(v)
	case float64:
		value = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		value = strconv.Itoa(v)
	case int64:
		value = strconv.FormatInt(v, 10)
	default:
		n.err = &ParseError{Field: -1, Name: key, Reason: fmt.Sprintf("unexpected type %T", raw)}
		return ""
	}
	if value == "" {
		n.err = &ParseError{Field: -1, Name: key, Reason: "empty sentinel"}
	}
	return value
}

func parseNumber(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty value")
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("not numeric: %q", raw)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("not finite: %q", raw)
	}
	return value, nil
}

func parseFlag(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "on":
		return true, nil
	case "0", "false", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("not a flag: %q", raw)
	}
}
