package domain

import (
	"bytes"
	"encoding/json"
	"math"
)

const evaluationsPerComparisonKey = "evaluationsPerComparison"

// OptionalInt keeps apart an absent key, an explicit null, a non-numeric value and a number.
type OptionalInt struct {
	Present bool
	Null    bool
	Invalid bool
	Value   int
	raw     json.RawMessage
}

// IntValue returns a present numeric OptionalInt.
func IntValue(v int) OptionalInt {
	return OptionalInt{Present: true, Value: v}
}

// Get returns the value and whether it is a usable number.
func (o OptionalInt) Get() (int, bool) {
	if !o.Present || o.Null || o.Invalid {
		return 0, false
	}
	return o.Value, true
}

func parseOptionalInt(raw json.RawMessage) OptionalInt {
	o := OptionalInt{Present: true, raw: raw}
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		o.Null = true
		return o
	}
	var f float64
	if err := json.Unmarshal(trimmed, &f); err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		o.Invalid = true
		return o
	}
	t := math.Trunc(f)
	if t >= float64(math.MaxInt) || t < float64(math.MinInt) {
		o.Invalid = true
		return o
	}
	o.Value = int(t)
	return o
}

// ExperimentConfig is the per-experiment configuration document. Only the keys the service
// interprets are typed; everything else is preserved verbatim.
type ExperimentConfig struct {
	EvaluationsPerComparison OptionalInt
	extra                    map[string]json.RawMessage
}

// ParseExperimentConfig decodes a stored document. Empty input and a JSON null yield nil.
func ParseExperimentConfig(data []byte) (*ExperimentConfig, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var cfg ExperimentConfig
	if err := json.Unmarshal(trimmed, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ExperimentConfig) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	c.EvaluationsPerComparison = OptionalInt{}
	if raw, ok := fields[evaluationsPerComparisonKey]; ok {
		c.EvaluationsPerComparison = parseOptionalInt(raw)
		delete(fields, evaluationsPerComparisonKey)
	}
	c.extra = fields
	return nil
}

func (c ExperimentConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.extra)+1)
	for k, v := range c.extra {
		out[k] = v
	}
	epc := c.EvaluationsPerComparison
	switch {
	case !epc.Present:
	case epc.Null:
		out[evaluationsPerComparisonKey] = json.RawMessage("null")
	case epc.Invalid:
		out[evaluationsPerComparisonKey] = epc.raw
	default:
		b, err := json.Marshal(epc.Value)
		if err != nil {
			return nil, err
		}
		out[evaluationsPerComparisonKey] = b
	}
	return json.Marshal(out)
}

// Extra returns an untyped key from the document.
func (c ExperimentConfig) Extra(key string) (json.RawMessage, bool) {
	v, ok := c.extra[key]
	return v, ok
}
