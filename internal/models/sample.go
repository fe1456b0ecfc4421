// Package models contains domain types for the latency history backend.
package models

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// SampleState distinguishes a measured delay from the two kinds of absence.
type SampleState uint8

const (
	// NotSampled means no probe result exists for the instant (gap, offline, or
	// too far from a neighbour to interpolate).
	NotSampled SampleState = iota
	// Observed carries a delay value in milliseconds.
	Observed
	// Lost means a probe was sent and the response never arrived.
	Lost
)

func (s SampleState) String() string {
	switch s {
	case Observed:
		return "observed"
	case Lost:
		return "lost"
	default:
		return "not_sampled"
	}
}

// Sample is a single delay cell. Only Observed samples carry a value; both
// Lost and NotSampled are encoded as null on the wire.
type Sample struct {
	State SampleState
	Value float64
}

// ObservedSample returns an Observed sample holding v.
func ObservedSample(v float64) Sample {
	return Sample{State: Observed, Value: v}
}

// LostSample returns the packet-lost sample.
func LostSample() Sample {
	return Sample{State: Lost}
}

// MissingSample returns a NotSampled sample.
func MissingSample() Sample {
	return Sample{State: NotSampled}
}

// Valid reports whether the sample carries a value.
func (s Sample) Valid() bool {
	return s.State == Observed
}

// wire returns the value used by the JSON and msgpack encoders.
func (s Sample) wire() interface{} {
	if s.State != Observed {
		return nil
	}
	return s.Value
}

// MarshalJSON encodes the sample as a number or null.
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.wire())
}

// UnmarshalJSON decodes a number as Observed and null as Lost.
func (s *Sample) UnmarshalJSON(data []byte) error {
	var v *float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decoding sample: %w", err)
	}
	if v == nil {
		*s = LostSample()
		return nil
	}
	*s = ObservedSample(*v)
	return nil
}

var (
	_ msgpack.CustomEncoder = Sample{}
	_ msgpack.CustomDecoder = (*Sample)(nil)
)

// EncodeMsgpack encodes the sample as a float64 or nil.
func (s Sample) EncodeMsgpack(enc *msgpack.Encoder) error {
	if s.State != Observed {
		return enc.EncodeNil()
	}
	return enc.EncodeFloat64(s.Value)
}

// DecodeMsgpack mirrors UnmarshalJSON.
func (s *Sample) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := dec.DecodeInterface()
	if err != nil {
		return err
	}
	switch n := v.(type) {
	case nil:
		*s = LostSample()
	case float64:
		*s = ObservedSample(n)
	case float32:
		*s = ObservedSample(float64(n))
	case int64:
		*s = ObservedSample(float64(n))
	case uint64:
		*s = ObservedSample(float64(n))
	case int8:
		*s = ObservedSample(float64(n))
	case int16:
		*s = ObservedSample(float64(n))
	case int32:
		*s = ObservedSample(float64(n))
	case uint8:
		*s = ObservedSample(float64(n))
	case uint16:
		*s = ObservedSample(float64(n))
	case uint32:
		*s = ObservedSample(float64(n))
	default:
		return fmt.Errorf("decoding sample: unexpected %T", v)
	}
	return nil
}
