package models

// RawRecord is a single upstream observation as it appears on the wire.
// A Value of exactly -1 means the probe was lost.
type RawRecord struct {
	TaskID *int64   `json:"task_id,omitempty"`
	Time   string   `json:"time,omitempty"`
	Value  *float64 `json:"value,omitempty"`
	Name   string   `json:"name,omitempty"`
}

// LostValue is the upstream sentinel for a lost probe.
const LostValue = -1

// PingPayload is the tasks+records shape produced by the local telemetry store.
type PingPayload struct {
	Tasks   []Task      `json:"tasks"`
	Records []RawRecord `json:"records"`
	From    string      `json:"from,omitempty"`
	To      string      `json:"to,omitempty"`
}
