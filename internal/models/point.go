package models

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// FieldCreatedAt is the row timestamp column.
	FieldCreatedAt = "created_at"
	// FieldOfflineMarker is set to 1 on synthetic offline rows.
	FieldOfflineMarker = "offline_marker"
	// PacketLossSuffix is appended to a monitor name for its loss column.
	PacketLossSuffix = "_packet_loss"
)

// FormattedPoint is one row of the chart table: a timeline timestamp with a
// value cell per monitor and, where available, a packet-loss cell.
type FormattedPoint struct {
	CreatedAt int64
	Offline   bool
	Values    map[string]Sample
	Loss      map[string]Sample
}

// NewFormattedPoint returns an empty row at ts.
func NewFormattedPoint(ts int64, offline bool) FormattedPoint {
	return FormattedPoint{
		CreatedAt: ts,
		Offline:   offline,
		Values:    make(map[string]Sample),
		Loss:      make(map[string]Sample),
	}
}

// Clone returns a deep copy of the row.
func (p FormattedPoint) Clone() FormattedPoint {
	out := FormattedPoint{
		CreatedAt: p.CreatedAt,
		Offline:   p.Offline,
		Values:    make(map[string]Sample, len(p.Values)),
		Loss:      make(map[string]Sample, len(p.Loss)),
	}
	for k, v := range p.Values {
		out.Values[k] = v
	}
	for k, v := range p.Loss {
		out.Loss[k] = v
	}
	return out
}

// Fields flattens the row into the sparse column map sent to the chart.
func (p FormattedPoint) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, 2+len(p.Values)+len(p.Loss))
	fields[FieldCreatedAt] = p.CreatedAt
	if p.Offline {
		fields[FieldOfflineMarker] = 1
	} else {
		fields[FieldOfflineMarker] = nil
	}
	for name, v := range p.Loss {
		fields[name+PacketLossSuffix] = v.wire()
	}
	columns := p.ColumnNames()
	for name, v := range p.Values {
		col := name
		if renamed, ok := columns[name]; ok {
			col = renamed
		}
		fields[col] = v.wire()
	}
	return fields
}

// ColumnNames lists the value columns Fields renames, keyed by monitor name.
//
// The timestamp, offline marker and loss columns keep their names. A monitor
// whose name would overwrite one of them is written to the first free
// name+"_N", N counting from 1. Rows with the same monitors and loss columns
// always agree on the renaming.
func (p FormattedPoint) ColumnNames() map[string]string {
	reserved := func(col string) bool {
		if col == FieldCreatedAt || col == FieldOfflineMarker {
			return true
		}
		if !strings.HasSuffix(col, PacketLossSuffix) {
			return false
		}
		_, ok := p.Loss[strings.TrimSuffix(col, PacketLossSuffix)]
		return ok
	}

	var clashes []string
	for name := range p.Values {
		if reserved(name) {
			clashes = append(clashes, name)
		}
	}
	if len(clashes) == 0 {
		return nil
	}
	sort.Strings(clashes)

	renamed := make(map[string]string, len(clashes))
	used := make(map[string]bool, len(clashes))
	for _, name := range clashes {
		for n := 1; ; n++ {
			col := name + "_" + strconv.Itoa(n)
			if _, isValue := p.Values[col]; isValue || used[col] || reserved(col) {
				continue
			}
			renamed[name] = col
			used[col] = true
			break
		}
	}
	return renamed
}

// MarshalJSON encodes the flat column map. encoding/json sorts map keys, so
// equal rows always produce identical bytes.
func (p FormattedPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Fields())
}

// EncodeMsgpack encodes the flat column map with sorted keys.
func (p FormattedPoint) EncodeMsgpack(enc *msgpack.Encoder) error {
	enc.SetSortMapKeys(true)
	return enc.Encode(p.Fields())
}
