package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// RangePresets are the display-range buckets offered to the chart, in hours.
type RangePresets struct {
	MaxRetentionHours int   `yaml:"maxRetentionHours" json:"maxRetentionHours"`
	Buckets           []int `yaml:"buckets" json:"buckets"`
	Default           int   `yaml:"default" json:"default"`
}

// DefaultPresets returns the built-in buckets.
func DefaultPresets() *RangePresets {
	return &RangePresets{
		MaxRetentionHours: 720,
		Buckets:           []int{1, 6, 24, 72, 168, 720},
		Default:           24,
	}
}

// LoadPresets reads presets from a YAML file. A missing file gives the
// defaults. The result is normalised with Resolve.
func LoadPresets(path string) (*RangePresets, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultPresets().Resolve(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read presets: %w", err)
	}

	var p RangePresets
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse presets: %w", err)
	}
	return p.Resolve(0), nil
}

// Resolve returns a copy with buckets sorted, de-duplicated, positive and
// within retention. maxHours, when positive, further caps the retention.
// The default falls back to the largest remaining bucket no greater than it.
func (p RangePresets) Resolve(maxHours int) *RangePresets {
	retention := p.MaxRetentionHours
	if retention <= 0 {
		retention = DefaultPresets().MaxRetentionHours
	}
	if maxHours > 0 && maxHours < retention {
		retention = maxHours
	}

	seen := make(map[int]struct{})
	buckets := []int{}
	for _, b := range p.Buckets {
		if b < 1 || b > retention {
			continue
		}
		if _, dup := seen[b]; dup {
			continue
		}
		seen[b] = struct{}{}
		buckets = append(buckets, b)
	}
	sort.Ints(buckets)
	if len(buckets) == 0 {
		buckets = []int{retention}
	}

	def := buckets[0]
	for _, b := range buckets {
		if b <= p.Default {
			def = b
		}
	}

	return &RangePresets{MaxRetentionHours: retention, Buckets: buckets, Default: def}
}

// Clip bounds hours to [1, MaxRetentionHours].
func (p *RangePresets) Clip(hours int) int {
	if hours < 1 {
		return 1
	}
	if p.MaxRetentionHours > 0 && hours > p.MaxRetentionHours {
		return p.MaxRetentionHours
	}
	return hours
}
