package snapshots

import (
	"encoding/json"
	"time"
)

// TimeLayout is the UTC timestamp format recorded in snapshot descriptions.
const TimeLayout = "2006-01-02T15:04:05"

// Description is the JSON blob written to every snapshot we create. The
// provider does not echo the source volume on cross-region copies, so this
// carries provenance that survives replication.
type Description struct {
	Volume   string `json:"Volume"`
	Region   string `json:"Region"`
	Device   string `json:"Device,omitempty"`
	Instance string `json:"Instance,omitempty"`
	Type     string `json:"Type,omitempty"`
	Time     string `json:"Time"`
}

// Encode renders the description for the provider.
func (d Description) Encode() string {
	b, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	return string(b)
}

// ParseDescription decodes a snapshot description. ok is false for
// snapshots that were not created by this tool.
func ParseDescription(s string) (Description, bool) {
	var d Description
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return Description{}, false
	}
	if d.Volume == "" {
		return Description{}, false
	}
	return d, true
}

// CreatedAt parses the description timestamp. Zero time when absent or
// malformed.
func (d Description) CreatedAt() time.Time {
	t, err := time.Parse(TimeLayout, d.Time)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
