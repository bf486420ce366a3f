package workload

import "dhtlab/transport"

// Record is the synthetic dataset value: a title with a few descriptive
// fields, rich enough to exercise the wire transports' value tagging.
type Record struct {
	Title      string  `json:"title"`
	Language   string  `json:"language"`
	Popularity float64 `json:"popularity"`
	Runtime    float64 `json:"runtime"`
}

// recordTag is the Record's `_type` marker on the wire.
const recordTag = "Record"

// TypeTag implements transport.Tagged.
func (r Record) TypeTag() string { return recordTag }

// TagData implements transport.Tagged.
func (r Record) TagData() map[string]interface{} {
	return map[string]interface{}{
		"title":      r.Title,
		"language":   r.Language,
		"popularity": r.Popularity,
		"runtime":    r.Runtime,
	}
}

func init() {
	transport.RegisterValueType(recordTag, func(data map[string]interface{}) interface{} {
		rec := Record{}
		if v, ok := data["title"].(string); ok {
			rec.Title = v
		}
		if v, ok := data["language"].(string); ok {
			rec.Language = v
		}
		if v, ok := data["popularity"].(float64); ok {
			rec.Popularity = v
		}
		if v, ok := data["runtime"].(float64); ok {
			rec.Runtime = v
		}
		return rec
	})
}
