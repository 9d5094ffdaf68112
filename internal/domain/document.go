package domain

import (
	"encoding/json"
	"time"
)

// SchemaVersion tags the current document shape.
const SchemaVersion = "psm_v4"

// Meta is the document bookkeeping block.
type Meta struct {
	SchemaVersion string  `json:"schema_version"`
	AsofBarDate   *string `json:"asof_bar_date"`
	LastRunUTC    *string `json:"last_run_utc"`
}

// Document is the whole durable store: one JSON blob per deployment.
// research_rows and research_import_meta belong to the external
// importer and pass through the core untouched.
type Document struct {
	Meta               Meta                       `json:"meta"`
	Global             Settings                   `json:"global"`
	Positions          map[string]*Position       `json:"positions"`
	ResearchRows       []json.RawMessage          `json:"research_rows"`
	ResearchImportMeta map[string]json.RawMessage `json:"research_import_meta"`
}

// NewDocument returns an empty store with defaults filled in.
func NewDocument() *Document {
	return &Document{
		Meta:               Meta{SchemaVersion: SchemaVersion},
		Global:             DefaultSettings(),
		Positions:          map[string]*Position{},
		ResearchRows:       []json.RawMessage{},
		ResearchImportMeta: map[string]json.RawMessage{},
	}
}

// TouchMeta records the run watermark: the highest processed bar date
// and the wall-clock run time, truncated to whole seconds UTC.
func (d *Document) TouchMeta(asofBarDate *string, now time.Time) {
	d.Meta.AsofBarDate = asofBarDate
	stamp := now.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
	d.Meta.LastRunUTC = &stamp
}
