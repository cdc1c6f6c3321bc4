package records

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Exporter encodes a decrypted record for download. Document formats beyond JSON
// are provided by external encoders implementing this interface.
type Exporter interface {
	Format() string
	ContentType() string
	Export(rec *Decrypted) ([]byte, error)
}

// JSONExporter writes a record and its payload as a JSON document.
// Payloads that are themselves JSON are embedded; anything else becomes a string.
type JSONExporter struct{}

func (JSONExporter) Format() string      { return "json" }
func (JSONExporter) ContentType() string { return "application/json" }

type jsonExport struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Payload   any       `json:"payload"`
}

func (JSONExporter) Export(rec *Decrypted) ([]byte, error) {
	var payload any = string(rec.Payload)
	if json.Valid(rec.Payload) {
		payload = json.RawMessage(rec.Payload)
	}
	return json.Marshal(jsonExport{
		ID:        rec.ID,
		TenantID:  rec.TenantID,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt,
		Payload:   payload,
	})
}

// RawExporter returns the decrypted payload unchanged. It backs file downloads.
type RawExporter struct{}

func (RawExporter) Format() string                        { return "raw" }
func (RawExporter) ContentType() string                   { return "application/octet-stream" }
func (RawExporter) Export(rec *Decrypted) ([]byte, error) { return rec.Payload, nil }

// Exporters is a registry of exporters by format name
type Exporters map[string]Exporter

// DefaultExporters returns the built-in exporters
func DefaultExporters() Exporters {
	return NewExporters(JSONExporter{}, RawExporter{})
}

// NewExporters builds a registry
func NewExporters(exporters ...Exporter) Exporters {
	r := make(Exporters, len(exporters))
	for _, e := range exporters {
		r[e.Format()] = e
	}
	return r
}

// Get returns the exporter for format
func (r Exporters) Get(format string) (Exporter, error) {
	e, ok := r[format]
	if !ok {
		return nil, fmt.Errorf("unsupported export format %q, expected one of: %s", format, strings.Join(r.Formats(), ", "))
	}
	return e, nil
}

// Formats lists the registered format names
func (r Exporters) Formats() []string {
	out := make([]string, 0, len(r))
	for f := range r {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
