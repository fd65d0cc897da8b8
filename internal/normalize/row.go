// Package normalize turns raw provider payloads into canonical rows the
// dashboard renders. Provider-specific parsers recognize the known payload
// shapes; a generic field-mapping path and an auto-extraction fallback cover
// everything else, and formula-derived fields are computed in a second pass
// over the already-resolved row.
package normalize

import (
	"time"

	"market-gateway/internal/formula"
)

// CanonicalRow is the provider-agnostic record shape. The canonical
// attributes are pointers so "absent" and "zero" stay distinguishable.
// Fields holds every mapped and formula-derived value keyed by widget field
// name; Metadata carries everything else the payload offered.
type CanonicalRow struct {
	Symbol        string                 `json:"symbol,omitempty"`
	Price         *float64               `json:"price,omitempty"`
	Change        *float64               `json:"change,omitempty"`
	ChangePercent *float64               `json:"changePercent,omitempty"`
	Volume        *float64               `json:"volume,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Raw           interface{}            `json:"raw,omitempty"`
}

// FieldMapping maps widget field names to either a path expression into the
// raw payload or a "formula:"-prefixed arithmetic expression over other
// fields of the same row. Supplied by the widget-setup wizard; read-only here.
type FieldMapping map[string]string

// formulaContext assembles the evaluation context for this row's formula
// fields: metadata scalars first, then mapped fields, then the canonical
// attributes, later sources overriding earlier ones on name collisions.
func (r *CanonicalRow) formulaContext() map[string]interface{} {
	ctx := make(map[string]interface{}, len(r.Metadata)+len(r.Fields)+6)

	for k, v := range r.Metadata {
		if isScalar(v) {
			ctx[k] = v
		}
	}
	for k, v := range r.Fields {
		if isScalar(v) {
			ctx[k] = v
		}
	}

	if r.Symbol != "" {
		ctx["symbol"] = r.Symbol
	}
	if r.Price != nil {
		ctx["price"] = *r.Price
	}
	if r.Change != nil {
		ctx["change"] = *r.Change
	}
	if r.ChangePercent != nil {
		ctx["changePercent"] = *r.ChangePercent
	}
	if r.Volume != nil {
		ctx["volume"] = *r.Volume
	}
	return ctx
}

// promote copies a mapped value into the matching canonical attribute when
// the widget field uses a canonical name.
func (r *CanonicalRow) promote(name string, v interface{}) {
	switch name {
	case "symbol":
		if s, ok := v.(string); ok {
			r.Symbol = s
		}
	case "price":
		if n, ok := formula.CoerceNumber(v); ok {
			r.Price = &n
		}
	case "change":
		if n, ok := formula.CoerceNumber(v); ok {
			r.Change = &n
		}
	case "changePercent":
		if n, ok := formula.CoerceNumber(v); ok {
			r.ChangePercent = &n
		}
	case "volume":
		if n, ok := formula.CoerceNumber(v); ok {
			r.Volume = &n
		}
	}
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case nil:
		return false
	case string, float64, float32, int, int64, bool:
		return true
	default:
		return false
	}
}

// numberAt coerces the value under the first present key to a float pointer.
func numberAt(m map[string]interface{}, keys ...string) *float64 {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		if n, ok := formula.CoerceNumber(v); ok {
			return &n
		}
	}
	return nil
}

// stringAt returns the string under the first present key.
func stringAt(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
