package normalize

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	apperrors "market-gateway/internal/common/errors"
	"market-gateway/internal/common/logging"
	"market-gateway/internal/formula"
	"market-gateway/internal/pathexpr"
	"market-gateway/internal/provider"
)

const formulaPrefix = "formula:"

// Normalizer converts raw upstream payloads into canonical rows.
type Normalizer struct {
	providers *provider.Registry
	logger    logging.Logger
	now       func() time.Time
}

// New creates a normalizer resolving providers through the given registry.
func New(providers *provider.Registry, logger logging.Logger) *Normalizer {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Normalizer{
		providers: providers,
		logger:    logger,
		now:       time.Now,
	}
}

// Normalize parses rawPayload fetched from sourceURL into canonical rows.
// The provider is inferred from the URL host; its parser runs first, then the
// generic mapping path, then auto-extraction. Formula mapping entries are
// evaluated last against each row's resolved fields. A provider-reported
// error payload fails the whole call since no row can be produced.
func (n *Normalizer) Normalize(sourceURL string, rawPayload []byte, mapping FieldMapping) ([]CanonicalRow, error) {
	var root interface{}
	if err := json.Unmarshal(rawPayload, &root); err != nil {
		return nil, apperrors.UpstreamShapeError("payload is not valid JSON")
	}

	var host string
	var query url.Values
	if u, err := url.Parse(sourceURL); err == nil {
		host = u.Hostname()
		query = u.Query()
	}

	rows, handled, err := n.parseKnownProvider(host, root)
	if err != nil {
		return nil, err
	}

	if !handled {
		if len(mapping) > 0 {
			rows = []CanonicalRow{n.mapRow(root, mapping)}
		} else {
			rows = n.autoExtract(root)
		}
	}

	n.applyFormulas(rows, mapping)
	backfillSymbol(rows, query)
	return rows, nil
}

// parseKnownProvider dispatches to the provider-specific parser for the host.
// handled is false when no parser recognizes the payload shape, in which case
// the generic paths take over.
func (n *Normalizer) parseKnownProvider(host string, root interface{}) (rows []CanonicalRow, handled bool, err error) {
	if n.providers == nil || host == "" {
		return nil, false, nil
	}
	info, ok := n.providers.FromHost(host)
	if !ok {
		return nil, false, nil
	}

	switch info.ID {
	case provider.AlphaVantage:
		return n.parseAlphaVantage(root)
	case provider.Finnhub:
		return n.parseFinnhub(root)
	case provider.Polygon:
		return n.parsePolygon(root)
	default:
		return nil, false, nil
	}
}

// mapRow resolves every non-formula mapping entry against the payload.
// Unresolved paths simply leave the field out; canonical names additionally
// populate the row's canonical attributes.
func (n *Normalizer) mapRow(root interface{}, mapping FieldMapping) CanonicalRow {
	row := CanonicalRow{
		Timestamp: n.now(),
		Fields:    make(map[string]interface{}),
		Metadata:  make(map[string]interface{}),
		Raw:       root,
	}

	for name, expr := range mapping {
		if strings.HasPrefix(expr, formulaPrefix) {
			continue
		}
		v, ok := pathexpr.Resolve(root, expr)
		if !ok {
			n.logger.Debug("Mapping path did not resolve",
				logging.Field{Key: "field", Value: name},
				logging.Field{Key: "path", Value: expr},
			)
			continue
		}
		row.Fields[name] = v
		row.promote(name, v)
	}
	return row
}

// autoExtract surfaces scalar fields as-is when nothing recognized the
// payload and no mapping was supplied. A top-level array of objects yields
// one row per element; nested objects are flattened one level with dotted
// names.
func (n *Normalizer) autoExtract(root interface{}) []CanonicalRow {
	if arr, ok := root.([]interface{}); ok {
		rows := make([]CanonicalRow, 0, len(arr))
		for _, item := range arr {
			if m, ok := item.(map[string]interface{}); ok {
				rows = append(rows, n.scalarRow(m))
			}
		}
		if len(rows) > 0 {
			return rows
		}
	}

	if m, ok := root.(map[string]interface{}); ok {
		return []CanonicalRow{n.scalarRow(m)}
	}

	// scalar or unusable root: keep it inspectable under a single field
	return []CanonicalRow{{
		Timestamp: n.now(),
		Fields:    map[string]interface{}{"value": root},
		Metadata:  make(map[string]interface{}),
		Raw:       root,
	}}
}

func (n *Normalizer) scalarRow(m map[string]interface{}) CanonicalRow {
	row := CanonicalRow{
		Timestamp: n.now(),
		Fields:    make(map[string]interface{}),
		Metadata:  make(map[string]interface{}),
		Raw:       m,
	}
	for k, v := range m {
		if isScalar(v) {
			row.Fields[k] = v
			row.promote(k, v)
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			for nk, nv := range nested {
				if isScalar(nv) {
					row.Fields[k+"."+nk] = nv
				}
			}
		}
	}
	return row
}

// applyFormulas evaluates every "formula:" mapping entry against each row.
// Failures degrade to an explicit null so the field is still present for
// columnar display.
func (n *Normalizer) applyFormulas(rows []CanonicalRow, mapping FieldMapping) {
	for name, expr := range mapping {
		body, ok := strings.CutPrefix(expr, formulaPrefix)
		if !ok {
			continue
		}
		body = strings.TrimSpace(body)

		for i := range rows {
			v, err := formula.Evaluate(body, rows[i].formulaContext())
			if err != nil {
				n.logger.Debug("Formula field degraded to null",
					logging.Field{Key: "field", Value: name},
					logging.NamedError("cause", err),
				)
				rows[i].Fields[name] = nil
				rows[i].Metadata[name] = nil
				continue
			}
			rows[i].Fields[name] = v
			rows[i].Metadata[name] = v
		}
	}
}

// backfillSymbol attaches the URL's query-string symbol to rows that did not
// resolve one from the payload.
func backfillSymbol(rows []CanonicalRow, query url.Values) {
	if query == nil {
		return
	}
	symbol := query.Get("symbol")
	if symbol == "" {
		symbol = query.Get("ticker")
	}
	if symbol == "" {
		return
	}
	for i := range rows {
		if rows[i].Symbol == "" {
			rows[i].Symbol = strings.ToUpper(symbol)
		}
	}
}
