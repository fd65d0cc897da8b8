package normalize

import (
	"fmt"
	"time"

	apperrors "market-gateway/internal/common/errors"
)

// parsePolygon recognizes the aggregate/previous-close envelope: a `results`
// array of bars under a top-level `ticker`, with an explicit `status` field
// that carries provider-reported failures.
func (n *Normalizer) parsePolygon(root interface{}) ([]CanonicalRow, bool, error) {
	m, ok := root.(map[string]interface{})
	if !ok {
		return nil, false, nil
	}

	if status, ok := m["status"].(string); ok {
		if status == "ERROR" || status == "NOT_AUTHORIZED" {
			msg := stringAt(m, "error", "message")
			if msg == "" {
				msg = status
			}
			return nil, true, apperrors.UpstreamShapeError(fmt.Sprintf("polygon: %s", msg))
		}
	}

	results, ok := m["results"]
	if !ok {
		return nil, false, nil
	}
	ticker := stringAt(m, "ticker")

	switch res := results.(type) {
	case []interface{}:
		rows := make([]CanonicalRow, 0, len(res))
		for _, item := range res {
			bar, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			rows = append(rows, n.polygonBar(bar, ticker))
		}
		return rows, true, nil

	case map[string]interface{}:
		return []CanonicalRow{n.polygonBar(res, ticker)}, true, nil

	default:
		return nil, true, apperrors.UpstreamShapeError("polygon: unexpected results shape")
	}
}

func (n *Normalizer) polygonBar(bar map[string]interface{}, ticker string) CanonicalRow {
	symbol := stringAt(bar, "T")
	if symbol == "" {
		symbol = ticker
	}

	row := CanonicalRow{
		Symbol:    symbol,
		Price:     numberAt(bar, "c"),
		Volume:    numberAt(bar, "v"),
		Timestamp: n.now(),
		Fields:    make(map[string]interface{}),
		Metadata: map[string]interface{}{
			"open": bar["o"],
			"high": bar["h"],
			"low":  bar["l"],
			"vwap": bar["vw"],
		},
		Raw: bar,
	}

	// bar timestamps are unix milliseconds
	if ts := numberAt(bar, "t"); ts != nil && *ts > 0 {
		row.Timestamp = time.UnixMilli(int64(*ts)).UTC()
	}
	return row
}
