package normalize

import (
	"fmt"
	"time"

	apperrors "market-gateway/internal/common/errors"
)

// parseFinnhub recognizes the /quote shape: current price `c`, change `d`,
// percent change `dp`, session high/low/open and previous close, plus a unix
// timestamp `t`. The symbol is not part of the payload; the URL back-fill
// supplies it.
func (n *Normalizer) parseFinnhub(root interface{}) ([]CanonicalRow, bool, error) {
	m, ok := root.(map[string]interface{})
	if !ok {
		return nil, false, nil
	}

	if msg, ok := m["error"].(string); ok && msg != "" {
		return nil, true, apperrors.UpstreamShapeError(fmt.Sprintf("finnhub: %s", msg))
	}

	price := numberAt(m, "c")
	if price == nil {
		return nil, false, nil
	}

	row := CanonicalRow{
		Price:         price,
		Change:        numberAt(m, "d"),
		ChangePercent: numberAt(m, "dp"),
		Timestamp:     n.now(),
		Fields:        make(map[string]interface{}),
		Metadata: map[string]interface{}{
			"high":          m["h"],
			"low":           m["l"],
			"open":          m["o"],
			"previousClose": m["pc"],
		},
		Raw: m,
	}

	if ts := numberAt(m, "t"); ts != nil && *ts > 0 {
		row.Timestamp = time.Unix(int64(*ts), 0).UTC()
	}
	return []CanonicalRow{row}, true, nil
}
