package normalize

import (
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "market-gateway/internal/common/errors"
)

// Alpha Vantage reports errors and throttling inside a 200 body under one of
// these keys.
var alphaVantageErrorKeys = []string{"Error Message", "Note", "Information"}

var moverGroups = []string{"top_gainers", "top_losers", "most_actively_traded"}

// parseAlphaVantage recognizes the three Alpha Vantage payload families: a
// single "Global Quote" object, a keyed time-series map and the top-movers
// lists.
func (n *Normalizer) parseAlphaVantage(root interface{}) ([]CanonicalRow, bool, error) {
	m, ok := root.(map[string]interface{})
	if !ok {
		return nil, false, nil
	}

	for _, key := range alphaVantageErrorKeys {
		if msg, ok := m[key].(string); ok && msg != "" {
			return nil, true, apperrors.UpstreamShapeError(fmt.Sprintf("alpha vantage: %s", msg))
		}
	}

	if quote, ok := m["Global Quote"].(map[string]interface{}); ok {
		row, err := n.alphaVantageQuote(quote)
		if err != nil {
			return nil, true, err
		}
		return []CanonicalRow{row}, true, nil
	}

	for key, v := range m {
		if strings.Contains(key, "Time Series") {
			series, ok := v.(map[string]interface{})
			if !ok {
				return nil, true, apperrors.UpstreamShapeError("alpha vantage: time series is not an object")
			}
			meta, _ := m["Meta Data"].(map[string]interface{})
			return n.alphaVantageSeries(meta, series), true, nil
		}
	}

	if rows, ok := n.alphaVantageMovers(m); ok {
		return rows, true, nil
	}

	return nil, false, nil
}

func (n *Normalizer) alphaVantageQuote(quote map[string]interface{}) (CanonicalRow, error) {
	if len(quote) == 0 {
		// AV answers unknown symbols with an empty Global Quote object
		return CanonicalRow{}, apperrors.UpstreamShapeError("alpha vantage: empty quote")
	}

	row := CanonicalRow{
		Symbol:        stringAt(quote, "01. symbol"),
		Price:         numberAt(quote, "05. price"),
		Change:        numberAt(quote, "09. change"),
		ChangePercent: numberAt(quote, "10. change percent"),
		Volume:        numberAt(quote, "06. volume"),
		Timestamp:     n.now(),
		Fields:        make(map[string]interface{}),
		Metadata: map[string]interface{}{
			"open":          quote["02. open"],
			"high":          quote["03. high"],
			"low":           quote["04. low"],
			"previousClose": quote["08. previous close"],
		},
		Raw: quote,
	}

	if day := stringAt(quote, "07. latest trading day"); day != "" {
		row.Metadata["latestTradingDay"] = day
		if ts, err := time.Parse("2006-01-02", day); err == nil {
			row.Timestamp = ts
		}
	}
	return row, nil
}

// alphaVantageSeries emits one row per bar, newest first.
func (n *Normalizer) alphaVantageSeries(meta, series map[string]interface{}) []CanonicalRow {
	symbol := ""
	if meta != nil {
		symbol = stringAt(meta, "2. Symbol", "1. Symbol")
	}

	stamps := make([]string, 0, len(series))
	for stamp := range series {
		stamps = append(stamps, stamp)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(stamps)))

	rows := make([]CanonicalRow, 0, len(stamps))
	for _, stamp := range stamps {
		bar, ok := series[stamp].(map[string]interface{})
		if !ok {
			continue
		}

		row := CanonicalRow{
			Symbol:    symbol,
			Price:     numberAt(bar, "4. close"),
			Volume:    numberAt(bar, "5. volume", "6. volume"),
			Timestamp: parseBarStamp(stamp, n.now()),
			Fields:    make(map[string]interface{}),
			Metadata: map[string]interface{}{
				"open": bar["1. open"],
				"high": bar["2. high"],
				"low":  bar["3. low"],
				"date": stamp,
			},
			Raw: bar,
		}
		rows = append(rows, row)
	}
	return rows
}

// alphaVantageMovers flattens the gainers/losers/most-active lists into rows
// tagged with their group.
func (n *Normalizer) alphaVantageMovers(m map[string]interface{}) ([]CanonicalRow, bool) {
	var rows []CanonicalRow
	found := false

	for _, group := range moverGroups {
		list, ok := m[group].([]interface{})
		if !ok {
			continue
		}
		found = true

		for _, item := range list {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			rows = append(rows, CanonicalRow{
				Symbol:        stringAt(entry, "ticker"),
				Price:         numberAt(entry, "price"),
				Change:        numberAt(entry, "change_amount"),
				ChangePercent: numberAt(entry, "change_percentage"),
				Volume:        numberAt(entry, "volume"),
				Timestamp:     n.now(),
				Fields:        make(map[string]interface{}),
				Metadata:      map[string]interface{}{"group": group},
				Raw:           entry,
			})
		}
	}
	return rows, found
}

func parseBarStamp(stamp string, fallback time.Time) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, stamp); err == nil {
			return ts
		}
	}
	return fallback
}
