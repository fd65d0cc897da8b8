package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "market-gateway/internal/common/errors"
	"market-gateway/internal/provider"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n := New(provider.NewRegistry(nil, provider.WithExtraHosts("data.example.com")), nil)
	n.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return n
}

func TestAlphaVantageGlobalQuote(t *testing.T) {
	payload := []byte(`{"Global Quote": {
		"01. symbol": "IBM",
		"02. open": "150.00",
		"05. price": "152.50",
		"06. volume": "1000000",
		"07. latest trading day": "2025-05-30",
		"08. previous close": "150.00",
		"09. change": "2.50",
		"10. change percent": "1.67%"
	}}`)

	n := newTestNormalizer(t)
	rows, err := n.Normalize("https://www.alphavantage.co/query?function=GLOBAL_QUOTE&symbol=IBM", payload, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "IBM", row.Symbol)
	require.NotNil(t, row.Price)
	assert.Equal(t, 152.5, *row.Price)
	require.NotNil(t, row.Change)
	assert.Equal(t, 2.5, *row.Change)
	require.NotNil(t, row.ChangePercent)
	assert.Equal(t, 1.67, *row.ChangePercent)
	require.NotNil(t, row.Volume)
	assert.Equal(t, 1000000.0, *row.Volume)
	assert.Equal(t, time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC), row.Timestamp)
	assert.Equal(t, "150.00", row.Metadata["previousClose"])
}

func TestAlphaVantageErrorMarkersFailTheCall(t *testing.T) {
	n := newTestNormalizer(t)

	for _, payload := range []string{
		`{"Error Message": "Invalid API call."}`,
		`{"Note": "Thank you for using Alpha Vantage! Our standard API rate limit is 25 requests per day."}`,
		`{"Information": "The demo key is for demo purposes only."}`,
	} {
		_, err := n.Normalize("https://www.alphavantage.co/query", []byte(payload), nil)
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeUpstreamShape))
	}
}

func TestAlphaVantageEmptyQuoteIsAnError(t *testing.T) {
	n := newTestNormalizer(t)
	_, err := n.Normalize("https://www.alphavantage.co/query?symbol=NOPE", []byte(`{"Global Quote": {}}`), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeUpstreamShape))
}

func TestAlphaVantageTimeSeriesNewestFirst(t *testing.T) {
	payload := []byte(`{
		"Meta Data": {"1. Information": "Daily Prices", "2. Symbol": "MSFT"},
		"Time Series (Daily)": {
			"2025-05-28": {"1. open": "1", "2. high": "2", "3. low": "0.5", "4. close": "1.5", "5. volume": "100"},
			"2025-05-30": {"1. open": "3", "2. high": "4", "3. low": "2.5", "4. close": "3.5", "5. volume": "300"},
			"2025-05-29": {"1. open": "2", "2. high": "3", "3. low": "1.5", "4. close": "2.5", "5. volume": "200"}
		}
	}`)

	n := newTestNormalizer(t)
	rows, err := n.Normalize("https://www.alphavantage.co/query?function=TIME_SERIES_DAILY&symbol=MSFT", payload, nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "MSFT", rows[0].Symbol)
	assert.Equal(t, 3.5, *rows[0].Price)
	assert.Equal(t, 2.5, *rows[1].Price)
	assert.Equal(t, 1.5, *rows[2].Price)
	assert.True(t, rows[0].Timestamp.After(rows[1].Timestamp))
	assert.True(t, rows[1].Timestamp.After(rows[2].Timestamp))
}

func TestAlphaVantageTopMovers(t *testing.T) {
	payload := []byte(`{
		"metadata": "Top gainers, losers, and most actively traded US tickers",
		"top_gainers": [{"ticker": "UPUP", "price": "4.2", "change_amount": "2.1", "change_percentage": "100.0%", "volume": "999"}],
		"top_losers": [{"ticker": "DOWN", "price": "1.0", "change_amount": "-1.0", "change_percentage": "-50.0%", "volume": "555"}],
		"most_actively_traded": []
	}`)

	n := newTestNormalizer(t)
	rows, err := n.Normalize("https://www.alphavantage.co/query?function=TOP_GAINERS_LOSERS", payload, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "UPUP", rows[0].Symbol)
	assert.Equal(t, 100.0, *rows[0].ChangePercent)
	assert.Equal(t, "top_gainers", rows[0].Metadata["group"])
	assert.Equal(t, "DOWN", rows[1].Symbol)
	assert.Equal(t, "top_losers", rows[1].Metadata["group"])
}

func TestFinnhubQuoteWithSymbolBackfill(t *testing.T) {
	payload := []byte(`{"c": 189.9, "d": 1.4, "dp": 0.74, "h": 190.5, "l": 187.2, "o": 188.0, "pc": 188.5, "t": 1748606400}`)

	n := newTestNormalizer(t)
	rows, err := n.Normalize("https://finnhub.io/api/v1/quote?symbol=aapl", payload, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "AAPL", row.Symbol, "symbol comes from the URL, uppercased")
	assert.Equal(t, 189.9, *row.Price)
	assert.Equal(t, 1.4, *row.Change)
	assert.Equal(t, 0.74, *row.ChangePercent)
	assert.Equal(t, time.Unix(1748606400, 0).UTC(), row.Timestamp)
	assert.Equal(t, 188.5, row.Metadata["previousClose"])
}

func TestFinnhubErrorPayload(t *testing.T) {
	n := newTestNormalizer(t)
	_, err := n.Normalize("https://finnhub.io/api/v1/quote?symbol=X", []byte(`{"error": "API limit reached."}`), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeUpstreamShape))
}

func TestPolygonAggregates(t *testing.T) {
	payload := []byte(`{
		"ticker": "TSLA",
		"status": "OK",
		"results": [
			{"c": 250.5, "h": 255.0, "l": 248.0, "o": 252.0, "v": 120000000, "vw": 251.3, "t": 1748563200000},
			{"c": 255.0, "h": 256.0, "l": 249.0, "o": 250.5, "v": 98000000, "vw": 253.1, "t": 1748649600000}
		]
	}`)

	n := newTestNormalizer(t)
	rows, err := n.Normalize("https://api.polygon.io/v2/aggs/ticker/TSLA/prev", payload, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "TSLA", rows[0].Symbol)
	assert.Equal(t, 250.5, *rows[0].Price)
	assert.Equal(t, 120000000.0, *rows[0].Volume)
	assert.Equal(t, time.UnixMilli(1748563200000).UTC(), rows[0].Timestamp)
}

func TestPolygonErrorStatus(t *testing.T) {
	n := newTestNormalizer(t)
	_, err := n.Normalize("https://api.polygon.io/v2/aggs", []byte(`{"status": "ERROR", "error": "Unknown API Key"}`), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeUpstreamShape))
}

func TestGenericMappingPath(t *testing.T) {
	payload := []byte(`{"data": {"quotes": [{"last": 42.5, "sym": "XYZ", "vol": 1000}]}}`)
	mapping := FieldMapping{
		"price":  "data.quotes[0].last",
		"symbol": "data.quotes[0].sym",
		"volume": "data.quotes[0].vol",
		"ghost":  "data.quotes[0].missing",
	}

	n := newTestNormalizer(t)
	rows, err := n.Normalize("https://data.example.com/v1/quotes", payload, mapping)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "XYZ", row.Symbol)
	require.NotNil(t, row.Price)
	assert.Equal(t, 42.5, *row.Price)
	assert.Equal(t, 42.5, row.Fields["price"])
	_, present := row.Fields["ghost"]
	assert.False(t, present, "unresolved paths leave the field out without failing the row")
}

func TestAutoExtractionFallback(t *testing.T) {
	payload := []byte(`{"symbol": "ABC", "price": 10.5, "info": {"exchange": "NYSE", "lot": 100}, "tags": ["a", "b"]}`)

	n := newTestNormalizer(t)
	rows, err := n.Normalize("https://data.example.com/v1/misc", payload, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "ABC", row.Symbol)
	assert.Equal(t, 10.5, *row.Price)
	assert.Equal(t, "NYSE", row.Fields["info.exchange"])
	assert.Equal(t, 100.0, row.Fields["info.lot"])
	_, present := row.Fields["tags"]
	assert.False(t, present, "arrays are not scalars")
}

func TestAutoExtractionArrayOfObjects(t *testing.T) {
	payload := []byte(`[{"symbol": "A", "price": 1}, {"symbol": "B", "price": 2}]`)

	n := newTestNormalizer(t)
	rows, err := n.Normalize("https://data.example.com/v1/list", payload, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "A", rows[0].Symbol)
	assert.Equal(t, "B", rows[1].Symbol)
}

func TestFormulaFieldAlwaysPresent(t *testing.T) {
	payload := []byte(`{"price": 100.0}`)
	mapping := FieldMapping{
		"price":  "price",
		"margin": "formula: price - cost",
	}

	n := newTestNormalizer(t)
	rows, err := n.Normalize("https://data.example.com/v1/quotes", payload, mapping)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	v, present := rows[0].Fields["margin"]
	assert.True(t, present, "failed formula fields must still be present")
	assert.Nil(t, v)
}

func TestFormulaUsesResolvedRowContext(t *testing.T) {
	payload := []byte(`{"Global Quote": {
		"01. symbol": "IBM",
		"05. price": "100.00",
		"09. change": "2.00",
		"10. change percent": "2.04%"
	}}`)
	mapping := FieldMapping{"markup": "formula: price * 1.1"}

	n := newTestNormalizer(t)
	rows, err := n.Normalize("https://www.alphavantage.co/query?symbol=IBM", payload, mapping)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 110.0, rows[0].Fields["markup"].(float64), 1e-9)
	assert.InDelta(t, 110.0, rows[0].Metadata["markup"].(float64), 1e-9)
}

func TestNonJSONPayloadIsAShapeError(t *testing.T) {
	n := newTestNormalizer(t)
	_, err := n.Normalize("https://data.example.com/v1", []byte("<html>maintenance</html>"), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeUpstreamShape))
}
