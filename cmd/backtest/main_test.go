package main

import (
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-trader/internal/backtest"
	"github.com/coachpo/meltica-trader/internal/schema"
)

func TestParseDataSpecs(t *testing.T) {
	one := []schema.Instrument{{Symbol: "BTC-USD"}}
	two := []schema.Instrument{{Symbol: "BTC-USD"}, {Symbol: "ETH-USD"}}

	got, err := parseDataSpecs([]string{"data/btc.csv"}, one)
	require.NoError(t, err)
	require.Equal(t, []dataSource{{symbol: "BTC-USD", path: "data/btc.csv"}}, got)

	got, err = parseDataSpecs([]string{" ETH-USD = data/eth.csv ", "", "data/mixed.csv"}, two)
	require.NoError(t, err)
	require.Equal(t, []dataSource{{symbol: "ETH-USD", path: "data/eth.csv"}, {path: "data/mixed.csv"}}, got)

	_, err = parseDataSpecs([]string{"BTC-USD="}, one)
	require.Error(t, err)
	_, err = parseDataSpecs(nil, one)
	require.Error(t, err)
}

func TestWriteReportToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, writeReport(path, backtest.Report{TradeCount: 3}))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got backtest.Report
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, 3, got.TradeCount)
}
