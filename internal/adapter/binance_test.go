package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/portfolio-aggregator/internal/errors"
	"github.com/portfolio-aggregator/internal/types"
)

func newBinanceTest(t *testing.T, mux *http.ServeMux) *BinanceAdapter {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewBinanceAdapter(AdapterConfig{BaseURL: srv.URL, HTTPClient: srv.Client(), Clock: fixedClock})
}

// signedBinance rejects requests whose signature does not cover the query as sent
func signedBinance(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query, sig, ok := strings.Cut(r.URL.RawQuery, "&signature=")
		if !ok || r.Header.Get("X-MBX-APIKEY") != "key" || hmacHex("secret", query) != sig {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`))
			return
		}
		next(w, r)
	}
}

func binanceSession() Session {
	raw, _ := json.Marshal(KeySecretCredentials{APIKey: "key", APISecret: "secret"})
	return Session{UserID: "u1", Provider: types.ProviderBinance, Credentials: raw}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// inWindow reports whether ms falls inside the request's [startTime, endTime)
func inWindow(r *http.Request, ms int64) bool {
	start, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
	end, _ := strconv.ParseInt(r.URL.Query().Get("endTime"), 10, 64)
	return ms >= start && ms < end
}

func binanceMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/account", signedBinance(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accountType":"SPOT","uid":424242,"balances":[
			{"asset":"BTC","free":"0.5","locked":"0.1"},
			{"asset":"LDBTC","free":"1","locked":"0"},
			{"asset":"USDT","free":"100","locked":"0"},
			{"asset":"LDO","free":"10","locked":"0"},
			{"asset":"DUST","free":"0","locked":"0"}
		]}`))
	}))
	mux.HandleFunc("/api/v3/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"BTCUSDT","price":"60000"},{"symbol":"ETHUSDT","price":"3000"},{"symbol":"LDOUSDT","price":"2"}]`))
	})
	mux.HandleFunc("/sapi/v1/simple-earn/flexible/position", signedBinance(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rows":[{"asset":"BTC","productId":"BTC001","totalAmount":"1","latestAnnualPercentageRate":"0.05"}],"total":1}`))
	}))
	mux.HandleFunc("/sapi/v1/simple-earn/locked/position", signedBinance(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rows":[{"positionId":12,"projectId":"ETH*60","asset":"ETH","amount":"2","APY":"0.1","duration":"60","redeemDate":"1790000000000"}],"total":1}`))
	}))
	mux.HandleFunc("/sapi/v1/simple-earn/flexible/history/rewardsRecord", signedBinance(func(w http.ResponseWriter, r *http.Request) {
		rows := []binanceFlexibleReward{}
		const at = int64(1775000000000)
		if r.URL.Query().Get("type") == "REALTIME" && inWindow(r, at) {
			rows = append(rows, binanceFlexibleReward{Asset: "BTC", Rewards: "0.0001", ProjectID: "BTC001", Type: "REALTIME", Time: at})
		}
		writeJSON(w, binancePage[binanceFlexibleReward]{Rows: rows, Total: len(rows)})
	}))
	mux.HandleFunc("/sapi/v1/simple-earn/locked/history/rewardsRecord", signedBinance(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":-1000,"msg":"An unknown error occurred while processing the request."}`))
	}))
	mux.HandleFunc("/sapi/v1/asset/assetDividend", signedBinance(func(w http.ResponseWriter, r *http.Request) {
		rows := []binanceAssetDividend{}
		for _, d := range []binanceAssetDividend{
			{ID: 1, Amount: "0.5", Asset: "LDO", DivTime: 1770000000000, EnInfo: "Launchpool", TranID: 99},
			{ID: 2, Amount: "100", Asset: "USDT", DivTime: 1771000000000, EnInfo: "Flexible Redemption", TranID: 100},
		} {
			if inWindow(r, d.DivTime) {
				rows = append(rows, d)
			}
		}
		writeJSON(w, binancePage[binanceAssetDividend]{Rows: rows, Total: len(rows)})
	}))
	return mux
}

func TestBinanceAuthenticate(t *testing.T) {
	a := newBinanceTest(t, binanceMux())

	res, err := a.Authenticate(context.Background(), json.RawMessage(`{"apiKey":"key","apiSecret":"secret"}`))
	require.NoError(t, err)
	assert.Equal(t, "424242", res.Account)

	_, err = a.Authenticate(context.Background(), json.RawMessage(`{"apiKey":"key","apiSecret":"nope"}`))
	assert.Equal(t, apperrors.KindInvalidCredentials, apperrors.KindOf(err))
}

func TestBinanceAuthenticate_SignatureCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/account", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1022,"msg":"Signature for this request is not valid."}`))
	})
	a := newBinanceTest(t, mux)

	_, err := a.Authenticate(context.Background(), json.RawMessage(`{"apiKey":"key","apiSecret":"secret"}`))
	assert.Equal(t, apperrors.KindInvalidCredentials, apperrors.KindOf(err))
}

func TestBinanceFetchHoldings(t *testing.T) {
	a := newBinanceTest(t, binanceMux())

	holdings, err := a.FetchHoldings(context.Background(), binanceSession())
	require.NoError(t, err)
	require.Len(t, holdings, 5)

	byID := map[string]int{}
	for i, h := range holdings {
		byID[h.ID] = i
		assert.Equal(t, types.AssetCrypto, h.AssetType)
		assert.Equal(t, "USD", h.Currency)
	}
	assert.NotContains(t, byID, "binance:LDBTC:spot")
	assert.NotContains(t, byID, "binance:DUST:spot")

	btc := holdings[byID["binance:BTC:spot"]]
	assert.True(t, decimal.NewFromInt(36000).Equal(btc.MarketValue), btc.MarketValue.String())

	usdt := holdings[byID["binance:USDT:spot"]]
	assert.True(t, decimal.NewFromInt(100).Equal(usdt.MarketValue))
	assert.True(t, decimal.NewFromInt(100).Equal(usdt.CostBasis))

	ldo := holdings[byID["binance:LDO:spot"]]
	assert.True(t, decimal.NewFromInt(20).Equal(ldo.MarketValue))

	flexible := holdings[byID["binance:BTC:flexible"]]
	assert.True(t, decimal.NewFromInt(60000).Equal(flexible.MarketValue))
	assert.True(t, decimal.NewFromInt(3000).Equal(flexible.AnnualIncomeEstimate))
	assert.True(t, decimal.NewFromInt(5).Equal(flexible.YieldPercent))

	locked := holdings[byID["binance:ETH:locked:12"]]
	assert.True(t, decimal.NewFromInt(6000).Equal(locked.MarketValue))
	assert.True(t, decimal.NewFromInt(600).Equal(locked.AnnualIncomeEstimate))
	require.NotNil(t, locked.NextPaymentDate)
	assert.Equal(t, int64(1790000000000), locked.NextPaymentDate.UnixMilli())
}

func TestBinanceFetchHoldings_EarnFailureFailsCall(t *testing.T) {
	mux := binanceMux()
	failing := http.NewServeMux()
	failing.HandleFunc("/sapi/v1/simple-earn/locked/position", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(418)
	})
	failing.Handle("/", mux)
	a := newBinanceTest(t, failing)

	holdings, err := a.FetchHoldings(context.Background(), binanceSession())
	assert.Nil(t, holdings)
	catErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindRateLimited, catErr.Kind)
	assert.Equal(t, 60, catErr.RetryAfter)
}

func TestBinanceFetchIncomeEvents_IsolatesCategories(t *testing.T) {
	a := newBinanceTest(t, binanceMux())

	events, err := a.FetchIncomeEvents(context.Background(), binanceSession())
	require.NoError(t, err)
	require.Len(t, events, 2)

	byTicker := map[string]int{}
	for i, e := range events {
		byTicker[e.Ticker] = i
		assert.Equal(t, "USD", e.Currency)
		assert.Equal(t, "Binance", e.Broker)
	}

	btc := events[byTicker["BTC"]]
	assert.Equal(t, types.CategoryYield, btc.Category)
	assert.True(t, decimal.NewFromInt(6).Equal(btc.Amount), btc.Amount.String())
	assert.Equal(t, time.UnixMilli(1775000000000).UTC(), btc.Date)

	ldo := events[byTicker["LDO"]]
	assert.Equal(t, types.CategoryYield, ldo.Category)
	assert.True(t, decimal.NewFromInt(1).Equal(ldo.Amount))
	assert.Equal(t, "binance:dividend:99:1", ldo.ID)
}

func TestBinanceFetchIncomeEvents_AllCategoriesFail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/sapi/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	a := newBinanceTest(t, mux)

	_, err := a.FetchIncomeEvents(context.Background(), binanceSession())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindProviderError, apperrors.KindOf(err))
}

func TestTimeWindows(t *testing.T) {
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(1, 0, 0)

	windows := timeWindows(from, to, 90*24*time.Hour)
	require.Len(t, windows, 5)
	assert.Equal(t, from, windows[0][0])
	assert.Equal(t, to, windows[4][1])
	for i := 1; i < len(windows); i++ {
		assert.Equal(t, windows[i-1][1], windows[i][0], fmt.Sprintf("window %d", i))
	}
	assert.Empty(t, timeWindows(to, from, time.Hour))
}

func TestBinanceAssetDividends_DrainsTruncatedWindow(t *testing.T) {
	window := [2]time.Time{fixedNow.Add(-90 * 24 * time.Hour), fixedNow}
	base := fixedNow.Add(-30 * 24 * time.Hour).UnixMilli()

	// newest first, one minute apart
	const n = 700
	all := make([]binanceAssetDividend, n)
	for i := range all {
		all[i] = binanceAssetDividend{
			ID:      int64(n - i),
			Amount:  "0.01",
			Asset:   "BNB",
			DivTime: base + int64(n-i)*int64(time.Minute/time.Millisecond),
			EnInfo:  "BNB Vault",
			TranID:  int64(5000 + n - i),
		}
	}

	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/sapi/v1/asset/assetDividend", signedBinance(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		q := r.URL.Query()
		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))

		var match []binanceAssetDividend
		for _, d := range all {
			if d.DivTime >= start && d.DivTime <= end {
				match = append(match, d)
			}
		}
		rows := match
		if len(rows) > limit {
			rows = rows[:limit]
		}
		writeJSON(w, binancePage[binanceAssetDividend]{Rows: rows, Total: len(match)})
	}))
	a := newBinanceTest(t, mux)

	rows, err := a.assetDividends(context.Background(), KeySecretCredentials{APIKey: "key", APISecret: "secret"}, [][2]time.Time{window})
	require.NoError(t, err)
	assert.Len(t, rows, n)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	ids := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		ids[r.id] = struct{}{}
	}
	assert.Len(t, ids, n)
}

func TestBinanceAssetDividends_StopsWhenWindowCannotNarrow(t *testing.T) {
	at := fixedNow.Add(-time.Hour).UnixMilli()
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/sapi/v1/asset/assetDividend", signedBinance(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		rows := make([]binanceAssetDividend, binanceDividendLimit)
		for i := range rows {
			rows[i] = binanceAssetDividend{ID: int64(i), Amount: "1", Asset: "BNB", DivTime: at, TranID: int64(i)}
		}
		writeJSON(w, binancePage[binanceAssetDividend]{Rows: rows, Total: binanceDividendLimit + 10})
	}))
	a := newBinanceTest(t, mux)

	window := [2]time.Time{fixedNow.Add(-24 * time.Hour), fixedNow}
	rows, err := a.assetDividends(context.Background(), KeySecretCredentials{APIKey: "key", APISecret: "secret"}, [][2]time.Time{window})
	require.NoError(t, err)
	assert.Len(t, rows, binanceDividendLimit)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
