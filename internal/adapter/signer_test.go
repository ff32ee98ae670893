package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Published example from the Binance signed endpoint documentation
const (
	binanceDocSecret    = "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
	binanceDocSignature = "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"
)

func binanceDocParams() OrderedParams {
	return OrderedParams{}.
		Add("symbol", "LTCBTC").
		Add("side", "BUY").
		Add("type", "LIMIT").
		Add("timeInForce", "GTC").
		Add("quantity", "1").
		Add("price", "0.1")
}

func TestBinanceSigner_DocumentedVector(t *testing.T) {
	signer := BinanceSigner{APIKey: "vmPUZE6mv9SD5VNHk4HlWFsOr6aKE2zvsw0MuIgwCIPy6utIco14y7Ju91duEh8A", Secret: binanceDocSecret, RecvWindow: 5000}

	signed, err := signer.Sign(SignRequest{
		Path:      "/api/v3/order",
		Params:    binanceDocParams(),
		Timestamp: time.UnixMilli(1499827319559),
	})
	require.NoError(t, err)

	assert.Equal(t,
		"symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559&signature="+binanceDocSignature,
		signed.Query)
	assert.Equal(t, signer.APIKey, signed.Header.Get("X-MBX-APIKEY"))
	assert.Equal(t, "GET", signed.Method)
}

func TestBinanceSigner_DoesNotMutateParams(t *testing.T) {
	params := binanceDocParams()
	_, err := BinanceSigner{APIKey: "k", Secret: "s", RecvWindow: 5000}.Sign(SignRequest{Params: params, Timestamp: time.UnixMilli(1)})
	require.NoError(t, err)
	assert.Len(t, params, 6)
}

func TestBinanceSigner_RequiresKeys(t *testing.T) {
	_, err := BinanceSigner{Secret: "s"}.Sign(SignRequest{})
	assert.Error(t, err)
}

func TestBinanceSigner_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("same inputs sign identically", prop.ForAll(
		func(secret, value string, ts int64) bool {
			s := BinanceSigner{APIKey: "key", Secret: secret}
			req := SignRequest{Params: OrderedParams{}.Add("asset", value), Timestamp: time.UnixMilli(ts)}
			a, errA := s.Sign(req)
			b, errB := s.Sign(req)
			return errA == nil && errB == nil && a.Query == b.Query
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.AlphaString(),
		gen.Int64Range(1, 1<<41),
	))

	properties.Property("signature is the last parameter and covers the rest", prop.ForAll(
		func(value string, ts int64) bool {
			s := BinanceSigner{APIKey: "key", Secret: "secret", RecvWindow: 5000}
			signed, err := s.Sign(SignRequest{Params: OrderedParams{}.Add("asset", value), Timestamp: time.UnixMilli(ts)})
			if err != nil {
				return false
			}
			const marker = "&signature="
			i := len(signed.Query) - len(marker) - 64
			if i < 0 || signed.Query[i:i+len(marker)] != marker {
				return false
			}
			return hmacHex("secret", signed.Query[:i]) == signed.Query[i+len(marker):]
		},
		gen.AlphaString(),
		gen.Int64Range(1, 1<<41),
	))

	properties.TestingRun(t)
}

func TestParamString(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]interface{}
		want   string
	}{
		{"empty", map[string]interface{}{}, ""},
		{"sorted keys", map[string]interface{}{"page_size": 200, "page": 1}, "page1page_size200"},
		{"nil value", map[string]interface{}{"currency": nil}, "currencynull"},
		{
			"nested map",
			map[string]interface{}{"instrument_name": "BTC_USD", "nested": map[string]interface{}{"b": "2", "a": nil}},
			"instrument_nameBTC_USDnestedanullb2",
		},
		{"list", map[string]interface{}{"ids": []interface{}{"x", "y", 3}}, "idsxy3"},
		{"bool and float", map[string]interface{}{"flag": true, "qty": 0.25}, "flagtrueqty0.25"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParamString(tt.params))
		})
	}
}

func TestCryptoComSigner_Body(t *testing.T) {
	signer := CryptoComSigner{APIKey: "api-key", Secret: "api-secret"}
	params := map[string]interface{}{"page": 2, "page_size": 200}

	signed, err := signer.Sign(SignRequest{
		Path:      "/private/get-transactions",
		Body:      params,
		ID:        7,
		Timestamp: time.UnixMilli(1700000000000),
	})
	require.NoError(t, err)
	assert.Equal(t, "POST", signed.Method)
	assert.Equal(t, "/private/get-transactions", signed.Path)

	var body struct {
		ID     int64                  `json:"id"`
		Method string                 `json:"method"`
		APIKey string                 `json:"api_key"`
		Params map[string]interface{} `json:"params"`
		Nonce  int64                  `json:"nonce"`
		Sig    string                 `json:"sig"`
	}
	require.NoError(t, json.Unmarshal(signed.Body, &body))

	assert.Equal(t, int64(7), body.ID)
	assert.Equal(t, "private/get-transactions", body.Method)
	assert.Equal(t, int64(1700000000000), body.Nonce)
	want := hmacHex("api-secret", "private/get-transactions7api-keypage2page_size2001700000000000")
	assert.Equal(t, want, body.Sig)
}

func TestCryptoComSigner_RejectsNonMapBody(t *testing.T) {
	_, err := CryptoComSigner{APIKey: "k", Secret: "s"}.Sign(SignRequest{Path: "/x", Body: []string{"a"}})
	assert.Error(t, err)
}

func TestSessionCookieSigner(t *testing.T) {
	signed, err := SessionCookieSigner{SessionID: "ABC123"}.Sign(SignRequest{
		Method: "POST",
		Path:   "/product_search/secure/v5/products/info",
		Params: OrderedParams{}.Add("intAccount", "42"),
		Body:   []string{"1001"},
	})
	require.NoError(t, err)

	assert.Equal(t, "intAccount=42&sessionId=ABC123", signed.Query)
	assert.Equal(t, "JSESSIONID=ABC123", signed.Header.Get("Cookie"))
	assert.JSONEq(t, `["1001"]`, string(signed.Body))

	req, err := signed.HTTPRequest(context.Background(), "https://trader.example/")
	require.NoError(t, err)
	assert.Equal(t, "https://trader.example/product_search/secure/v5/products/info?intAccount=42&sessionId=ABC123", req.URL.String())
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	got, _ := io.ReadAll(req.Body)
	assert.JSONEq(t, `["1001"]`, string(got))

	_, err = SessionCookieSigner{}.Sign(SignRequest{})
	assert.Error(t, err)
}

func TestBasicAuthSigner(t *testing.T) {
	signed, err := BasicAuthSigner{Key: "key", Secret: "secret"}.Sign(SignRequest{Path: "/api/v0/equity/portfolio"})
	require.NoError(t, err)

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("key:secret"))
	assert.Equal(t, want, signed.Header.Get("Authorization"))
	assert.Nil(t, signed.Body)
}
