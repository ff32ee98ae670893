package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/portfolio-aggregator/internal/classifier"
	apperrors "github.com/portfolio-aggregator/internal/errors"
	"github.com/portfolio-aggregator/internal/logging"
	"github.com/portfolio-aggregator/internal/models"
	"github.com/portfolio-aggregator/internal/types"
)

const (
	binanceRecvWindow = 5000
	binancePageSize   = 100
	// binanceDividendLimit is the endpoint maximum
	binanceDividendLimit = 500
	// binanceHistoryWindow keeps each history query inside the provider's range limit
	binanceHistoryWindow = 90 * 24 * time.Hour
	// binanceStatusIPBan is returned instead of 429 once an IP is banned
	binanceStatusIPBan = 418
)

// binanceFlexibleRewardTypes are queried one at a time
var binanceFlexibleRewardTypes = []string{"BONUS", "REALTIME", "REWARDS"}

// binanceAuthCodes mean the key, secret or signature was rejected
var binanceAuthCodes = map[string]bool{"-2014": true, "-2015": true, "-1022": true, "-2008": true}

// Raw Binance payloads

type binanceAccount struct {
	AccountType string           `json:"accountType"`
	UID         int64            `json:"uid"`
	Balances    []binanceBalance `json:"balances"`
}

type binanceBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type binanceTicker struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type binancePage[T any] struct {
	Rows  []T `json:"rows"`
	Total int `json:"total"`
}

type binanceFlexiblePosition struct {
	Asset                      string `json:"asset"`
	ProductID                  string `json:"productId"`
	TotalAmount                string `json:"totalAmount"`
	LatestAnnualPercentageRate string `json:"latestAnnualPercentageRate"`
}

type binanceLockedPosition struct {
	PositionID json.Number `json:"positionId"`
	ProjectID  string      `json:"projectId"`
	Asset      string      `json:"asset"`
	Amount     string      `json:"amount"`
	APY        string      `json:"APY"`
	Duration   string      `json:"duration"`
	RedeemDate json.Number `json:"redeemDate"`
}

type binanceFlexibleReward struct {
	Asset     string `json:"asset"`
	Rewards   string `json:"rewards"`
	ProjectID string `json:"projectId"`
	Type      string `json:"type"`
	Time      int64  `json:"time"`
}

type binanceLockedReward struct {
	PositionID json.Number `json:"positionId"`
	Time       int64       `json:"time"`
	Asset      string      `json:"asset"`
	LockPeriod string      `json:"lockPeriod"`
	Amount     string      `json:"amount"`
}

type binanceAssetDividend struct {
	ID      int64  `json:"id"`
	Amount  string `json:"amount"`
	Asset   string `json:"asset"`
	DivTime int64  `json:"divTime"`
	EnInfo  string `json:"enInfo"`
	TranID  int64  `json:"tranId"`
}

// BinanceAdapter implements the exchange signing its query string in insertion order
type BinanceAdapter struct {
	baseURL         string
	fetcher         *Fetcher
	paginator       PagePaginator
	resolver        *PriceResolver
	wrapperPrefixes []string
	classifier      *classifier.Classifier
	logger          *logging.Logger
	clock           Clock
}

// NewBinanceAdapter creates the Binance adapter
func NewBinanceAdapter(cfg AdapterConfig) *BinanceAdapter {
	prefixes := cfg.WrapperPrefixes
	if prefixes == nil {
		prefixes = []string{"LD"}
	}
	return &BinanceAdapter{
		baseURL:         cfg.BaseURL,
		fetcher:         cfg.fetcher(types.ProviderBinance, nil, binanceStatusIPBan),
		paginator:       PagePaginator{PageSize: binancePageSize},
		resolver:        cfg.resolver(),
		wrapperPrefixes: prefixes,
		classifier:      cfg.classifier(),
		logger:          cfg.logger(types.ProviderBinance),
		clock:           cfg.Clock,
	}
}

// ID implements ProviderAdapter
func (a *BinanceAdapter) ID() types.ProviderID { return types.ProviderBinance }

// Health implements ProviderAdapter
func (a *BinanceAdapter) Health() *models.ProviderHealth { return a.fetcher.Health().Health() }

func (a *BinanceAdapter) signedGet(ctx context.Context, creds KeySecretCredentials, path string, params OrderedParams, out interface{}) error {
	signer := BinanceSigner{APIKey: creds.APIKey, Secret: creds.APISecret, RecvWindow: binanceRecvWindow}
	signed, err := signer.Sign(SignRequest{Path: path, Params: params, Timestamp: a.clock.now()})
	if err != nil {
		return apperrors.NewInvalidCredentialsError(types.ProviderBinance, err.Error())
	}
	req, err := signed.HTTPRequest(ctx, a.baseURL)
	if err != nil {
		return err
	}
	if _, err := a.fetcher.DoJSON(ctx, req, out); err != nil {
		if catErr, ok := apperrors.As(err); ok && catErr.Kind == apperrors.KindProviderError {
			if IsAuthStatus(err) || binanceAuthCodes[catErr.ProviderCode] {
				return apperrors.NewInvalidCredentialsError(types.ProviderBinance, catErr.ProviderMessage)
			}
		}
		return err
	}
	return nil
}

// Authenticate validates the key pair by reading the spot account
func (a *BinanceAdapter) Authenticate(ctx context.Context, raw json.RawMessage) (*AuthResult, error) {
	creds, err := decodeKeySecret(raw)
	if err != nil {
		return nil, err
	}

	var account binanceAccount
	if err := a.signedGet(ctx, creds, "/api/v3/account", OrderedParams{}.Add("omitZeroBalances", "true"), &account); err != nil {
		return nil, err
	}

	out, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	accountLabel := account.AccountType
	if account.UID != 0 {
		accountLabel = strconv.FormatInt(account.UID, 10)
	}
	return &AuthResult{Credentials: out, Account: accountLabel}, nil
}

func decodeBinanceSession(s Session) (KeySecretCredentials, error) {
	var creds KeySecretCredentials
	if err := json.Unmarshal(s.Credentials, &creds); err != nil || creds.Validate() != nil {
		return creds, apperrors.NewInvalidCredentialsError(types.ProviderBinance, "stored credentials unreadable")
	}
	return creds, nil
}

// prices loads the public symbol -> price map
func (a *BinanceAdapter) prices(ctx context.Context) (map[string]decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/v3/ticker/price", nil)
	if err != nil {
		return nil, fmt.Errorf("build ticker request: %w", err)
	}
	var tickers []binanceTicker
	if _, err := a.fetcher.DoJSON(ctx, req, &tickers); err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		out[t.Symbol] = ParseDecimal(t.Price)
	}
	return out, nil
}

func collectBinancePages[T any](ctx context.Context, a *BinanceAdapter, creds KeySecretCredentials, path string, base OrderedParams) ([]T, error) {
	return CollectPages(ctx, a.paginator, func(ctx context.Context, page, size int) ([]T, int, error) {
		params := append(OrderedParams{}, base...).
			Add("current", strconv.Itoa(page)).
			Add("size", strconv.Itoa(size))
		var out binancePage[T]
		if err := a.signedGet(ctx, creds, path, params, &out); err != nil {
			return nil, 0, err
		}
		return out.Rows, out.Total, nil
	})
}

// FetchHoldings returns spot balances and Simple Earn positions. Wrapper
// balances such as LDBTC are skipped because the earn position already
// represents them.
func (a *BinanceAdapter) FetchHoldings(ctx context.Context, s Session) ([]models.Holding, error) {
	creds, err := decodeBinanceSession(s)
	if err != nil {
		return nil, err
	}

	var account binanceAccount
	if err := a.signedGet(ctx, creds, "/api/v3/account", OrderedParams{}.Add("omitZeroBalances", "true"), &account); err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}
	prices, err := a.prices(ctx)
	if err != nil {
		return nil, err
	}
	flexible, err := collectBinancePages[binanceFlexiblePosition](ctx, a, creds, "/sapi/v1/simple-earn/flexible/position", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch flexible positions: %w", err)
	}
	locked, err := collectBinancePages[binanceLockedPosition](ctx, a, creds, "/sapi/v1/simple-earn/locked/position", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch locked positions: %w", err)
	}

	holdings := make([]models.Holding, 0, len(account.Balances)+len(flexible)+len(locked))

	for _, b := range account.Balances {
		if HasWrapperPrefix(b.Asset, a.wrapperPrefixes) {
			continue
		}
		qty := ParseDecimal(b.Free).Add(ParseDecimal(b.Locked))
		if !qty.IsPositive() {
			continue
		}
		holdings = append(holdings, a.cryptoHolding(b.Asset, qty, prices, "spot"))
	}

	for _, p := range flexible {
		qty := ParseDecimal(p.TotalAmount)
		if !qty.IsPositive() {
			continue
		}
		h := a.cryptoHolding(p.Asset, qty, prices, "flexible")
		applyRate(&h, ParseDecimal(p.LatestAnnualPercentageRate), types.FrequencyDaily)
		holdings = append(holdings, h)
	}

	for _, p := range locked {
		qty := ParseDecimal(p.Amount)
		if !qty.IsPositive() {
			continue
		}
		h := a.cryptoHolding(p.Asset, qty, prices, "locked", p.PositionID.String())
		applyRate(&h, ParseDecimal(p.APY), types.FrequencyDaily)
		if ms, err := p.RedeemDate.Int64(); err == nil && ms > 0 {
			t := time.UnixMilli(ms).UTC()
			h.NextPaymentDate = &t
		}
		holdings = append(holdings, h)
	}

	return holdings, nil
}

func (a *BinanceAdapter) cryptoHolding(asset string, qty decimal.Decimal, prices map[string]decimal.Decimal, qualifiers ...string) models.Holding {
	asset = strings.ToUpper(asset)
	price, currency := a.resolver.Resolve(asset, prices)
	h := models.NewHolding(types.ProviderBinance, asset, types.AssetCrypto, qty, price, currency)
	h.ID = models.HoldingID(types.ProviderBinance, asset, qualifiers...)
	if a.resolver.IsStablecoin(asset) {
		h.CostBasis = h.MarketValue
	}
	return h
}

// applyRate sets yield fields from a fractional annual rate (0.05 = 5%)
func applyRate(h *models.Holding, rate decimal.Decimal, freq types.PaymentFrequency) {
	if !rate.IsPositive() {
		return
	}
	h.YieldPercent = rate.Mul(decimal.NewFromInt(100))
	h.AnnualIncomeEstimate = h.MarketValue.Mul(rate)
	h.PaymentFrequency = freq
}

// rewardRow is a reward normalized across Binance's reward endpoints
type rewardRow struct {
	id     string
	asset  string
	units  decimal.Decimal
	at     time.Time
	record classifier.Record
}

// FetchIncomeEvents returns trailing-year rewards. Each reward category is
// fetched on its own; a failing category is logged and skipped unless every
// category fails.
func (a *BinanceAdapter) FetchIncomeEvents(ctx context.Context, s Session) ([]models.IncomeEvent, error) {
	creds, err := decodeBinanceSession(s)
	if err != nil {
		return nil, err
	}
	prices, err := a.prices(ctx)
	if err != nil {
		return nil, err
	}

	from, to := trailingYear(a.clock.now())
	windows := timeWindows(from, to, binanceHistoryWindow)

	type category struct {
		name  string
		fetch func(context.Context) ([]rewardRow, error)
	}
	var categories []category
	for _, rewardType := range binanceFlexibleRewardTypes {
		rewardType := rewardType
		categories = append(categories, category{
			name: "flexible:" + rewardType,
			fetch: func(ctx context.Context) ([]rewardRow, error) {
				return a.flexibleRewards(ctx, creds, rewardType, windows)
			},
		})
	}
	categories = append(categories,
		category{name: "locked", fetch: func(ctx context.Context) ([]rewardRow, error) {
			return a.lockedRewards(ctx, creds, windows)
		}},
		category{name: "assetDividend", fetch: func(ctx context.Context) ([]rewardRow, error) {
			return a.assetDividends(ctx, creds, windows)
		}},
	)

	var rows []rewardRow
	var firstErr error
	failed := 0
	for _, c := range categories {
		got, err := c.fetch(ctx)
		if err != nil {
			if apperrors.Is(err, apperrors.KindInvalidCredentials) {
				return nil, err
			}
			failed++
			if firstErr == nil {
				firstErr = err
			}
			a.logger.WithField("category", c.name).WithError(err).Warn("reward category failed, skipping")
			continue
		}
		rows = append(rows, got...)
	}
	if failed == len(categories) {
		return nil, fmt.Errorf("all reward categories failed: %w", firstErr)
	}

	events := make([]models.IncomeEvent, 0, len(rows))
	for _, r := range rows {
		if !r.units.IsPositive() {
			continue
		}
		category, ok := a.classifier.Evaluate(r.record)
		if !ok {
			continue
		}
		price, currency := a.resolver.Resolve(r.asset, prices)
		events = append(events, models.IncomeEvent{
			ID:          r.id,
			Date:        r.at,
			Ticker:      r.asset,
			Amount:      MarketValue(r.units, price),
			Currency:    currency,
			Category:    category,
			Provider:    types.ProviderBinance,
			Broker:      types.ProviderBinance.DisplayName(),
			Description: fmt.Sprintf("%s %s %s", r.units.String(), r.asset, r.record.Text()),
		})
	}
	return events, nil
}

func windowParams(w [2]time.Time) OrderedParams {
	return OrderedParams{}.
		Add("startTime", strconv.FormatInt(w[0].UnixMilli(), 10)).
		Add("endTime", strconv.FormatInt(w[1].UnixMilli(), 10))
}

func (a *BinanceAdapter) flexibleRewards(ctx context.Context, creds KeySecretCredentials, rewardType string, windows [][2]time.Time) ([]rewardRow, error) {
	var out []rewardRow
	for _, w := range windows {
		params := OrderedParams{}.Add("type", rewardType)
		params = append(params, windowParams(w)...)
		rows, err := collectBinancePages[binanceFlexibleReward](ctx, a, creds, "/sapi/v1/simple-earn/flexible/history/rewardsRecord", params)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			at := time.UnixMilli(r.Time).UTC()
			out = append(out, rewardRow{
				id:     eventID(types.ProviderBinance, "flexible", r.Type, r.Asset, strconv.FormatInt(r.Time, 10)),
				asset:  strings.ToUpper(r.Asset),
				units:  ParseDecimal(r.Rewards),
				at:     at,
				record: classifier.Record{Type: r.Type, Description: "Simple Earn flexible reward"},
			})
		}
	}
	return out, nil
}

func (a *BinanceAdapter) lockedRewards(ctx context.Context, creds KeySecretCredentials, windows [][2]time.Time) ([]rewardRow, error) {
	var out []rewardRow
	for _, w := range windows {
		rows, err := collectBinancePages[binanceLockedReward](ctx, a, creds, "/sapi/v1/simple-earn/locked/history/rewardsRecord", windowParams(w))
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, rewardRow{
				id:     eventID(types.ProviderBinance, "locked", r.PositionID.String(), strconv.FormatInt(r.Time, 10)),
				asset:  strings.ToUpper(r.Asset),
				units:  ParseDecimal(r.Amount),
				at:     time.UnixMilli(r.Time).UTC(),
				record: classifier.Record{Description: "Simple Earn locked staking reward"},
			})
		}
	}
	return out, nil
}

// assetDividends walks each window newest first. While a response is
// truncated, endTime moves back to the oldest row seen and the window is
// queried again; the inclusive boundary row is deduplicated by id.
func (a *BinanceAdapter) assetDividends(ctx context.Context, creds KeySecretCredentials, windows [][2]time.Time) ([]rewardRow, error) {
	var out []rewardRow
	seen := make(map[string]struct{})
	for _, w := range windows {
		end := w[1]
		for {
			params := windowParams([2]time.Time{w[0], end}).Add("limit", strconv.Itoa(binanceDividendLimit))
			var page binancePage[binanceAssetDividend]
			if err := a.signedGet(ctx, creds, "/sapi/v1/asset/assetDividend", params, &page); err != nil {
				return nil, err
			}

			oldest := end
			for _, d := range page.Rows {
				at := time.UnixMilli(d.DivTime).UTC()
				if at.Before(oldest) {
					oldest = at
				}
				id := eventID(types.ProviderBinance, "dividend", strconv.FormatInt(d.TranID, 10), strconv.FormatInt(d.ID, 10))
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				out = append(out, rewardRow{
					id:     id,
					asset:  strings.ToUpper(d.Asset),
					units:  ParseDecimal(d.Amount),
					at:     at,
					record: classifier.Record{Description: d.EnInfo},
				})
			}

			if len(page.Rows) < binanceDividendLimit && page.Total <= len(page.Rows) {
				break
			}
			if !oldest.Before(end) || !oldest.After(w[0]) {
				a.logger.WithFields(map[string]interface{}{
					"windowStart": w[0],
					"windowEnd":   end,
					"total":       page.Total,
				}).Warn("asset dividend window cannot be narrowed further, rows may be missing")
				break
			}
			end = oldest
		}
	}
	return out, nil
}

// timeWindows splits [from, to] into consecutive spans no longer than span
func timeWindows(from, to time.Time, span time.Duration) [][2]time.Time {
	var out [][2]time.Time
	for start := from; start.Before(to); start = start.Add(span) {
		end := start.Add(span)
		if end.After(to) {
			end = to
		}
		out = append(out, [2]time.Time{start, end})
	}
	return out
}
