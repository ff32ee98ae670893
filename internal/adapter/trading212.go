package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/portfolio-aggregator/internal/classifier"
	apperrors "github.com/portfolio-aggregator/internal/errors"
	"github.com/portfolio-aggregator/internal/logging"
	"github.com/portfolio-aggregator/internal/models"
	"github.com/portfolio-aggregator/internal/types"
)

const trading212PageLimit = 50

// Trading212Session is sealed into the Connection
type Trading212Session struct {
	KeySecretCredentials
	AccountID    int64  `json:"accountId"`
	CurrencyCode string `json:"currencyCode"`
}

// Raw Trading 212 payloads

type t212AccountInfo struct {
	ID           int64  `json:"id"`
	CurrencyCode string `json:"currencyCode"`
}

type t212Cash struct {
	Free     decimal.Decimal `json:"free"`
	Total    decimal.Decimal `json:"total"`
	Invested decimal.Decimal `json:"invested"`
}

type t212Position struct {
	Ticker       string          `json:"ticker"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	PPL          decimal.Decimal `json:"ppl"`
}

type t212Instrument struct {
	Ticker       string `json:"ticker"`
	Name         string `json:"name"`
	ShortName    string `json:"shortName"`
	ISIN         string `json:"isin"`
	CurrencyCode string `json:"currencyCode"`
	Type         string `json:"type"`
}

type t212Dividend struct {
	Ticker              string          `json:"ticker"`
	Reference           string          `json:"reference"`
	Quantity            decimal.Decimal `json:"quantity"`
	Amount              decimal.Decimal `json:"amount"`
	GrossAmountPerShare decimal.Decimal `json:"grossAmountPerShare"`
	PaidOn              time.Time       `json:"paidOn"`
	Type                string          `json:"type"`
}

type t212Transaction struct {
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	DateTime  time.Time       `json:"dateTime"`
}

type t212Page[T any] struct {
	Items        []T     `json:"items"`
	NextPagePath *string `json:"nextPagePath"`
}

// Trading212Adapter implements the key/secret broker
type Trading212Adapter struct {
	baseURL    string
	fetcher    *Fetcher
	paginator  CursorPaginator
	classifier *classifier.Classifier
	logger     *logging.Logger
}

// NewTrading212Adapter creates the Trading 212 adapter
func NewTrading212Adapter(cfg AdapterConfig) *Trading212Adapter {
	return &Trading212Adapter{
		baseURL:    cfg.BaseURL,
		fetcher:    cfg.fetcher(types.ProviderTrading212, nil),
		paginator:  CursorPaginator{NextPath: "$.nextPagePath"},
		classifier: cfg.classifier(),
		logger:     cfg.logger(types.ProviderTrading212),
	}
}

// ID implements ProviderAdapter
func (a *Trading212Adapter) ID() types.ProviderID { return types.ProviderTrading212 }

// Health implements ProviderAdapter
func (a *Trading212Adapter) Health() *models.ProviderHealth { return a.fetcher.Health().Health() }

func (a *Trading212Adapter) get(ctx context.Context, creds KeySecretCredentials, pathAndQuery string, out interface{}) ([]byte, error) {
	path, query, _ := strings.Cut(pathAndQuery, "?")
	signed, err := BasicAuthSigner{Key: creds.APIKey, Secret: creds.APISecret}.Sign(SignRequest{Path: path})
	if err != nil {
		return nil, apperrors.NewInvalidCredentialsError(types.ProviderTrading212, err.Error())
	}
	signed.Query = query

	req, err := signed.HTTPRequest(ctx, a.baseURL)
	if err != nil {
		return nil, err
	}
	resp, err := a.fetcher.DoJSON(ctx, req, out)
	if err != nil {
		if IsAuthStatus(err) {
			return nil, apperrors.NewInvalidCredentialsError(types.ProviderTrading212, "api key rejected")
		}
		return nil, err
	}
	return resp.Body, nil
}

// Authenticate validates the key pair against the account endpoint
func (a *Trading212Adapter) Authenticate(ctx context.Context, raw json.RawMessage) (*AuthResult, error) {
	creds, err := decodeKeySecret(raw)
	if err != nil {
		return nil, err
	}

	var info t212AccountInfo
	if _, err := a.get(ctx, creds, "/api/v0/equity/account/info", &info); err != nil {
		return nil, err
	}

	sess := Trading212Session{KeySecretCredentials: creds, AccountID: info.ID, CurrencyCode: strings.ToUpper(info.CurrencyCode)}
	out, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return &AuthResult{Credentials: out, Account: strconv.FormatInt(info.ID, 10)}, nil
}

func decodeTrading212Session(s Session) (Trading212Session, error) {
	var sess Trading212Session
	if err := json.Unmarshal(s.Credentials, &sess); err != nil {
		return sess, apperrors.NewInvalidCredentialsError(types.ProviderTrading212, "stored credentials unreadable")
	}
	if err := sess.Validate(); err != nil {
		return sess, apperrors.NewInvalidCredentialsError(types.ProviderTrading212, "stored credentials incomplete")
	}
	if sess.CurrencyCode == "" {
		sess.CurrencyCode = "EUR"
	}
	return sess, nil
}

// FetchHoldings returns open positions plus free cash
func (a *Trading212Adapter) FetchHoldings(ctx context.Context, s Session) ([]models.Holding, error) {
	sess, err := decodeTrading212Session(s)
	if err != nil {
		return nil, err
	}

	var positions []t212Position
	if _, err := a.get(ctx, sess.KeySecretCredentials, "/api/v0/equity/portfolio", &positions); err != nil {
		return nil, fmt.Errorf("fetch portfolio: %w", err)
	}

	instruments := map[string]t212Instrument{}
	if len(positions) > 0 {
		var list []t212Instrument
		if _, err := a.get(ctx, sess.KeySecretCredentials, "/api/v0/equity/metadata/instruments", &list); err != nil {
			return nil, fmt.Errorf("fetch instruments: %w", err)
		}
		for _, inst := range list {
			instruments[inst.Ticker] = inst
		}
	}

	holdings := make([]models.Holding, 0, len(positions)+1)
	for _, p := range positions {
		inst, ok := instruments[p.Ticker]
		currency := sess.CurrencyCode
		name := p.Ticker
		assetType := types.AssetStock
		if ok {
			if inst.CurrencyCode != "" {
				currency = normalizeMinorCurrency(inst.CurrencyCode)
			}
			name = inst.Name
			assetType = trading212AssetType(inst.Type)
		}

		price, avg := p.CurrentPrice, p.AveragePrice
		if inst.CurrencyCode == "GBX" {
			price, avg = price.Div(decimal.NewFromInt(100)), avg.Div(decimal.NewFromInt(100))
		}

		h := models.NewHolding(types.ProviderTrading212, CleanTrading212Ticker(p.Ticker), assetType, p.Quantity, price, currency)
		h.ID = models.HoldingID(types.ProviderTrading212, p.Ticker)
		h.DisplayName = name
		h.ISIN = inst.ISIN
		h.CostBasis = MarketValue(p.Quantity, avg)
		holdings = append(holdings, h)
	}

	var cash t212Cash
	if _, err := a.get(ctx, sess.KeySecretCredentials, "/api/v0/equity/account/cash", &cash); err != nil {
		return nil, fmt.Errorf("fetch cash: %w", err)
	}
	if cash.Free.IsPositive() {
		h := models.NewHolding(types.ProviderTrading212, sess.CurrencyCode, types.AssetCash, cash.Free, decimal.NewFromInt(1), sess.CurrencyCode)
		h.ID = models.HoldingID(types.ProviderTrading212, sess.CurrencyCode, "cash")
		h.CostBasis = cash.Free
		holdings = append(holdings, h)
	}
	return holdings, nil
}

// FetchIncomeEvents returns paid dividends and income-classified transactions
func (a *Trading212Adapter) FetchIncomeEvents(ctx context.Context, s Session) ([]models.IncomeEvent, error) {
	sess, err := decodeTrading212Session(s)
	if err != nil {
		return nil, err
	}

	first := fmt.Sprintf("/api/v0/history/dividends?limit=%d", trading212PageLimit)
	dividends, err := CollectCursor(ctx, a.paginator, first,
		func(ctx context.Context, cursor string) ([]byte, error) {
			return a.get(ctx, sess.KeySecretCredentials, cursor, nil)
		},
		decodeT212Page[t212Dividend],
	)
	if err != nil {
		return nil, fmt.Errorf("fetch dividends: %w", err)
	}

	first = fmt.Sprintf("/api/v0/history/transactions?limit=%d", trading212PageLimit)
	transactions, err := CollectCursor(ctx, a.paginator, first,
		func(ctx context.Context, cursor string) ([]byte, error) {
			return a.get(ctx, sess.KeySecretCredentials, cursor, nil)
		},
		decodeT212Page[t212Transaction],
	)
	if err != nil {
		return nil, fmt.Errorf("fetch transactions: %w", err)
	}

	events := make([]models.IncomeEvent, 0, len(dividends))
	for _, d := range dividends {
		if !d.Amount.IsPositive() {
			continue
		}
		category, ok := a.classifier.Evaluate(classifier.Record{Type: "dividend", Description: d.Type})
		if !ok {
			continue
		}
		events = append(events, models.IncomeEvent{
			ID:          eventID(types.ProviderTrading212, "dividend", d.Reference),
			Date:        d.PaidOn,
			Ticker:      CleanTrading212Ticker(d.Ticker),
			Amount:      d.Amount,
			Currency:    sess.CurrencyCode,
			Category:    category,
			Provider:    types.ProviderTrading212,
			Broker:      types.ProviderTrading212.DisplayName(),
			Description: d.Type,
		})
	}

	for _, t := range transactions {
		if !t.Amount.IsPositive() {
			continue
		}
		category, ok := a.classifier.Evaluate(classifier.Record{Type: t.Type})
		if !ok {
			continue
		}
		events = append(events, models.IncomeEvent{
			ID:          eventID(types.ProviderTrading212, "transaction", t.Reference),
			Date:        t.DateTime,
			Ticker:      sess.CurrencyCode,
			Amount:      t.Amount,
			Currency:    sess.CurrencyCode,
			Category:    category,
			Provider:    types.ProviderTrading212,
			Broker:      types.ProviderTrading212.DisplayName(),
			Description: t.Type,
		})
	}
	return events, nil
}

func decodeT212Page[T any](body []byte) ([]T, error) {
	var page t212Page[T]
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, apperrors.NewProviderError(types.ProviderTrading212, http.StatusOK, "", fmt.Sprintf("malformed page: %v", err))
	}
	return page.Items, nil
}

// CleanTrading212Ticker strips the exchange suffix: AAPL_US_EQ -> AAPL, VUSAl_EQ -> VUSA
func CleanTrading212Ticker(t string) string {
	t = strings.TrimSuffix(t, "_EQ")
	if i := strings.LastIndex(t, "_"); i > 0 && len(t)-i-1 == 2 {
		t = t[:i]
	}
	return strings.TrimRightFunc(t, unicode.IsLower)
}

func trading212AssetType(t string) types.AssetType {
	switch strings.ToUpper(t) {
	case "ETF":
		return types.AssetETF
	case "STOCK":
		return types.AssetStock
	default:
		return types.AssetOther
	}
}

// normalizeMinorCurrency maps pence quotes to their major currency
func normalizeMinorCurrency(code string) string {
	if strings.ToUpper(code) == "GBX" {
		return "GBP"
	}
	return strings.ToUpper(code)
}
