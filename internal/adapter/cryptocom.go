package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/portfolio-aggregator/internal/classifier"
	apperrors "github.com/portfolio-aggregator/internal/errors"
	"github.com/portfolio-aggregator/internal/logging"
	"github.com/portfolio-aggregator/internal/models"
	"github.com/portfolio-aggregator/internal/types"
)

const cryptoComPageSize = 200

// cryptoComAuthCodes are the envelope codes meaning the key pair was rejected
var cryptoComAuthCodes = map[string]bool{"40101": true, "40102": true, "40103": true, "10002": true, "10003": true}

// cryptoComEnvelope wraps every Exchange v1 response
type cryptoComEnvelope struct {
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type cryptoComData[T any] struct {
	Data []T `json:"data"`
}

type cryptoComBalance struct {
	TotalAvailableBalance string                     `json:"total_available_balance"`
	PositionBalances      []cryptoComPositionBalance `json:"position_balances"`
}

type cryptoComPositionBalance struct {
	InstrumentName string `json:"instrument_name"`
	Quantity       string `json:"quantity"`
	MarketValue    string `json:"market_value"`
	ReservedQty    string `json:"reserved_qty"`
}

type cryptoComTicker struct {
	Instrument string `json:"i"`
	LastPrice  string `json:"a"`
}

type cryptoComTransaction struct {
	JournalID        string      `json:"journal_id"`
	JournalType      string      `json:"journal_type"`
	InstrumentName   string      `json:"instrument_name"`
	TransactionQty   string      `json:"transaction_qty"`
	EventTimestampMs json.Number `json:"event_timestamp_ms"`
	Description      string      `json:"description"`
}

// CryptoComAdapter implements the exchange signing sorted, concatenated params in the body
type CryptoComAdapter struct {
	baseURL    string
	fetcher    *Fetcher
	paginator  PagePaginator
	resolver   *PriceResolver
	classifier *classifier.Classifier
	logger     *logging.Logger
	clock      Clock
	requestID  int64
}

// NewCryptoComAdapter creates the Crypto.com adapter
func NewCryptoComAdapter(cfg AdapterConfig) *CryptoComAdapter {
	return &CryptoComAdapter{
		baseURL:    cfg.BaseURL,
		fetcher:    cfg.fetcher(types.ProviderCryptoCom, nil),
		paginator:  PagePaginator{PageSize: cryptoComPageSize},
		resolver:   cfg.resolver(),
		classifier: cfg.classifier(),
		logger:     cfg.logger(types.ProviderCryptoCom),
		clock:      cfg.Clock,
	}
}

// ID implements ProviderAdapter
func (a *CryptoComAdapter) ID() types.ProviderID { return types.ProviderCryptoCom }

// Health implements ProviderAdapter
func (a *CryptoComAdapter) Health() *models.ProviderHealth { return a.fetcher.Health().Health() }

// call sends a signed JSON-RPC style request and decodes result into out
func (a *CryptoComAdapter) call(ctx context.Context, creds KeySecretCredentials, method string, params map[string]interface{}, out interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	signer := CryptoComSigner{APIKey: creds.APIKey, Secret: creds.APISecret}
	signed, err := signer.Sign(SignRequest{
		Path:      "/" + method,
		Body:      params,
		ID:        atomic.AddInt64(&a.requestID, 1),
		Timestamp: a.clock.now(),
	})
	if err != nil {
		return apperrors.NewInvalidCredentialsError(types.ProviderCryptoCom, err.Error())
	}
	req, err := signed.HTTPRequest(ctx, a.baseURL)
	if err != nil {
		return err
	}

	var env cryptoComEnvelope
	if _, err := a.fetcher.DoJSON(ctx, req, &env); err != nil {
		if catErr, ok := apperrors.As(err); ok && catErr.Kind == apperrors.KindProviderError {
			if IsAuthStatus(err) || cryptoComAuthCodes[catErr.ProviderCode] {
				return apperrors.NewInvalidCredentialsError(types.ProviderCryptoCom, catErr.ProviderMessage)
			}
		}
		return err
	}
	return a.decodeEnvelope(env, out)
}

func (a *CryptoComAdapter) decodeEnvelope(env cryptoComEnvelope, out interface{}) error {
	if env.Code != 0 {
		code := strconv.Itoa(env.Code)
		if cryptoComAuthCodes[code] {
			return apperrors.NewInvalidCredentialsError(types.ProviderCryptoCom, env.Message)
		}
		return apperrors.NewProviderError(types.ProviderCryptoCom, http.StatusOK, code, env.Message)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", env.Method, err)
	}
	return nil
}

// Authenticate validates the key pair by reading the balance
func (a *CryptoComAdapter) Authenticate(ctx context.Context, raw json.RawMessage) (*AuthResult, error) {
	creds, err := decodeKeySecret(raw)
	if err != nil {
		return nil, err
	}
	if _, err := a.balances(ctx, creds); err != nil {
		return nil, err
	}
	out, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	return &AuthResult{Credentials: out, Account: maskKey(creds.APIKey)}, nil
}

// maskKey keeps the last four characters of an API key for display
func maskKey(key string) string {
	if len(key) <= 4 {
		return key
	}
	return strings.Repeat("*", 4) + key[len(key)-4:]
}

func decodeCryptoComSession(s Session) (KeySecretCredentials, error) {
	var creds KeySecretCredentials
	if err := json.Unmarshal(s.Credentials, &creds); err != nil || creds.Validate() != nil {
		return creds, apperrors.NewInvalidCredentialsError(types.ProviderCryptoCom, "stored credentials unreadable")
	}
	return creds, nil
}

func (a *CryptoComAdapter) balances(ctx context.Context, creds KeySecretCredentials) ([]cryptoComPositionBalance, error) {
	var result cryptoComData[cryptoComBalance]
	if err := a.call(ctx, creds, "private/user-balance", nil, &result); err != nil {
		return nil, err
	}
	var out []cryptoComPositionBalance
	for _, b := range result.Data {
		out = append(out, b.PositionBalances...)
	}
	return out, nil
}

// FetchHoldings maps position balances. market_value is already in USD.
func (a *CryptoComAdapter) FetchHoldings(ctx context.Context, s Session) ([]models.Holding, error) {
	creds, err := decodeCryptoComSession(s)
	if err != nil {
		return nil, err
	}
	positions, err := a.balances(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("fetch balances: %w", err)
	}

	holdings := make([]models.Holding, 0, len(positions))
	for _, p := range positions {
		qty := ParseDecimal(p.Quantity)
		if !qty.IsPositive() {
			continue
		}
		asset := strings.ToUpper(p.InstrumentName)
		value := MarketValue(ParseDecimal(p.MarketValue), decimal.NewFromInt(1))
		price := decimal.Zero
		if value.IsPositive() {
			price = value.Div(qty)
		}
		if a.resolver.IsStablecoin(asset) && value.IsZero() {
			price, value = decimal.NewFromInt(1), qty
		}

		h := models.NewHolding(types.ProviderCryptoCom, asset, types.AssetCrypto, qty, price, "USD")
		h.MarketValue = value
		if a.resolver.IsStablecoin(asset) {
			h.CostBasis = value
		}
		holdings = append(holdings, h)
	}
	return holdings, nil
}

// prices loads the public ticker map keyed like BTCUSD
func (a *CryptoComAdapter) prices(ctx context.Context) (map[string]decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(a.baseURL, "/")+"/public/get-tickers", nil)
	if err != nil {
		return nil, fmt.Errorf("build ticker request: %w", err)
	}
	var env cryptoComEnvelope
	if _, err := a.fetcher.DoJSON(ctx, req, &env); err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}
	var result cryptoComData[cryptoComTicker]
	if err := a.decodeEnvelope(env, &result); err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(result.Data))
	for _, t := range result.Data {
		out[strings.ReplaceAll(strings.ToUpper(t.Instrument), "_", "")] = ParseDecimal(t.LastPrice)
	}
	return out, nil
}

// FetchIncomeEvents pages through trailing-year transactions and keeps the
// ones the classifier accepts, valued in USD at the current ticker
func (a *CryptoComAdapter) FetchIncomeEvents(ctx context.Context, s Session) ([]models.IncomeEvent, error) {
	creds, err := decodeCryptoComSession(s)
	if err != nil {
		return nil, err
	}
	prices, err := a.prices(ctx)
	if err != nil {
		return nil, err
	}

	from, to := trailingYear(a.clock.now())
	txs, err := CollectPages(ctx, a.paginator, func(ctx context.Context, page, size int) ([]cryptoComTransaction, int, error) {
		var result cryptoComData[cryptoComTransaction]
		err := a.call(ctx, creds, "private/get-transactions", map[string]interface{}{
			"start_time": from.UnixMilli(),
			"end_time":   to.UnixMilli(),
			"page":       page,
			"page_size":  size,
		}, &result)
		return result.Data, 0, err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch transactions: %w", err)
	}

	events := make([]models.IncomeEvent, 0, len(txs))
	for _, tx := range txs {
		units := ParseDecimal(tx.TransactionQty)
		if !units.IsPositive() {
			continue
		}
		record := classifier.Record{Type: tx.JournalType, Description: tx.Description}
		category, ok := a.classifier.Evaluate(record)
		if !ok {
			continue
		}
		ms, err := tx.EventTimestampMs.Int64()
		if err != nil || ms <= 0 {
			a.logger.WithFields(map[string]interface{}{
				"journalId": tx.JournalID,
				"timestamp": tx.EventTimestampMs.String(),
			}).Warn("skipping transaction with unparseable timestamp")
			continue
		}
		asset := strings.ToUpper(tx.InstrumentName)
		price, currency := a.resolver.Resolve(asset, prices)
		events = append(events, models.IncomeEvent{
			ID:          eventID(types.ProviderCryptoCom, tx.JournalID),
			Date:        time.UnixMilli(ms).UTC(),
			Ticker:      asset,
			Amount:      MarketValue(units, price),
			Currency:    currency,
			Category:    category,
			Provider:    types.ProviderCryptoCom,
			Broker:      types.ProviderCryptoCom.DisplayName(),
			Description: fmt.Sprintf("%s %s %s", units.String(), asset, record.Text()),
		})
	}
	return events, nil
}
