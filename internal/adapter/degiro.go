package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
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

// DEGIRO login status codes
const (
	degiroStatusOK             = 0
	degiroStatusBadCredentials = 3
	degiroStatusTOTPRequired   = 6
)

const degiroDateFormat = "02/01/2006"

// DegiroCredentials are what the user submits to connect
type DegiroCredentials struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	OneTimePassword string `json:"oneTimePassword,omitempty"`
}

// DegiroSession is what gets sealed into the Connection. The password is
// never stored.
type DegiroSession struct {
	SessionID  string `json:"sessionId"`
	IntAccount int64  `json:"intAccount"`
	ClientID   int64  `json:"clientId,omitempty"`
}

// Raw DEGIRO payloads

type degiroLoginRequest struct {
	Username           string            `json:"username"`
	Password           string            `json:"password"`
	OneTimePassword    string            `json:"oneTimePassword,omitempty"`
	IsPassCodeReset    bool              `json:"isPassCodeReset"`
	IsRedirectToMobile bool              `json:"isRedirectToMobile"`
	QueryParams        map[string]string `json:"queryParams"`
}

type degiroLoginResponse struct {
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
	SessionID  string `json:"sessionId"`
}

type degiroClientResponse struct {
	Data struct {
		ID         int64  `json:"id"`
		IntAccount int64  `json:"intAccount"`
		Username   string `json:"username"`
	} `json:"data"`
}

type degiroUpdateResponse struct {
	Portfolio struct {
		Value []degiroPositionRow `json:"value"`
	} `json:"portfolio"`
}

type degiroPositionRow struct {
	ID    string        `json:"id"`
	Name  string        `json:"name"`
	Value []degiroField `json:"value"`
}

type degiroField struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type degiroProductInfoResponse struct {
	Data map[string]degiroProduct `json:"data"`
}

type degiroProduct struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ISIN        string `json:"isin"`
	Symbol      string `json:"symbol"`
	Currency    string `json:"currency"`
	ProductType string `json:"productType"`
}

type degiroAccountOverview struct {
	Data struct {
		CashMovements []degiroCashMovement `json:"cashMovements"`
	} `json:"data"`
}

type degiroCashMovement struct {
	ID          int64           `json:"id"`
	Date        string          `json:"date"`
	ProductID   int64           `json:"productId"`
	Description string          `json:"description"`
	Currency    string          `json:"currency"`
	Change      decimal.Decimal `json:"change"`
	Type        string          `json:"type"`
}

// fields indexes a position row by field name
func (r degiroPositionRow) fields() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(r.Value))
	for _, f := range r.Value {
		out[f.Name] = f.Value
	}
	return out
}

func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(bytes.TrimSpace(raw)), `"`)
}

func rawDecimal(raw json.RawMessage) decimal.Decimal {
	if len(raw) == 0 {
		return decimal.Zero
	}
	return ParseDecimal(rawString(raw))
}

// DegiroAdapter implements the session-cookie broker
type DegiroAdapter struct {
	baseURL    string
	fetcher    *Fetcher
	classifier *classifier.Classifier
	logger     *logging.Logger
	clock      Clock
}

// NewDegiroAdapter creates the DEGIRO adapter
func NewDegiroAdapter(cfg AdapterConfig) *DegiroAdapter {
	return &DegiroAdapter{
		baseURL:    cfg.BaseURL,
		fetcher:    cfg.fetcher(types.ProviderDegiro, degiroInspect),
		classifier: cfg.classifier(),
		logger:     cfg.logger(types.ProviderDegiro),
		clock:      cfg.Clock,
	}
}

// degiroInspect turns anti-automation challenge pages into a distinct error
// so callers can offer the manual session flow
func degiroInspect(resp *Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return nil
	}
	if SniffHTML(resp.Header.Get("Content-Type"), resp.Body) {
		return apperrors.NewProviderUnavailableError(types.ProviderDegiro, apperrors.ReasonAutomatedAccessBlocked)
	}
	return nil
}

// ID implements ProviderAdapter
func (a *DegiroAdapter) ID() types.ProviderID { return types.ProviderDegiro }

// Health implements ProviderAdapter
func (a *DegiroAdapter) Health() *models.ProviderHealth { return a.fetcher.Health().Health() }

// Authenticate logs in with username and password, using the one-time
// password when the account has two-factor enabled
func (a *DegiroAdapter) Authenticate(ctx context.Context, raw json.RawMessage) (*AuthResult, error) {
	var creds DegiroCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, apperrors.NewValidationError("credentials", "must be a JSON object")
	}
	if strings.TrimSpace(creds.Username) == "" {
		return nil, apperrors.NewValidationError("username", "is required")
	}
	if creds.Password == "" {
		return nil, apperrors.NewValidationError("password", "is required")
	}

	body := degiroLoginRequest{
		Username:    creds.Username,
		Password:    creds.Password,
		QueryParams: map[string]string{},
	}

	// Some deployments reject the first step with HTTP 400 and status 6
	login, err := a.login(ctx, "/login/secure/login", body)
	needsTOTP := apperrors.Is(err, apperrors.KindSecondFactorRequired)
	if err != nil && !needsTOTP {
		return nil, err
	}
	if needsTOTP || login.Status == degiroStatusTOTPRequired {
		if creds.OneTimePassword == "" {
			return nil, apperrors.NewSecondFactorRequiredError(types.ProviderDegiro)
		}
		body.OneTimePassword = creds.OneTimePassword
		if login, err = a.login(ctx, "/login/secure/login/totp", body); err != nil {
			return nil, err
		}
	}

	switch login.Status {
	case degiroStatusOK:
	case degiroStatusBadCredentials:
		return nil, apperrors.NewInvalidCredentialsError(types.ProviderDegiro, "")
	case degiroStatusTOTPRequired:
		return nil, apperrors.NewInvalidCredentialsError(types.ProviderDegiro, "one-time password rejected")
	default:
		return nil, apperrors.NewProviderUnavailableError(types.ProviderDegiro, login.StatusText)
	}
	if login.SessionID == "" {
		return nil, apperrors.NewProviderError(types.ProviderDegiro, http.StatusOK, "", "login succeeded without a session id")
	}

	return a.establish(ctx, login.SessionID)
}

// AuthenticateWithSession validates a session id copied from a browser
func (a *DegiroAdapter) AuthenticateWithSession(ctx context.Context, sessionToken string) (*AuthResult, error) {
	sessionToken = strings.TrimSpace(sessionToken)
	if sessionToken == "" {
		return nil, apperrors.NewValidationError("sessionToken", "is required")
	}
	return a.establish(ctx, sessionToken)
}

func (a *DegiroAdapter) login(ctx context.Context, path string, body degiroLoginRequest) (*degiroLoginResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.fetcher.Do(ctx, req)
	if err != nil {
		return nil, a.mapLoginError(err)
	}

	var out degiroLoginResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, apperrors.NewProviderError(types.ProviderDegiro, resp.StatusCode, "", "malformed login response")
	}
	if out.SessionID == "" {
		out.SessionID = sessionCookie(resp.Header)
	}
	return &out, nil
}

// mapLoginError reads the login status from rejected logins
func (a *DegiroAdapter) mapLoginError(err error) error {
	catErr, ok := apperrors.As(err)
	if !ok || catErr.Kind != apperrors.KindProviderError {
		return err
	}
	switch catErr.ProviderCode {
	case strconv.Itoa(degiroStatusBadCredentials):
		return apperrors.NewInvalidCredentialsError(types.ProviderDegiro, "")
	case strconv.Itoa(degiroStatusTOTPRequired):
		return apperrors.NewSecondFactorRequiredError(types.ProviderDegiro)
	}
	if catErr.HTTPStatus == http.StatusUnauthorized || catErr.HTTPStatus == http.StatusBadRequest {
		return apperrors.NewInvalidCredentialsError(types.ProviderDegiro, catErr.ProviderMessage)
	}
	return err
}

func sessionCookie(h http.Header) string {
	for _, c := range (&http.Response{Header: h}).Cookies() {
		if c.Name == "JSESSIONID" {
			return c.Value
		}
	}
	return ""
}

// establish resolves the account behind a session id
func (a *DegiroAdapter) establish(ctx context.Context, sessionID string) (*AuthResult, error) {
	var client degiroClientResponse
	if err := a.get(ctx, sessionID, SignRequest{Path: "/pa/secure/client"}, &client); err != nil {
		if apperrors.Is(err, apperrors.KindSessionExpired) {
			return nil, apperrors.NewInvalidCredentialsError(types.ProviderDegiro, "session token rejected")
		}
		return nil, err
	}
	if client.Data.IntAccount == 0 {
		return nil, apperrors.NewProviderError(types.ProviderDegiro, http.StatusOK, "", "client response has no intAccount")
	}

	sess := DegiroSession{
		SessionID:  sessionID,
		IntAccount: client.Data.IntAccount,
		ClientID:   client.Data.ID,
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return &AuthResult{
		Credentials: raw,
		Account:     strconv.FormatInt(sess.IntAccount, 10),
	}, nil
}

// get signs with the session cookie and decodes the response. 401 and 403
// mean the session is no longer accepted.
func (a *DegiroAdapter) get(ctx context.Context, sessionID string, sr SignRequest, out interface{}) error {
	signed, err := SessionCookieSigner{SessionID: sessionID}.Sign(sr)
	if err != nil {
		return apperrors.NewSessionExpiredError(types.ProviderDegiro)
	}
	req, err := signed.HTTPRequest(ctx, a.baseURL)
	if err != nil {
		return err
	}
	if _, err := a.fetcher.DoJSON(ctx, req, out); err != nil {
		if IsAuthStatus(err) {
			return apperrors.NewSessionExpiredError(types.ProviderDegiro)
		}
		return err
	}
	return nil
}

func decodeDegiroSession(s Session) (DegiroSession, error) {
	var sess DegiroSession
	if err := json.Unmarshal(s.Credentials, &sess); err != nil || sess.SessionID == "" || sess.IntAccount == 0 {
		return sess, apperrors.NewSessionExpiredError(types.ProviderDegiro)
	}
	return sess, nil
}

// FetchHoldings returns product and cash positions
func (a *DegiroAdapter) FetchHoldings(ctx context.Context, s Session) ([]models.Holding, error) {
	sess, err := decodeDegiroSession(s)
	if err != nil {
		return nil, err
	}

	var update degiroUpdateResponse
	sr := SignRequest{
		Path:   fmt.Sprintf("/trading/secure/v5/update/%d;jsessionid=%s", sess.IntAccount, sess.SessionID),
		Params: OrderedParams{}.Add("portfolio", "0"),
	}
	if err := a.get(ctx, sess.SessionID, sr, &update); err != nil {
		return nil, fmt.Errorf("fetch portfolio: %w", err)
	}

	type position struct {
		id        string
		size      decimal.Decimal
		price     decimal.Decimal
		breakEven decimal.Decimal
	}
	var positions []position
	var cash []models.Holding

	for _, row := range update.Portfolio.Value {
		f := row.fields()
		id := rawString(f["id"])
		if id == "" {
			id = row.ID
		}
		size := rawDecimal(f["size"])

		switch rawString(f["positionType"]) {
		case "CASH":
			amount := rawDecimal(f["value"])
			if !amount.IsPositive() {
				continue
			}
			ccy := id
			if i := strings.LastIndex(id, "_"); i >= 0 {
				ccy = id[i+1:]
			}
			if len(ccy) != 3 {
				continue
			}
			h := models.NewHolding(types.ProviderDegiro, ccy, types.AssetCash, amount, decimal.NewFromInt(1), ccy)
			h.ID = models.HoldingID(types.ProviderDegiro, id, "cash")
			h.CostBasis = amount
			cash = append(cash, h)
		default:
			if size.IsZero() {
				continue
			}
			positions = append(positions, position{
				id:        id,
				size:      size,
				price:     rawDecimal(f["price"]),
				breakEven: rawDecimal(f["breakEvenPrice"]),
			})
		}
	}

	ids := make([]string, len(positions))
	for i, p := range positions {
		ids[i] = p.id
	}
	products, err := a.productInfo(ctx, sess, ids)
	if err != nil {
		return nil, err
	}

	holdings := make([]models.Holding, 0, len(positions)+len(cash))
	for _, p := range positions {
		prod, ok := products[p.id]
		if !ok {
			a.logger.WithField("productId", p.id).Warn("product info missing, using product id")
			prod = degiroProduct{ID: p.id, Name: p.id, Symbol: p.id}
		}
		ticker := prod.Symbol
		if ticker == "" {
			ticker = prod.ID
		}

		h := models.NewHolding(types.ProviderDegiro, ticker, degiroAssetType(prod.ProductType), p.size, p.price, prod.Currency)
		h.ID = models.HoldingID(types.ProviderDegiro, p.id)
		h.DisplayName = prod.Name
		h.ISIN = prod.ISIN
		h.CostBasis = models.NonNegative(p.breakEven.Mul(p.size))
		holdings = append(holdings, h)
	}
	return append(holdings, cash...), nil
}

// productInfo resolves product ids in one batch call
func (a *DegiroAdapter) productInfo(ctx context.Context, sess DegiroSession, ids []string) (map[string]degiroProduct, error) {
	if len(ids) == 0 {
		return map[string]degiroProduct{}, nil
	}

	var info degiroProductInfoResponse
	sr := SignRequest{
		Method: http.MethodPost,
		Path:   "/product_search/secure/v5/products/info",
		Params: OrderedParams{}.Add("intAccount", strconv.FormatInt(sess.IntAccount, 10)),
		Body:   ids,
	}
	if err := a.get(ctx, sess.SessionID, sr, &info); err != nil {
		return nil, fmt.Errorf("fetch product info: %w", err)
	}
	if info.Data == nil {
		info.Data = map[string]degiroProduct{}
	}
	return info.Data, nil
}

func degiroAssetType(productType string) types.AssetType {
	switch strings.ToUpper(productType) {
	case "STOCK":
		return types.AssetStock
	case "ETF":
		return types.AssetETF
	case "FUND":
		return types.AssetFund
	case "BOND":
		return types.AssetBond
	default:
		return types.AssetOther
	}
}

// FetchIncomeEvents returns the trailing twelve months of income cash movements
func (a *DegiroAdapter) FetchIncomeEvents(ctx context.Context, s Session) ([]models.IncomeEvent, error) {
	sess, err := decodeDegiroSession(s)
	if err != nil {
		return nil, err
	}

	from, to := trailingYear(a.clock.now())
	var overview degiroAccountOverview
	sr := SignRequest{
		Path: "/reporting/secure/v6/accountoverview",
		Params: OrderedParams{}.
			Add("fromDate", from.Format(degiroDateFormat)).
			Add("toDate", to.Format(degiroDateFormat)).
			Add("intAccount", strconv.FormatInt(sess.IntAccount, 10)),
	}
	if err := a.get(ctx, sess.SessionID, sr, &overview); err != nil {
		return nil, fmt.Errorf("fetch account overview: %w", err)
	}

	type candidate struct {
		movement degiroCashMovement
		category types.IncomeCategory
		date     time.Time
	}
	var candidates []candidate
	productIDs := map[string]bool{}

	for _, cm := range overview.Data.CashMovements {
		if !cm.Change.IsPositive() {
			continue
		}
		category, ok := a.classifier.Evaluate(classifier.Record{Description: cm.Description})
		if !ok {
			continue
		}
		date, err := time.Parse(time.RFC3339, cm.Date)
		if err != nil {
			a.logger.WithField("date", cm.Date).Warn("skipping cash movement with unparseable date")
			continue
		}
		candidates = append(candidates, candidate{movement: cm, category: category, date: date})
		if cm.ProductID != 0 {
			productIDs[strconv.FormatInt(cm.ProductID, 10)] = true
		}
	}

	ids := make([]string, 0, len(productIDs))
	for id := range productIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	products, err := a.productInfo(ctx, sess, ids)
	if err != nil {
		return nil, err
	}

	events := make([]models.IncomeEvent, 0, len(candidates))
	for _, c := range candidates {
		ticker := ""
		if c.movement.ProductID != 0 {
			pid := strconv.FormatInt(c.movement.ProductID, 10)
			ticker = pid
			if prod, ok := products[pid]; ok && prod.Symbol != "" {
				ticker = prod.Symbol
			}
		}
		events = append(events, models.IncomeEvent{
			ID:          eventID(types.ProviderDegiro, strconv.FormatInt(c.movement.ID, 10)),
			Date:        c.date,
			Ticker:      ticker,
			Amount:      c.movement.Change,
			Currency:    strings.ToUpper(c.movement.Currency),
			Category:    c.category,
			Provider:    types.ProviderDegiro,
			Broker:      types.ProviderDegiro.DisplayName(),
			Description: c.movement.Description,
		})
	}
	return events, nil
}
