package adapter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Param is one query or body parameter
type Param struct {
	Key   string
	Value string
}

// OrderedParams keeps parameters in insertion order. Signature schemes that
// hash the query string depend on this order.
type OrderedParams []Param

// Add appends a parameter
func (p OrderedParams) Add(key, value string) OrderedParams {
	return append(p, Param{Key: key, Value: value})
}

// Get returns the first value for key
func (p OrderedParams) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Encode renders key=value pairs joined by & in insertion order
func (p OrderedParams) Encode() string {
	var sb strings.Builder
	for i, kv := range p {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(kv.Key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(kv.Value))
	}
	return sb.String()
}

// SignRequest is the input to a Signer. Timestamp is explicit so signing is a
// pure function of its inputs.
type SignRequest struct {
	Method string
	Path   string
	// Params are sent on the query string
	Params OrderedParams
	// Body is sent as JSON. JSON-RPC style providers require a
	// map[string]interface{} since its keys are part of the signature.
	Body interface{}
	// ID is the request id for JSON-RPC style providers
	ID        int64
	Timestamp time.Time
}

// SignedRequest is an authenticated request ready to send
type SignedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// HTTPRequest builds a request against baseURL
func (s *SignedRequest) HTTPRequest(ctx context.Context, baseURL string) (*http.Request, error) {
	target := strings.TrimRight(baseURL, "/") + s.Path
	if s.Query != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + s.Query
	}

	var body io.Reader
	if s.Body != nil {
		body = bytes.NewReader(s.Body)
	}

	req, err := http.NewRequestWithContext(ctx, s.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range s.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if s.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Signer produces provider-specific authenticated requests
type Signer interface {
	Sign(req SignRequest) (*SignedRequest, error)
}

func newSigned(req SignRequest) *SignedRequest {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return &SignedRequest{
		Method: method,
		Path:   req.Path,
		Query:  req.Params.Encode(),
		Header: http.Header{},
	}
}

func marshalBody(body interface{}) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return b, nil
}

// SessionCookieSigner attaches a session id as the JSESSIONID cookie and the
// sessionId query parameter
type SessionCookieSigner struct {
	SessionID string
}

// Sign implements Signer
func (s SessionCookieSigner) Sign(req SignRequest) (*SignedRequest, error) {
	if s.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	req.Params = req.Params.Add("sessionId", s.SessionID)
	out := newSigned(req)
	out.Header.Set("Cookie", "JSESSIONID="+s.SessionID)

	body, err := marshalBody(req.Body)
	if err != nil {
		return nil, err
	}
	out.Body = body
	return out, nil
}

// BasicAuthSigner sends Base64(key:secret) as the Authorization header
type BasicAuthSigner struct {
	Key    string
	Secret string
}

// Sign implements Signer
func (s BasicAuthSigner) Sign(req SignRequest) (*SignedRequest, error) {
	if s.Key == "" || s.Secret == "" {
		return nil, fmt.Errorf("api key and secret are required")
	}
	out := newSigned(req)
	token := base64.StdEncoding.EncodeToString([]byte(s.Key + ":" + s.Secret))
	out.Header.Set("Authorization", "Basic "+token)

	body, err := marshalBody(req.Body)
	if err != nil {
		return nil, err
	}
	out.Body = body
	return out, nil
}

// BinanceSigner signs the query string as sent: parameters in insertion order,
// then recvWindow, then timestamp. The hex HMAC-SHA256 of that exact string is
// appended as the final signature parameter.
type BinanceSigner struct {
	APIKey     string
	Secret     string
	RecvWindow int64
}

// Sign implements Signer
func (s BinanceSigner) Sign(req SignRequest) (*SignedRequest, error) {
	if s.APIKey == "" || s.Secret == "" {
		return nil, fmt.Errorf("api key and secret are required")
	}

	params := append(OrderedParams{}, req.Params...)
	if s.RecvWindow > 0 {
		params = params.Add("recvWindow", strconv.FormatInt(s.RecvWindow, 10))
	}
	params = params.Add("timestamp", strconv.FormatInt(req.Timestamp.UnixMilli(), 10))

	query := params.Encode()
	signature := hmacHex(s.Secret, query)

	out := newSigned(req)
	out.Query = query + "&signature=" + signature
	out.Header.Set("X-MBX-APIKEY", s.APIKey)
	return out, nil
}

// CryptoComSigner signs method+id+api_key+paramString+nonce, where paramString
// is the parameters with keys sorted and each key followed by its value. The
// signature travels in the JSON body as sig.
type CryptoComSigner struct {
	APIKey string
	Secret string
}

// maxParamDepth matches the provider's reference implementation
const maxParamDepth = 3

// Sign implements Signer
func (s CryptoComSigner) Sign(req SignRequest) (*SignedRequest, error) {
	if s.APIKey == "" || s.Secret == "" {
		return nil, fmt.Errorf("api key and secret are required")
	}

	method := strings.TrimPrefix(req.Path, "/")
	nonce := req.Timestamp.UnixMilli()
	params := map[string]interface{}{}
	if req.Body != nil {
		m, ok := req.Body.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("body must be map[string]interface{}, got %T", req.Body)
		}
		params = m
	}

	payload := method + strconv.FormatInt(req.ID, 10) + s.APIKey + ParamString(params) + strconv.FormatInt(nonce, 10)

	body, err := json.Marshal(map[string]interface{}{
		"id":      req.ID,
		"method":  method,
		"api_key": s.APIKey,
		"params":  params,
		"nonce":   nonce,
		"sig":     hmacHex(s.Secret, payload),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	out := newSigned(req)
	out.Method = http.MethodPost
	out.Body = body
	out.Header.Set("Content-Type", "application/json")
	return out, nil
}

// ParamString canonicalizes nested parameters: sorted keys, each followed by
// its value; lists are concatenated element by element and nil renders as "null"
func ParamString(params map[string]interface{}) string {
	return paramString(params, 0)
}

func paramString(params map[string]interface{}, level int) string {
	if level >= maxParamDepth {
		return scalarString(params)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(valueString(params[k], level))
	}
	return sb.String()
}

func valueString(v interface{}, level int) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case map[string]interface{}:
		return paramString(val, level+1)
	case []interface{}:
		var sb strings.Builder
		for _, item := range val {
			if m, ok := item.(map[string]interface{}); ok {
				sb.WriteString(paramString(m, level+1))
				continue
			}
			sb.WriteString(valueString(item, level+1))
		}
		return sb.String()
	case []string:
		return strings.Join(val, "")
	default:
		return scalarString(val)
	}
}

func scalarString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func hmacHex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
