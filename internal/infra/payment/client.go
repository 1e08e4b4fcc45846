package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rs-labo46/ec-checkout/internal/domain/gateway"
)

type Environment string

const (
	Integration Environment = "integration"
	Production  Environment = "production"
)

const (
	IntegrationBaseURL = "https://webpay3gint.transbank.cl"
	ProductionBaseURL  = "https://webpay3g.transbank.cl"

	// 公開されている結合環境用の認証情報
	IntegrationCommerceCode = "597055555532"
	IntegrationAPIKey       = "579B532A7440BB0C9079DED94D31EA1615BACEB56610332264630D42D0A36B1C"

	transactionsPath = "/rswebpaytransaction/api/webpay/v1.2/transactions"
	maxResponseBytes = 1 << 20
)

// 空は integration 扱い
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case "", Integration:
		return Integration, nil
	case Production:
		return Production, nil
	}
	return "", fmt.Errorf("unknown payment environment %q", s)
}

type Options struct {
	Env          Environment
	CommerceCode string
	APIKey       string
	// 環境ごとのURLを上書き（テスト用）
	BaseURL    string
	HTTPClient *http.Client
}

type Client struct {
	env          Environment
	baseURL      string
	commerceCode string
	apiKey       string
	http         *http.Client
	tracer       trace.Tracer
}

var _ gateway.Gateway = (*Client)(nil)

func NewClient(opts Options) (*Client, error) {
	c := &Client{
		env:          opts.Env,
		commerceCode: opts.CommerceCode,
		apiKey:       opts.APIKey,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		http:         opts.HTTPClient,
		tracer:       otel.Tracer("github.com/rs-labo46/ec-checkout/internal/infra/payment"),
	}

	switch opts.Env {
	case Integration, "":
		c.env = Integration
		if c.baseURL == "" {
			c.baseURL = IntegrationBaseURL
		}
		if c.commerceCode == "" {
			c.commerceCode = IntegrationCommerceCode
		}
		if c.apiKey == "" {
			c.apiKey = IntegrationAPIKey
		}
	case Production:
		if c.baseURL == "" {
			c.baseURL = ProductionBaseURL
		}
		if c.commerceCode == "" || c.apiKey == "" {
			return nil, fmt.Errorf("%w: production requires commerce code and api key", gateway.ErrMisconfigured)
		}
	default:
		return nil, fmt.Errorf("%w: unknown environment %q", gateway.ErrMisconfigured, opts.Env)
	}

	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	return c, nil
}

func (c *Client) Environment() Environment { return c.env }

type createRequest struct {
	BuyOrder  string      `json:"buy_order"`
	SessionID string      `json:"session_id"`
	Amount    json.Number `json:"amount"`
	ReturnURL string      `json:"return_url"`
}

type createResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

type transactionResponse struct {
	VCI               string      `json:"vci"`
	Amount            json.Number `json:"amount"`
	Status            string      `json:"status"`
	BuyOrder          string      `json:"buy_order"`
	SessionID         string      `json:"session_id"`
	AccountingDate    string      `json:"accounting_date"`
	TransactionDate   string      `json:"transaction_date"`
	AuthorizationCode string      `json:"authorization_code"`
	PaymentTypeCode   string      `json:"payment_type_code"`
	ResponseCode      int         `json:"response_code"`
}

type refundRequest struct {
	Amount json.Number `json:"amount"`
}

type refundResponse struct {
	Type              string      `json:"type"`
	AuthorizationCode string      `json:"authorization_code"`
	Balance           json.Number `json:"balance"`
	ResponseCode      int         `json:"response_code"`
}

type errorResponse struct {
	ErrorMessage string `json:"error_message"`
}

func (c *Client) Create(ctx context.Context, req gateway.CreateRequest) (gateway.CreateResponse, error) {
	body := createRequest{
		BuyOrder:  req.BuyOrder,
		SessionID: req.SessionID,
		Amount:    json.Number(req.Amount.String()),
		ReturnURL: req.ReturnURL,
	}

	var out createResponse
	if err := c.do(ctx, "create", http.MethodPost, transactionsPath, body, &out); err != nil {
		return gateway.CreateResponse{}, err
	}
	return gateway.CreateResponse{Token: out.Token, URL: out.URL}, nil
}

func (c *Client) Commit(ctx context.Context, token string) (gateway.Transaction, error) {
	var out transactionResponse
	if err := c.do(ctx, "commit", http.MethodPut, tokenPath(token), nil, &out); err != nil {
		return gateway.Transaction{}, err
	}
	return out.toTransaction()
}

func (c *Client) Status(ctx context.Context, token string) (gateway.Transaction, error) {
	var out transactionResponse
	if err := c.do(ctx, "status", http.MethodGet, tokenPath(token), nil, &out); err != nil {
		return gateway.Transaction{}, err
	}
	return out.toTransaction()
}

func (c *Client) Refund(ctx context.Context, token string, amount decimal.Decimal) (gateway.RefundResponse, error) {
	var out refundResponse
	body := refundRequest{Amount: json.Number(amount.String())}
	if err := c.do(ctx, "refund", http.MethodPost, tokenPath(token)+"/refunds", body, &out); err != nil {
		return gateway.RefundResponse{}, err
	}

	balance := decimal.Zero
	if out.Balance != "" {
		b, err := decimal.NewFromString(out.Balance.String())
		if err != nil {
			return gateway.RefundResponse{}, fmt.Errorf("%w: refund: bad balance %q", gateway.ErrUnavailable, out.Balance)
		}
		balance = b
	}
	return gateway.RefundResponse{
		Type:              out.Type,
		AuthorizationCode: out.AuthorizationCode,
		Balance:           balance,
		ResponseCode:      out.ResponseCode,
	}, nil
}

func tokenPath(token string) string {
	return transactionsPath + "/" + url.PathEscape(token)
}

func (r transactionResponse) toTransaction() (gateway.Transaction, error) {
	amount := decimal.Zero
	if r.Amount != "" {
		a, err := decimal.NewFromString(r.Amount.String())
		if err != nil {
			return gateway.Transaction{}, fmt.Errorf("%w: bad amount %q", gateway.ErrUnavailable, r.Amount)
		}
		amount = a
	}
	return gateway.Transaction{
		Status:            r.Status,
		BuyOrder:          r.BuyOrder,
		SessionID:         r.SessionID,
		Amount:            amount,
		AuthorizationCode: r.AuthorizationCode,
		ResponseCode:      r.ResponseCode,
		PaymentTypeCode:   r.PaymentTypeCode,
	}, nil
}

// 2xx以外の応答。errors.Is で gateway.Err* に一致する
type APIError struct {
	Op         string
	StatusCode int
	Message    string
	class      error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment %s: http %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.class }

func (c *Client) do(ctx context.Context, op, method, path string, in any, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "payment."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("payment.environment", string(c.env)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("payment %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: payment %s: %v", gateway.ErrMisconfigured, op, err)
	}
	req.Header.Set("Tbk-Api-Key-Id", c.commerceCode)
	req.Header.Set("Tbk-Api-Key-Secret", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: payment %s: %v", gateway.ErrUnavailable, op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: payment %s: read body: %v", gateway.ErrUnavailable, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(op, resp.StatusCode, raw)
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: payment %s: decode response: %v", gateway.ErrUnavailable, op, err)
	}
	return nil
}

func newAPIError(op string, status int, raw []byte) *APIError {
	var er errorResponse
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &er) == nil && er.ErrorMessage != "" {
		msg = er.ErrorMessage
	}
	return &APIError{Op: op, StatusCode: status, Message: msg, class: classify(status, msg)}
}

func classify(status int, msg string) error {
	switch {
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return gateway.ErrUnavailable
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return gateway.ErrMisconfigured
	case strings.Contains(strings.ToLower(msg), "abort"):
		return gateway.ErrAborted
	default:
		return gateway.ErrInvalidState
	}
}
