// Package gateway предоставляет клиент внешнего платёжного шлюза.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrUnknown возвращается, когда исход операции шлюза неизвестен: таймаут,
// сетевой сбой или неоднозначный ответ. Такой результат нельзя трактовать
// ни как успех, ни как отказ — требуется повторная верификация.
var (
	ErrUnknown = errors.New("gateway outcome unknown")
	// ErrPaymentNotFound возвращается, если шлюз не знает такой платёж.
	ErrPaymentNotFound = errors.New("payment not found")
)

// PaymentStatus — статус платежа по данным шлюза.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusCompleted PaymentStatus = "completed"
	StatusFailed    PaymentStatus = "failed"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// InitiateResult — результат создания платежа.
type InitiateResult struct {
	PaymentID   string `json:"payment_id"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// VerifyResult — результат верификации платежа.
type VerifyResult struct {
	PaymentID string        `json:"payment_id"`
	Status    PaymentStatus `json:"status"`
	Amount    int64         `json:"amount"`
}

// RefundResult — результат возврата средств.
type RefundResult struct {
	RefundID string `json:"refund_id"`
	Amount   int64  `json:"amount"`
}

// NewClient создаёт клиент шлюза с ограниченными повторами на 5xx.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

// Initiate создаёт платёж на указанную сумму и возвращает его идентификатор
// и, при необходимости, адрес перенаправления плательщика.
func (c *Client) Initiate(ctx context.Context, amountCents int64, orderRef, callbackURL string) (*InitiateResult, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}

	body, err := json.Marshal(map[string]any{
		"amount":       amountCents,
		"order":        orderRef,
		"callback_url": callbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/payments"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Сетевая ошибка после повторов: платёж мог быть создан на той стороне.
		return nil, fmt.Errorf("%w: initiate: %s", ErrUnknown, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("gateway rejected payment: status %d", resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: initiate status %d", ErrUnknown, resp.StatusCode)
	}

	var result InitiateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode initiate response: %s", ErrUnknown, err)
	}
	if result.PaymentID == "" {
		return nil, fmt.Errorf("%w: empty payment id", ErrUnknown)
	}

	return &result, nil
}

// Verify запрашивает окончательный статус платежа. Только явный ответ
// completed или failed считается результатом; всё остальное — ErrUnknown.
func (c *Client) Verify(ctx context.Context, paymentID, token string) (*VerifyResult, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}

	url := fmt.Sprintf("%s/%s?token=%s", c.url("/api/payments"), paymentID, token)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: verify: %s", ErrUnknown, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: payment %s", ErrPaymentNotFound, paymentID)
	default:
		return nil, fmt.Errorf("%w: verify status %d", ErrUnknown, resp.StatusCode)
	}

	var result VerifyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode verify response: %s", ErrUnknown, err)
	}

	switch result.Status {
	case StatusCompleted, StatusFailed, StatusPending:
		return &result, nil
	default:
		return nil, fmt.Errorf("%w: unexpected payment status %q", ErrUnknown, result.Status)
	}
}

// Refund запрашивает возврат средств по платежу.
func (c *Client) Refund(ctx context.Context, paymentID string, amountCents int64) (*RefundResult, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}

	body, err := json.Marshal(map[string]any{"amount": amountCents})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/refund", c.url("/api/payments"), paymentID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: refund: %s", ErrUnknown, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: payment %s", ErrPaymentNotFound, paymentID)
	default:
		return nil, fmt.Errorf("%w: refund status %d", ErrUnknown, resp.StatusCode)
	}

	var result RefundResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode refund response: %s", ErrUnknown, err)
	}

	return &result, nil
}
