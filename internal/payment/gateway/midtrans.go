package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"ms-admission/internal/logger"
	"ms-admission/internal/utils"
)

// gatewayLocation is the timezone the HTTP gateway prints transaction_time in.
var gatewayLocation = time.FixedZone("WIB", 7*60*60)

// MidtransClient queries the HTTP status endpoint of a Midtrans-style gateway.
type MidtransClient struct {
	baseURL   string
	serverKey string
	client    *http.Client
	log       *logger.Logger
}

func NewMidtransClient(baseURL, serverKey string, timeout time.Duration, log *logger.Logger) *MidtransClient {
	return &MidtransClient{
		baseURL:   baseURL,
		serverKey: serverKey,
		client:    &http.Client{Timeout: timeout},
		log:       log,
	}
}

func (c *MidtransClient) Name() string { return "midtrans" }

type statusResponse struct {
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	TransactionID     string `json:"transaction_id"`
	PaymentType       string `json:"payment_type"`
	TransactionTime   string `json:"transaction_time"`
	GrossAmount       string `json:"gross_amount"`
	StatusCode        string `json:"status_code"`
	StatusMessage     string `json:"status_message"`
	OrderID           string `json:"order_id"`
}

// QueryStatus calls GET {base}/v2/{order}/status. status_code "404" in the
// body, or an HTTP 404, means the gateway never saw the order.
func (c *MidtransClient) QueryStatus(ctx context.Context, orderNumber string) (*TransactionStatus, error) {
	endpoint := fmt.Sprintf("%s/v2/%s/status", c.baseURL, url.PathEscape(orderNumber))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	req.SetBasicAuth(c.serverKey, "")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Error("GATEWAY", fmt.Sprintf("Status query for %s failed: %v", orderNumber, err))
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrGatewayUnavailable, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTransactionNotFound
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: http %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("%w: decode status: %v", ErrGatewayUnavailable, err)
	}
	if sr.StatusCode == "404" {
		return nil, ErrTransactionNotFound
	}
	if sr.TransactionStatus == "" {
		return nil, fmt.Errorf("%w: status %s %s", ErrGatewayUnavailable, sr.StatusCode, sr.StatusMessage)
	}

	c.log.Debug("GATEWAY", fmt.Sprintf("Order %s is %s at the gateway", orderNumber, sr.TransactionStatus))
	return &TransactionStatus{
		OrderNumber:       orderNumber,
		TransactionStatus: sr.TransactionStatus,
		FraudStatus:       sr.FraudStatus,
		TransactionID:     sr.TransactionID,
		PaymentType:       sr.PaymentType,
		GrossAmount:       sr.GrossAmount,
		StatusCode:        sr.StatusCode,
		StatusMessage:     sr.StatusMessage,
		TransactionTime:   utils.ParseGatewayTime(sr.TransactionTime, gatewayLocation),
		Raw:               string(body),
	}, nil
}
