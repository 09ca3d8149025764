// Package tripay implements the payment provider client against the Tripay
// HTTP API.
package tripay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/warungbot/commerce/pkg/commerce"
)

const (
	ModeSandbox    = "sandbox"
	ModeProduction = "production"

	sandboxBaseURL    = "https://tripay.co.id/api-sandbox"
	productionBaseURL = "https://tripay.co.id/api"

	endpointPaymentChannels   = "/merchant/payment-channel"
	endpointFeeCalculator     = "/merchant/fee-calculator"
	endpointCreateTransaction = "/transaction/create"
	endpointTransactionDetail = "/transaction/detail"

	referenceValidity = 24 * time.Hour
	defaultTimeout    = 15 * time.Second
)

// Config carries the merchant credentials issued by the provider.
type Config struct {
	APIKey       string
	PrivateKey   string
	MerchantCode string
	Mode         string
	// BaseURL overrides the mode-derived endpoint, for tests.
	BaseURL   string
	ReturnURL string
}

// Client implements commerce.QuoteClient over the provider's REST API.
type Client struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	nowFn      func() int64
}

// NewClient validates the merchant configuration and returns a client.
func NewClient(config Config, nowFn func() int64) (*Client, error) {
	if config.APIKey == "" || config.PrivateKey == "" || config.MerchantCode == "" {
		return nil, fmt.Errorf("%w: missing provider credentials", commerce.ErrInvalidServiceConfig)
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		switch config.Mode {
		case ModeProduction:
			baseURL = productionBaseURL
		default:
			baseURL = sandboxBaseURL
		}
	}
	if nowFn == nil {
		nowFn = func() int64 { return time.Now().UTC().Unix() }
	}
	return &Client{
		config:     config,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		nowFn:      nowFn,
	}, nil
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type channelPayload struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Group       string `json:"group"`
	FeeCustomer struct {
		Flat    int64   `json:"flat"`
		Percent float64 `json:"percent,string"`
	} `json:"fee_customer"`
	MinimumAmount int64 `json:"minimum_amount"`
	MaximumAmount int64 `json:"maximum_amount"`
	Active        bool  `json:"active"`
}

type feePayload struct {
	Code string `json:"code"`
	Fee  struct {
		Flat    int64   `json:"flat"`
		Percent float64 `json:"percent,string"`
	} `json:"fee"`
	TotalFee int64 `json:"total_fee"`
}

type transactionPayload struct {
	Reference   string `json:"reference"`
	MerchantRef string `json:"merchant_ref"`
	Method      string `json:"payment_method"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status"`
	CheckoutURL string `json:"checkout_url"`
	ExpiredTime int64  `json:"expired_time"`
}

// ListChannels fetches the provider's payment channel catalog.
func (client *Client) ListChannels(ctx context.Context) ([]commerce.ChannelInfo, error) {
	data, err := client.get(ctx, endpointPaymentChannels, nil)
	if err != nil {
		return nil, err
	}
	var payloads []channelPayload
	if err := json.Unmarshal(data, &payloads); err != nil {
		return nil, fmt.Errorf("%w: decode channels: %v", commerce.ErrQuoteUnavailable, err)
	}
	channels := make([]commerce.ChannelInfo, 0, len(payloads))
	for _, payload := range payloads {
		channels = append(channels, commerce.ChannelInfo{
			Code:          payload.Code,
			Name:          payload.Name,
			Group:         payload.Group,
			FeeFlat:       commerce.Amount(payload.FeeCustomer.Flat),
			FeePercent:    payload.FeeCustomer.Percent,
			MinimumAmount: commerce.Amount(payload.MinimumAmount),
			MaximumAmount: commerce.Amount(payload.MaximumAmount),
			Active:        payload.Active,
		})
	}
	return channels, nil
}

// ComputeFee asks the provider for the fee on amount through channelCode.
func (client *Client) ComputeFee(ctx context.Context, amount commerce.Amount, channelCode string) (commerce.FeeInfo, error) {
	query := url.Values{}
	query.Set("amount", strconv.FormatInt(int64(amount), 10))
	query.Set("code", channelCode)
	data, err := client.get(ctx, endpointFeeCalculator, query)
	if err != nil {
		return commerce.FeeInfo{}, err
	}
	var payloads []feePayload
	if err := json.Unmarshal(data, &payloads); err != nil {
		return commerce.FeeInfo{}, fmt.Errorf("%w: decode fee: %v", commerce.ErrQuoteUnavailable, err)
	}
	if len(payloads) == 0 {
		return commerce.FeeInfo{}, fmt.Errorf("%w: no fee data for %s", commerce.ErrQuoteUnavailable, channelCode)
	}
	payload := payloads[0]
	return commerce.FeeInfo{
		ChannelCode: payload.Code,
		Amount:      amount,
		FlatFee:     commerce.Amount(payload.Fee.Flat),
		PercentFee:  payload.Fee.Percent,
		TotalFee:    commerce.Amount(payload.TotalFee),
		TotalAmount: amount + commerce.Amount(payload.TotalFee),
	}, nil
}

// CreatePaymentReference opens a provider transaction for a top-up and
// returns the pending reference.
func (client *Client) CreatePaymentReference(ctx context.Context, amount commerce.Amount, userID commerce.UserID, channelCode string) (commerce.PaymentReference, error) {
	now := client.nowFn()
	merchantRef := MerchantRef(userID, now)
	body := map[string]interface{}{
		"method":         channelCode,
		"merchant_ref":   merchantRef,
		"amount":         int64(amount),
		"customer_name":  fmt.Sprintf("User %d", userID),
		"customer_email": fmt.Sprintf("user%d@telegram.bot", userID),
		"customer_phone": "08123456789",
		"order_items": []map[string]interface{}{
			{
				"sku":      "TOPUP",
				"name":     fmt.Sprintf("Top Up Saldo - %d", amount),
				"price":    int64(amount),
				"quantity": 1,
			},
		},
		"return_url":   client.config.ReturnURL,
		"expired_time": now + int64(referenceValidity/time.Second),
		"signature":    client.transactionSignature(merchantRef, amount),
	}
	data, err := client.post(ctx, endpointCreateTransaction, body)
	if err != nil {
		return commerce.PaymentReference{}, err
	}
	var payload transactionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return commerce.PaymentReference{}, fmt.Errorf("%w: decode transaction: %v", commerce.ErrQuoteUnavailable, err)
	}
	return commerce.PaymentReference{
		Reference:        payload.Reference,
		UserID:           userID,
		Amount:           commerce.Amount(payload.Amount),
		ChannelCode:      payload.Method,
		Status:           commerce.ReferenceUnpaid,
		CheckoutURL:      payload.CheckoutURL,
		ExpiresAtUnixUTC: payload.ExpiredTime,
		CreatedUnixUTC:   now,
	}, nil
}

// GetReferenceDetail fetches the provider-side state of a reference.
func (client *Client) GetReferenceDetail(ctx context.Context, reference string) (commerce.PaymentReference, error) {
	query := url.Values{}
	query.Set("reference", reference)
	data, err := client.get(ctx, endpointTransactionDetail, query)
	if err != nil {
		return commerce.PaymentReference{}, err
	}
	var payload transactionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return commerce.PaymentReference{}, fmt.Errorf("%w: decode detail: %v", commerce.ErrQuoteUnavailable, err)
	}
	return commerce.PaymentReference{
		Reference:        payload.Reference,
		Amount:           commerce.Amount(payload.Amount),
		ChannelCode:      payload.Method,
		CheckoutURL:      payload.CheckoutURL,
		ExpiresAtUnixUTC: payload.ExpiredTime,
	}, nil
}

// MerchantRef builds the merchant-side reference for a top-up.
func MerchantRef(userID commerce.UserID, unixUTC int64) string {
	return fmt.Sprintf("TU%d%d", userID, unixUTC)
}

// requestSignature signs read requests: HMAC-SHA256 over
// "METHOD\nendpoint\nbody" under the merchant private key.
func (client *Client) requestSignature(method string, endpoint string, body string) string {
	mac := hmac.New(sha256.New, []byte(client.config.PrivateKey))
	fmt.Fprintf(mac, "%s\n%s\n%s", method, endpoint, body)
	return hex.EncodeToString(mac.Sum(nil))
}

// transactionSignature signs a create call: HMAC-SHA256 over
// merchantCode+merchantRef+amount.
func (client *Client) transactionSignature(merchantRef string, amount commerce.Amount) string {
	mac := hmac.New(sha256.New, []byte(client.config.PrivateKey))
	fmt.Fprintf(mac, "%s%s%d", client.config.MerchantCode, merchantRef, amount)
	return hex.EncodeToString(mac.Sum(nil))
}

func (client *Client) get(ctx context.Context, endpoint string, query url.Values) (json.RawMessage, error) {
	target := client.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", commerce.ErrQuoteUnavailable, err)
	}
	request.Header.Set("Authorization", "Bearer "+client.config.APIKey)
	request.Header.Set("X-Signature", client.requestSignature(http.MethodGet, endpoint, ""))
	return client.do(request)
}

func (client *Client) post(ctx context.Context, endpoint string, body map[string]interface{}) (json.RawMessage, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", commerce.ErrQuoteUnavailable, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", commerce.ErrQuoteUnavailable, err)
	}
	request.Header.Set("Authorization", "Bearer "+client.config.APIKey)
	request.Header.Set("Content-Type", "application/json")
	return client.do(request)
}

func (client *Client) do(request *http.Request) (json.RawMessage, error) {
	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", commerce.ErrQuoteUnavailable, err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", commerce.ErrQuoteUnavailable, err)
	}
	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: status %d: %v", commerce.ErrQuoteUnavailable, response.StatusCode, err)
	}
	if response.StatusCode != http.StatusOK || !envelope.Success {
		return nil, fmt.Errorf("%w: status %d: %s", commerce.ErrQuoteUnavailable, response.StatusCode, envelope.Message)
	}
	return envelope.Data, nil
}
