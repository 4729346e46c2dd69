// Package backend is the REST client of the pricing/ledger backend. It
// owns the wire contract: payment intent creation, purchase completion,
// manual payment submission, discount listing, and provider config.
//
// All monetary fields are integer minor units (cents). Responses are
// decoded against exact schemas; a shape mismatch is a typed decode
// error, never a silently-empty value.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/certpeak/service-purchase/internal/domain/apperrors"
	"github.com/certpeak/service-purchase/internal/domain/pricing"
	"github.com/certpeak/service-purchase/internal/domain/purchase"
	"github.com/certpeak/service-purchase/internal/provider"
	"go.uber.org/zap"
)

// Client talks to the ledger backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a backend client. No client-side timeout is imposed
// beyond the transport default; the provider leg's timeout behavior is
// governed by the SDK and treated as opaque.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// IntentResponse is the backend's answer to a create-intent call.
type IntentResponse struct {
	Success           bool   `json:"success"`
	ClientSecret      string `json:"clientSecret"`
	PaymentIntentID   string `json:"paymentIntentId"`
	FinalAmount       int64  `json:"finalAmount"`
	TotalAmount       int64  `json:"totalAmount"`
	Currency          string `json:"currency"`
	CommissionAmount  int64  `json:"commissionAmount,omitempty"`
	ProviderAmount    int64  `json:"providerAmount,omitempty"`
	ManualPaymentInfo string `json:"manualPaymentInfo,omitempty"`
}

// PurchaseRecord is the backend-owned result of a completed purchase.
// The payload differs per purchase kind (subscription row, code batch,
// authorization record); this service carries it opaquely.
type PurchaseRecord struct {
	Kind    purchase.Kind   `json:"kind"`
	Payload json.RawMessage `json:"record"`
}

// ManualPaymentResult is the backend's answer to a manual submission.
type ManualPaymentResult struct {
	Status string `json:"status"` // pending_review on success
}

type intentRequestBody struct {
	Kind         purchase.Kind `json:"kind"`
	SubjectIDs   []string      `json:"subjectIds"`
	Quantity     int           `json:"quantity"`
	DiscountCode string        `json:"discountCode,omitempty"`
}

type completeRequestBody struct {
	Kind            purchase.Kind `json:"kind"`
	SubjectIDs      []string      `json:"subjectIds"`
	Quantity        int           `json:"quantity"`
	PaymentMethod   string        `json:"paymentMethod"`
	PaymentIntentID string        `json:"paymentIntentId"`
	DiscountCode    string        `json:"discountCode,omitempty"`
}

// CreateIntent asks the backend to reserve a priced transaction and
// return a provider-confirmable handle.
func (c *Client) CreateIntent(ctx context.Context, req purchase.Request) (IntentResponse, error) {
	body := intentRequestBody{
		Kind:         req.Kind,
		SubjectIDs:   []string{req.SubjectID},
		Quantity:     req.Quantity,
		DiscountCode: req.DiscountCode,
	}

	var resp IntentResponse
	if err := c.postJSON(ctx, "/api/v1/purchases/intent", body, &resp); err != nil {
		return IntentResponse{}, err
	}
	if !resp.Success || resp.ClientSecret == "" || resp.PaymentIntentID == "" {
		return IntentResponse{}, apperrors.NewDecode("create-intent response missing intent handle", nil)
	}
	return resp, nil
}

// CompletePurchase tells the backend to finalize the transaction and
// provision the purchased value. The backend keys idempotency on the
// payment intent id; this call is never issued twice in flight by the
// coordinator.
func (c *Client) CompletePurchase(ctx context.Context, req purchase.Request, paymentIntentID string) (PurchaseRecord, error) {
	body := completeRequestBody{
		Kind:            req.Kind,
		SubjectIDs:      []string{req.SubjectID},
		Quantity:        req.Quantity,
		PaymentMethod:   string(purchase.MethodCard),
		PaymentIntentID: paymentIntentID,
		DiscountCode:    req.DiscountCode,
	}

	var record PurchaseRecord
	if err := c.postJSON(ctx, "/api/v1/purchases/complete", body, &record); err != nil {
		return PurchaseRecord{}, err
	}
	if len(record.Payload) == 0 {
		return PurchaseRecord{}, apperrors.NewDecode("completion response carries no record", nil)
	}
	return record, nil
}

// Receipt is an uploaded proof of a manual payment.
type Receipt struct {
	Filename    string
	ContentType string
	Content     []byte
}

// SubmitManualPayment uploads the receipt and amount as a multipart
// request. The backend answers pending_review; fulfillment is owned by
// the back-office reviewer.
func (c *Client) SubmitManualPayment(ctx context.Context, req purchase.Request, amountCents int64, receipt Receipt) (ManualPaymentResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := map[string]string{
		"kind":          string(req.Kind),
		"subjectIds":    req.SubjectID,
		"quantity":      strconv.Itoa(req.Quantity),
		"paymentMethod": string(purchase.MethodManual),
		"paymentAmount": strconv.FormatInt(amountCents, 10),
	}
	if req.DiscountCode != "" {
		fields["discountCode"] = req.DiscountCode
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return ManualPaymentResult{}, fmt.Errorf("writing multipart field %s: %w", name, err)
		}
	}

	fw, err := mw.CreateFormFile("receipt", receipt.Filename)
	if err != nil {
		return ManualPaymentResult{}, fmt.Errorf("creating receipt part: %w", err)
	}
	if _, err := fw.Write(receipt.Content); err != nil {
		return ManualPaymentResult{}, fmt.Errorf("writing receipt part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return ManualPaymentResult{}, fmt.Errorf("closing multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/purchases/manual", &buf)
	if err != nil {
		return ManualPaymentResult{}, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(httpReq)

	var result ManualPaymentResult
	if err := c.do(httpReq, &result); err != nil {
		return ManualPaymentResult{}, err
	}
	if result.Status != "pending_review" {
		return ManualPaymentResult{}, apperrors.NewDecode(
			fmt.Sprintf("manual payment response has unexpected status %q", result.Status), nil)
	}
	return result, nil
}

type providerConfigBody struct {
	Success        bool   `json:"success"`
	PublishableKey string `json:"publishableKey"`
	IsConfigured   *bool  `json:"isConfigured,omitempty"`
}

// FetchProviderConfig retrieves the processor's publishable configuration.
// Implements provider.ConfigFetcher.
func (c *Client) FetchProviderConfig(ctx context.Context) (provider.PublicConfig, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/purchases/provider-config", nil)
	if err != nil {
		return provider.PublicConfig{}, err
	}
	c.authorize(httpReq)

	var body providerConfigBody
	if err := c.do(httpReq, &body); err != nil {
		return provider.PublicConfig{}, err
	}

	if body.IsConfigured != nil && !*body.IsConfigured {
		return provider.PublicConfig{Configured: false}, nil
	}
	if !body.Success || body.PublishableKey == "" {
		return provider.PublicConfig{}, apperrors.NewDecode("provider config response missing publishable key", nil)
	}
	return provider.PublicConfig{PublishableKey: body.PublishableKey, Configured: true}, nil
}

type discountListBody struct {
	Success bool                   `json:"success"`
	Codes   []pricing.DiscountCode `json:"codes"`
}

// ListDiscountCodes returns the discount codes defined for a course,
// unfiltered. Eligibility filtering happens locally before codes are
// offered to the user.
func (c *Client) ListDiscountCodes(ctx context.Context, courseID string) ([]pricing.DiscountCode, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/discounts?courseId="+courseID, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(httpReq)

	var body discountListBody
	if err := c.do(httpReq, &body); err != nil {
		return nil, err
	}
	if !body.Success {
		return nil, apperrors.NewDecode("discount list response not successful", nil)
	}
	return body.Codes, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	return c.do(req, out)
}

// do executes the request, classifies non-2xx responses, and strictly
// decodes 2xx bodies into out.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewNetwork(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperrors.NewNetwork(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		classified := apperrors.Classify(resp.StatusCode, body)
		c.logger.Warn("backend request failed",
			zap.String("path", req.URL.Path),
			zap.Int("status", resp.StatusCode),
			zap.String("kind", string(classified.Kind)),
		)
		return classified
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.NewDecode(fmt.Sprintf("decoding %s response", req.URL.Path), err)
	}
	return nil
}
