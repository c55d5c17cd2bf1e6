package payments

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"sokoni/internal/models"
)

// MpesaConfig is the Daraja credential set.
type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
}

// Mpesa is the STK-push adapter. Initiate triggers a prompt on the
// customer's phone and returns pending plus the CheckoutRequestID the later
// callback is keyed by; it never returns completed inline.
type Mpesa struct {
	cfg    MpesaConfig
	client *http.Client
}

var _ Provider = (*Mpesa)(nil)

func NewMpesa(cfg MpesaConfig) *Mpesa {
	return &Mpesa{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (m *Mpesa) Name() string { return "mpesa" }

type mpesaTokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (m *Mpesa) accessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		m.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(m.cfg.ConsumerKey, m.cfg.ConsumerSecret)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("mpesa token request failed: %d %s", resp.StatusCode, body)
	}

	var tok mpesaTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int    `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ErrorMessage        string `json:"errorMessage"`
}

func (m *Mpesa) ValidateDetails(d Details) error {
	if d.Phone == "" {
		return fmt.Errorf("phone number is required for mpesa")
	}
	return nil
}

func (m *Mpesa) Initiate(ctx context.Context, order models.Order, d Details) (Result, error) {
	if err := m.ValidateDetails(d); err != nil {
		return Result{Status: StatusFailed, FailureReason: err.Error()}, nil
	}

	token, err := m.accessToken(ctx)
	if err != nil {
		return Result{}, err
	}

	timestamp := time.Now().Format("20060102150405")
	payload := stkPushRequest{
		BusinessShortCode: m.cfg.ShortCode,
		Password:          darajaPassword(m.cfg.ShortCode, m.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            int(math.Ceil(order.Total)),
		PartyA:            d.Phone,
		PartyB:            m.cfg.ShortCode,
		PhoneNumber:       d.Phone,
		CallBackURL:       m.cfg.CallbackURL,
		AccountReference:  order.OrderNumber,
		TransactionDesc:   "Order " + order.OrderNumber,
	}

	var out stkPushResponse
	if err := m.post(ctx, token, "/mpesa/stkpush/v1/processrequest", payload, &out); err != nil {
		return Result{}, err
	}

	if out.ResponseCode != "0" {
		reason := out.ResponseDescription
		if reason == "" {
			reason = out.ErrorMessage
		}
		return Result{
			Status:        StatusFailed,
			ResultCode:    out.ResponseCode,
			FailureReason: reason,
		}, nil
	}

	return Result{
		Status:        StatusPending,
		CorrelationID: out.CheckoutRequestID,
		ResultCode:    out.ResponseCode,
		ProviderRefs: map[string]string{
			"merchantRequestId": out.MerchantRequestID,
			"checkoutRequestId": out.CheckoutRequestID,
		},
	}, nil
}

type stkQueryResponse struct {
	ResponseCode string `json:"ResponseCode"`
	ResultCode   string `json:"ResultCode"`
	ResultDesc   string `json:"ResultDesc"`
	ErrorCode    string `json:"errorCode"`
}

// QueryStatus polls Daraja for a pending push. A "still processing" answer
// maps to pending so the caller leaves state untouched.
func (m *Mpesa) QueryStatus(ctx context.Context, order models.Order) (Result, error) {
	correlationID := order.PaymentDetails.CorrelationID
	if correlationID == "" {
		return Result{}, fmt.Errorf("order %s has no mpesa correlation id", order.OrderNumber)
	}

	token, err := m.accessToken(ctx)
	if err != nil {
		return Result{}, err
	}

	timestamp := time.Now().Format("20060102150405")
	payload := map[string]string{
		"BusinessShortCode": m.cfg.ShortCode,
		"Password":          darajaPassword(m.cfg.ShortCode, m.cfg.Passkey, timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": correlationID,
	}

	var out stkQueryResponse
	if err := m.post(ctx, token, "/mpesa/stkpushquery/v1/query", payload, &out); err != nil {
		return Result{}, err
	}

	// Daraja answers 500.001.1001 while the prompt is still open on the
	// customer's phone.
	if out.ErrorCode == "500.001.1001" || (out.ResponseCode != "" && out.ResponseCode != "0") {
		return Result{Status: StatusPending, CorrelationID: correlationID}, nil
	}

	switch out.ResultCode {
	case "0":
		return Result{
			Status:        StatusCompleted,
			CorrelationID: correlationID,
			ResultCode:    out.ResultCode,
		}, nil
	case "":
		return Result{Status: StatusPending, CorrelationID: correlationID}, nil
	default:
		return Result{
			Status:        StatusFailed,
			CorrelationID: correlationID,
			ResultCode:    out.ResultCode,
			FailureReason: out.ResultDesc,
		}, nil
	}
}

func (m *Mpesa) post(ctx context.Context, token, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(out)
}

/* =========================
   CALLBACK PAYLOAD
========================= */

// STKCallback is the body Daraja posts to the callback URL.
type STKCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseSTKCallback turns the raw callback into the correlation id and the
// uniform Result the state machine consumes.
func ParseSTKCallback(data []byte) (string, Result, error) {
	var cb STKCallback
	if err := json.Unmarshal(data, &cb); err != nil {
		return "", Result{}, err
	}

	stk := cb.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return "", Result{}, fmt.Errorf("callback missing CheckoutRequestID")
	}

	refs := map[string]string{
		"merchantRequestId": stk.MerchantRequestID,
		"checkoutRequestId": stk.CheckoutRequestID,
	}
	for _, item := range stk.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" {
			refs["receipt"] = fmt.Sprintf("%v", item.Value)
		}
	}

	result := Result{
		CorrelationID: stk.CheckoutRequestID,
		ResultCode:    fmt.Sprintf("%d", stk.ResultCode),
		ProviderRefs:  refs,
	}
	if stk.ResultCode == 0 {
		result.Status = StatusCompleted
	} else {
		result.Status = StatusFailed
		result.FailureReason = stk.ResultDesc
	}
	return stk.CheckoutRequestID, result, nil
}

func darajaPassword(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}
