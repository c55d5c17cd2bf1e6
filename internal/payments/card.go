package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"sokoni/internal/models"
)

// CardConfig points at the external card gateway.
type CardConfig struct {
	GatewayURL string
	APIKey     string
}

// Card charges synchronously: the gateway answers with a terminal result
// inline. Every charge carries a fresh idempotency key so a retried HTTP
// request cannot double-charge on the gateway side.
type Card struct {
	cfg    CardConfig
	client *http.Client
}

var _ Provider = (*Card)(nil)

func NewCard(cfg CardConfig) *Card {
	return &Card{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Card) Name() string { return "card" }

type cardChargeRequest struct {
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Token     string  `json:"token"`
	Reference string  `json:"reference"`
}

type cardChargeResponse struct {
	Status   string `json:"status"`
	ChargeID string `json:"chargeId"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func (c *Card) ValidateDetails(d Details) error {
	if d.CardToken == "" {
		return fmt.Errorf("card token is required")
	}
	return nil
}

func (c *Card) Initiate(ctx context.Context, order models.Order, d Details) (Result, error) {
	if err := c.ValidateDetails(d); err != nil {
		return Result{Status: StatusFailed, FailureReason: err.Error()}, nil
	}

	payload, err := json.Marshal(cardChargeRequest{
		Amount:    order.Total,
		Currency:  "KES",
		Token:     d.CardToken,
		Reference: order.OrderNumber,
	})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GatewayURL+"/charges", bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var out cardChargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return Result{}, fmt.Errorf("card gateway returned %d", resp.StatusCode)
	}

	refs := map[string]string{"chargeId": out.ChargeID}
	if out.Status == "succeeded" {
		return Result{
			Status:       StatusCompleted,
			ResultCode:   out.Code,
			ProviderRefs: refs,
		}, nil
	}
	return Result{
		Status:        StatusFailed,
		ResultCode:    out.Code,
		FailureReason: out.Message,
		ProviderRefs:  refs,
	}, nil
}

func (c *Card) QueryStatus(ctx context.Context, order models.Order) (Result, error) {
	return Result{}, ErrNotPollable
}
