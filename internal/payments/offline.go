package payments

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"sokoni/internal/models"
)

// BankTransfer resolves synchronously with a generated reference the shopper
// quotes on the transfer. Matching the incoming funds stays with back-office
// reconciliation.
type BankTransfer struct{}

var _ Provider = (*BankTransfer)(nil)

func NewBankTransfer() *BankTransfer { return &BankTransfer{} }

func (b *BankTransfer) Name() string { return "bank" }

func (b *BankTransfer) Initiate(ctx context.Context, order models.Order, d Details) (Result, error) {
	ref := "BT-" + strings.ToUpper(uuid.NewString()[:8])
	return Result{
		Status:       StatusCompleted,
		ResultCode:   "0",
		ProviderRefs: map[string]string{"bankReference": ref},
	}, nil
}

func (b *BankTransfer) QueryStatus(ctx context.Context, order models.Order) (Result, error) {
	return Result{}, ErrNotPollable
}

// CashOnDelivery completes immediately; money changes hands at the door.
type CashOnDelivery struct{}

var _ Provider = (*CashOnDelivery)(nil)

func NewCashOnDelivery() *CashOnDelivery { return &CashOnDelivery{} }

func (c *CashOnDelivery) Name() string { return "cod" }

func (c *CashOnDelivery) Initiate(ctx context.Context, order models.Order, d Details) (Result, error) {
	return Result{
		Status:       StatusCompleted,
		ResultCode:   "COD",
		ProviderRefs: map[string]string{"collection": "on_delivery"},
	}, nil
}

func (c *CashOnDelivery) QueryStatus(ctx context.Context, order models.Order) (Result, error) {
	return Result{}, ErrNotPollable
}
