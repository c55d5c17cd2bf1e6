package payments

import (
	"context"
	"fmt"

	"sokoni/internal/models"
)

// Status is the provider-side outcome of an initiate or status query.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// Details carries the provider-specific fields a shopper submits with a
// payment attempt.
type Details struct {
	Phone     string `json:"phone,omitempty"`
	CardToken string `json:"cardToken,omitempty"`
}

// Result is the uniform outcome shape every provider adapter returns.
// CorrelationID is only set by asynchronous providers; it is the key an
// inbound callback uses to find its order.
type Result struct {
	Status        Status
	CorrelationID string
	ResultCode    string
	FailureReason string
	ProviderRefs  map[string]string
}

// Provider is the capability interface each payment adapter implements.
// Initiate returns a terminal Result for synchronous providers and a pending
// one for push-payment providers; a non-nil error means the provider could
// not be reached at all, which is a transport failure, not a decline.
// QueryStatus actively polls a pending payment; providers without a poll
// side return ErrNotPollable.
type Provider interface {
	Name() string
	Initiate(ctx context.Context, order models.Order, d Details) (Result, error)
	QueryStatus(ctx context.Context, order models.Order) (Result, error)
}

// ErrNotPollable marks providers whose results never arrive by polling.
var ErrNotPollable = fmt.Errorf("provider does not support status queries")

// DetailsValidator is implemented by providers whose Initiate cannot run
// without shopper-supplied fields. Checkout asks before creating the order,
// so a structurally incomplete request is rejected up front instead of
// minting a cancelled order.
type DetailsValidator interface {
	ValidateDetails(d Details) error
}

// UnknownMethodError rejects a payment method no adapter is registered for.
type UnknownMethodError struct {
	Method string
}

func (e UnknownMethodError) Error() string {
	return fmt.Sprintf("unknown payment method %q", e.Method)
}

// Registry maps payment method names to their adapters. Adding a provider
// means implementing Provider and registering it here, not editing a branch.
type Registry map[string]Provider

func NewRegistry(providers ...Provider) Registry {
	r := make(Registry, len(providers))
	for _, p := range providers {
		r[p.Name()] = p
	}
	return r
}

func (r Registry) Get(method string) (Provider, error) {
	p, ok := r[method]
	if !ok {
		return nil, UnknownMethodError{Method: method}
	}
	return p, nil
}
