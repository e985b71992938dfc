// Package entity defines the normalized commerce records every connector
// produces, independent of the provider they came from.
package entity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind tags a normalized entity.
type Kind string

const (
	KindCustomer     Kind = "customer"
	KindOrder        Kind = "order"
	KindProduct      Kind = "product"
	KindSubscription Kind = "subscription"
	KindInvoice      Kind = "invoice"
)

// Kinds lists every normalized entity kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindCustomer, KindOrder, KindProduct, KindSubscription, KindInvoice}
}

// ParseKind normalizes raw into a known Kind.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", raw)
}

func (k Kind) String() string { return string(k) }

// Entity is implemented by the five normalized record types only.
type Entity interface {
	Kind() Kind
	ExternalID() string
	IsDeleted() bool
	Meta() map[string]any

	base() *Base
}

// Base carries the fields shared by every normalized entity.
type Base struct {
	ID       string         `json:"externalId"`
	Deleted  bool           `json:"deleted,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (b *Base) ExternalID() string   { return b.ID }
func (b *Base) IsDeleted() bool      { return b.Deleted }
func (b *Base) Meta() map[string]any { return b.Metadata }
func (b *Base) base() *Base          { return b }

// MarkDeleted flags e as a deletion tombstone.
func MarkDeleted(e Entity) {
	if e == nil {
		return
	}
	e.base().Deleted = true
}

// Customer is a buyer or account holder.
type Customer struct {
	Base
	Email       *string    `json:"email,omitempty"`
	Name        *string    `json:"name,omitempty"`
	Phone       *string    `json:"phone,omitempty"`
	Currency    *string    `json:"currency,omitempty"`
	TotalSpent  *int64     `json:"totalSpent,omitempty"`
	OrdersCount *int64     `json:"ordersCount,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

func (*Customer) Kind() Kind { return KindCustomer }

// Order is a placed checkout.
type Order struct {
	Base
	OrderNumber        *string    `json:"orderNumber,omitempty"`
	CustomerExternalID *string    `json:"customerExternalId,omitempty"`
	Email              *string    `json:"email,omitempty"`
	Status             *string    `json:"status,omitempty"`
	FinancialStatus    *string    `json:"financialStatus,omitempty"`
	FulfillmentStatus  *string    `json:"fulfillmentStatus,omitempty"`
	Currency           *string    `json:"currency,omitempty"`
	TotalAmount        *int64     `json:"totalAmount,omitempty"`
	SubtotalAmount     *int64     `json:"subtotalAmount,omitempty"`
	TaxAmount          *int64     `json:"taxAmount,omitempty"`
	DiscountAmount     *int64     `json:"discountAmount,omitempty"`
	LineItemCount      *int64     `json:"lineItemCount,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	PlacedAt           *time.Time `json:"placedAt,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	UpdatedAt          *time.Time `json:"updatedAt,omitempty"`
}

func (*Order) Kind() Kind { return KindOrder }

// Product is a sellable catalog item.
type Product struct {
	Base
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      *string    `json:"status,omitempty"`
	Vendor      *string    `json:"vendor,omitempty"`
	SKU         *string    `json:"sku,omitempty"`
	Price       *int64     `json:"price,omitempty"`
	Currency    *string    `json:"currency,omitempty"`
	Active      *bool      `json:"active,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

func (*Product) Kind() Kind { return KindProduct }

// Subscription is a recurring billing agreement.
type Subscription struct {
	Base
	CustomerExternalID *string    `json:"customerExternalId,omitempty"`
	Status             *string    `json:"status,omitempty"`
	PlanID             *string    `json:"planId,omitempty"`
	Amount             *int64     `json:"amount,omitempty"`
	Currency           *string    `json:"currency,omitempty"`
	Interval           *string    `json:"interval,omitempty"`
	CancelAtPeriodEnd  *bool      `json:"cancelAtPeriodEnd,omitempty"`
	CurrentPeriodStart *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd,omitempty"`
	CanceledAt         *time.Time `json:"canceledAt,omitempty"`
	CreatedAt          *time.Time `json:"createdAt,omitempty"`
}

func (*Subscription) Kind() Kind { return KindSubscription }

// Invoice is a bill issued to a customer.
type Invoice struct {
	Base
	CustomerExternalID     *string    `json:"customerExternalId,omitempty"`
	SubscriptionExternalID *string    `json:"subscriptionExternalId,omitempty"`
	Number                 *string    `json:"number,omitempty"`
	Status                 *string    `json:"status,omitempty"`
	Currency               *string    `json:"currency,omitempty"`
	AmountDue              *int64     `json:"amountDue,omitempty"`
	AmountPaid             *int64     `json:"amountPaid,omitempty"`
	Total                  *int64     `json:"total,omitempty"`
	Paid                   *bool      `json:"paid,omitempty"`
	DueAt                  *time.Time `json:"dueAt,omitempty"`
	CreatedAt              *time.Time `json:"createdAt,omitempty"`
}

func (*Invoice) Kind() Kind { return KindInvoice }

// New returns an empty entity of the given kind.
func New(kind Kind) (Entity, error) {
	switch kind {
	case KindCustomer:
		return &Customer{}, nil
	case KindOrder:
		return &Order{}, nil
	case KindProduct:
		return &Product{}, nil
	case KindSubscription:
		return &Subscription{}, nil
	case KindInvoice:
		return &Invoice{}, nil
	default:
		return nil, fmt.Errorf("unknown entity type %q", kind)
	}
}

// Marshal encodes e as JSON. Field order follows the struct declaration and
// metadata keys are sorted, so equal entities encode to equal bytes.
func Marshal(e Entity) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("entity is nil")
	}
	return json.Marshal(e)
}

// Unmarshal decodes a payload previously produced by Marshal.
func Unmarshal(kind Kind, data []byte) (Entity, error) {
	e, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return e, nil
}
