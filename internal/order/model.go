package order

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusConfirmed Status = "confirmed"
	StatusFulfilled Status = "fulfilled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusCreated:
		return StatusCreated, true
	case StatusConfirmed:
		return StatusConfirmed, true
	case StatusFulfilled:
		return StatusFulfilled, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusCancelled:
		return StatusCancelled, true
	}
	return "", false
}

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Order struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	Status     Status    `json:"status"`
	// Version increments exactly once per accepted transition and is the
	// optimistic-concurrency token callers must present.
	Version   int64           `json:"version"`
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Items     []Item          `json:"items"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Item struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type CreateOrderRequest struct {
	CustomerID string        `json:"customer_id"`
	Currency   string        `json:"currency"`
	Items      []ItemRequest `json:"items"`
}

type ItemRequest struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (r CreateOrderRequest) Validate() error {
	if strings.TrimSpace(r.CustomerID) == "" {
		return ValidationError("customer_id is required")
	}
	cur := strings.TrimSpace(r.Currency)
	if !validCurrency(cur) {
		return ValidationError("currency must be a 3-letter code")
	}
	if len(r.Items) == 0 {
		return ValidationError("at least one item is required")
	}
	for _, it := range r.Items {
		if strings.TrimSpace(it.SKU) == "" {
			return ValidationError("item sku is required")
		}
		if strings.TrimSpace(it.Name) == "" {
			return ValidationError("item name is required")
		}
		if it.Quantity <= 0 {
			return ValidationError("item quantity must be positive")
		}
		if it.UnitPrice.IsNegative() {
			return ValidationError("item unit_price must not be negative")
		}
	}
	return nil
}

// validCurrency accepts exactly three ASCII letters; the published contract
// requires an uppercase ISO 4217 code, and the handler uppercases on intake.
func validCurrency(cur string) bool {
	if len(cur) != 3 {
		return false
	}
	for i := 0; i < len(cur); i++ {
		c := cur[i]
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

// Total sums quantity * unit price across items.
func (r CreateOrderRequest) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range r.Items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}
