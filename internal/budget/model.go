package budget

import "time"

// Ledger is a named budget book owned by one person. Rows are soft-deleted.
type Ledger struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Currency    string    `json:"currency"`
	Color       string    `json:"color"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// LedgerInput is the client-supplied portion of a ledger.
type LedgerInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Currency    string `json:"currency"`
	Color       string `json:"color"`
}
