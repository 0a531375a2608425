package bank

import "time"

// Bank is a creditor institution whose debt portfolios are imported.
type Bank struct {
	ID        string
	Code      string
	Name      string
	Active    bool
	CreatedAt time.Time
}
