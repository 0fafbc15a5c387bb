package model

import "time"

// Operator is a front-desk employee allowed to use the impagos API. Operators
// are configured, not stored: the ledger only keeps their name on each
// action they log.
type Operator struct {
	Name           string    `json:"name"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
}
