package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle state of a tenant account.
type AccountStatus string

const (
	AccountActive      AccountStatus = "ACTIVE"
	AccountDeactivated AccountStatus = "DEACTIVATED"
)

// Role is a user's role inside an account.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleOwner Role = "OWNER"
	RoleUser  Role = "USER"
)

// Account is a tenant. Accounts are deactivated, never deleted.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Credits   decimal.Decimal `json:"credits" db:"credits"`
	Partition string          `json:"partition" db:"partition"`
	Status    AccountStatus   `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Tenant is the isolation context passed explicitly to every durable-store
// call that touches tenant-owned data.
type Tenant struct {
	AccountID string `json:"account_id"`
	Partition string `json:"partition"`
}

// Valid reports whether the tenant carries an account.
func (t Tenant) Valid() bool { return t.AccountID != "" }

// Actor is a user acting on behalf of a tenant.
type Actor struct {
	Tenant
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// IsAdmin reports whether the actor may act on entries owned by other accounts.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// LedgerKind distinguishes debits from credits in the credit journal.
type LedgerKind string

const (
	LedgerCharge LedgerKind = "CHARGE"
	LedgerRefund LedgerKind = "REFUND"
)

// ChargeRef identifies the row a charge pays for.
type ChargeRef struct {
	AccountID string `json:"account_id"`
	FileID    string `json:"file_id"`
	BatchSeq  int    `json:"batch_seq"`
	RowIndex  int    `json:"row_index"`
}

// LedgerEntry is one line of the credit journal.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	FileID       string          `json:"file_id" db:"file_id"`
	BatchSeq     int             `json:"batch_seq" db:"batch_seq"`
	RowIndex     int             `json:"row_index" db:"row_index"`
	Kind         LedgerKind      `json:"kind" db:"kind"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	Refunded     bool            `json:"refunded" db:"refunded"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}
