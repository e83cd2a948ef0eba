package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the customer's purchasing and activation identity. It is the only
// mutable representation; LegacyUser is a projection of it.
type Account struct {
	ID    int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	Email string `json:"email" gorm:"column:email;uniqueIndex;not null"`
	Name  string `json:"name" gorm:"column:name"`
	// IsPremium and ExtensionActivated are only ever switched on by a completed purchase.
	IsPremium          bool `json:"is_premium" gorm:"column:is_premium;not null;default:false"`
	ExtensionActivated bool `json:"extension_activated" gorm:"column:extension_activated;not null;default:false"`
	// ActivationKey is minted once per account.
	ActivationKey         *string         `json:"activation_key,omitempty" gorm:"column:activation_key;uniqueIndex"`
	ActivationKeyRevealed bool            `json:"activation_key_revealed" gorm:"column:activation_key_revealed;not null;default:false"`
	TotalSpent            decimal.Decimal `json:"total_spent" gorm:"column:total_spent;type:numeric(12,2);not null;default:0"`
	TotalOrders           int             `json:"total_orders" gorm:"column:total_orders;not null;default:0"`
	TrialUses             int             `json:"trial_uses" gorm:"column:trial_uses;not null;default:0"`
	TrialLimit            int             `json:"trial_limit" gorm:"column:trial_limit;not null"`
	PremiumActivatedAt    *time.Time      `json:"premium_activated_at,omitempty" gorm:"column:premium_activated_at"`
	LastUsedAt            *time.Time      `json:"last_used_at,omitempty" gorm:"column:last_used_at"`
	CreatedAt             time.Time       `json:"created_at" gorm:"column:created_at;not null"`
	UpdatedAt             time.Time       `json:"updated_at" gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Account) TableName() string {
	return "customers"
}

// RevealState is the scratch-card state of an account's key.
type RevealState string

const (
	RevealLocked   RevealState = "locked"
	RevealReady    RevealState = "ready"
	RevealRevealed RevealState = "revealed"
)

// RevealState derives the scratch-card state from the account fields.
func (a *Account) RevealState() RevealState {
	switch {
	case a.ActivationKeyRevealed && a.ActivationKey != nil:
		return RevealRevealed
	case a.ActivationKey != nil && a.TotalSpent.IsPositive():
		return RevealReady
	default:
		return RevealLocked
	}
}

// HasPaid reports whether any payment was credited to the account.
func (a *Account) HasPaid() bool {
	return a.TotalSpent.IsPositive()
}

// TrialRemaining is the number of free uses left.
func (a *Account) TrialRemaining() int {
	if a.TrialUses >= a.TrialLimit {
		return 0
	}
	return a.TrialLimit - a.TrialUses
}

// LegacyUser is the old "users" table. It is written only as a projection of
// Account, in the same transaction as the Account write.
type LegacyUser struct {
	Email              string          `gorm:"column:email;primaryKey"`
	Name               string          `gorm:"column:name"`
	IsPremium          bool            `gorm:"column:is_premium;not null;default:false"`
	ExtensionActivated bool            `gorm:"column:extension_activated;not null;default:false"`
	ActivationKey      *string         `gorm:"column:activation_key"`
	TotalSpent         decimal.Decimal `gorm:"column:total_spent;type:numeric(12,2);not null;default:0"`
	UpdatedAt          time.Time       `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (LegacyUser) TableName() string {
	return "users"
}

// ProjectLegacyUser builds the legacy row that corresponds to an account.
func ProjectLegacyUser(a *Account) *LegacyUser {
	return &LegacyUser{
		Email:              a.Email,
		Name:               a.Name,
		IsPremium:          a.IsPremium,
		ExtensionActivated: a.ExtensionActivated,
		ActivationKey:      a.ActivationKey,
		TotalSpent:         a.TotalSpent,
		UpdatedAt:          a.UpdatedAt,
	}
}

// MatchesAccount reports whether the projection is in sync with the account.
func (u *LegacyUser) MatchesAccount(a *Account) bool {
	return u.Email == a.Email &&
		u.Name == a.Name &&
		u.IsPremium == a.IsPremium &&
		u.ExtensionActivated == a.ExtensionActivated &&
		equalKey(u.ActivationKey, a.ActivationKey) &&
		u.TotalSpent.Equal(a.TotalSpent)
}

func equalKey(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// TrialResult is the outcome of one Trial Gate call.
type TrialResult struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
}
