package models

import "time"

// ActivationKey is the credential that unlocks the extension.
type ActivationKey struct {
	// Key has the form OCUS-<epoch millis>-<8 base36 chars>.
	Key     string `json:"key" gorm:"column:activation_key;primaryKey;size:64"`
	OrderID string `json:"order_id" gorm:"column:order_id;index"`
	Email   string `json:"email" gorm:"column:email;index;not null"`
	Active  bool   `json:"active" gorm:"column:active;not null;default:true"`
	// UsedAt is stamped the first time the extension validates the key, not on reveal.
	UsedAt        *time.Time `json:"used_at,omitempty" gorm:"column:used_at"`
	CreatedAt     time.Time  `json:"created_at" gorm:"column:created_at;not null"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty" gorm:"column:deactivated_at"`
}

// TableName specifies the table name for GORM
func (ActivationKey) TableName() string {
	return "activation_keys"
}
