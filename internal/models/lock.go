package models

// AppLock is a lease on a background job. The scheduled reconciliation takes
// the "reconcile" lease so only one instance sweeps at a time; a lease past
// ExpiresAt may be taken over.
type AppLock struct {
	LockName string `gorm:"column:lock_name;primaryKey;size:64"`
	// Holder is the INSTANCE_ID of the owner.
	Holder     string `gorm:"column:holder;size:255;not null"`
	AcquiredAt int64  `gorm:"column:acquired_at;not null"`
	ExpiresAt  int64  `gorm:"column:expires_at;not null;index"`
}

// TableName specifies the table name for GORM
func (AppLock) TableName() string {
	return "app_locks"
}
