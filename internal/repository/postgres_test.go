package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocus-app/activation/internal/models"
	"github.com/ocus-app/activation/pkg/logger"
)

var testTime = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *PostgresDB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := Open(sqlite.Open(dsn), logger.NewNop())
	require.NoError(t, err)

	sqlDB, err := db.Conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() { _ = db.Close() })
	return db
}

func pendingOrder(email, ref, amount string) *models.Order {
	order := &models.Order{
		ID:             uuid.NewString(),
		CustomerEmail:  email,
		ProductID:      "ocus-extension",
		OriginalAmount: decimal.RequireFromString(amount),
		FinalAmount:    decimal.RequireFromString(amount),
		Currency:       "EUR",
		Status:         models.OrderStatusPending,
		DownloadToken:  uuid.NewString(),
		MaxDownloads:   2,
		CreatedAt:      testTime,
		UpdatedAt:      testTime,
	}
	if ref != "" {
		order.PaymentReference = &ref
	}
	return order
}

// completedOrder stores an order and completes it.
func completedOrder(t *testing.T, db *PostgresDB, email, ref, amount string) *models.Order {
	t.Helper()
	ctx := context.Background()
	order, _, err := db.InsertOrder(ctx, pendingOrder(email, ref, amount))
	require.NoError(t, err)
	order, _, err = db.MarkCompleted(ctx, models.OrderRef{OrderID: order.ID}, order.FinalAmount, "EUR", testTime)
	require.NoError(t, err)
	return order
}

func TestInsertOrderDuplicateReference(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, created, err := db.InsertOrder(ctx, pendingOrder("a@example.com", "pay_1", "29.99"))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := db.InsertOrder(ctx, pendingOrder("a@example.com", "pay_1", "29.99"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Conn.Model(&models.Order{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestGetOrderNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = db.FindByPaymentReference(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMarkCompletedOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	order, _, err := db.InsertOrder(ctx, pendingOrder("a@example.com", "pay_1", "29.99"))
	require.NoError(t, err)

	completed, already, err := db.MarkCompleted(ctx, models.OrderRef{PaymentReference: "pay_1"}, decimal.RequireFromString("24.99"), "EUR", testTime)
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, models.OrderStatusCompleted, completed.Status)
	assert.True(t, completed.FinalAmount.Equal(decimal.RequireFromString("24.99")))
	require.NotNil(t, completed.InvoiceNumber)
	assert.Equal(t, models.InvoiceNumberFor(order.ID, testTime), *completed.InvoiceNumber)
	require.NotNil(t, completed.CompletedAt)

	again, already, err := db.MarkCompleted(ctx, models.OrderRef{OrderID: order.ID}, decimal.RequireFromString("99"), "USD", testTime.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, already)
	assert.True(t, again.FinalAmount.Equal(decimal.RequireFromString("24.99")))
	assert.Equal(t, "EUR", again.Currency)
	assert.Equal(t, *completed.InvoiceNumber, *again.InvoiceNumber)
}

func TestMarkCompletedRecordsPaymentReference(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	order, _, err := db.InsertOrder(ctx, pendingOrder("a@example.com", "", "29.99"))
	require.NoError(t, err)
	require.Nil(t, order.PaymentReference)

	completed, already, err := db.MarkCompleted(ctx, models.OrderRef{OrderID: order.ID, PaymentReference: "pay_1"}, order.FinalAmount, "EUR", testTime)
	require.NoError(t, err)
	assert.False(t, already)
	require.NotNil(t, completed.PaymentReference)
	assert.Equal(t, "pay_1", *completed.PaymentReference)

	found, err := db.FindByPaymentReference(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, found.ID)

	_, _, err = db.MarkCompleted(ctx, models.OrderRef{OrderID: order.ID, PaymentReference: "pay_2"}, order.FinalAmount, "EUR", testTime)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, already, err = db.MarkCompleted(ctx, models.OrderRef{OrderID: order.ID, PaymentReference: "pay_1"}, order.FinalAmount, "EUR", testTime)
	require.NoError(t, err)
	assert.True(t, already)
}

func TestMarkCompletedReferenceHeldByAnotherOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	completedOrder(t, db, "a@example.com", "pay_1", "29.99")
	other, _, err := db.InsertOrder(ctx, pendingOrder("a@example.com", "", "29.99"))
	require.NoError(t, err)

	_, _, err = db.MarkCompleted(ctx, models.OrderRef{OrderID: other.ID, PaymentReference: "pay_1"}, other.FinalAmount, "EUR", testTime)
	assert.ErrorIs(t, err, models.ErrDuplicatePayment)

	stored, err := db.GetOrder(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status, "the failed write is rolled back")
	assert.Nil(t, stored.PaymentReference)
}

func TestOrderTransitions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	failed, _, err := db.InsertOrder(ctx, pendingOrder("a@example.com", "pay_f", "10"))
	require.NoError(t, err)
	_, err = db.MarkFailed(ctx, failed.ID, testTime)
	require.NoError(t, err)
	_, err = db.MarkFailed(ctx, failed.ID, testTime)
	require.NoError(t, err, "failing twice is a no-op")

	_, _, err = db.MarkCompleted(ctx, models.OrderRef{OrderID: failed.ID}, failed.FinalAmount, "EUR", testTime)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = db.MarkRefunded(ctx, failed.ID, testTime)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	pending, _, err := db.InsertOrder(ctx, pendingOrder("a@example.com", "pay_p", "10"))
	require.NoError(t, err)
	_, err = db.MarkRefunded(ctx, pending.ID, testTime)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	completed := completedOrder(t, db, "a@example.com", "pay_c", "10")
	_, err = db.MarkFailed(ctx, completed.ID, testTime)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestApplyCompletedPurchaseCreditsOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	order := completedOrder(t, db, "buyer@example.com", "pay_1", "29.99")

	account, applied, err := db.ApplyCompletedPurchase(ctx, order.ID, testTime)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, account.IsPremium)
	assert.True(t, account.ExtensionActivated)
	assert.Equal(t, 1, account.TotalOrders)
	require.NotNil(t, account.PremiumActivatedAt)

	account, applied, err = db.ApplyCompletedPurchase(ctx, order.ID, testTime.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := db.GetAccount(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.True(t, stored.TotalSpent.Equal(decimal.RequireFromString("29.99")), "got %s", stored.TotalSpent)
	assert.Equal(t, 1, stored.TotalOrders)

	var user models.LegacyUser
	require.NoError(t, db.Conn.Where("email = ?", "buyer@example.com").First(&user).Error)
	assert.True(t, user.MatchesAccount(stored))
}

func TestApplyCompletedPurchaseKeepsFirstActivation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	first := completedOrder(t, db, "buyer@example.com", "pay_1", "29.99")
	second := completedOrder(t, db, "buyer@example.com", "pay_2", "19.99")

	account, _, err := db.ApplyCompletedPurchase(ctx, first.ID, testTime)
	require.NoError(t, err)
	activatedAt := *account.PremiumActivatedAt

	account, _, err = db.ApplyCompletedPurchase(ctx, second.ID, testTime.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, account.PremiumActivatedAt.Equal(activatedAt))
	assert.Equal(t, 2, account.TotalOrders)
	assert.True(t, account.TotalSpent.Equal(decimal.RequireFromString("49.98")))
}

func TestApplyCompletedPurchaseRequiresCompletedOrder(t *testing.T) {
	db := newTestDB(t)
	order, _, err := db.InsertOrder(context.Background(), pendingOrder("a@example.com", "pay_1", "10"))
	require.NoError(t, err)

	_, _, err = db.ApplyCompletedPurchase(context.Background(), order.ID, testTime)
	assert.ErrorIs(t, err, models.ErrOrderNotCompleted)
}

func TestGetOrCreateAccountDefaults(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	account, err := db.GetOrCreateAccount(ctx, "new@example.com", "New")
	require.NoError(t, err)
	assert.False(t, account.IsPremium)
	assert.Equal(t, defaultTrialLimit, account.TrialLimit)
	assert.True(t, account.TotalSpent.IsZero())

	again, err := db.GetOrCreateAccount(ctx, "new@example.com", "Other")
	require.NoError(t, err)
	assert.Equal(t, account.ID, again.ID)
	assert.Equal(t, "New", again.Name)

	var users int64
	require.NoError(t, db.Conn.Model(&models.LegacyUser{}).Count(&users).Error)
	assert.EqualValues(t, 1, users)
}

func TestIssueOrAttachKeyKeepsFirstKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, err := db.GetOrCreateAccount(ctx, "a@example.com", "")
	require.NoError(t, err)

	account, attached, err := db.IssueOrAttachKey(ctx, "a@example.com", "order-1", "OCUS-1-AAAAAAAA", testTime)
	require.NoError(t, err)
	assert.True(t, attached)
	assert.Equal(t, "OCUS-1-AAAAAAAA", *account.ActivationKey)

	account, attached, err = db.IssueOrAttachKey(ctx, "a@example.com", "order-2", "OCUS-2-BBBBBBBB", testTime)
	require.NoError(t, err)
	assert.False(t, attached)
	assert.Equal(t, "OCUS-1-AAAAAAAA", *account.ActivationKey)

	var keys int64
	require.NoError(t, db.Conn.Model(&models.ActivationKey{}).Count(&keys).Error)
	assert.EqualValues(t, 1, keys)

	exists, err := db.ActivationKeyExists(ctx, "OCUS-1-AAAAAAAA")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestIssueOrAttachKeyCollision(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for _, email := range []string{"a@example.com", "b@example.com"} {
		_, err := db.GetOrCreateAccount(ctx, email, "")
		require.NoError(t, err)
	}
	_, _, err := db.IssueOrAttachKey(ctx, "a@example.com", "order-1", "OCUS-1-AAAAAAAA", testTime)
	require.NoError(t, err)

	_, _, err = db.IssueOrAttachKey(ctx, "b@example.com", "order-2", "OCUS-1-AAAAAAAA", testTime)
	assert.ErrorIs(t, err, models.ErrKeyCollision)

	account, err := db.GetAccount(ctx, "b@example.com")
	require.NoError(t, err)
	assert.Nil(t, account.ActivationKey)
}

func TestRevealKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.RevealKey(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, models.ErrPaymentRequired)

	_, err = db.GetOrCreateAccount(ctx, "a@example.com", "")
	require.NoError(t, err)
	_, err = db.RevealKey(ctx, "a@example.com")
	assert.ErrorIs(t, err, models.ErrPaymentRequired)

	order := completedOrder(t, db, "a@example.com", "pay_1", "29.99")
	_, _, err = db.ApplyCompletedPurchase(ctx, order.ID, testTime)
	require.NoError(t, err)
	_, err = db.RevealKey(ctx, "a@example.com")
	assert.ErrorIs(t, err, models.ErrKeyNotReady)

	_, _, err = db.IssueOrAttachKey(ctx, "a@example.com", order.ID, "OCUS-1-AAAAAAAA", testTime)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		account, err := db.RevealKey(ctx, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, "OCUS-1-AAAAAAAA", *account.ActivationKey)
		assert.Equal(t, models.RevealRevealed, account.RevealState())
	}
}

func TestConsumeTrialUseStopsAtLimit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, err := db.GetOrCreateAccount(ctx, "trial@example.com", "")
	require.NoError(t, err)

	for _, remaining := range []int{2, 1, 0} {
		result, err := db.ConsumeTrialUse(ctx, "trial@example.com", testTime)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, remaining, result.Remaining)
	}

	result, err := db.ConsumeTrialUse(ctx, "trial@example.com", testTime)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)

	account, err := db.GetAccount(ctx, "trial@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, account.TrialUses)

	_, err = db.ConsumeTrialUse(ctx, "missing@example.com", testTime)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMarkRefundedKeepsAccess(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	order := completedOrder(t, db, "a@example.com", "pay_1", "29.99")
	_, _, err := db.ApplyCompletedPurchase(ctx, order.ID, testTime)
	require.NoError(t, err)
	_, _, err = db.IssueOrAttachKey(ctx, "a@example.com", order.ID, "OCUS-1-AAAAAAAA", testTime)
	require.NoError(t, err)

	refunded, err := db.MarkRefunded(ctx, order.ID, testTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRefunded, refunded.Status)
	assert.NotNil(t, refunded.CompletedAt)

	_, err = db.MarkRefunded(ctx, order.ID, testTime.Add(2*time.Hour))
	require.NoError(t, err)

	account, err := db.GetAccount(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, account.TotalSpent.IsZero())
	assert.True(t, account.IsPremium)
	assert.True(t, account.ExtensionActivated)
	assert.Equal(t, "OCUS-1-AAAAAAAA", *account.ActivationKey)

	var key models.ActivationKey
	require.NoError(t, db.Conn.Where("activation_key = ?", "OCUS-1-AAAAAAAA").First(&key).Error)
	assert.True(t, key.Active)
}

func TestRegisterDownload(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	pending, _, err := db.InsertOrder(ctx, pendingOrder("a@example.com", "pay_p", "10"))
	require.NoError(t, err)
	_, err = db.RegisterDownload(ctx, pending.DownloadToken)
	assert.ErrorIs(t, err, models.ErrOrderNotCompleted)

	order := completedOrder(t, db, "a@example.com", "pay_c", "10")
	for i := 1; i <= 2; i++ {
		got, err := db.RegisterDownload(ctx, order.DownloadToken)
		require.NoError(t, err)
		assert.Equal(t, i, got.DownloadCount)
	}
	_, err = db.RegisterDownload(ctx, order.DownloadToken)
	assert.ErrorIs(t, err, models.ErrDownloadLimitReached)

	_, err = db.RegisterDownload(ctx, "unknown")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteAccount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.GetOrCreateAccount(ctx, "free@example.com", "")
	require.NoError(t, err)
	require.NoError(t, db.DeleteAccount(ctx, "free@example.com", testTime))
	_, err = db.GetAccount(ctx, "free@example.com")
	assert.ErrorIs(t, err, models.ErrNotFound)
	var users int64
	require.NoError(t, db.Conn.Model(&models.LegacyUser{}).Where("email = ?", "free@example.com").Count(&users).Error)
	assert.Zero(t, users)

	order := completedOrder(t, db, "paid@example.com", "pay_1", "29.99")
	_, _, err = db.ApplyCompletedPurchase(ctx, order.ID, testTime)
	require.NoError(t, err)
	err = db.DeleteAccount(ctx, "paid@example.com", testTime)
	assert.ErrorIs(t, err, models.ErrAccountHasPurchases)
}

func TestMarkKeyUsed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, err := db.GetOrCreateAccount(ctx, "a@example.com", "")
	require.NoError(t, err)
	_, _, err = db.IssueOrAttachKey(ctx, "a@example.com", "order-1", "OCUS-1-AAAAAAAA", testTime)
	require.NoError(t, err)

	key, err := db.MarkKeyUsed(ctx, "OCUS-1-AAAAAAAA", testTime)
	require.NoError(t, err)
	require.NotNil(t, key.UsedAt)
	firstUse := *key.UsedAt

	key, err = db.MarkKeyUsed(ctx, "OCUS-1-AAAAAAAA", testTime.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, key.UsedAt.Equal(firstUse))

	_, err = db.MarkKeyUsed(ctx, "OCUS-9-ZZZZZZZZ", testTime)
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, db.DeleteAccount(ctx, "a@example.com", testTime))
	_, err = db.MarkKeyUsed(ctx, "OCUS-1-AAAAAAAA", testTime)
	assert.ErrorIs(t, err, models.ErrKeyInactive)
}

func TestAcquireLock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ok, err := db.AcquireLock(ctx, "reconcile", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.AcquireLock(ctx, "reconcile", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lock is held by another instance")

	ok, err = db.AcquireLock(ctx, "reconcile", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder can renew")

	require.NoError(t, db.ReleaseLock(ctx, "reconcile", "a"))
	ok, err = db.AcquireLock(ctx, "reconcile", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReconcileQueries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	order := completedOrder(t, db, "a@example.com", "pay_1", "29.99")

	orders, err := db.ListUnappliedCompletedOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, order.ID, orders[0].ID)

	_, _, err = db.ApplyCompletedPurchase(ctx, order.ID, testTime)
	require.NoError(t, err)
	orders, err = db.ListUnappliedCompletedOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)

	// Knock the flags off behind the repository's back.
	require.NoError(t, db.Conn.Model(&models.Account{}).Where("email = ?", "a@example.com").
		Updates(map[string]interface{}{"is_premium": false, "extension_activated": false}).Error)
	emails, err := db.ListAccountsMissingFlags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com"}, emails)

	drift, err := db.ListLegacyDrift(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com"}, drift)

	repaired, err := db.RepairAccountFlags(ctx, "a@example.com", testTime)
	require.NoError(t, err)
	assert.True(t, repaired)
	repaired, err = db.RepairAccountFlags(ctx, "a@example.com", testTime)
	require.NoError(t, err)
	assert.False(t, repaired)

	drift, err = db.ListLegacyDrift(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)

	keyless, err := db.ListActivatedAccountsWithoutKey(ctx)
	require.NoError(t, err)
	require.Len(t, keyless, 1)
	latest, err := db.LatestCompletedOrderID(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, order.ID, latest)

	latest, err = db.LatestCompletedOrderID(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Empty(t, latest)
}

func TestSyncLegacyUser(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, err := db.GetOrCreateAccount(ctx, "a@example.com", "Ann")
	require.NoError(t, err)

	changed, err := db.SyncLegacyUser(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, db.Conn.Where("email = ?", "a@example.com").Delete(&models.LegacyUser{}).Error)
	changed, err = db.SyncLegacyUser(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, changed)

	var user models.LegacyUser
	require.NoError(t, db.Conn.Where("email = ?", "a@example.com").First(&user).Error)
	assert.Equal(t, "Ann", user.Name)
}
