package activation

import (
	"context"
	"errors"
	"fmt"

	"github.com/ocus-app/activation/internal/models"
)

// Reconcile repairs accounts that drifted from their orders: completed orders
// never credited, premium flags left off, activated accounts without a key,
// and users projections out of sync. Every repair is conditional on the drift
// still being there, so the sweep is safe next to live traffic and a second
// run right after the first changes nothing. Row failures are collected and
// the sweep carries on.
func (a *Activation) Reconcile(ctx context.Context) (*models.ReconcileReport, error) {
	report := &models.ReconcileReport{Errors: []models.ReconcileError{}}
	fail := func(stage, email, orderID string, err error) {
		report.Errors = append(report.Errors, models.ReconcileError{
			Email: email,
			Order: orderID,
			Stage: stage,
			Err:   fmt.Errorf("%w: %v", models.ErrAccountInconsistent, err).Error(),
		})
		a.logger.Warn("Reconciliation row failed", "stage", stage, "email", email, "order_id", orderID, "error", err)
	}

	orders, err := a.repo.ListUnappliedCompletedOrders(ctx)
	if err != nil {
		return nil, err
	}
	for _, order := range orders {
		_, applied, err := a.repo.ApplyCompletedPurchase(ctx, order.ID, a.now())
		if err != nil {
			fail("apply_order", order.CustomerEmail, order.ID, err)
			continue
		}
		if applied {
			report.CustomersFixed++
		}
	}

	emails, err := a.repo.ListAccountsMissingFlags(ctx)
	if err != nil {
		return nil, err
	}
	for _, email := range emails {
		repaired, err := a.repo.RepairAccountFlags(ctx, email, a.now())
		if err != nil {
			fail("repair_flags", email, "", err)
			continue
		}
		if repaired {
			report.CustomersFixed++
		}
	}

	keyless, err := a.repo.ListActivatedAccountsWithoutKey(ctx)
	if err != nil {
		return nil, err
	}
	for _, account := range keyless {
		orderID, err := a.repo.LatestCompletedOrderID(ctx, account.Email)
		if err != nil {
			fail("issue_key", account.Email, "", err)
			continue
		}
		if orderID == "" {
			// Activated without any paid order; keys only follow payments.
			fail("issue_key", account.Email, "", errors.New("activated account has no completed order"))
			continue
		}
		attached, err := a.ensureKey(ctx, account.Email, orderID)
		if err != nil {
			fail("issue_key", account.Email, orderID, err)
			continue
		}
		if attached {
			report.KeysCreated++
		}
	}

	drifted, err := a.repo.ListLegacyDrift(ctx)
	if err != nil {
		return nil, err
	}
	for _, email := range drifted {
		changed, err := a.repo.SyncLegacyUser(ctx, email)
		if err != nil {
			fail("sync_users", email, "", err)
			continue
		}
		if changed {
			report.UsersFixed++
		}
	}

	a.metrics.Reconciled(report)
	a.logger.Info("Reconciliation finished",
		"users_fixed", report.UsersFixed,
		"customers_fixed", report.CustomersFixed,
		"keys_created", report.KeysCreated,
		"errors", len(report.Errors))
	if len(report.Errors) > 0 {
		a.notify(func(n models.NotificationService) { n.NotifyReconcileReport(report) })
	}
	return report, nil
}
