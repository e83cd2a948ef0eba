package activation

import (
	"context"

	"github.com/ocus-app/activation/internal/models"
)

// ConsumeTrialUse takes one free use if any is left. It never counts past the
// limit and does not look at premium status.
func (a *Activation) ConsumeTrialUse(ctx context.Context, email string) (models.TrialResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return models.TrialResult{}, err
	}
	result, err := a.repo.ConsumeTrialUse(ctx, email, a.now())
	if err != nil {
		return models.TrialResult{}, err
	}
	a.metrics.TrialUse(result.Allowed)
	return result, nil
}

// UseFeature lets premium accounts through and sends everyone else through
// the trial gate. ErrTrialExhausted is returned once the trial is used up.
func (a *Activation) UseFeature(ctx context.Context, email string) (models.TrialResult, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return models.TrialResult{}, err
	}
	account, err := a.repo.GetAccount(ctx, normalized)
	if err != nil {
		return models.TrialResult{}, err
	}
	if account.IsPremium || account.ExtensionActivated {
		return models.TrialResult{Allowed: true, Remaining: account.TrialRemaining()}, nil
	}

	result, err := a.ConsumeTrialUse(ctx, normalized)
	if err != nil {
		return models.TrialResult{}, err
	}
	if !result.Allowed {
		return result, models.ErrTrialExhausted
	}
	return result, nil
}
