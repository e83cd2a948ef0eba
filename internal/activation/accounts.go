package activation

import (
	"context"
	"fmt"
	"strings"

	"github.com/ocus-app/activation/internal/keygen"
	"github.com/ocus-app/activation/internal/models"
)

func (a *Activation) GetOrCreateAccount(ctx context.Context, email, name string) (*models.Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return a.repo.GetOrCreateAccount(ctx, email, strings.TrimSpace(name))
}

// GetAccount returns the owner's view of an account. The key is left out
// until it has been revealed.
func (a *Activation) GetAccount(ctx context.Context, email string) (*models.AccountView, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	account, err := a.repo.GetAccount(ctx, email)
	if err != nil {
		return nil, err
	}
	view := &models.AccountView{
		Email:              account.Email,
		Name:               account.Name,
		IsPremium:          account.IsPremium,
		ExtensionActivated: account.ExtensionActivated,
		RevealState:        account.RevealState(),
		TotalSpent:         account.TotalSpent,
		TotalOrders:        account.TotalOrders,
		TrialRemaining:     account.TrialRemaining(),
	}
	if view.RevealState == models.RevealRevealed {
		view.ActivationKey = account.ActivationKey
	}
	return view, nil
}

// DeleteAccount removes an account that never paid.
func (a *Activation) DeleteAccount(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if err := a.repo.DeleteAccount(ctx, email, a.now()); err != nil {
		return err
	}
	a.logger.Info("Account deleted", "email", email)
	return nil
}

// ValidateKey is called by the extension. The first successful validation
// marks the key as used.
func (a *Activation) ValidateKey(ctx context.Context, key string) (*models.ActivationKey, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if !keygen.ValidFormat(key) {
		return nil, fmt.Errorf("%w: malformed activation key", models.ErrInvalidInput)
	}
	return a.repo.MarkKeyUsed(ctx, key, a.now())
}
