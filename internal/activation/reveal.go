package activation

import (
	"context"
	"errors"

	"github.com/ocus-app/activation/internal/models"
)

// RevealKey releases the activation key to its owner (the scratch card).
// The first call needs a credited payment and an attached key; after that the
// same key is returned on every call.
func (a *Activation) RevealKey(ctx context.Context, email string) (string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	account, err := a.repo.RevealKey(ctx, email)
	switch {
	case errors.Is(err, models.ErrPaymentRequired):
		a.metrics.Reveal("payment_required")
		return "", err
	case errors.Is(err, models.ErrKeyNotReady):
		a.metrics.Reveal("key_not_ready")
		a.logger.Debug("Reveal before key attached", "email", email)
		return "", err
	case err != nil:
		a.metrics.Reveal("error")
		return "", err
	}
	a.metrics.Reveal("revealed")
	return *account.ActivationKey, nil
}
