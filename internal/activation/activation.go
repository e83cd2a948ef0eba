package activation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/ocus-app/activation/internal/config"
	"github.com/ocus-app/activation/internal/keygen"
	"github.com/ocus-app/activation/internal/models"
	"github.com/ocus-app/activation/pkg/logger"
	"github.com/ocus-app/activation/pkg/validation"
)

const (
	// reconcileLockName is the AppLock taken by the scheduled sweep.
	reconcileLockName = "reconcile"
	// reconcileTimeout bounds one scheduled sweep.
	reconcileTimeout = 5 * time.Minute
)

// Activation is the purchase-to-activation pipeline. It holds no per-request
// state; every guarantee comes from the repository's constraints and
// conditional writes, so any number of instances can serve traffic.
type Activation struct {
	logger *logger.Logger
	config *config.Config

	repo        models.Repository
	keys        *keygen.Generator
	notificator models.NotificationService
	metrics     *Metrics

	scheduler *cron.Cron
	now       func() time.Time
}

var _ models.ActivationI = (*Activation)(nil)

// Option tunes an Activation.
type Option func(*Activation)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Activation) { a.now = now }
}

// WithGenerator replaces the key generator.
func WithGenerator(g *keygen.Generator) Option {
	return func(a *Activation) { a.keys = g }
}

// NewActivation creates a new Activation instance. notificator may be nil.
func NewActivation(
	repo models.Repository,
	notificator models.NotificationService,
	logger *logger.Logger,
	config *config.Config,
	registerer prometheus.Registerer,
	opts ...Option,
) (*Activation, error) {
	metrics, err := NewMetrics(registerer)
	if err != nil {
		return nil, err
	}
	a := &Activation{
		logger:      logger,
		config:      config,
		repo:        repo,
		notificator: notificator,
		metrics:     metrics,
		keys:        keygen.NewGenerator(repo, keygen.WithAttempts(config.KeyGenerationAttempts)),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Start schedules the reconciliation sweep. It returns immediately.
func (a *Activation) Start() error {
	if a.config.ReconcileSchedule == "" {
		a.logger.Info("Reconciliation schedule disabled")
		return nil
	}
	a.scheduler = cron.New()
	if _, err := a.scheduler.AddFunc(a.config.ReconcileSchedule, a.scheduledReconcile); err != nil {
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}
	a.scheduler.Start()
	a.logger.Info("Reconciliation scheduled", "schedule", a.config.ReconcileSchedule, "instance", a.config.InstanceID)
	return nil
}

// Stop waits for a running sweep to finish and stops the scheduler.
func (a *Activation) Stop() {
	if a.scheduler == nil {
		return
	}
	<-a.scheduler.Stop().Done()
}

func (a *Activation) scheduledReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	acquired, err := a.repo.AcquireLock(ctx, reconcileLockName, a.config.InstanceID, a.config.ReconcileLockTTL)
	if err != nil {
		a.logger.Error("Failed to acquire reconcile lock", "error", err)
		return
	}
	if !acquired {
		a.logger.Debug("Reconcile lock held by another instance")
		return
	}
	defer func() {
		if err := a.repo.ReleaseLock(context.Background(), reconcileLockName, a.config.InstanceID); err != nil {
			a.logger.Error("Failed to release reconcile lock", "error", err)
		}
	}()

	if _, err := a.Reconcile(ctx); err != nil {
		a.logger.Error("Scheduled reconciliation failed", "error", err)
	}
}

// normalizeEmail validates and lowercases an account identifier.
func normalizeEmail(email string) (string, error) {
	normalized, err := validation.ValidateAndNormalizeEmail(email)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return normalized, nil
}

// notify runs fn in the background when a notificator is configured.
func (a *Activation) notify(fn func(models.NotificationService)) {
	if a.notificator == nil {
		return
	}
	go fn(a.notificator)
}

// ensureKey attaches a key to the account unless it already has one. It
// reads the account first so a key is only minted when it can be used.
func (a *Activation) ensureKey(ctx context.Context, email, orderID string) (bool, error) {
	for attempt := 0; attempt < a.keys.Attempts(); attempt++ {
		account, err := a.repo.GetAccount(ctx, email)
		if err != nil {
			return false, err
		}
		if account.ActivationKey != nil {
			return false, nil
		}

		key, err := a.keys.Generate(ctx, orderID)
		if errors.Is(err, models.ErrKeyCollision) {
			return false, fmt.Errorf("%w: %v", models.ErrInternal, err)
		}
		if err != nil {
			return false, err
		}

		_, attached, err := a.repo.IssueOrAttachKey(ctx, email, orderID, key, a.now())
		if errors.Is(err, models.ErrKeyCollision) {
			// Someone inserted the same key between the check and the insert.
			a.logger.Warn("Activation key collision, retrying", "order_id", orderID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return false, err
		}
		if attached {
			a.metrics.KeyIssued()
			a.logger.Info("Activation key attached", "email", email, "order_id", orderID)
		}
		return attached, nil
	}
	return false, fmt.Errorf("%w: %v after %d attempts", models.ErrInternal, models.ErrKeyCollision, a.keys.Attempts())
}
