package notificator

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/ocus-app/activation/internal/models"
	"github.com/ocus-app/activation/pkg/logger"
)

// maxAlertErrors caps how many reconciliation failures one alert lists.
const maxAlertErrors = 10

// EmailSender delivers mail to customers.
type EmailSender interface {
	SendNotification(to, subject, message string) error
}

// AlertSender delivers operator alerts.
type AlertSender interface {
	SendNotification(message string) error
}

// Notificator fans pipeline events out to customers and operators. Either
// sender may be nil, in which case that channel is skipped.
type Notificator struct {
	logger *logger.Logger

	alerts AlertSender
	email  EmailSender

	downloadBaseURL string
}

func NewNotificator(logger *logger.Logger, alerts AlertSender, email EmailSender, downloadBaseURL string) *Notificator {
	return &Notificator{
		logger:          logger,
		alerts:          alerts,
		email:           email,
		downloadBaseURL: strings.TrimRight(downloadBaseURL, "/"),
	}
}

// safeCall runs a function with panic recovery (synchronous, no goroutine spawning)
func (n *Notificator) safeCall(fn func() error, context string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	if err := fn(); err != nil {
		n.logger.Error("Notification failed", "context", context, "error", err)
	}
}

// NotifyPurchaseCompleted tells the customer their key is waiting behind the
// scratch card. The key itself is never sent by email.
func (n *Notificator) NotifyPurchaseCompleted(order *models.Order, account *models.Account) {
	if n.email == nil || order == nil {
		return
	}
	subject, body := n.purchaseEmail(order, account)
	n.safeCall(func() error { return n.email.SendNotification(order.CustomerEmail, subject, body) }, "purchaseEmail")
}

// NotifyReconcileReport alerts operators about rows reconciliation could not fix.
func (n *Notificator) NotifyReconcileReport(report *models.ReconcileReport) {
	if n.alerts == nil || report == nil || len(report.Errors) == 0 {
		return
	}
	message := reconcileAlert(report)
	n.safeCall(func() error { return n.alerts.SendNotification(message) }, "reconcileAlert")
}

func (n *Notificator) purchaseEmail(order *models.Order, account *models.Account) (string, string) {
	name := order.CustomerName
	if name == "" && account != nil {
		name = account.Name
	}
	if name == "" {
		name = "there"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Hi %s,\n\n", name)
	sb.WriteString("Thank you for buying the OCUS extension. Your payment was received and your activation key is ready.\n")
	sb.WriteString("Sign in and scratch the card on your account page to reveal it.\n\n")
	if order.InvoiceNumber != nil {
		fmt.Fprintf(&sb, "Invoice: %s\n", *order.InvoiceNumber)
	}
	fmt.Fprintf(&sb, "Amount: %s %s\n", order.FinalAmount.StringFixed(2), order.Currency)
	if n.downloadBaseURL != "" {
		fmt.Fprintf(&sb, "Download (%d uses): %s/%s\n", order.MaxDownloads, n.downloadBaseURL, order.DownloadToken)
	}
	return "Your OCUS activation key is ready", sb.String()
}

func reconcileAlert(report *models.ReconcileReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Reconciliation finished with %d error(s)\n", len(report.Errors))
	fmt.Fprintf(&sb, "Fixed: users=%d customers=%d keys=%d\n", report.UsersFixed, report.CustomersFixed, report.KeysCreated)
	for i, e := range report.Errors {
		if i == maxAlertErrors {
			fmt.Fprintf(&sb, "... and %d more\n", len(report.Errors)-maxAlertErrors)
			break
		}
		fmt.Fprintf(&sb, "- [%s] %s %s: %s\n", e.Stage, e.Email, e.Order, e.Err)
	}
	return sb.String()
}
