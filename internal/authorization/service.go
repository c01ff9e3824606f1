// Package authorization guards the billing operations behind a casbin
// RBAC model. Members act on their own subscriptions; the scheduler and
// webhook pipeline act as the system subject.
package authorization

import (
	"context"
	"errors"
)

const (
	ObjectSubscription = "subscription"
	ObjectInvoice      = "invoice"
	ObjectPayment      = "payment"
	ObjectWebhook      = "webhook"
)

const (
	ActionSubscriptionView         = "subscription.view"
	ActionSubscriptionCreate       = "subscription.create"
	ActionSubscriptionCharge       = "subscription.charge"
	ActionSubscriptionCancel       = "subscription.cancel"
	ActionSubscriptionCancelRevert = "subscription.cancel_revert"
	ActionSubscriptionPlanChange   = "subscription.plan_change"
	ActionSubscriptionFinalize     = "subscription.finalize"

	ActionInvoiceView     = "invoice.view"
	ActionInvoiceGenerate = "invoice.generate"
	ActionInvoiceSettle   = "invoice.settle"

	ActionPaymentCharge    = "payment.charge"
	ActionPaymentReconcile = "payment.reconcile"

	ActionWebhookIngest = "webhook.ingest"
)

var (
	ErrInvalidActor  = errors.New("authorization: invalid actor")
	ErrInvalidObject = errors.New("authorization: invalid object")
	ErrInvalidAction = errors.New("authorization: invalid action")
	ErrForbidden     = errors.New("authorization: forbidden")
)

// Service answers capability questions for an actor. Actors are either
// "system" or "member:<snowflake>".
type Service interface {
	Authorize(ctx context.Context, actor string, object string, action string) error
}
