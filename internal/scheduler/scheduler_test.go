package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/rebill/internal/authorization"
	"github.com/smallbiznis/rebill/internal/billing"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	invoicerepository "github.com/smallbiznis/rebill/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/rebill/internal/invoice/service"
	paymentdomain "github.com/smallbiznis/rebill/internal/payment/domain"
	"github.com/smallbiznis/rebill/internal/payment/recorder"
	paymentrepository "github.com/smallbiznis/rebill/internal/payment/repository"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	planrepository "github.com/smallbiznis/rebill/internal/plan/repository"
	planservice "github.com/smallbiznis/rebill/internal/plan/service"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/rebill/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/rebill/internal/subscription/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

type allowAllAuthz struct{}

func (allowAllAuthz) Authorize(context.Context, string, string, string) error { return nil }

type denyAllAuthz struct{}

func (denyAllAuthz) Authorize(context.Context, string, string, string) error {
	return authorization.ErrForbidden
}

// stubGateway answers scripted results and records outbound calls.
type stubGateway struct {
	mu        sync.Mutex
	charges   []paymentdomain.PayResult
	lookups   []paymentdomain.LookupResult
	scheduled []paymentdomain.ScheduleRequest
}

func (g *stubGateway) ChargeNow(_ context.Context, _ paymentdomain.ChargeRequest) paymentdomain.PayResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.charges) == 0 {
		return paymentdomain.PayResult{Status: paymentdomain.PaymentUnknown}
	}
	res := g.charges[0]
	g.charges = g.charges[1:]
	return res
}

func (g *stubGateway) ScheduleCharge(_ context.Context, req paymentdomain.ScheduleRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scheduled = append(g.scheduled, req)
	return nil
}

func (g *stubGateway) Lookup(_ context.Context, _ string) paymentdomain.LookupResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.lookups) == 0 {
		return paymentdomain.LookupResult{Status: paymentdomain.PaymentPending}
	}
	res := g.lookups[0]
	g.lookups = g.lookups[1:]
	return res
}

func (g *stubGateway) BillingKeyDetail(_ context.Context, _ string) (*paymentdomain.ProviderPaymentView, error) {
	return nil, nil
}

type schedFixture struct {
	sched *Scheduler
	svc   *billing.Service
	plans plandomain.Service
	invs  invoicedomain.Service
	subs  subscriptiondomain.Service
	gw    *stubGateway
	clk   *clock.FakeClock
}

func newSchedFixture(t *testing.T, cfg Config, authz authorization.Service) *schedFixture {
	t.Helper()

	// One named in-memory database per fixture; re-migrating an already
	// populated schema trips the sqlite DDL parser.
	dsn := fmt.Sprintf("file:schedsvc%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
		&invoicedomain.Invoice{},
		&paymentdomain.Attempt{},
		&paymentdomain.PaymentProfile{},
		&paymentdomain.WebhookEvent{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	gw := &stubGateway{}
	paymentRepo := paymentrepository.Provide()

	plans := planservice.New(planservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  planrepository.Provide(),
	})
	invs := invoiceservice.New(invoiceservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   clk,
		Repo:    invoicerepository.Provide(),
		Billing: holder,
	})
	subs := subscriptionservice.New(subscriptionservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Repo:  subscriptionrepository.Provide(),
		Plans: plans,
	})
	rec := recorder.New(recorder.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   clk,
		Repo:    paymentRepo,
		Gateway: gw,
	})
	svc := billing.New(billing.Params{
		DB:            db,
		Log:           log,
		GenID:         node,
		Clock:         clk,
		Cfg:           config.Config{ChargeWorkers: 1},
		Billing:       holder,
		Invoices:      invs,
		Subscriptions: subs,
		Gateway:       gw,
		Recorder:      rec,
		PaymentRepo:   paymentRepo,
	})

	sched, err := New(Params{
		DB:              db,
		Log:             log,
		GenID:           node,
		Clock:           clk,
		Billing:         holder,
		BillingSvc:      svc,
		InvoiceSvc:      invs,
		SubscriptionSvc: subs,
		AuthzSvc:        authz,
		Config:          cfg,
	})
	require.NoError(t, err)

	return &schedFixture{
		sched: sched,
		svc:   svc,
		plans: plans,
		invs:  invs,
		subs:  subs,
		gw:    gw,
		clk:   clk,
	}
}

// activeSubscription provisions a plan, a billing key, and one settled
// charge so the member holds an ACTIVE subscription.
func (f *schedFixture) activeSubscription(t *testing.T, memberID int64, planCode string) *subscriptiondomain.Subscription {
	t.Helper()
	ctx := context.Background()

	_, err := f.plans.Create(ctx, plandomain.CreateRequest{
		Code:     planCode,
		Name:     planCode,
		Price:    "9900",
		Currency: "KRW",
		Months:   1,
	})
	require.NoError(t, err)

	sub, err := f.subs.Start(ctx, memberID, planCode)
	require.NoError(t, err)
	_, err = f.svc.RegisterPaymentProfile(ctx, memberID, "bk_"+planCode)
	require.NoError(t, err)

	f.gw.mu.Lock()
	f.gw.charges = append(f.gw.charges, paymentdomain.PayResult{
		Status:            paymentdomain.PaymentPaid,
		ProviderPaymentID: "pi_setup",
	})
	f.gw.mu.Unlock()

	outcome, err := f.svc.ChargeAndConfirm(ctx, memberID, sub.ID)
	require.NoError(t, err)
	require.Equal(t, billing.ChargeSuccess, outcome.Result)

	active, err := f.subs.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, active.Status)
	return active
}

func TestRenewalsJobSchedulesDueCharges(t *testing.T) {
	f := newSchedFixture(t, Config{}, allowAllAuthz{})
	ctx := context.Background()

	sub := f.activeSubscription(t, 201, "basic")
	require.NotNil(t, sub.NextBillingAt)

	// Jump to twelve hours before the renewal moment, inside the
	// default one-day lookahead.
	f.clk.Set(sub.NextBillingAt.Add(-12 * time.Hour))

	require.NoError(t, f.sched.RunOnce(ctx))

	f.gw.mu.Lock()
	scheduled := len(f.gw.scheduled)
	f.gw.mu.Unlock()
	require.Equal(t, 1, scheduled)

	invs, err := f.invs.ListBySubscription(ctx, sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, invs, 2)
}

func TestRenewalsJobIgnoresSubscriptionsOutsideLookahead(t *testing.T) {
	f := newSchedFixture(t, Config{}, allowAllAuthz{})
	ctx := context.Background()

	f.activeSubscription(t, 202, "basic")

	// A month out: nothing is due inside the lookahead window yet.
	require.NoError(t, f.sched.RenewalsJob(ctx))

	f.gw.mu.Lock()
	defer f.gw.mu.Unlock()
	assert.Empty(t, f.gw.scheduled)
}

func TestFinalizeCancelsJobFlipsLapsedSubscriptions(t *testing.T) {
	f := newSchedFixture(t, Config{}, allowAllAuthz{})
	ctx := context.Background()

	sub := f.activeSubscription(t, 203, "basic")
	_, err := f.subs.ScheduleCancelAtPeriodEnd(ctx, sub.ID, sub.MemberID)
	require.NoError(t, err)

	// Still inside the paid term: the job leaves the subscription alone.
	require.NoError(t, f.sched.FinalizeCancelsJob(ctx))
	got, err := f.subs.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCancelScheduled, got.Status)

	f.clk.Advance(32 * 24 * time.Hour)
	require.NoError(t, f.sched.FinalizeCancelsJob(ctx))

	got, err = f.subs.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, got.Status)
}

func TestReconcilePendingJobSettlesStaleInvoices(t *testing.T) {
	f := newSchedFixture(t, Config{}, allowAllAuthz{})
	ctx := context.Background()

	sub := f.activeSubscription(t, 204, "basic")

	now := f.clk.Now().UTC()
	inv, err := f.invs.Create(ctx, invoicedomain.CreateRequest{
		SubscriptionID: sub.ID,
		PeriodStart:    now,
		PeriodEnd:      now.AddDate(0, 1, 0),
		Amount:         9900,
		Currency:       "KRW",
	})
	require.NoError(t, err)

	f.clk.Advance(2 * time.Hour)
	f.gw.mu.Lock()
	f.gw.lookups = []paymentdomain.LookupResult{{
		Status:            paymentdomain.PaymentPaid,
		ProviderPaymentID: "pi_sweep",
	}}
	f.gw.mu.Unlock()

	require.NoError(t, f.sched.ReconcilePendingJob(ctx))

	got, err := f.invs.FindByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, got.Status)
	require.NotNil(t, got.PiUID)
	assert.Equal(t, "pi_sweep", *got.PiUID)
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	f := newSchedFixture(t, Config{EnabledJobs: []string{"renewals"}}, allowAllAuthz{})
	ctx := context.Background()

	sub := f.activeSubscription(t, 205, "basic")
	_, err := f.subs.ScheduleCancelAtPeriodEnd(ctx, sub.ID, sub.MemberID)
	require.NoError(t, err)
	f.clk.Advance(32 * 24 * time.Hour)

	require.NoError(t, f.sched.RunOnce(ctx))

	// finalize_cancels was not in the enabled set, so the lapsed
	// subscription is untouched.
	got, err := f.subs.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCancelScheduled, got.Status)
}

func TestRenewalsJobReportsAuthorizationDenial(t *testing.T) {
	f := newSchedFixture(t, Config{}, denyAllAuthz{})
	ctx := context.Background()

	sub := f.activeSubscription(t, 206, "basic")
	f.clk.Set(sub.NextBillingAt.Add(-12 * time.Hour))

	err := f.sched.RenewalsJob(ctx)
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	f.gw.mu.Lock()
	defer f.gw.mu.Unlock()
	assert.Empty(t, f.gw.scheduled)
}
