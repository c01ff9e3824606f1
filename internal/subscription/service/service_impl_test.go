package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/rebill/internal/clock"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	planrepository "github.com/smallbiznis/rebill/internal/plan/repository"
	planservice "github.com/smallbiznis/rebill/internal/plan/service"
	"github.com/smallbiznis/rebill/internal/subscription/domain"
	"github.com/smallbiznis/rebill/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Every fixture migrates its own named in-memory database. Reusing one
// database would make the second AutoMigrate re-parse live DDL.
var dbSeq atomic.Int64

type fixture struct {
	svc   domain.Service
	plans plandomain.Service
	clk   *clock.FakeClock
	node  *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:subsvc%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&plandomain.Plan{}, &domain.Subscription{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	plans := planservice.New(planservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  planrepository.Provide(),
	})

	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
		Plans: plans,
	})

	return &fixture{svc: svc, plans: plans, clk: clk, node: node}
}

func (f *fixture) createPlan(t *testing.T, code, price, currency string, months int) {
	t.Helper()
	_, err := f.plans.Create(context.Background(), plandomain.CreateRequest{
		Code:     code,
		Name:     code,
		Price:    price,
		Currency: currency,
		Months:   months,
	})
	require.NoError(t, err)
}

func (f *fixture) paidInvoice(sub *domain.Subscription, amount int64) *invoicedomain.Invoice {
	return &invoicedomain.Invoice{
		ID:             f.node.Generate().Int64(),
		SubscriptionID: sub.ID,
		Amount:         amount,
		Currency:       sub.Currency,
		Status:         invoicedomain.InvoiceStatusPaid,
	}
}

func TestSubscription_StartRejectsSecondLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createPlan(t, "basic", "9900", "KRW", 1)

	sub, err := f.svc.Start(ctx, 7001, "basic")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, sub.Status)

	_, err = f.svc.Start(ctx, 7001, "basic")
	assert.ErrorIs(t, err, domain.ErrSubscriptionExists)

	// A different member is unaffected.
	_, err = f.svc.Start(ctx, 7002, "basic")
	require.NoError(t, err)
}

func TestSubscription_ActivateAdvancesPeriodOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createPlan(t, "basic", "9900", "KRW", 1)

	sub, err := f.svc.Start(ctx, 7010, "basic")
	require.NoError(t, err)

	inv := f.paidInvoice(sub, 9900)
	require.NoError(t, f.svc.ActivateInvoice(ctx, inv, 0))

	got, err := f.svc.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	require.NotNil(t, got.TermStart)
	require.NotNil(t, got.TermEnd)
	assert.True(t, got.TermStart.Equal(f.clk.Now()))
	assert.True(t, got.TermEnd.Equal(f.clk.Now().AddDate(0, 1, 0)))

	// Replay of the same settled invoice: period does not move again.
	require.NoError(t, f.svc.ActivateInvoice(ctx, inv, 0))
	replayed, err := f.svc.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, replayed.TermEnd.Equal(*got.TermEnd))
}

func TestSubscription_PeriodNeverRegresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createPlan(t, "basic", "9900", "KRW", 1)

	sub, err := f.svc.Start(ctx, 7020, "basic")
	require.NoError(t, err)
	require.NoError(t, f.svc.ActivateInvoice(ctx, f.paidInvoice(sub, 9900), 0))

	first, err := f.svc.FindByID(ctx, sub.ID)
	require.NoError(t, err)

	// Renewal settles early, before the current term lapses: the new
	// term starts at the old term end, not at now.
	f.clk.Advance(24 * time.Hour)
	require.NoError(t, f.svc.ActivateInvoice(ctx, f.paidInvoice(sub, 9900), 0))

	second, err := f.svc.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, second.TermStart.Equal(*first.TermEnd))
	assert.True(t, second.TermEnd.Equal(first.TermEnd.AddDate(0, 1, 0)))
}

func TestSubscription_StagedPlanChangeAppliesOnRollover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createPlan(t, "basic", "9900", "KRW", 1)
	f.createPlan(t, "annual", "99000", "KRW", 12)

	sub, err := f.svc.Start(ctx, 7030, "basic")
	require.NoError(t, err)
	require.NoError(t, f.svc.ActivateInvoice(ctx, f.paidInvoice(sub, 9900), 0))

	staged, err := f.svc.StagePlanChange(ctx, sub.ID, 7030, "annual")
	require.NoError(t, err)
	require.NotNil(t, staged.NextPlanID)
	require.NotNil(t, staged.NextMonths)
	assert.Equal(t, 12, *staged.NextMonths)

	// Until rollover the live terms are unchanged.
	live, err := f.svc.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, live.Months)

	// The next settled invoice applies and clears the staged slots.
	require.NoError(t, f.svc.ActivateInvoice(ctx, f.paidInvoice(sub, 99000), 0))
	rolled, err := f.svc.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, rolled.Months)
	assert.Nil(t, rolled.NextPlanID)
	assert.Nil(t, rolled.NextPrice)
	assert.Nil(t, rolled.NextMonths)
	assert.True(t, rolled.TermEnd.Equal(rolled.TermStart.AddDate(0, 12, 0)))
}

func TestSubscription_CancelAtPeriodEndLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createPlan(t, "basic", "9900", "KRW", 1)

	sub, err := f.svc.Start(ctx, 7040, "basic")
	require.NoError(t, err)
	require.NoError(t, f.svc.ActivateInvoice(ctx, f.paidInvoice(sub, 9900), 0))

	scheduled, err := f.svc.ScheduleCancelAtPeriodEnd(ctx, sub.ID, 7040)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelScheduled, scheduled.Status)
	assert.True(t, scheduled.CancelAtPeriodEnd)

	// Not due yet: finalize is a no-op.
	require.NoError(t, f.svc.FinalizeIfDue(ctx, sub.ID))
	got, err := f.svc.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelScheduled, got.Status)

	// Revert while the period is still running.
	reverted, err := f.svc.RevertCancelAtPeriodEnd(ctx, sub.ID, 7040)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, reverted.Status)
	assert.False(t, reverted.CancelAtPeriodEnd)

	// Re-schedule, lapse the term, finalize.
	_, err = f.svc.ScheduleCancelAtPeriodEnd(ctx, sub.ID, 7040)
	require.NoError(t, err)
	f.clk.Advance(32 * 24 * time.Hour)
	require.NoError(t, f.svc.FinalizeIfDue(ctx, sub.ID))

	final, err := f.svc.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, final.Status)
	require.NotNil(t, final.CanceledAt)

	// Past the boundary there is nothing to revert.
	_, err = f.svc.RevertCancelAtPeriodEnd(ctx, sub.ID, 7040)
	assert.ErrorIs(t, err, domain.ErrPeriodLapsed)
}

func TestSubscription_ActivationKeepsCancelScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createPlan(t, "basic", "9900", "KRW", 1)

	sub, err := f.svc.Start(ctx, 7050, "basic")
	require.NoError(t, err)
	require.NoError(t, f.svc.ActivateInvoice(ctx, f.paidInvoice(sub, 9900), 0))
	_, err = f.svc.ScheduleCancelAtPeriodEnd(ctx, sub.ID, 7050)
	require.NoError(t, err)

	// A late renewal settles while cancellation is pending: the period
	// advances but the cancellation intent survives.
	require.NoError(t, f.svc.ActivateInvoice(ctx, f.paidInvoice(sub, 9900), 0))
	got, err := f.svc.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelScheduled, got.Status)
	assert.True(t, got.CancelAtPeriodEnd)
}

func TestSubscription_ActivateRequiresPaidInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createPlan(t, "basic", "9900", "KRW", 1)

	sub, err := f.svc.Start(ctx, 7060, "basic")
	require.NoError(t, err)

	pending := f.paidInvoice(sub, 9900)
	pending.Status = invoicedomain.InvoiceStatusPending
	err = f.svc.ActivateInvoice(ctx, pending, 0)
	assert.ErrorIs(t, err, domain.ErrInvoiceNotPaid)
}

func TestSubscription_GetEnforcesOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createPlan(t, "basic", "9900", "KRW", 1)

	sub, err := f.svc.Start(ctx, 7070, "basic")
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, sub.ID, 9999)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestSubscription_FixturesDoNotShareState(t *testing.T) {
	ctx := context.Background()

	first := newFixture(t)
	first.createPlan(t, "basic", "9900", "KRW", 1)
	_, err := first.svc.Start(ctx, 7090, "basic")
	require.NoError(t, err)

	// A second fixture in the same process migrates cleanly and sees
	// none of the first store's rows: the member can start fresh.
	second := newFixture(t)
	second.createPlan(t, "basic", "9900", "KRW", 1)
	sub, err := second.svc.Start(ctx, 7090, "basic")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, sub.Status)
}

func TestSubscription_ListRenewalsDueSkipsCancelScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createPlan(t, "basic", "9900", "KRW", 1)

	active, err := f.svc.Start(ctx, 7080, "basic")
	require.NoError(t, err)
	require.NoError(t, f.svc.ActivateInvoice(ctx, f.paidInvoice(active, 9900), 0))

	canceling, err := f.svc.Start(ctx, 7081, "basic")
	require.NoError(t, err)
	require.NoError(t, f.svc.ActivateInvoice(ctx, f.paidInvoice(canceling, 9900), 0))
	_, err = f.svc.ScheduleCancelAtPeriodEnd(ctx, canceling.ID, 7081)
	require.NoError(t, err)

	due, err := f.svc.ListRenewalsDue(ctx, f.clk.Now().AddDate(0, 2, 0), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, active.ID, due[0].ID)
}
