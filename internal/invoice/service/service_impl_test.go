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
	"github.com/smallbiznis/rebill/internal/config"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	"github.com/smallbiznis/rebill/internal/invoice/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

func newTestService(t *testing.T, clk clock.Clock) invoicedomain.Service {
	t.Helper()

	// One named in-memory database per fixture; re-migrating an already
	// populated schema trips the sqlite DDL parser.
	dsn := fmt.Sprintf("file:invoicesvc%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&invoicedomain.Invoice{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Repo:    repository.Provide(),
		Billing: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
	})
}

func TestInvoice_CreateReusesRecentPending(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk)
	ctx := context.Background()

	req := invoicedomain.CreateRequest{
		SubscriptionID: 100,
		PeriodStart:    clk.Now(),
		PeriodEnd:      clk.Now().AddDate(0, 1, 0),
		Amount:         9900,
		Currency:       "KRW",
	}

	first, err := svc.Create(ctx, req)
	require.NoError(t, err)

	// Second create inside the reuse window returns the same invoice.
	second, err := svc.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Outside the window a fresh invoice is opened.
	clk.Advance(config.DefaultBillingConfig().InvoiceReuseWindow + time.Minute)
	third, err := svc.Create(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestInvoice_MarkPaidIsIdempotent(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk)
	ctx := context.Background()

	inv, err := svc.Create(ctx, invoicedomain.CreateRequest{
		SubscriptionID: 101,
		PeriodStart:    clk.Now(),
		PeriodEnd:      clk.Now().AddDate(0, 1, 0),
		Amount:         12000,
		Currency:       "KRW",
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkPaid(ctx, inv.ID, "pi_abc", clk.Now()))

	// Replay with the same id and with a different id: both no-ops.
	require.NoError(t, svc.MarkPaid(ctx, inv.ID, "pi_abc", clk.Now()))
	require.NoError(t, svc.MarkPaid(ctx, inv.ID, "pi_other", clk.Now()))

	got, err := svc.FindByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, got.Status)
	require.NotNil(t, got.PiUID)
	assert.Equal(t, "pi_abc", *got.PiUID)
}

func TestInvoice_PaidKeepsProviderIDWhenReplayOmitsIt(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk)
	ctx := context.Background()

	inv, err := svc.Create(ctx, invoicedomain.CreateRequest{
		SubscriptionID: 102,
		PeriodStart:    clk.Now(),
		PeriodEnd:      clk.Now().AddDate(0, 1, 0),
		Amount:         5000,
		Currency:       "USD",
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkPaid(ctx, inv.ID, "pi_keep", clk.Now()))
	require.NoError(t, svc.MarkPaid(ctx, inv.ID, "", clk.Now()))

	got, err := svc.FindByID(ctx, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PiUID)
	assert.Equal(t, "pi_keep", *got.PiUID)
}

func TestInvoice_FailedNeverBecomesPaid(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk)
	ctx := context.Background()

	inv, err := svc.Create(ctx, invoicedomain.CreateRequest{
		SubscriptionID: 103,
		PeriodStart:    clk.Now(),
		PeriodEnd:      clk.Now().AddDate(0, 1, 0),
		Amount:         9900,
		Currency:       "KRW",
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkFailed(ctx, inv.ID, "card_declined"))

	err = svc.MarkPaid(ctx, inv.ID, "pi_late", clk.Now())
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceAlreadyFailed)

	got, err := svc.FindByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusFailed, got.Status)
}

func TestInvoice_MarkFailedSkipsSettled(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk)
	ctx := context.Background()

	inv, err := svc.Create(ctx, invoicedomain.CreateRequest{
		SubscriptionID: 104,
		PeriodStart:    clk.Now(),
		PeriodEnd:      clk.Now().AddDate(0, 1, 0),
		Amount:         9900,
		Currency:       "KRW",
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkPaid(ctx, inv.ID, "pi_won", clk.Now()))
	// The late failure report is dropped, not applied.
	require.NoError(t, svc.MarkFailed(ctx, inv.ID, "late_decline"))

	got, err := svc.FindByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, got.Status)
}

func TestInvoice_FindPendingOlderThan(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk)
	ctx := context.Background()

	stale, err := svc.Create(ctx, invoicedomain.CreateRequest{
		SubscriptionID: 105,
		PeriodStart:    clk.Now(),
		PeriodEnd:      clk.Now().AddDate(0, 1, 0),
		Amount:         9900,
		Currency:       "KRW",
	})
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	fresh, err := svc.Create(ctx, invoicedomain.CreateRequest{
		SubscriptionID: 106,
		PeriodStart:    clk.Now(),
		PeriodEnd:      clk.Now().AddDate(0, 1, 0),
		Amount:         9900,
		Currency:       "KRW",
	})
	require.NoError(t, err)

	got, err := svc.FindPendingOlderThan(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
	assert.NotEqual(t, fresh.ID, got[0].ID)
}
