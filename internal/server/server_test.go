package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/rebill/internal/authorization"
	"github.com/smallbiznis/rebill/internal/config"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
)

type fakeAuthzService struct {
	denied bool
	calls  int
}

func (f *fakeAuthzService) Authorize(ctx context.Context, actor, object, action string) error {
	f.calls++
	_ = ctx
	_ = actor
	_ = object
	_ = action
	if f.denied {
		return authorization.ErrForbidden
	}
	return nil
}

type fakePlanService struct {
	plans []plandomain.Response
}

func (f *fakePlanService) Create(ctx context.Context, req plandomain.CreateRequest) (*plandomain.Response, error) {
	_ = ctx
	return &plandomain.Response{Code: req.Code, Name: req.Name, Price: req.Price, Currency: req.Currency, Months: req.Months}, nil
}

func (f *fakePlanService) GetByCode(ctx context.Context, code string) (*plandomain.Plan, error) {
	_ = ctx
	_ = code
	return nil, plandomain.ErrNotFound
}

func (f *fakePlanService) List(ctx context.Context, activeOnly bool) ([]plandomain.Response, error) {
	_ = ctx
	_ = activeOnly
	return f.plans, nil
}

type fakeSubscriptionService struct {
	sub    *subscriptiondomain.Subscription
	getErr error
}

func (f *fakeSubscriptionService) Start(ctx context.Context, memberID int64, planCode string) (*subscriptiondomain.Subscription, error) {
	_ = ctx
	_ = memberID
	_ = planCode
	return f.sub, nil
}

func (f *fakeSubscriptionService) ActivateInvoice(ctx context.Context, inv *invoicedomain.Invoice, months int) error {
	_ = ctx
	_ = inv
	_ = months
	return nil
}

func (f *fakeSubscriptionService) ScheduleCancelAtPeriodEnd(ctx context.Context, subscriptionID, actorID int64) (*subscriptiondomain.Subscription, error) {
	_ = ctx
	_ = subscriptionID
	_ = actorID
	return f.sub, nil
}

func (f *fakeSubscriptionService) RevertCancelAtPeriodEnd(ctx context.Context, subscriptionID, actorID int64) (*subscriptiondomain.Subscription, error) {
	_ = ctx
	_ = subscriptionID
	_ = actorID
	return f.sub, nil
}

func (f *fakeSubscriptionService) FinalizeIfDue(ctx context.Context, subscriptionID int64) error {
	_ = ctx
	_ = subscriptionID
	return nil
}

func (f *fakeSubscriptionService) StagePlanChange(ctx context.Context, subscriptionID, actorID int64, planCode string) (*subscriptiondomain.Subscription, error) {
	_ = ctx
	_ = subscriptionID
	_ = actorID
	_ = planCode
	return f.sub, nil
}

func (f *fakeSubscriptionService) Get(ctx context.Context, subscriptionID, actorID int64) (*subscriptiondomain.Subscription, error) {
	_ = ctx
	_ = subscriptionID
	_ = actorID
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.sub, nil
}

func (f *fakeSubscriptionService) FindByID(ctx context.Context, subscriptionID int64) (*subscriptiondomain.Subscription, error) {
	_ = ctx
	_ = subscriptionID
	return f.sub, nil
}

func (f *fakeSubscriptionService) AttachPaymentProfile(ctx context.Context, subscriptionID, profileID int64) error {
	_ = ctx
	_ = subscriptionID
	_ = profileID
	return nil
}

func (f *fakeSubscriptionService) ListRenewalsDue(ctx context.Context, before time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	_ = ctx
	_ = before
	_ = limit
	return nil, nil
}

func (f *fakeSubscriptionService) ListCancelsDue(ctx context.Context, limit int) ([]subscriptiondomain.Subscription, error) {
	_ = ctx
	_ = limit
	return nil, nil
}

type fakeInvoiceService struct {
	invoices []invoicedomain.Invoice
}

func (f *fakeInvoiceService) Create(ctx context.Context, req invoicedomain.CreateRequest) (*invoicedomain.Invoice, error) {
	_ = ctx
	_ = req
	return nil, nil
}

func (f *fakeInvoiceService) MarkPaid(ctx context.Context, invoiceID int64, providerPaymentID string, paidAt time.Time) error {
	_ = ctx
	_ = invoiceID
	_ = providerPaymentID
	_ = paidAt
	return nil
}

func (f *fakeInvoiceService) MarkFailed(ctx context.Context, invoiceID int64, reason string) error {
	_ = ctx
	_ = invoiceID
	_ = reason
	return nil
}

func (f *fakeInvoiceService) MarkCanceled(ctx context.Context, invoiceID int64) error {
	_ = ctx
	_ = invoiceID
	return nil
}

func (f *fakeInvoiceService) FindByID(ctx context.Context, invoiceID int64) (*invoicedomain.Invoice, error) {
	_ = ctx
	_ = invoiceID
	return nil, invoicedomain.ErrInvoiceNotFound
}

func (f *fakeInvoiceService) FindByProviderPaymentID(ctx context.Context, providerPaymentID string) (*invoicedomain.Invoice, error) {
	_ = ctx
	_ = providerPaymentID
	return nil, nil
}

func (f *fakeInvoiceService) FindPendingByAmount(ctx context.Context, amount int64, currency string, window time.Duration) ([]invoicedomain.Invoice, error) {
	_ = ctx
	_ = amount
	_ = currency
	_ = window
	return nil, nil
}

func (f *fakeInvoiceService) FindPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]invoicedomain.Invoice, error) {
	_ = ctx
	_ = age
	_ = limit
	return nil, nil
}

func (f *fakeInvoiceService) ListBySubscription(ctx context.Context, subscriptionID int64, limit int) ([]invoicedomain.Invoice, error) {
	_ = ctx
	_ = subscriptionID
	_ = limit
	return f.invoices, nil
}

func newTestServer(authz *fakeAuthzService, subs *fakeSubscriptionService, invs *fakeInvoiceService, plans *fakePlanService) *Server {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}

	return NewServer(ServerParams{
		Gin:             engine,
		Cfg:             config.Config{},
		GenID:           node,
		AuthzSvc:        authz,
		PlanSvc:         plans,
		InvoiceSvc:      invs,
		SubscriptionSvc: subs,
	})
}

func TestGetSubscriptionRequiresMemberHeader(t *testing.T) {
	srv := newTestServer(&fakeAuthzService{}, &fakeSubscriptionService{}, &fakeInvoiceService{}, &fakePlanService{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions/1234", nil)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestGetSubscriptionRejectsMalformedID(t *testing.T) {
	srv := newTestServer(&fakeAuthzService{}, &fakeSubscriptionService{}, &fakeInvoiceService{}, &fakePlanService{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions/not-a-number", nil)
	req.Header.Set(HeaderMember, "42")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestGetSubscriptionDeniedByPolicy(t *testing.T) {
	authz := &fakeAuthzService{denied: true}
	srv := newTestServer(authz, &fakeSubscriptionService{}, &fakeInvoiceService{}, &fakePlanService{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions/1234", nil)
	req.Header.Set(HeaderMember, "42")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", rec.Code, rec.Body.String())
	}
	if authz.calls == 0 {
		t.Fatal("expected the policy to be consulted")
	}
}

func TestGetSubscriptionOwnershipErrorMapsToForbidden(t *testing.T) {
	subs := &fakeSubscriptionService{getErr: subscriptiondomain.ErrForbidden}
	srv := newTestServer(&fakeAuthzService{}, subs, &fakeInvoiceService{}, &fakePlanService{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions/1234", nil)
	req.Header.Set(HeaderMember, "42")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestGetSubscriptionReturnsAggregate(t *testing.T) {
	sub := &subscriptiondomain.Subscription{
		ID:       1234,
		MemberID: 42,
		Status:   subscriptiondomain.StatusActive,
		Currency: "KRW",
	}
	srv := newTestServer(&fakeAuthzService{}, &fakeSubscriptionService{sub: sub}, &fakeInvoiceService{}, &fakePlanService{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions/1234", nil)
	req.Header.Set(HeaderMember, "42")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	var got subscriptiondomain.Subscription
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.ID != 1234 || got.Status != subscriptiondomain.StatusActive {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestListSubscriptionInvoices(t *testing.T) {
	sub := &subscriptiondomain.Subscription{ID: 1234, MemberID: 42, Status: subscriptiondomain.StatusActive}
	invs := &fakeInvoiceService{invoices: []invoicedomain.Invoice{
		{ID: 1, SubscriptionID: 1234, Amount: 9900, Currency: "KRW", Status: invoicedomain.InvoiceStatusPaid},
	}}
	srv := newTestServer(&fakeAuthzService{}, &fakeSubscriptionService{sub: sub}, invs, &fakePlanService{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions/1234/invoices", nil)
	req.Header.Set(HeaderMember, "42")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "\"invoices\"") {
		t.Fatalf("expected invoices envelope, got %s", rec.Body.String())
	}
}

func TestListPlans(t *testing.T) {
	plans := &fakePlanService{plans: []plandomain.Response{
		{Code: "basic", Name: "Basic", Price: "9900", Currency: "KRW", Months: 1},
	}}
	srv := newTestServer(&fakeAuthzService{}, &fakeSubscriptionService{}, &fakeInvoiceService{}, plans)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "\"basic\"") {
		t.Fatalf("expected plan code in body, got %s", rec.Body.String())
	}
}
