package commission

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/zllovesuki/atelier/customer"
	"github.com/zllovesuki/atelier/db/dbtest"
	"github.com/zllovesuki/atelier/earnings"
	"github.com/zllovesuki/atelier/errdefs"
	"github.com/zllovesuki/atelier/external/fakegateway"
	"github.com/zllovesuki/atelier/notification"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	clientID = "client"
	artistID = "artist"
)

type fixture struct {
	db        *gorm.DB
	gateway   *fakegateway.Gateway
	customers *customer.Manager
	earnings  *earnings.Manager
	manager   *Manager
}

func newFixture(t *testing.T) *fixture {
	gdb := dbtest.New(t)
	gw := fakegateway.New()
	cm, err := customer.NewManager(customer.ManagerOptions{
		DB:      gdb,
		Gateway: gw,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	em, err := earnings.NewManager(zap.NewNop(), gdb)
	require.NoError(t, err)
	outbox, err := notification.NewOutbox(notification.OutboxOptions{
		DB:         gdb,
		Recipients: cm,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	m, err := NewManager(ManagerOptions{
		DB:        gdb,
		Gateway:   gw,
		Customers: cm,
		Earnings:  em,
		Notifier:  outbox,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, cm.Save(ctx, &customer.Customer{ID: clientID, Email: "client@example.com", Name: "Cleo"}))
	require.NoError(t, cm.Save(ctx, &customer.Customer{ID: artistID, Email: "artist@example.com", DisplayName: "Ari"}))

	return &fixture{
		db:        gdb,
		gateway:   gw,
		customers: cm,
		earnings:  em,
		manager:   m,
	}
}

func (f *fixture) request(t *testing.T) *Commission {
	c, err := f.manager.CreateRequest(context.Background(), CreateRequestOptions{
		ClientID:    clientID,
		ArtistID:    artistID,
		Title:       "Portrait",
		Description: "A portrait of my cat",
		Type:        "painting",
		Specs:       &Specs{Size: "large", Medium: "oil", Revisions: 1},
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) quoted(t *testing.T, total string) *Commission {
	c := f.request(t)
	_, err := f.manager.SubmitQuote(context.Background(), QuoteOptions{
		CommissionID: c.ID,
		ArtistID:     artistID,
		TotalPrice:   d(total),
	})
	require.NoError(t, err)
	return c
}

// inProgress drives a new commission through a settled deposit
func (f *fixture) inProgress(t *testing.T, total string) (*Commission, string) {
	ctx := context.Background()
	c := f.quoted(t, total)
	accepted, err := f.manager.AcceptQuote(ctx, AcceptOptions{CommissionID: c.ID, ClientID: clientID})
	require.NoError(t, err)
	f.gateway.SetPaymentIntentStatus(accepted.PaymentIntentID, stripe.PaymentIntentStatusSucceeded)
	require.NoError(t, f.manager.HandleDepositConfirmed(ctx, accepted.PaymentIntentID))
	return c, accepted.PaymentIntentID
}

func (f *fixture) reload(t *testing.T, id string) *Commission {
	c, err := f.manager.Get(context.Background(), id, clientID)
	require.NoError(t, err)
	return c
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	acct, err := f.earnings.GetAccount(context.Background(), artistID)
	require.NoError(t, err)
	return acct.TotalEarnings
}

func (f *fixture) notifiedTypes(t *testing.T, userID string) []string {
	var rows []notification.Notification
	require.NoError(t, f.db.Where("user_id = ?", userID).Order("created_at, id").Find(&rows).Error)
	types := make([]string, 0, len(rows))
	for _, n := range rows {
		types = append(types, n.Type)
	}
	return types
}

func systemMessages(c *Commission) []Message {
	out := make([]Message, 0, len(c.Messages))
	for _, msg := range c.Messages {
		if msg.Kind == MessageSystem {
			out = append(out, msg)
		}
	}
	return out
}

func TestCreateRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c := f.request(t)
	assert.Equal(t, StatusPending, c.Status)
	assert.Equal(t, "Cleo", c.ClientName)
	assert.Equal(t, "Ari", c.ArtistName)
	assert.True(t, c.TotalPrice.IsZero())
	assert.Empty(t, c.Milestones)
	assert.Empty(t, c.Files)
	assert.Equal(t, "oil", c.Specs.Data().Medium)
	assert.Equal(t, []string{NotifyNewRequest}, f.notifiedTypes(t, artistID))

	cases := []CreateRequestOptions{
		{ArtistID: artistID, Title: "t", Description: "d", Type: "painting", Specs: &Specs{}},
		{ClientID: clientID, ArtistID: artistID, Description: "d", Type: "painting", Specs: &Specs{}},
		{ClientID: clientID, ArtistID: artistID, Title: "t", Description: "d", Type: "painting"},
		{ClientID: clientID, ArtistID: clientID, Title: "t", Description: "d", Type: "painting", Specs: &Specs{}},
	}
	for _, opt := range cases {
		_, err := f.manager.CreateRequest(ctx, opt)
		assert.True(t, errdefs.Is(err, errdefs.KindInvalidArgument), "got %v", err)
	}

	_, err := f.manager.CreateRequest(ctx, CreateRequestOptions{
		ClientID: clientID, ArtistID: "ghost", Title: "t", Description: "d", Type: "painting", Specs: &Specs{},
	})
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound), "got %v", err)
}

func TestCreateRequestNameFallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.customers.Save(ctx, &customer.Customer{ID: "anon"}))

	c, err := f.manager.CreateRequest(ctx, CreateRequestOptions{
		ClientID: "anon", ArtistID: artistID, Title: "t", Description: "d", Type: "sketch", Specs: &Specs{},
	})
	require.NoError(t, err)
	assert.Equal(t, "Unknown Client", c.ClientName)
}

func TestSubmitQuote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.request(t)

	_, err := f.manager.SubmitQuote(ctx, QuoteOptions{CommissionID: c.ID, ArtistID: clientID, TotalPrice: d("200")})
	assert.True(t, errdefs.Is(err, errdefs.KindPermissionDenied), "got %v", err)

	_, err = f.manager.SubmitQuote(ctx, QuoteOptions{CommissionID: c.ID, ArtistID: artistID, TotalPrice: d("0")})
	assert.True(t, errdefs.Is(err, errdefs.KindInvalidArgument), "got %v", err)

	over := d("150")
	_, err = f.manager.SubmitQuote(ctx, QuoteOptions{
		CommissionID: c.ID, ArtistID: artistID, TotalPrice: d("200"),
		DepositAmount: &over, FinalAmount: &over,
	})
	assert.True(t, errdefs.Is(err, errdefs.KindInvalidArgument), "got %v", err)

	_, err = f.manager.SubmitQuote(ctx, QuoteOptions{
		CommissionID: c.ID, ArtistID: artistID, TotalPrice: d("200"),
		Milestones: []MilestoneInput{{Title: "Sketch", Amount: d("150")}, {Title: "Color", Amount: d("100")}},
	})
	assert.True(t, errdefs.Is(err, errdefs.KindInvalidArgument), "got %v", err)

	quoted, err := f.manager.SubmitQuote(ctx, QuoteOptions{
		CommissionID: c.ID,
		ArtistID:     artistID,
		TotalPrice:   d("200"),
		Milestones:   []MilestoneInput{{Title: "Sketch", Amount: d("50")}},
		Message:      "Happy to take this on",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQuoted, quoted.Status)
	assert.True(t, d("100").Equal(quoted.DepositAmount))
	assert.True(t, d("100").Equal(quoted.FinalAmount))
	assert.True(t, quoted.DepositAmount.Add(quoted.FinalAmount).Equal(quoted.TotalPrice))
	require.Len(t, quoted.Milestones, 1)
	assert.Equal(t, MilestonePending, quoted.Milestones[0].Status)
	require.Len(t, quoted.Messages, 2)
	require.Len(t, systemMessages(quoted), 1)
	assert.Equal(t, "Quote submitted for $200.00 (deposit $100.00, final $100.00)", systemMessages(quoted)[0].Body)
	for _, msg := range quoted.Messages {
		if msg.Kind == MessageQuote {
			assert.Equal(t, "Happy to take this on", msg.Body)
			assert.Equal(t, artistID, msg.SenderID)
		}
	}
	assert.Equal(t, []string{NotifyQuoteReceived}, f.notifiedTypes(t, clientID))

	_, err = f.manager.SubmitQuote(ctx, QuoteOptions{CommissionID: c.ID, ArtistID: artistID, TotalPrice: d("300")})
	assert.True(t, errdefs.Is(err, errdefs.KindFailedPrecondition), "got %v", err)
}

func TestCompleteBeforeQuoteFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.request(t)

	_, err := f.manager.Complete(ctx, CompleteOptions{CommissionID: c.ID, ArtistID: artistID})
	require.Error(t, err)
	var terr *TransitionError
	assert.ErrorAs(t, err, &terr)
	assert.True(t, errdefs.Is(err, errdefs.KindFailedPrecondition))
	assert.Equal(t, StatusPending, f.reload(t, c.ID).Status)

	f.gateway.Errors["CreatePaymentIntent"] = assert.AnError
	quoted := f.quoted(t, "200")
	_, err = f.manager.Complete(ctx, CompleteOptions{CommissionID: quoted.ID, ArtistID: artistID})
	assert.True(t, errdefs.Is(err, errdefs.KindFailedPrecondition), "got %v", err)
	assert.Equal(t, StatusQuoted, f.reload(t, quoted.ID).Status)
}

func TestAcceptQuote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.quoted(t, "200")

	_, err := f.manager.AcceptQuote(ctx, AcceptOptions{CommissionID: c.ID, ClientID: artistID})
	assert.True(t, errdefs.Is(err, errdefs.KindPermissionDenied), "got %v", err)
	assert.Zero(t, f.gateway.Mutations())

	result, err := f.manager.AcceptQuote(ctx, AcceptOptions{CommissionID: c.ID, ClientID: clientID})
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, result.Status)
	assert.Equal(t, result.PaymentIntentID+"_secret", result.ClientSecret)

	require.Len(t, f.gateway.Customers, 1)
	require.Len(t, f.gateway.CreatedIntents, 1)
	intent := f.gateway.CreatedIntents[0]
	assert.True(t, d("100").Equal(intent.Amount))
	assert.Equal(t, `Commission deposit for "Portrait"`, intent.Description)
	assert.Equal(t, map[string]string{
		"commissionId": c.ID,
		"type":         PaymentTypeDeposit,
		"clientId":     clientID,
		"artistId":     artistID,
	}, intent.Metadata)

	profile, err := f.customers.GetByID(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, intent.CustomerID, profile.GatewayCustomerID)

	reloaded := f.reload(t, c.ID)
	assert.Equal(t, result.PaymentIntentID, reloaded.DepositPaymentIntentID)
	assert.NotNil(t, reloaded.AcceptedAt)

	_, err = f.manager.AcceptQuote(ctx, AcceptOptions{CommissionID: c.ID, ClientID: clientID})
	assert.True(t, errdefs.Is(err, errdefs.KindFailedPrecondition), "got %v", err)
	assert.Len(t, f.gateway.Customers, 1)
}

func TestDepositScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.quoted(t, "200")

	accepted, err := f.manager.AcceptQuote(ctx, AcceptOptions{CommissionID: c.ID, ClientID: clientID})
	require.NoError(t, err)
	assert.True(t, d("100").Equal(accepted.DepositAmount))

	err = f.manager.HandleDepositConfirmed(ctx, accepted.PaymentIntentID)
	assert.True(t, errdefs.Is(err, errdefs.KindFailedPrecondition), "got %v", err)
	assert.Equal(t, StatusAccepted, f.reload(t, c.ID).Status)

	before := len(systemMessages(f.reload(t, c.ID)))
	f.gateway.SetPaymentIntentStatus(accepted.PaymentIntentID, stripe.PaymentIntentStatusSucceeded)
	require.NoError(t, f.manager.HandleDepositConfirmed(ctx, accepted.PaymentIntentID))

	after := f.reload(t, c.ID)
	assert.Equal(t, StatusInProgress, after.Status)
	assert.NotNil(t, after.StartedAt)
	assert.True(t, d("100").Equal(f.balance(t)), "balance %s", f.balance(t))

	system := systemMessages(after)
	require.Len(t, system, before+1)
	assert.Contains(t, system[len(system)-1].Body, "Deposit of $100.00 received")
	assert.Contains(t, f.notifiedTypes(t, artistID), NotifyDepositReceived)

	// a redelivered confirmation credits nothing and appends nothing
	require.NoError(t, f.manager.HandleDepositConfirmed(ctx, accepted.PaymentIntentID))
	assert.True(t, d("100").Equal(f.balance(t)))
	assert.Len(t, systemMessages(f.reload(t, c.ID)), before+1)

	txns, err := f.earnings.ListTransactions(ctx, artistID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, earnings.TypeCommissionDeposit, txns[0].Type)
	assert.Equal(t, c.ID, txns[0].SourceID)
}

func TestDepositRejectsForeignIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.quoted(t, "200")

	_, err := f.manager.AcceptQuote(ctx, AcceptOptions{CommissionID: c.ID, ClientID: clientID})
	require.NoError(t, err)

	f.gateway.PaymentIntents["pi_other"] = &stripe.PaymentIntent{
		ID:       "pi_other",
		Status:   stripe.PaymentIntentStatusSucceeded,
		Metadata: map[string]string{"commissionId": c.ID, "type": PaymentTypeDeposit},
	}
	err = f.manager.HandleDepositConfirmed(ctx, "pi_other")
	assert.True(t, errdefs.Is(err, errdefs.KindFailedPrecondition), "got %v", err)

	f.gateway.PaymentIntents["pi_final"] = &stripe.PaymentIntent{
		ID:       "pi_final",
		Status:   stripe.PaymentIntentStatusSucceeded,
		Metadata: map[string]string{"commissionId": c.ID, "type": PaymentTypeFinal},
	}
	err = f.manager.HandleDepositConfirmed(ctx, "pi_final")
	assert.True(t, errdefs.Is(err, errdefs.KindInvalidArgument), "got %v", err)

	err = f.manager.HandleDepositConfirmed(ctx, "pi_missing")
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound), "got %v", err)

	assert.Equal(t, StatusAccepted, f.reload(t, c.ID).Status)
	assert.True(t, f.balance(t).IsZero())
}

func TestCompleteAndFinalPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, _ := f.inProgress(t, "200")

	_, err := f.manager.Complete(ctx, CompleteOptions{CommissionID: c.ID, ArtistID: clientID})
	assert.True(t, errdefs.Is(err, errdefs.KindPermissionDenied), "got %v", err)

	result, err := f.manager.Complete(ctx, CompleteOptions{
		CommissionID: c.ID,
		ArtistID:     artistID,
		DeliveryFiles: []File{
			{Name: "portrait.png", URL: "https://cdn.example.com/portrait.png", Type: "image/png"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	require.NotEmpty(t, result.FinalPaymentIntentID)
	assert.NotEmpty(t, result.FinalPaymentClientSecret)

	final := f.gateway.CreatedIntents[len(f.gateway.CreatedIntents)-1]
	assert.True(t, d("100").Equal(final.Amount))
	assert.Equal(t, PaymentTypeFinal, final.Metadata["type"])
	assert.Equal(t, `Final payment for commission "Portrait"`, final.Description)

	completed := f.reload(t, c.ID)
	require.Len(t, completed.Files, 1)
	assert.Equal(t, artistID, completed.Files[0].UploadedBy)
	assert.False(t, completed.Files[0].UploadedAt.IsZero())
	assert.Equal(t, result.FinalPaymentIntentID, completed.FinalPaymentIntentID)

	f.gateway.SetPaymentIntentStatus(result.FinalPaymentIntentID, stripe.PaymentIntentStatusSucceeded)
	require.NoError(t, f.manager.HandleFinalPaymentConfirmed(ctx, result.FinalPaymentIntentID))
	require.NoError(t, f.manager.HandleFinalPaymentConfirmed(ctx, result.FinalPaymentIntentID))

	delivered := f.reload(t, c.ID)
	assert.Equal(t, StatusDelivered, delivered.Status)
	assert.NotNil(t, delivered.DeliveredAt)
	assert.True(t, d("200").Equal(f.balance(t)), "balance %s", f.balance(t))

	assert.ElementsMatch(t, []string{NotifyQuoteReceived, NotifyCompleted, NotifyDelivered}, f.notifiedTypes(t, clientID))
	assert.Contains(t, f.notifiedTypes(t, artistID), NotifyFinalPaymentReceived)
}

func TestCompleteWithNothingOwedDelivers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.request(t)

	all := d("120")
	_, err := f.manager.SubmitQuote(ctx, QuoteOptions{CommissionID: c.ID, ArtistID: artistID, TotalPrice: all, DepositAmount: &all})
	require.NoError(t, err)
	accepted, err := f.manager.AcceptQuote(ctx, AcceptOptions{CommissionID: c.ID, ClientID: clientID})
	require.NoError(t, err)
	f.gateway.SetPaymentIntentStatus(accepted.PaymentIntentID, stripe.PaymentIntentStatusSucceeded)
	require.NoError(t, f.manager.HandleDepositConfirmed(ctx, accepted.PaymentIntentID))

	intents := len(f.gateway.CreatedIntents)
	result, err := f.manager.Complete(ctx, CompleteOptions{CommissionID: c.ID, ArtistID: artistID})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, result.Status)
	assert.Empty(t, result.FinalPaymentIntentID)
	assert.Len(t, f.gateway.CreatedIntents, intents)
	assert.True(t, d("120").Equal(f.balance(t)))
}

func TestMilestonePayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.request(t)

	_, err := f.manager.SubmitQuote(ctx, QuoteOptions{
		CommissionID: c.ID,
		ArtistID:     artistID,
		TotalPrice:   d("300"),
		Milestones:   []MilestoneInput{{Title: "Sketch", Amount: d("40")}},
	})
	require.NoError(t, err)
	milestoneID := f.reload(t, c.ID).Milestones[0].ID

	_, err = f.manager.RequestMilestonePayment(ctx, MilestonePayOptions{CommissionID: c.ID, MilestoneID: milestoneID, ClientID: clientID})
	assert.True(t, errdefs.Is(err, errdefs.KindFailedPrecondition), "got %v", err)

	accepted, err := f.manager.AcceptQuote(ctx, AcceptOptions{CommissionID: c.ID, ClientID: clientID})
	require.NoError(t, err)

	deposit, err := f.manager.RequestMilestonePayment(ctx, MilestonePayOptions{CommissionID: c.ID, MilestoneID: DepositMilestoneID, ClientID: clientID})
	require.NoError(t, err)
	assert.Equal(t, accepted.PaymentIntentID, deposit.PaymentIntentID)

	// the deposit milestone takes the top level transition
	f.gateway.SetPaymentIntentStatus(accepted.PaymentIntentID, stripe.PaymentIntentStatusSucceeded)
	require.NoError(t, f.manager.HandleMilestonePayment(ctx, c.ID, DepositMilestoneID, accepted.PaymentIntentID))
	assert.Equal(t, StatusInProgress, f.reload(t, c.ID).Status)

	pay, err := f.manager.RequestMilestonePayment(ctx, MilestonePayOptions{CommissionID: c.ID, MilestoneID: milestoneID, ClientID: clientID})
	require.NoError(t, err)
	assert.Equal(t, "40.00", pay.Amount)
	intent := f.gateway.CreatedIntents[len(f.gateway.CreatedIntents)-1]
	assert.Equal(t, PaymentTypeMilestone, intent.Metadata["type"])
	assert.Equal(t, milestoneID, intent.Metadata["milestoneId"])

	f.gateway.SetPaymentIntentStatus(pay.PaymentIntentID, stripe.PaymentIntentStatusSucceeded)
	require.NoError(t, f.manager.HandleMilestonePayment(ctx, c.ID, milestoneID, pay.PaymentIntentID))
	require.NoError(t, f.manager.HandleMilestonePayment(ctx, c.ID, milestoneID, pay.PaymentIntentID))

	after := f.reload(t, c.ID)
	assert.Equal(t, StatusInProgress, after.Status)
	require.Len(t, after.Milestones, 1)
	assert.Equal(t, MilestonePaid, after.Milestones[0].Status)
	assert.Equal(t, pay.PaymentIntentID, after.Milestones[0].PaymentIntentID)
	assert.NotNil(t, after.Milestones[0].PaidAt)
	assert.True(t, d("190").Equal(f.balance(t)), "balance %s", f.balance(t))
	assert.Contains(t, f.notifiedTypes(t, artistID), NotifyMilestonePaid)

	_, err = f.manager.RequestMilestonePayment(ctx, MilestonePayOptions{CommissionID: c.ID, MilestoneID: milestoneID, ClientID: clientID})
	assert.True(t, errdefs.Is(err, errdefs.KindFailedPrecondition), "got %v", err)

	err = f.manager.HandleMilestonePayment(ctx, c.ID, "nope", pay.PaymentIntentID)
	assert.True(t, errdefs.Is(err, errdefs.KindInvalidArgument), "got %v", err)
}

// charged sums every payment intent created for the client
func (f *fixture) charged() decimal.Decimal {
	total := decimal.Zero
	for _, pi := range f.gateway.CreatedIntents {
		total = total.Add(pi.Amount)
	}
	return total
}

// withMilestones drives a new commission quoted with milestones through a settled deposit
func (f *fixture) withMilestones(t *testing.T, total string, amounts ...string) (*Commission, []Milestone) {
	ctx := context.Background()
	c := f.request(t)
	inputs := make([]MilestoneInput, 0, len(amounts))
	for i, a := range amounts {
		inputs = append(inputs, MilestoneInput{Title: fmt.Sprintf("Stage %d", i+1), Amount: d(a)})
	}
	_, err := f.manager.SubmitQuote(ctx, QuoteOptions{CommissionID: c.ID, ArtistID: artistID, TotalPrice: d(total), Milestones: inputs})
	require.NoError(t, err)
	accepted, err := f.manager.AcceptQuote(ctx, AcceptOptions{CommissionID: c.ID, ClientID: clientID})
	require.NoError(t, err)
	f.gateway.SetPaymentIntentStatus(accepted.PaymentIntentID, stripe.PaymentIntentStatusSucceeded)
	require.NoError(t, f.manager.HandleDepositConfirmed(ctx, accepted.PaymentIntentID))
	return c, f.reload(t, c.ID).Milestones
}

func (f *fixture) payMilestone(t *testing.T, c *Commission, ms Milestone) string {
	ctx := context.Background()
	pay, err := f.manager.RequestMilestonePayment(ctx, MilestonePayOptions{CommissionID: c.ID, MilestoneID: ms.ID, ClientID: clientID})
	require.NoError(t, err)
	f.gateway.SetPaymentIntentStatus(pay.PaymentIntentID, stripe.PaymentIntentStatusSucceeded)
	require.NoError(t, f.manager.HandleMilestonePayment(ctx, c.ID, ms.ID, pay.PaymentIntentID))
	return pay.PaymentIntentID
}

func TestQuoteMilestonesCannotExceedFinal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.request(t)

	_, err := f.manager.SubmitQuote(ctx, QuoteOptions{
		CommissionID: c.ID, ArtistID: artistID, TotalPrice: d("200"),
		Milestones: []MilestoneInput{{Title: "Everything", Amount: d("200")}},
	})
	assert.True(t, errdefs.Is(err, errdefs.KindInvalidArgument), "got %v", err)

	_, err = f.manager.SubmitQuote(ctx, QuoteOptions{
		CommissionID: c.ID, ArtistID: artistID, TotalPrice: d("200"),
		Milestones: []MilestoneInput{{Title: "Sketch", Amount: d("60")}, {Title: "Color", Amount: d("40")}},
	})
	require.NoError(t, err)
}

func TestMilestonesArePaidOutOfFinal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, milestones := f.withMilestones(t, "200", "60")
	f.payMilestone(t, c, milestones[0])

	result, err := f.manager.Complete(ctx, CompleteOptions{CommissionID: c.ID, ArtistID: artistID})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	final := f.gateway.PaymentIntents[result.FinalPaymentIntentID]
	require.NotNil(t, final)
	assert.EqualValues(t, 4000, final.Amount)
	assert.True(t, d("40").Equal(f.reload(t, c.ID).FinalDue))

	f.gateway.SetPaymentIntentStatus(result.FinalPaymentIntentID, stripe.PaymentIntentStatusSucceeded)
	require.NoError(t, f.manager.HandleFinalPaymentConfirmed(ctx, result.FinalPaymentIntentID))

	delivered := f.reload(t, c.ID)
	assert.Equal(t, StatusDelivered, delivered.Status)
	assert.True(t, delivered.TotalPrice.Equal(f.charged()), "charged %s", f.charged())
	assert.True(t, delivered.TotalPrice.Equal(f.balance(t)), "balance %s", f.balance(t))
}

func TestMilestonesCoveringFinalDeliverOnComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, milestones := f.withMilestones(t, "200", "70", "30")
	for _, ms := range milestones {
		f.payMilestone(t, c, ms)
	}
	intents := len(f.gateway.CreatedIntents)

	result, err := f.manager.Complete(ctx, CompleteOptions{CommissionID: c.ID, ArtistID: artistID})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, result.Status)
	assert.Empty(t, result.FinalPaymentIntentID)
	assert.Len(t, f.gateway.CreatedIntents, intents)
	assert.True(t, d("200").Equal(f.charged()), "charged %s", f.charged())
	assert.True(t, d("200").Equal(f.balance(t)), "balance %s", f.balance(t))
}

func TestMilestoneSettlingAfterCompleteIsRefunded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, milestones := f.withMilestones(t, "200", "60")

	pay, err := f.manager.RequestMilestonePayment(ctx, MilestonePayOptions{CommissionID: c.ID, MilestoneID: milestones[0].ID, ClientID: clientID})
	require.NoError(t, err)

	result, err := f.manager.Complete(ctx, CompleteOptions{CommissionID: c.ID, ArtistID: artistID})
	require.NoError(t, err)
	assert.EqualValues(t, 10000, f.gateway.PaymentIntents[result.FinalPaymentIntentID].Amount)

	_, err = f.manager.RequestMilestonePayment(ctx, MilestonePayOptions{CommissionID: c.ID, MilestoneID: milestones[0].ID, ClientID: clientID})
	assert.True(t, errdefs.Is(err, errdefs.KindFailedPrecondition), "got %v", err)

	f.gateway.SetPaymentIntentStatus(result.FinalPaymentIntentID, stripe.PaymentIntentStatusSucceeded)
	require.NoError(t, f.manager.HandleFinalPaymentConfirmed(ctx, result.FinalPaymentIntentID))

	f.gateway.SetPaymentIntentStatus(pay.PaymentIntentID, stripe.PaymentIntentStatusSucceeded)
	require.NoError(t, f.manager.HandleMilestonePayment(ctx, c.ID, milestones[0].ID, pay.PaymentIntentID))
	require.NoError(t, f.manager.HandleMilestonePayment(ctx, c.ID, milestones[0].ID, pay.PaymentIntentID))

	require.Len(t, f.gateway.Refunds, 1)
	assert.Equal(t, pay.PaymentIntentID, f.gateway.Refunds[0].PaymentIntentID)
	after := f.reload(t, c.ID)
	assert.Equal(t, MilestonePending, after.Milestones[0].Status)
	assert.NotEmpty(t, after.Milestones[0].RefundID)
	assert.True(t, d("200").Equal(f.balance(t)), "balance %s", f.balance(t))
	assert.Contains(t, f.notifiedTypes(t, clientID), NotifyMilestoneRefunded)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.quoted(t, "200")

	_, err := f.manager.Cancel(ctx, CancelOptions{CommissionID: c.ID, UserID: "stranger"})
	assert.True(t, errdefs.Is(err, errdefs.KindPermissionDenied), "got %v", err)

	cancelled, err := f.manager.Cancel(ctx, CancelOptions{CommissionID: c.ID, UserID: clientID, Reason: "changed my mind"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)
	system := systemMessages(cancelled)
	assert.Equal(t, "Commission cancelled by Cleo: changed my mind", system[len(system)-1].Body)
	assert.Contains(t, f.notifiedTypes(t, artistID), NotifyCancelled)

	_, err = f.manager.Cancel(ctx, CancelOptions{CommissionID: c.ID, UserID: clientID})
	assert.True(t, errdefs.Is(err, errdefs.KindFailedPrecondition), "got %v", err)

	inProgress, _ := f.inProgress(t, "200")
	_, err = f.manager.Cancel(ctx, CancelOptions{CommissionID: inProgress.ID, UserID: artistID})
	assert.True(t, errdefs.Is(err, errdefs.KindFailedPrecondition), "got %v", err)
}

func TestDepositAfterCancelIsRefunded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.quoted(t, "200")

	accepted, err := f.manager.AcceptQuote(ctx, AcceptOptions{CommissionID: c.ID, ClientID: clientID})
	require.NoError(t, err)
	_, err = f.manager.Cancel(ctx, CancelOptions{CommissionID: c.ID, UserID: artistID})
	require.NoError(t, err)

	f.gateway.SetPaymentIntentStatus(accepted.PaymentIntentID, stripe.PaymentIntentStatusSucceeded)
	require.NoError(t, f.manager.HandleDepositConfirmed(ctx, accepted.PaymentIntentID))
	require.NoError(t, f.manager.HandleDepositConfirmed(ctx, accepted.PaymentIntentID))

	require.Len(t, f.gateway.Refunds, 1)
	assert.Equal(t, accepted.PaymentIntentID, f.gateway.Refunds[0].PaymentIntentID)
	assert.Equal(t, "commission_cancelled", f.gateway.Refunds[0].Metadata["reason"])

	after := f.reload(t, c.ID)
	assert.Equal(t, StatusCancelled, after.Status)
	assert.NotEmpty(t, after.DepositRefundID)
	assert.True(t, f.balance(t).IsZero())
	assert.Contains(t, f.notifiedTypes(t, clientID), NotifyDepositRefunded)
}

func TestGetAndMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.request(t)

	_, err := f.manager.Get(ctx, c.ID, "stranger")
	assert.True(t, errdefs.Is(err, errdefs.KindPermissionDenied), "got %v", err)
	_, err = f.manager.Get(ctx, "missing", clientID)
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound), "got %v", err)

	_, err = f.manager.AddMessage(ctx, MessageOptions{CommissionID: c.ID, SenderID: "stranger", Body: "hi"})
	assert.True(t, errdefs.Is(err, errdefs.KindPermissionDenied), "got %v", err)

	msg, err := f.manager.AddMessage(ctx, MessageOptions{CommissionID: c.ID, SenderID: artistID, Body: "Any reference photos?"})
	require.NoError(t, err)
	assert.Equal(t, "Ari", msg.SenderName)
	assert.Equal(t, MessageUser, msg.Kind)

	got := f.reload(t, c.ID)
	require.Len(t, got.Messages, 1)
	assert.True(t, strings.HasPrefix(got.Messages[0].Body, "Any reference"))

	list, err := f.manager.List(ctx, artistID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSettingsAndPricing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.manager.CalculatePricing(ctx, PricingOptions{ArtistID: artistID, Type: "painting"})
	require.NoError(t, err)
	assert.True(t, p.TotalPrice.IsZero())

	assert.True(t, errdefs.Is(f.manager.SaveSettings(ctx, &ArtistSettings{ArtistID: artistID, DepositPercentage: d("120")}), errdefs.KindInvalidArgument))

	require.NoError(t, f.manager.SaveSettings(ctx, testSettings()))
	p, err = f.manager.CalculatePricing(ctx, PricingOptions{
		ArtistID: artistID,
		Type:     "painting",
		Specs:    Specs{Size: "large", CommercialUse: true, Revisions: 1},
	})
	require.NoError(t, err)
	assert.True(t, d("270").Equal(p.TotalPrice), "total %s", p.TotalPrice)
	assert.True(t, d("135").Equal(p.DepositAmount), "deposit %s", p.DepositAmount)

	updated := testSettings()
	updated.BasePrice = d("10")
	require.NoError(t, f.manager.SaveSettings(ctx, updated))
	stored, err := f.manager.GetSettings(ctx, artistID)
	require.NoError(t, err)
	assert.True(t, d("10").Equal(stored.BasePrice))
}
