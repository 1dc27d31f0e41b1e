package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/atelier/customer"
	"github.com/zllovesuki/atelier/db"
	"github.com/zllovesuki/atelier/earnings"
	"github.com/zllovesuki/atelier/errdefs"
	"github.com/zllovesuki/atelier/external"
	"github.com/zllovesuki/atelier/metrics"
	"github.com/zllovesuki/atelier/notification"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var validate *validator.Validate = validator.New()

// Defining the notification types emitted by the escrow workflow
const (
	NotifyNewRequest           = "commission_new_request"
	NotifyQuoteReceived        = "commission_quote_received"
	NotifyQuoteAccepted        = "commission_quote_accepted"
	NotifyDepositReceived      = "commission_deposit_received"
	NotifyDepositRefunded      = "commission_deposit_refunded"
	NotifyCompleted            = "commission_completed"
	NotifyFinalPaymentReceived = "commission_final_payment_received"
	NotifyDelivered            = "commission_delivered"
	NotifyMilestonePaid        = "commission_milestone_paid"
	NotifyMilestoneRefunded    = "commission_milestone_refunded"
	NotifyCancelled            = "commission_cancelled"
)

// Customers resolves the profiles of both parties
type Customers interface {
	GetByID(ctx context.Context, id string) (*customer.Customer, error)
	EnsureGatewayCustomer(ctx context.Context, userID string) (string, error)
}

// Earnings credits artists inside the caller's transaction
type Earnings interface {
	Credit(ctx context.Context, tx *gorm.DB, c earnings.Credit) (bool, error)
}

// Notifier delivers notifications after the ledger state has committed
type Notifier interface {
	Notify(ctx context.Context, msgs ...notification.Message)
}

type ManagerOptions struct {
	DB        *gorm.DB
	Gateway   external.Gateway
	Customers Customers
	Earnings  Earnings
	Notifier  Notifier
	Logger    *zap.Logger
}

// Manager runs the commission escrow workflow
type Manager struct {
	ManagerOptions
}

func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Customers == nil {
		return nil, fmt.Errorf("nil Customers is invalid")
	}
	if option.Earnings == nil {
		return nil, fmt.Errorf("nil Earnings is invalid")
	}
	if option.Notifier == nil {
		return nil, fmt.Errorf("nil Notifier is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Commission{}, &Milestone{}, &Message{}, &ArtistSettings{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize commission.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func invalid(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return errdefs.InvalidArgument("%s is invalid (%s)", verrs[0].Field(), verrs[0].Tag())
	}
	return errdefs.InvalidArgument("%v", err)
}

func gatewayError(err error, message string) error {
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.HTTPStatusCode == 404 {
		return errdefs.NotFound("%s", serr.Msg)
	}
	return errdefs.Gateway(err, message)
}

func dollars(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func (m *Manager) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return m.DB.WithContext(ctx).Transaction(fn, db.TxOptions(m.DB))
}

func findLocked(tx *gorm.DB, id string) (*Commission, error) {
	var c Commission
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&c)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &c, nil
}

func (m *Manager) find(ctx context.Context, id string) (*Commission, error) {
	if id == "" {
		return nil, errdefs.InvalidArgument("commissionId is required")
	}
	var c Commission
	result := m.DB.WithContext(ctx).First(&c, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("Commission %s not found", id)
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get commission")
	}
	return &c, nil
}

// advance applies ev to c inside tx together with the extra columns. The update is
// conditional on the status read under the lock.
func advance(tx *gorm.DB, c *Commission, ev Event, now time.Time, columns map[string]interface{}) (Status, error) {
	to, err := Transition(c.Status, ev)
	if err != nil {
		return c.Status, err
	}
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": now,
	}
	for k, v := range columns {
		updates[k] = v
	}
	result := tx.Model(&Commission{}).
		Where("id = ? AND status = ?", c.ID, c.Status).
		Updates(updates)
	if result.Error != nil {
		return c.Status, result.Error
	}
	if result.RowsAffected == 0 {
		return c.Status, &TransitionError{From: c.Status, Event: ev}
	}
	return to, nil
}

func appendMessage(tx *gorm.DB, commissionID string, kind MessageKind, senderID, senderName, body string) error {
	return tx.Create(&Message{
		ID:           shortuuid.New(),
		CommissionID: commissionID,
		SenderID:     senderID,
		SenderName:   senderName,
		Kind:         kind,
		Body:         body,
		CreatedAt:    time.Now().UTC(),
	}).Error
}

func recordTransition(from, to Status) {
	metrics.CommissionTransitions.WithLabelValues(string(from), string(to)).Inc()
}

type CreateRequestOptions struct {
	ClientID    string `validate:"required"`
	ArtistID    string `validate:"required,nefield=ClientID"`
	Title       string `validate:"required"`
	Description string `validate:"required"`
	Type        string `validate:"required"`
	Specs       *Specs `validate:"required"`
}

// CreateRequest opens a pending commission on behalf of a client
func (m *Manager) CreateRequest(ctx context.Context, opt CreateRequestOptions) (*Commission, error) {
	if err := validate.Struct(&opt); err != nil {
		return nil, invalid(err)
	}
	logger := m.Logger.With(zap.String("ClientID", opt.ClientID), zap.String("ArtistID", opt.ArtistID))

	client, err := m.Customers.GetByID(ctx, opt.ClientID)
	if err != nil {
		return nil, err
	}
	artist, err := m.Customers.GetByID(ctx, opt.ArtistID)
	if err != nil {
		return nil, err
	}
	if client == nil || artist == nil {
		return nil, errdefs.NotFound("Client or artist not found")
	}

	now := time.Now().UTC()
	c := &Commission{
		ID:            uuid.NewString(),
		ClientID:      opt.ClientID,
		ArtistID:      opt.ArtistID,
		ClientName:    client.PartyName("Unknown Client"),
		ArtistName:    artist.PartyName("Unknown Artist"),
		Title:         opt.Title,
		Description:   opt.Description,
		Type:          opt.Type,
		Specs:         datatypes.NewJSONType(*opt.Specs),
		Status:        StatusPending,
		BasePrice:     decimal.Zero,
		TotalPrice:    decimal.Zero,
		DepositAmount: decimal.Zero,
		FinalAmount:   decimal.Zero,
		FinalDue:      decimal.Zero,
		Files:         datatypes.JSONSlice[File]{},
		RequestedAt:   now,
	}
	if err := m.DB.WithContext(ctx).Create(c).Error; err != nil {
		logger.Error("Database returned error",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot create commission request")
	}
	c.Milestones = []Milestone{}
	c.Messages = []Message{}
	recordTransition("", StatusPending)

	logger.Info("Commission requested", zap.String("CommissionID", c.ID))
	m.Notifier.Notify(ctx, notification.Message{
		UserID:  c.ArtistID,
		Type:    NotifyNewRequest,
		Title:   "New Commission Request",
		Message: fmt.Sprintf("%s has requested a commission: \"%s\"", c.ClientName, c.Title),
		Data: map[string]interface{}{
			"commissionId": c.ID,
			"clientName":   c.ClientName,
			"title":        c.Title,
		},
	})
	return c, nil
}

type MilestoneInput struct {
	Title       string          `json:"title" validate:"required"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	DueDate     *time.Time      `json:"dueDate"`
}

type QuoteOptions struct {
	CommissionID  string `validate:"required"`
	ArtistID      string `validate:"required"`
	TotalPrice    decimal.Decimal
	DepositAmount *decimal.Decimal
	FinalAmount   *decimal.Decimal
	Milestones    []MilestoneInput `validate:"dive"`
	Message       string
}

// SubmitQuote prices a pending commission. Deposit and final default to a 50/50 split.
func (m *Manager) SubmitQuote(ctx context.Context, opt QuoteOptions) (*Commission, error) {
	if err := validate.Struct(&opt); err != nil {
		return nil, invalid(err)
	}
	if !opt.TotalPrice.IsPositive() {
		return nil, errdefs.InvalidArgument("totalPrice must be positive")
	}
	deposit, final := splitQuote(opt.TotalPrice, opt.DepositAmount, opt.FinalAmount)
	if !deposit.IsPositive() || final.IsNegative() {
		return nil, errdefs.InvalidArgument("deposit must be positive and final cannot be negative")
	}
	if !deposit.Add(final).Equal(opt.TotalPrice) {
		return nil, errdefs.InvalidArgument("deposit and final must add up to totalPrice")
	}
	milestoneTotal := decimal.Zero
	for _, ms := range opt.Milestones {
		if !ms.Amount.IsPositive() {
			return nil, errdefs.InvalidArgument("milestone %q must have a positive amount", ms.Title)
		}
		milestoneTotal = milestoneTotal.Add(ms.Amount)
	}
	if milestoneTotal.GreaterThan(final) {
		return nil, errdefs.InvalidArgument("milestones add up to more than the final amount")
	}
	logger := m.Logger.With(zap.String("CommissionID", opt.CommissionID), zap.String("ArtistID", opt.ArtistID))

	now := time.Now().UTC()
	var (
		c        *Commission
		from, to Status
	)
	err := m.inTx(ctx, func(tx *gorm.DB) error {
		row, err := findLocked(tx, opt.CommissionID)
		if err != nil {
			return err
		}
		if row == nil {
			return errdefs.NotFound("Commission %s not found", opt.CommissionID)
		}
		if row.ArtistID != opt.ArtistID {
			return errdefs.PermissionDenied("Only the artist can submit a quote")
		}
		from = row.Status
		to, err = advance(tx, row, EventQuote, now, map[string]interface{}{
			"total_price":    opt.TotalPrice,
			"deposit_amount": deposit,
			"final_amount":   final,
			"quoted_at":      now,
		})
		if err != nil {
			return err
		}
		for i, ms := range opt.Milestones {
			if err := tx.Create(&Milestone{
				ID:           shortuuid.New(),
				CommissionID: row.ID,
				Position:     i + 1,
				Title:        ms.Title,
				Description:  ms.Description,
				Amount:       ms.Amount,
				DueDate:      ms.DueDate,
				Status:       MilestonePending,
			}).Error; err != nil {
				return err
			}
		}
		if opt.Message != "" {
			if err := appendMessage(tx, row.ID, MessageQuote, row.ArtistID, row.ArtistName, opt.Message); err != nil {
				return err
			}
		}
		c = row
		return appendMessage(tx, row.ID, MessageSystem, "", "",
			fmt.Sprintf("Quote submitted for $%s (deposit $%s, final $%s)", dollars(opt.TotalPrice), dollars(deposit), dollars(final)))
	})
	if err != nil {
		logger.Warn("Unable to submit quote", zap.Error(err))
		return nil, extErrors.Wrap(err, "Cannot submit quote")
	}
	recordTransition(from, to)

	m.Notifier.Notify(ctx, notification.Message{
		UserID:  c.ClientID,
		Type:    NotifyQuoteReceived,
		Title:   "Quote Received",
		Message: fmt.Sprintf("%s has sent you a quote for $%s", c.ArtistName, dollars(opt.TotalPrice)),
		Data: map[string]interface{}{
			"commissionId": c.ID,
			"artistName":   c.ArtistName,
			"totalPrice":   dollars(opt.TotalPrice),
		},
	})
	return m.Get(ctx, c.ID, opt.ArtistID)
}

type AcceptOptions struct {
	CommissionID string `validate:"required"`
	ClientID     string `validate:"required"`
}

type AcceptResult struct {
	CommissionID    string          `json:"commissionId"`
	Status          Status          `json:"status"`
	DepositAmount   decimal.Decimal `json:"depositAmount"`
	PaymentIntentID string          `json:"paymentIntentId"`
	ClientSecret    string          `json:"clientSecret"`
}

// AcceptQuote creates the deposit payment intent and moves the commission to accepted.
// The client's gateway customer is provisioned on first use.
func (m *Manager) AcceptQuote(ctx context.Context, opt AcceptOptions) (*AcceptResult, error) {
	if err := validate.Struct(&opt); err != nil {
		return nil, invalid(err)
	}
	logger := m.Logger.With(zap.String("CommissionID", opt.CommissionID), zap.String("ClientID", opt.ClientID))

	c, err := m.find(ctx, opt.CommissionID)
	if err != nil {
		return nil, err
	}
	if c.ClientID != opt.ClientID {
		return nil, errdefs.PermissionDenied("Only the client can accept the quote")
	}
	if _, err := Transition(c.Status, EventAccept); err != nil {
		return nil, err
	}

	customerID, err := m.Customers.EnsureGatewayCustomer(ctx, c.ClientID)
	if err != nil {
		return nil, err
	}
	pi, err := m.Gateway.CreatePaymentIntent(ctx, external.PaymentIntentRequest{
		CustomerID:  customerID,
		Amount:      c.DepositAmount,
		Description: fmt.Sprintf("Commission deposit for \"%s\"", c.Title),
		Metadata: map[string]string{
			"commissionId": c.ID,
			"type":         PaymentTypeDeposit,
			"clientId":     c.ClientID,
			"artistId":     c.ArtistID,
		},
		IdempotencyKey: "commission-" + c.ID + "-deposit",
	})
	if err != nil {
		logger.Error("Unable to create deposit payment intent",
			zap.Error(err),
		)
		return nil, errdefs.Gateway(err, "Cannot create deposit payment intent")
	}

	now := time.Now().UTC()
	var from, to Status
	err = m.inTx(ctx, func(tx *gorm.DB) error {
		row, err := findLocked(tx, c.ID)
		if err != nil {
			return err
		}
		if row == nil {
			return errdefs.NotFound("Commission %s not found", c.ID)
		}
		from = row.Status
		to, err = advance(tx, row, EventAccept, now, map[string]interface{}{
			"accepted_at":               now,
			"deposit_payment_intent_id": pi.ID,
		})
		if err != nil {
			return err
		}
		return appendMessage(tx, row.ID, MessageSystem, "", "",
			fmt.Sprintf("Quote accepted by %s. Awaiting deposit of $%s.", row.ClientName, dollars(row.DepositAmount)))
	})
	if err != nil {
		logger.Warn("Unable to accept quote", zap.Error(err))
		return nil, extErrors.Wrap(err, "Cannot accept quote")
	}
	recordTransition(from, to)

	m.Notifier.Notify(ctx, notification.Message{
		UserID:  c.ArtistID,
		Type:    NotifyQuoteAccepted,
		Title:   "Quote Accepted",
		Message: fmt.Sprintf("%s has accepted your quote", c.ClientName),
		Data: map[string]interface{}{
			"commissionId": c.ID,
			"clientName":   c.ClientName,
		},
	})
	return &AcceptResult{
		CommissionID:    c.ID,
		Status:          to,
		DepositAmount:   c.DepositAmount,
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
	}, nil
}

type CancelOptions struct {
	CommissionID string `validate:"required"`
	UserID       string `validate:"required"`
	Reason       string
}

// Cancel ends a commission before the deposit is confirmed. Either party may cancel.
func (m *Manager) Cancel(ctx context.Context, opt CancelOptions) (*Commission, error) {
	if err := validate.Struct(&opt); err != nil {
		return nil, invalid(err)
	}
	logger := m.Logger.With(zap.String("CommissionID", opt.CommissionID), zap.String("UserID", opt.UserID))

	now := time.Now().UTC()
	var (
		c        *Commission
		from, to Status
		byName   string
	)
	err := m.inTx(ctx, func(tx *gorm.DB) error {
		row, err := findLocked(tx, opt.CommissionID)
		if err != nil {
			return err
		}
		if row == nil {
			return errdefs.NotFound("Commission %s not found", opt.CommissionID)
		}
		if !row.IsParty(opt.UserID) {
			return errdefs.PermissionDenied("not authorized to cancel commission %s", opt.CommissionID)
		}
		from = row.Status
		to, err = advance(tx, row, EventCancel, now, map[string]interface{}{
			"cancelled_at": now,
		})
		if err != nil {
			return err
		}
		byName = row.ClientName
		if opt.UserID == row.ArtistID {
			byName = row.ArtistName
		}
		body := fmt.Sprintf("Commission cancelled by %s", byName)
		if opt.Reason != "" {
			body += ": " + opt.Reason
		}
		c = row
		return appendMessage(tx, row.ID, MessageSystem, "", "", body)
	})
	if err != nil {
		logger.Warn("Unable to cancel commission", zap.Error(err))
		return nil, extErrors.Wrap(err, "Cannot cancel commission")
	}
	recordTransition(from, to)

	other := c.ArtistID
	if opt.UserID == c.ArtistID {
		other = c.ClientID
	}
	m.Notifier.Notify(ctx, notification.Message{
		UserID:  other,
		Type:    NotifyCancelled,
		Title:   "Commission Cancelled",
		Message: fmt.Sprintf("%s cancelled the commission \"%s\"", byName, c.Title),
		Data: map[string]interface{}{
			"commissionId": c.ID,
			"reason":       opt.Reason,
		},
	})
	return m.Get(ctx, c.ID, opt.UserID)
}

// Get returns a commission with its milestones and messages. Only the parties may read it.
func (m *Manager) Get(ctx context.Context, id, userID string) (*Commission, error) {
	if id == "" {
		return nil, errdefs.InvalidArgument("commissionId is required")
	}
	var c Commission
	result := m.DB.WithContext(ctx).
		Preload("Milestones", func(q *gorm.DB) *gorm.DB {
			return q.Order("position asc")
		}).
		Preload("Messages", func(q *gorm.DB) *gorm.DB {
			return q.Order("created_at asc")
		}).
		First(&c, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("Commission %s not found", id)
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get commission")
	}
	if !c.IsParty(userID) {
		return nil, errdefs.PermissionDenied("not authorized to view commission %s", id)
	}
	return &c, nil
}

// List returns the commissions a user takes part in, newest first
func (m *Manager) List(ctx context.Context, userID string) ([]Commission, error) {
	if userID == "" {
		return nil, errdefs.InvalidArgument("userId is required")
	}
	results := make([]Commission, 0, 4)
	result := m.DB.WithContext(ctx).
		Where("client_id = ? OR artist_id = ?", userID, userID).
		Order("created_at desc").
		Find(&results)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot list commissions")
	}
	return results, nil
}

type MessageOptions struct {
	CommissionID string `validate:"required"`
	SenderID     string `validate:"required"`
	Body         string `validate:"required,max=4000"`
}

// AddMessage appends a message written by one of the parties
func (m *Manager) AddMessage(ctx context.Context, opt MessageOptions) (*Message, error) {
	if err := validate.Struct(&opt); err != nil {
		return nil, invalid(err)
	}
	c, err := m.find(ctx, opt.CommissionID)
	if err != nil {
		return nil, err
	}
	if !c.IsParty(opt.SenderID) {
		return nil, errdefs.PermissionDenied("not authorized to message on commission %s", opt.CommissionID)
	}
	name := c.ClientName
	if opt.SenderID == c.ArtistID {
		name = c.ArtistName
	}
	msg := &Message{
		ID:           shortuuid.New(),
		CommissionID: c.ID,
		SenderID:     opt.SenderID,
		SenderName:   name,
		Kind:         MessageUser,
		Body:         opt.Body,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.DB.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot add commission message")
	}
	return msg, nil
}

// GetSettings returns the pricing settings of an artist, or the defaults
func (m *Manager) GetSettings(ctx context.Context, artistID string) (*ArtistSettings, error) {
	var s ArtistSettings
	result := m.DB.WithContext(ctx).First(&s, "artist_id = ?", artistID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return DefaultSettings(artistID), nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get artist settings")
	}
	return &s, nil
}

// SaveSettings stores the pricing settings of an artist
func (m *Manager) SaveSettings(ctx context.Context, s *ArtistSettings) error {
	if s == nil || s.ArtistID == "" {
		return errdefs.InvalidArgument("artistId is required")
	}
	if s.BasePrice.IsNegative() {
		return errdefs.InvalidArgument("basePrice cannot be negative")
	}
	if !s.DepositPercentage.IsPositive() || s.DepositPercentage.GreaterThan(hundred) {
		return errdefs.InvalidArgument("depositPercentage must be within (0, 100]")
	}
	s.UpdatedAt = time.Now().UTC()
	result := m.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "artist_id"}},
		UpdateAll: true,
	}).Create(s)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot save artist settings")
	}
	return nil
}

type PricingOptions struct {
	ArtistID string `validate:"required"`
	Type     string `validate:"required"`
	Specs    Specs
}

// CalculatePricing quotes specs against the stored settings of the artist
func (m *Manager) CalculatePricing(ctx context.Context, opt PricingOptions) (*Pricing, error) {
	if err := validate.Struct(&opt); err != nil {
		return nil, invalid(err)
	}
	settings, err := m.GetSettings(ctx, opt.ArtistID)
	if err != nil {
		return nil, err
	}
	p := CalculatePricing(settings, opt.Type, opt.Specs)
	return &p, nil
}
