package commission

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/zllovesuki/atelier/auth"
	resp "github.com/zllovesuki/atelier/response"

	"github.com/go-chi/chi"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type ServiceOptions struct {
	CommissionManager *Manager
	Logger            *zap.Logger
}

// Service is the commission API router
type Service struct {
	ServiceOptions
}

func NewService(option ServiceOptions) (*Service, error) {
	if option.CommissionManager == nil {
		return nil, fmt.Errorf("nil CommissionManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return false
	}
	return true
}

type CreateRequest struct {
	ArtistID    string `json:"artistId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Specs       *Specs `json:"specs"`
}

func (s *Service) create(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req CreateRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.CommissionManager.CreateRequest(r.Context(), CreateRequestOptions{
		ClientID:    claims.ID,
		ArtistID:    req.ArtistID,
		Title:       req.Title,
		Description: req.Description,
		Type:        req.Type,
		Specs:       req.Specs,
	})
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, map[string]interface{}{
		"commissionId": c.ID,
		"commission":   c,
	})
}

func (s *Service) list(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	results, err := s.CommissionManager.List(r.Context(), claims.ID)
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, map[string]interface{}{
		"commissions": results,
	})
}

func (s *Service) get(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	c, err := s.CommissionManager.Get(r.Context(), chi.URLParam(r, "id"), claims.ID)
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, map[string]interface{}{
		"commission": c,
	})
}

type PricingRequest struct {
	ArtistID string `json:"artistId"`
	Type     string `json:"type"`
	Specs    Specs  `json:"specs"`
}

func (s *Service) pricing(w http.ResponseWriter, r *http.Request) {
	var req PricingRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.CommissionManager.CalculatePricing(r.Context(), PricingOptions{
		ArtistID: req.ArtistID,
		Type:     req.Type,
		Specs:    req.Specs,
	})
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, p)
}

func (s *Service) getSettings(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	settings, err := s.CommissionManager.GetSettings(r.Context(), claims.ID)
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, map[string]interface{}{
		"settings": settings,
	})
}

type SettingsRequest struct {
	BasePrice         decimal.Decimal            `json:"basePrice"`
	TypePricing       map[string]decimal.Decimal `json:"typePricing"`
	SizePricing       map[string]decimal.Decimal `json:"sizePricing"`
	DepositPercentage *decimal.Decimal           `json:"depositPercentage"`
}

func (s *Service) saveSettings(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req SettingsRequest
	if !decode(w, r, &req) {
		return
	}
	settings := DefaultSettings(claims.ID)
	settings.BasePrice = req.BasePrice
	settings.TypePricing = datatypes.NewJSONType(req.TypePricing)
	settings.SizePricing = datatypes.NewJSONType(req.SizePricing)
	if req.DepositPercentage != nil {
		settings.DepositPercentage = *req.DepositPercentage
	}
	if err := s.CommissionManager.SaveSettings(r.Context(), settings); err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, map[string]interface{}{
		"settings": settings,
	})
}

type QuoteRequest struct {
	TotalPrice    decimal.Decimal  `json:"totalPrice"`
	DepositAmount *decimal.Decimal `json:"depositAmount"`
	FinalAmount   *decimal.Decimal `json:"finalAmount"`
	Milestones    []MilestoneInput `json:"milestones"`
	Message       string           `json:"message"`
}

func (s *Service) quote(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req QuoteRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.CommissionManager.SubmitQuote(r.Context(), QuoteOptions{
		CommissionID:  chi.URLParam(r, "id"),
		ArtistID:      claims.ID,
		TotalPrice:    req.TotalPrice,
		DepositAmount: req.DepositAmount,
		FinalAmount:   req.FinalAmount,
		Milestones:    req.Milestones,
		Message:       req.Message,
	})
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, map[string]interface{}{
		"commission": c,
	})
}

func (s *Service) accept(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	result, err := s.CommissionManager.AcceptQuote(r.Context(), AcceptOptions{
		CommissionID: chi.URLParam(r, "id"),
		ClientID:     claims.ID,
	})
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, result)
}

type CompleteRequest struct {
	DeliveryFiles []File `json:"deliveryFiles"`
}

func (s *Service) complete(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.CommissionManager.Complete(r.Context(), CompleteOptions{
		CommissionID:  chi.URLParam(r, "id"),
		ArtistID:      claims.ID,
		DeliveryFiles: req.DeliveryFiles,
	})
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, result)
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Service) cancel(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.CommissionManager.Cancel(r.Context(), CancelOptions{
		CommissionID: chi.URLParam(r, "id"),
		UserID:       claims.ID,
		Reason:       req.Reason,
	})
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, map[string]interface{}{
		"commission": c,
	})
}

type MessageRequest struct {
	Message string `json:"message"`
}

func (s *Service) addMessage(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req MessageRequest
	if !decode(w, r, &req) {
		return
	}
	msg, err := s.CommissionManager.AddMessage(r.Context(), MessageOptions{
		CommissionID: chi.URLParam(r, "id"),
		SenderID:     claims.ID,
		Body:         req.Message,
	})
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, map[string]interface{}{
		"message": msg,
	})
}

type ConfirmRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
}

func (s *Service) confirmDeposit(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req ConfirmRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.CommissionManager.ConfirmDeposit(r.Context(), ConfirmOptions{
		CommissionID:    chi.URLParam(r, "id"),
		UserID:          claims.ID,
		PaymentIntentID: req.PaymentIntentID,
	}); err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, map[string]interface{}{})
}

func (s *Service) confirmFinal(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req ConfirmRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.CommissionManager.ConfirmFinalPayment(r.Context(), ConfirmOptions{
		CommissionID:    chi.URLParam(r, "id"),
		UserID:          claims.ID,
		PaymentIntentID: req.PaymentIntentID,
	}); err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, map[string]interface{}{})
}

func (s *Service) payMilestone(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	result, err := s.CommissionManager.RequestMilestonePayment(r.Context(), MilestonePayOptions{
		CommissionID: chi.URLParam(r, "id"),
		MilestoneID:  chi.URLParam(r, "milestoneID"),
		ClientID:     claims.ID,
	})
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, result)
}

func (s *Service) confirmMilestone(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req ConfirmRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.CommissionManager.ConfirmMilestonePayment(r.Context(), MilestoneConfirmOptions{
		CommissionID:    chi.URLParam(r, "id"),
		MilestoneID:     chi.URLParam(r, "milestoneID"),
		UserID:          claims.ID,
		PaymentIntentID: req.PaymentIntentID,
	}); err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, map[string]interface{}{})
}

// Router will return the routes under commission API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.list)
	r.Post("/", s.create)
	r.Post("/pricing", s.pricing)
	r.Get("/settings", s.getSettings)
	r.Put("/settings", s.saveSettings)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", s.get)
		r.Post("/quote", s.quote)
		r.Post("/accept", s.accept)
		r.Post("/complete", s.complete)
		r.Post("/cancel", s.cancel)
		r.Post("/messages", s.addMessage)
		r.Post("/deposit/confirm", s.confirmDeposit)
		r.Post("/final/confirm", s.confirmFinal)
		r.Post("/milestones/{milestoneID}/pay", s.payMilestone)
		r.Post("/milestones/{milestoneID}/confirm", s.confirmMilestone)
	})

	return r
}
