package subscription

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/zllovesuki/atelier/auth"
	"github.com/zllovesuki/atelier/errdefs"
	resp "github.com/zllovesuki/atelier/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

type ServiceOptions struct {
	SubscriptionManager *Manager
	Logger              *zap.Logger
}

// Service is the subscription API router
type Service struct {
	ServiceOptions
}

func NewService(option ServiceOptions) (*Service, error) {
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

type SubscriptionSetupRequest struct {
	PriceID    string `json:"priceId"`
	CustomerID string `json:"customerId"`
}

func (s *Service) setupSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.ClaimsFrom(ctx)

	var req SubscriptionSetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}

	customerID, err := s.SubscriptionManager.Customers.EnsureGatewayCustomer(ctx, claims.ID)
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	if req.CustomerID != "" && req.CustomerID != customerID {
		s.Logger.Warn("Subscription setup with a foreign gateway customer",
			zap.String("UserID", claims.ID),
			zap.String("CustomerID", req.CustomerID),
		)
		resp.WriteError(w, r, errdefs.PermissionDenied("customer %s does not belong to you", req.CustomerID))
		return
	}

	result, err := s.SubscriptionManager.Create(ctx, CreateOptions{
		CustomerID: customerID,
		PriceID:    req.PriceID,
		UserID:     claims.ID,
	})
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, result)
}

func (s *Service) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	subs, err := s.SubscriptionManager.List(r.Context(), claims.ID)
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, map[string]interface{}{
		"subscriptions": subs,
	})
}

func (s *Service) listPayments(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	payments, err := s.SubscriptionManager.ListPayments(r.Context(), claims.ID)
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, map[string]interface{}{
		"payments": payments,
	})
}

type ChangeTierRequest struct {
	NewPriceID string `json:"newPriceId"`
	Prorated   bool   `json:"prorated"`
}

func (s *Service) changeTier(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req ChangeTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	result, err := s.SubscriptionManager.ChangeTier(r.Context(), ChangeTierOptions{
		SubscriptionID: chi.URLParam(r, "id"),
		NewPriceID:     req.NewPriceID,
		UserID:         claims.ID,
		Prorated:       req.Prorated,
	})
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, result)
}

type CancelRequest struct {
	AtPeriodEnd *bool `json:"cancelAtPeriodEnd"`
}

func (s *Service) cancel(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			resp.WriteError(w, r, resp.ErrInvalidJson())
			return
		}
	}
	atPeriodEnd := true
	if req.AtPeriodEnd != nil {
		atPeriodEnd = *req.AtPeriodEnd
	}
	result, err := s.SubscriptionManager.Cancel(r.Context(), CancelOptions{
		SubscriptionID: chi.URLParam(r, "id"),
		UserID:         claims.ID,
		AtPeriodEnd:    atPeriodEnd,
	})
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, result)
}

type PauseRequest struct {
	Behavior string `json:"behavior"`
}

func (s *Service) pause(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req PauseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			resp.WriteError(w, r, resp.ErrInvalidJson())
			return
		}
	}
	result, err := s.SubscriptionManager.Pause(r.Context(), PauseOptions{
		SubscriptionID: chi.URLParam(r, "id"),
		UserID:         claims.ID,
		Behavior:       req.Behavior,
	})
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, result)
}

type RefundRequest struct {
	PaymentIntentID   string `json:"paymentId"`
	Reason            string `json:"reason"`
	AdditionalDetails string `json:"additionalDetails"`
}

func (s *Service) refund(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	result, err := s.SubscriptionManager.RequestRefund(r.Context(), RefundOptions{
		SubscriptionID:    chi.URLParam(r, "id"),
		PaymentIntentID:   req.PaymentIntentID,
		UserID:            claims.ID,
		Reason:            req.Reason,
		AdditionalDetails: req.AdditionalDetails,
	})
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, result)
}

// Router will return the routes under subscription API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.listSubscriptions)
	r.Post("/", s.setupSubscription)
	r.Get("/payments", s.listPayments)
	r.Route("/{id}", func(r chi.Router) {
		r.Post("/tier", s.changeTier)
		r.Post("/cancel", s.cancel)
		r.Post("/pause", s.pause)
		r.Post("/refund", s.refund)
	})

	return r
}
