package usage

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zllovesuki/atelier/auth"
	resp "github.com/zllovesuki/atelier/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	UsageManager *Manager
	Logger       *zap.Logger
}

// Service is the usage metering API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the usage API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.UsageManager == nil {
		return nil, fmt.Errorf("nil UsageManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

type TrackRequest struct {
	Feature     string                 `json:"feature"`
	CreditsUsed *int64                 `json:"creditsUsed"`
	Metadata    map[string]interface{} `json:"metadata"`
}

func (s *Service) trackAI(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req TrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	rec, err := s.UsageManager.Track(r.Context(), TrackOptions{
		UserID:      claims.ID,
		Feature:     req.Feature,
		CreditsUsed: req.CreditsUsed,
		Metadata:    req.Metadata,
	})
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, rec)
}

func (s *Service) getUsage(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	rec, err := s.UsageManager.Get(r.Context(), claims.ID)
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	if rec == nil {
		rec = &Record{UserID: claims.ID, TeamMembersCount: 1}
	}
	resp.WriteResponse(w, r, rec)
}

func (s *Service) getProjection(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	p, err := s.UsageManager.Projection(r.Context(), claims.ID, time.Now())
	if err != nil {
		s.Logger.Error("Unable to compute usage projection",
			zap.String("UserID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, p)
}

func (s *Service) listBills(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	bills, err := s.UsageManager.ListBills(r.Context(), claims.ID)
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, map[string]interface{}{
		"bills": bills,
	})
}

// Router will return the routes under usage API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.getUsage)
	r.Post("/ai", s.trackAI)
	r.Get("/projection", s.getProjection)
	r.Get("/bills", s.listBills)

	return r
}
