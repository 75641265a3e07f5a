package subscription

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	resp "github.com/soilsync/vegbox/response"
)

// ServiceOptions describes the dependencies of the subscription Service
type ServiceOptions struct {
	SubscriptionManager *Manager
	Logger              *zap.Logger
}

// Service is the read-only operator surface over subscriptions
type Service struct {
	ServiceOptions
}

// NewService returns the subscription Service
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

func (s *Service) getByID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	sub, err := s.SubscriptionManager.GetByID(ctx, id)
	if err != nil {
		s.Logger.Error("Unable to fetch subscription",
			zap.String("SubscriptionID", id),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if sub == nil {
		resp.WriteError(w, r, resp.ErrNotFound())
		return
	}
	resp.WriteResponse(w, r, sub)
}

func (s *Service) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	opt := ListOption{
		SubscriberID: r.URL.Query().Get("subscriberId"),
		Limit:        25,
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > 100 {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("limit must be between 1 and 100"))
			return
		}
		opt.Limit = limit
	}
	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		before, err := time.Parse(time.RFC3339, beforeStr)
		if err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("before must be RFC3339"))
			return
		}
		opt.Before = before
	}

	subs, err := s.SubscriptionManager.List(ctx, opt)
	if err != nil {
		s.Logger.Error("Unable to list subscriptions",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, subs)
}

// Router returns the subscription routes
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.list)
	r.Get("/{id}", s.getByID)

	return r
}
