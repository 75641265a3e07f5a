package sweep

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"github.com/soilsync/vegbox/auth"
	resp "github.com/soilsync/vegbox/response"
)

// ServiceOptions describes the dependencies of the sweep Service
type ServiceOptions struct {
	Auth           *auth.Auth
	Renewal        *Renewal
	Dunning        *Dunning
	Reaper         *Reaper
	ClosurePlanner *ClosurePlanner
	RenewalHorizon time.Duration
	Logger         *zap.Logger
}

// Service lets operators force-run the sweeps out of schedule, with an
// optional dry run that reports what would happen without charging or
// writing anything.
type Service struct {
	ServiceOptions
	mu       sync.Mutex
	inFlight map[string]bool
}

// NewService returns the sweep Service
func NewService(option ServiceOptions) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.Renewal == nil {
		return nil, fmt.Errorf("nil Renewal is invalid")
	}
	if option.Dunning == nil {
		return nil, fmt.Errorf("nil Dunning is invalid")
	}
	if option.Reaper == nil {
		return nil, fmt.Errorf("nil Reaper is invalid")
	}
	if option.ClosurePlanner == nil {
		return nil, fmt.Errorf("nil ClosurePlanner is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
		inFlight:       make(map[string]bool),
	}, nil
}

// tryAcquire prevents two operators from force-running the same sweep
// at once. The row locks would keep that correct anyway; this keeps it
// cheap and the summaries unambiguous.
func (s *Service) tryAcquire(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[name] {
		return false
	}
	s.inFlight[name] = true
	return true
}

func (s *Service) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, name)
}

func dryRunRequested(r *http.Request) bool {
	return r.URL.Query().Get("dryRun") == "true"
}

func (s *Service) runRenewal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dryRun := dryRunRequested(r)
	now := time.Now()

	if id := r.URL.Query().Get("id"); id != "" {
		summary, err := s.Renewal.RunOne(ctx, now, s.RenewalHorizon, id, dryRun)
		if err != nil {
			resp.WriteError(w, r, resp.ErrUnexpected())
			return
		}
		resp.WriteResponse(w, r, summary)
		return
	}

	if !s.tryAcquire("renewal") {
		resp.WriteError(w, r, resp.ErrSweepRunning())
		return
	}
	defer s.release("renewal")

	summary, err := s.Renewal.RunSweep(ctx, now, s.RenewalHorizon, dryRun)
	if err != nil {
		s.Logger.Error("Force-run renewal sweep failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, summary)
}

func (s *Service) runDunning(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dryRun := dryRunRequested(r)
	now := time.Now()

	if id := r.URL.Query().Get("id"); id != "" {
		summary, err := s.Dunning.RunOne(ctx, now, id, dryRun)
		if err != nil {
			resp.WriteError(w, r, resp.ErrUnexpected())
			return
		}
		resp.WriteResponse(w, r, summary)
		return
	}

	if !s.tryAcquire("dunning") {
		resp.WriteError(w, r, resp.ErrSweepRunning())
		return
	}
	defer s.release("dunning")

	summary, err := s.Dunning.RunSweep(ctx, now, dryRun)
	if err != nil {
		s.Logger.Error("Force-run dunning sweep failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, summary)
}

func (s *Service) runReaper(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dryRun := dryRunRequested(r)
	now := time.Now()

	if id := r.URL.Query().Get("id"); id != "" {
		summary, err := s.Reaper.RunOne(ctx, now, id, dryRun)
		if err != nil {
			resp.WriteError(w, r, resp.ErrUnexpected())
			return
		}
		resp.WriteResponse(w, r, summary)
		return
	}

	if !s.tryAcquire("reaper") {
		resp.WriteError(w, r, resp.ErrSweepRunning())
		return
	}
	defer s.release("reaper")

	summary, err := s.Reaper.RunSweep(ctx, now, dryRun)
	if err != nil {
		s.Logger.Error("Force-run reaper sweep failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, summary)
}

func (s *Service) planClosure(w http.ResponseWriter, r *http.Request) {
	plans, err := s.ClosurePlanner.Plan(r.Context(), time.Now())
	if err != nil {
		s.Logger.Error("Closure planning failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, plans)
}

func (s *Service) applyClosure(w http.ResponseWriter, r *http.Request) {
	if !s.tryAcquire("closure") {
		resp.WriteError(w, r, resp.ErrSweepRunning())
		return
	}
	defer s.release("closure")

	summary, err := s.ClosurePlanner.Apply(r.Context(), time.Now())
	if err != nil {
		s.Logger.Error("Closure apply failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, summary)
}

func (s *Service) resumeClosure(w http.ResponseWriter, r *http.Request) {
	if !s.tryAcquire("closure") {
		resp.WriteError(w, r, resp.ErrSweepRunning())
		return
	}
	defer s.release("closure")

	summary, err := s.ClosurePlanner.Resume(r.Context(), time.Now())
	if err != nil {
		s.Logger.Error("Closure resume failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, summary)
}

// Router returns the sweep routes. Reading the closure plan only needs
// a viewer token; everything that can move money needs a runner token.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.RoleCheck(auth.RoleViewer))
		r.Get("/closure/plan", s.planClosure)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.RoleCheck(auth.RoleRunner))
		r.Post("/renewal/run", s.runRenewal)
		r.Post("/dunning/run", s.runDunning)
		r.Post("/reaper/run", s.runReaper)
		r.Post("/closure/apply", s.applyClosure)
		r.Post("/closure/resume", s.resumeClosure)
	})

	return r
}
