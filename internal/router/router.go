// Package router implements the finite-state engine that composes
// RouteStore, JobStateStore, and RegistryMover to service inbound
// commands. Its handler logic is pure with respect to its inputs and
// the three constructor-injected collaborators (spec.md §9) — there is
// no process-wide global state.
package router

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pht-router/trainrouter/internal/dispatcher"
	"github.com/pht-router/trainrouter/internal/observability"
	"github.com/pht-router/trainrouter/internal/registrymover"
	"github.com/pht-router/trainrouter/internal/routemodel"
	"github.com/pht-router/trainrouter/internal/routerrors"
)

// Notifier receives best-effort job transition notifications for the
// admin surface's live event feed. A nil Notifier is valid: the
// router never blocks on it.
type Notifier interface {
	NotifyTransition(jobId, from, to string, status routemodel.Status)
}

// RouteStore is the subset of routestore.Store the Router depends on.
// Declaring it here, satisfied structurally by *routestore.Store,
// keeps the Router testable against an in-memory fake without either
// package importing a test-only interface from the other.
type RouteStore interface {
	Get(ctx context.Context, jobId routemodel.JobId) (routemodel.Route, error)
	List(ctx context.Context) ([]routemodel.Route, error)
	Delete(ctx context.Context, jobId routemodel.JobId) error
}

// JobStateStore is the subset of jobstate.Store the Router depends on.
type JobStateStore interface {
	Exists(ctx context.Context, jobId routemodel.JobId) (bool, error)
	Register(ctx context.Context, route routemodel.Route) error
	GetStatus(ctx context.Context, jobId routemodel.JobId) (routemodel.Status, error)
	SetStatus(ctx context.Context, jobId routemodel.JobId, status routemodel.Status) error
	GetCurrentStation(ctx context.Context, jobId routemodel.JobId) (string, error)
	SetCurrentStation(ctx context.Context, jobId routemodel.JobId, station string) error
	PeekNext(ctx context.Context, jobId routemodel.JobId) (string, error)
	AdvanceTo(ctx context.Context, jobId routemodel.JobId, destination string) error
	SetInteropPending(ctx context.Context, jobId routemodel.JobId, pending bool) error
	Remove(ctx context.Context, jobId routemodel.JobId) error
}

// Mover is the subset of registrymover.Mover the Router depends on.
type Mover interface {
	Move(ctx context.Context, jobId routemodel.JobId, origin, destination registrymover.ProjectRef, opts registrymover.MoveOptions) error
	Retag(ctx context.Context, jobId routemodel.JobId, project registrymover.ProjectRef, dstTag, srcTag string) error
	Find(ctx context.Context, jobId routemodel.JobId) ([]string, error)
}

// Router is the core engine: Process is its only public operation.
type Router struct {
	routes    RouteStore
	jobs      JobStateStore
	mover     Mover
	logger    *observability.Logger
	autoStart bool
	notifier  Notifier
}

// Config wires the Router's collaborators.
type Config struct {
	Routes    RouteStore
	Jobs      JobStateStore
	Mover     Mover
	Logger    *observability.Logger
	AutoStart bool
	Notifier  Notifier
}

// New creates a Router.
func New(cfg Config) *Router {
	return &Router{
		routes:    cfg.Routes,
		jobs:      cfg.Jobs,
		mover:     cfg.Mover,
		logger:    cfg.Logger,
		autoStart: cfg.AutoStart,
		notifier:  cfg.Notifier,
	}
}

var _ dispatcher.Processor = (*Router)(nil)

// Process dispatches cmd to its handler via exhaustive case analysis
// (spec.md §9: "model commands as a tagged variant and dispatch via
// exhaustive case analysis, not string comparison in handler bodies").
// Handlers never panic; every path returns exactly one Response.
func (r *Router) Process(ctx context.Context, cmd dispatcher.Command) dispatcher.Response {
	switch cmd.Type {
	case dispatcher.EventBuilt:
		return r.handleBuilt(ctx, cmd.JobId)
	case dispatcher.EventStart:
		return r.handleStart(ctx, cmd.JobId)
	case dispatcher.EventStop:
		return r.handleStop(ctx, cmd.JobId)
	case dispatcher.EventPushed:
		return r.handlePushed(ctx, cmd.JobId, cmd.Operator)
	case dispatcher.EventStatus:
		return r.handleStatus(ctx, cmd.JobId)
	case dispatcher.EventReset:
		return r.handleReset(ctx, cmd.JobId)
	default:
		return failed(cmd.JobId, &routerrors.UnknownEventError{EventType: string(cmd.Type)})
	}
}

// seedFromRoute reads the route and registers it in JobStateStore,
// the common step shared by BUILT and START's recovery path. It does
// not itself decide whether to chain into START — callers do that.
func (r *Router) seedFromRoute(ctx context.Context, jobId routemodel.JobId) error {
	route, err := r.routes.Get(ctx, jobId)
	if err != nil {
		return err
	}
	return r.jobs.Register(ctx, route)
}

func (r *Router) handleBuilt(ctx context.Context, jobId routemodel.JobId) dispatcher.Response {
	if err := r.seedFromRoute(ctx, jobId); err != nil {
		return failed(jobId, err)
	}

	if r.autoStart {
		return r.handleStart(ctx, jobId)
	}
	return dispatcher.Response{Event: dispatcher.RespBuilt, JobId: jobId}
}

func (r *Router) handleStart(ctx context.Context, jobId routemodel.JobId) dispatcher.Response {
	exists, err := r.jobs.Exists(ctx, jobId)
	if err != nil {
		return failed(jobId, err)
	}
	if !exists {
		if err := r.seedFromRoute(ctx, jobId); err != nil {
			return failed(jobId, &routerrors.NotFoundError{JobId: jobId})
		}
	}

	status, err := r.jobs.GetStatus(ctx, jobId)
	if err != nil {
		return failed(jobId, err)
	}

	switch status {
	case routemodel.StatusStarted, routemodel.StatusRunning:
		return failed(jobId, routerrors.AlreadyStartedError(jobId))
	case routemodel.StatusCompleted:
		return failed(jobId, &routerrors.NotFoundError{JobId: jobId})
	case routemodel.StatusInitialized, routemodel.StatusStopped:
		// proceed
	default:
		return failed(jobId, fmt.Errorf("unexpected status %q", status))
	}

	currentStation, err := r.jobs.GetCurrentStation(ctx, jobId)
	if err != nil {
		return failed(jobId, err)
	}
	destination, err := r.jobs.PeekNext(ctx, jobId)
	if err != nil {
		return failed(jobId, err)
	}

	origin := projectRef(currentStation)
	dest := projectRef(destination)

	if err := r.mover.Move(ctx, jobId, origin, dest, registrymover.MoveOptions{
		DeleteSource: true,
		Outgoing:     destination == routemodel.Outgoing,
	}); err != nil {
		// Peek never mutated state, so the job stays exactly where it
		// was — no station is lost (spec.md §9's pop-before-move hazard
		// does not apply here).
		return failed(jobId, err)
	}

	if err := r.jobs.AdvanceTo(ctx, jobId, destination); err != nil {
		return failed(jobId, err)
	}
	if err := r.jobs.SetCurrentStation(ctx, jobId, destination); err != nil {
		return failed(jobId, err)
	}
	if err := r.jobs.SetStatus(ctx, jobId, routemodel.StatusRunning); err != nil {
		return failed(jobId, err)
	}
	r.updateInteropPending(ctx, jobId, destination)

	r.notify(jobId, currentStation, destination, routemodel.StatusRunning)
	return dispatcher.Response{Event: dispatcher.RespStarted, JobId: jobId}
}

func (r *Router) handleStop(ctx context.Context, jobId routemodel.JobId) dispatcher.Response {
	exists, err := r.jobs.Exists(ctx, jobId)
	if err != nil {
		return failed(jobId, err)
	}
	if !exists {
		return failed(jobId, &routerrors.NotFoundError{JobId: jobId})
	}

	status, err := r.jobs.GetStatus(ctx, jobId)
	if err != nil {
		return failed(jobId, err)
	}

	switch status {
	case routemodel.StatusStopped:
		return failed(jobId, routerrors.AlreadyStoppedError(jobId))
	case routemodel.StatusInitialized:
		return failed(jobId, routerrors.NotStartedError(jobId))
	case routemodel.StatusCompleted:
		return failed(jobId, routerrors.NotStartedError(jobId))
	case routemodel.StatusStarted, routemodel.StatusRunning:
		if err := r.jobs.SetStatus(ctx, jobId, routemodel.StatusStopped); err != nil {
			return failed(jobId, err)
		}
		return dispatcher.Response{Event: dispatcher.RespStopped, JobId: jobId}
	default:
		return failed(jobId, fmt.Errorf("unexpected status %q", status))
	}
}

func (r *Router) handlePushed(ctx context.Context, jobId routemodel.JobId, operator string) dispatcher.Response {
	if operator == "system" {
		return dispatcher.Response{Event: dispatcher.RespIgnored, JobId: jobId}
	}

	status, err := r.jobs.GetStatus(ctx, jobId)
	if err != nil {
		return failed(jobId, err)
	}
	if status != routemodel.StatusStarted && status != routemodel.StatusRunning {
		return failed(jobId, routerrors.NotRunningError(jobId))
	}

	// current_station is authoritative over the command's informational
	// project field, per spec.md §9's resolved open question.
	currentStation, err := r.jobs.GetCurrentStation(ctx, jobId)
	if err != nil {
		return failed(jobId, err)
	}
	destination, err := r.jobs.PeekNext(ctx, jobId)
	if err != nil {
		return failed(jobId, err)
	}

	origin := projectRef(currentStation)
	dest := projectRef(destination)

	if destination == routemodel.Outgoing {
		if err := r.mover.Move(ctx, jobId, origin, dest, registrymover.MoveOptions{Outgoing: true}); err != nil {
			return failed(jobId, err)
		}
		if err := r.jobs.AdvanceTo(ctx, jobId, destination); err != nil {
			return failed(jobId, err)
		}
		if err := r.jobs.SetCurrentStation(ctx, jobId, destination); err != nil {
			return failed(jobId, err)
		}
		if err := r.jobs.SetStatus(ctx, jobId, routemodel.StatusCompleted); err != nil {
			return failed(jobId, err)
		}
		if err := r.routes.Delete(ctx, jobId); err != nil {
			r.logger.Warn("failed to delete completed route", zap.String("job_id", jobId), zap.Error(err))
		}
		r.notify(jobId, currentStation, destination, routemodel.StatusCompleted)
		return dispatcher.Response{Event: dispatcher.RespCompleted, JobId: jobId}
	}

	if err := r.mover.Move(ctx, jobId, origin, dest, registrymover.MoveOptions{}); err != nil {
		return failed(jobId, err)
	}
	if err := r.jobs.AdvanceTo(ctx, jobId, destination); err != nil {
		return failed(jobId, err)
	}
	if err := r.jobs.SetCurrentStation(ctx, jobId, destination); err != nil {
		return failed(jobId, err)
	}
	r.updateInteropPending(ctx, jobId, destination)

	r.notify(jobId, currentStation, destination, routemodel.StatusRunning)
	return dispatcher.Response{
		Event:   dispatcher.RespMoved,
		JobId:   jobId,
		Message: fmt.Sprintf("%s -> %s", currentStation, destination),
	}
}

func (r *Router) handleStatus(ctx context.Context, jobId routemodel.JobId) dispatcher.Response {
	status, err := r.jobs.GetStatus(ctx, jobId)
	if err != nil {
		return failed(jobId, err)
	}
	return dispatcher.Response{Event: dispatcher.RespStatus, JobId: jobId, Message: string(status)}
}

func (r *Router) handleReset(ctx context.Context, jobId routemodel.JobId) dispatcher.Response {
	route, err := r.routes.Get(ctx, jobId)
	if err != nil {
		return failed(jobId, err)
	}

	projects, err := r.mover.Find(ctx, jobId)
	if err != nil {
		return failed(jobId, err)
	}
	for _, project := range projects {
		if isUtilityProject(project) {
			continue
		}
		ref := registrymover.RawProject(project)
		if err := r.mover.Move(ctx, jobId, ref, registrymover.Utility(routemodel.Incoming), registrymover.MoveOptions{DeleteSource: true}); err != nil {
			return failed(jobId, err)
		}
	}

	if err := r.mover.Retag(ctx, jobId, registrymover.Utility(routemodel.Incoming), "latest", "base"); err != nil {
		return failed(jobId, err)
	}

	exists, err := r.jobs.Exists(ctx, jobId)
	if err != nil {
		return failed(jobId, err)
	}
	if exists {
		if err := r.jobs.Remove(ctx, jobId); err != nil {
			return failed(jobId, err)
		}
	}
	if err := r.jobs.Register(ctx, route); err != nil {
		return failed(jobId, err)
	}

	r.notify(jobId, "", routemodel.Incoming, routemodel.StatusInitialized)
	return dispatcher.Response{Event: dispatcher.RespBuilt, JobId: jobId, Message: "reset"}
}

// Sync performs the startup reconciliation: every route in RouteStore
// whose jobId is absent from JobStateStore is re-seeded. Routes
// already present in JobStateStore are left untouched.
func (r *Router) Sync(ctx context.Context) error {
	routes, err := r.routes.List(ctx)
	if err != nil {
		return fmt.Errorf("listing routes for startup sync: %w", err)
	}

	for _, route := range routes {
		exists, err := r.jobs.Exists(ctx, route.Suffix)
		if err != nil {
			return fmt.Errorf("checking job state for %q during sync: %w", route.Suffix, err)
		}
		if exists {
			continue
		}
		if err := r.jobs.Register(ctx, route); err != nil {
			return fmt.Errorf("re-seeding %q during sync: %w", route.Suffix, err)
		}
		r.logger.Info("re-seeded job state from route store at startup", zap.String("job_id", route.Suffix))
	}
	return nil
}

// updateInteropPending maintains the supplemented interop_pending flag
// (SPEC_FULL.md §3): set on entry to INTEROP, cleared on any move out
// of it. Failures are logged, not surfaced — this flag is advisory,
// read only by the admin surface.
func (r *Router) updateInteropPending(ctx context.Context, jobId routemodel.JobId, currentStation string) {
	if err := r.jobs.SetInteropPending(ctx, jobId, currentStation == routemodel.Interop); err != nil {
		r.logger.Warn("failed to update interop_pending flag", zap.String("job_id", jobId), zap.Error(err))
	}
}

func (r *Router) notify(jobId, from, to string, status routemodel.Status) {
	if r.notifier == nil {
		return
	}
	r.notifier.NotifyTransition(jobId, from, to, status)
}

func failed(jobId routemodel.JobId, err error) dispatcher.Response {
	resp := dispatcher.Response{Event: dispatcher.RespFailed, JobId: jobId, Message: err.Error()}
	if code, ok := routerrors.CodeOf(err); ok {
		resp.ErrorCode = &code
	}
	return resp
}

// projectRef maps a current_station value (either a utility station
// identifier or a raw StationId) to a registrymover.ProjectRef.
func projectRef(station string) registrymover.ProjectRef {
	switch station {
	case routemodel.Incoming, routemodel.Outgoing, routemodel.Interop:
		return registrymover.Utility(station)
	default:
		return registrymover.Station(station)
	}
}

func isUtilityProject(projectName string) bool {
	for _, p := range routemodel.ProjectNames {
		if p == projectName {
			return true
		}
	}
	return false
}
