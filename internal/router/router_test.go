package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pht-router/trainrouter/internal/dispatcher"
	"github.com/pht-router/trainrouter/internal/observability"
	"github.com/pht-router/trainrouter/internal/registrymover"
	"github.com/pht-router/trainrouter/internal/routemodel"
	"github.com/pht-router/trainrouter/internal/routerrors"
)

// fakeRouteStore and fakeJobStateStore are minimal in-memory stand-ins
// satisfying RouteStore/JobStateStore, letting the Router's handler
// logic be exercised without Vault or Redis.

type fakeRouteStore struct {
	routes map[routemodel.JobId]routemodel.Route
}

func newFakeRouteStore() *fakeRouteStore {
	return &fakeRouteStore{routes: make(map[routemodel.JobId]routemodel.Route)}
}

func (f *fakeRouteStore) Get(_ context.Context, jobId routemodel.JobId) (routemodel.Route, error) {
	r, ok := f.routes[jobId]
	if !ok {
		return routemodel.Route{}, &routerrors.NotFoundError{JobId: jobId}
	}
	return r, nil
}

func (f *fakeRouteStore) List(_ context.Context) ([]routemodel.Route, error) {
	out := make([]routemodel.Route, 0, len(f.routes))
	for _, r := range f.routes {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRouteStore) Delete(_ context.Context, jobId routemodel.JobId) error {
	delete(f.routes, jobId)
	return nil
}

type jobRecord struct {
	status         routemodel.Status
	stations       []routemodel.StationId
	route          []routemodel.StationId
	current        string
	periodic       bool
	epoch, epochs  int
	interopPending bool
}

type fakeJobStateStore struct {
	jobs map[routemodel.JobId]*jobRecord
}

func newFakeJobStateStore() *fakeJobStateStore {
	return &fakeJobStateStore{jobs: make(map[routemodel.JobId]*jobRecord)}
}

func (f *fakeJobStateStore) Exists(_ context.Context, jobId routemodel.JobId) (bool, error) {
	_, ok := f.jobs[jobId]
	return ok, nil
}

func (f *fakeJobStateStore) Register(_ context.Context, route routemodel.Route) error {
	if err := route.Validate(); err != nil {
		return &routerrors.InvalidRouteError{Reason: err.Error()}
	}
	if _, ok := f.jobs[route.Suffix]; ok {
		return nil // P5: registering an already-registered job is a no-op
	}
	rec := &jobRecord{
		status:   routemodel.StatusInitialized,
		stations: append([]routemodel.StationId{}, route.Stations...),
		route:    append([]routemodel.StationId{}, route.Stations...),
		current:  routemodel.Incoming,
		periodic: route.Periodic,
	}
	if route.Periodic {
		rec.epochs = *route.Epochs
	}
	f.jobs[route.Suffix] = rec
	return nil
}

func (f *fakeJobStateStore) GetStatus(_ context.Context, jobId routemodel.JobId) (routemodel.Status, error) {
	rec, ok := f.jobs[jobId]
	if !ok {
		return "", &routerrors.NotFoundError{JobId: jobId}
	}
	return rec.status, nil
}

func (f *fakeJobStateStore) SetStatus(_ context.Context, jobId routemodel.JobId, status routemodel.Status) error {
	f.jobs[jobId].status = status
	return nil
}

func (f *fakeJobStateStore) GetCurrentStation(_ context.Context, jobId routemodel.JobId) (string, error) {
	return f.jobs[jobId].current, nil
}

func (f *fakeJobStateStore) SetCurrentStation(_ context.Context, jobId routemodel.JobId, station string) error {
	f.jobs[jobId].current = station
	return nil
}

func (f *fakeJobStateStore) PeekNext(_ context.Context, jobId routemodel.JobId) (string, error) {
	rec := f.jobs[jobId]
	if len(rec.route) > 0 {
		return rec.route[0], nil
	}
	if !rec.periodic {
		return routemodel.Outgoing, nil
	}
	if rec.epoch >= rec.epochs {
		return routemodel.Outgoing, nil
	}
	if len(rec.stations) == 0 {
		return routemodel.Outgoing, nil
	}
	return rec.stations[0], nil
}

func (f *fakeJobStateStore) AdvanceTo(_ context.Context, jobId routemodel.JobId, destination string) error {
	rec := f.jobs[jobId]
	if destination == routemodel.Outgoing {
		return nil
	}
	if len(rec.route) > 0 {
		rec.route = rec.route[1:]
		return nil
	}
	if rec.periodic {
		rec.epoch++
		rec.route = append([]routemodel.StationId{}, rec.stations...)
		rec.route = rec.route[1:]
	}
	return nil
}

func (f *fakeJobStateStore) SetInteropPending(_ context.Context, jobId routemodel.JobId, pending bool) error {
	f.jobs[jobId].interopPending = pending
	return nil
}

func (f *fakeJobStateStore) Remove(_ context.Context, jobId routemodel.JobId) error {
	delete(f.jobs, jobId)
	return nil
}

type moveCall struct {
	origin, destination string
	opts                registrymover.MoveOptions
}

type fakeMover struct {
	calls     []moveCall
	failMove  bool
	locations []string
}

func (f *fakeMover) Move(_ context.Context, _ routemodel.JobId, origin, destination registrymover.ProjectRef, opts registrymover.MoveOptions) error {
	f.calls = append(f.calls, moveCall{origin: origin.String(), destination: destination.String(), opts: opts})
	if f.failMove {
		return &routerrors.MoveFailedError{Tag: "latest", Err: assert.AnError}
	}
	return nil
}

func (f *fakeMover) Retag(_ context.Context, _ routemodel.JobId, _ registrymover.ProjectRef, _, _ string) error {
	return nil
}

func (f *fakeMover) Find(_ context.Context, _ routemodel.JobId) ([]string, error) {
	return f.locations, nil
}

type fakeNotifier struct {
	events []string
}

func (f *fakeNotifier) NotifyTransition(jobId, from, to string, status routemodel.Status) {
	f.events = append(f.events, jobId+":"+from+"->"+to)
}

func newTestRouter(t *testing.T, routes *fakeRouteStore, jobs *fakeJobStateStore, mover *fakeMover, notifier Notifier, autoStart bool) *Router {
	t.Helper()
	logger, err := observability.NewLogger("error")
	require.NoError(t, err)
	return New(Config{
		Routes:    routes,
		Jobs:      jobs,
		Mover:     mover,
		Logger:    logger,
		AutoStart: autoStart,
		Notifier:  notifier,
	})
}

func linearRoute(jobId routemodel.JobId, stations ...routemodel.StationId) routemodel.Route {
	return routemodel.Route{Suffix: jobId, Stations: stations}
}

func TestHandleBuilt_SeedsAndReturnsBuilt(t *testing.T) {
	routes := newFakeRouteStore()
	routes.routes["job-1"] = linearRoute("job-1", "alpha", "beta")
	jobs := newFakeJobStateStore()
	r := newTestRouter(t, routes, jobs, &fakeMover{}, nil, false)

	resp := r.Process(context.Background(), dispatcher.Command{Type: dispatcher.EventBuilt, JobId: "job-1"})

	assert.Equal(t, dispatcher.RespBuilt, resp.Event)
	exists, _ := jobs.Exists(context.Background(), "job-1")
	assert.True(t, exists)
	status, _ := jobs.GetStatus(context.Background(), "job-1")
	assert.Equal(t, routemodel.StatusInitialized, status)
}

func TestHandleBuilt_AutoStartChainsIntoStart(t *testing.T) {
	routes := newFakeRouteStore()
	routes.routes["job-1"] = linearRoute("job-1", "alpha")
	jobs := newFakeJobStateStore()
	mover := &fakeMover{}
	r := newTestRouter(t, routes, jobs, mover, nil, true)

	resp := r.Process(context.Background(), dispatcher.Command{Type: dispatcher.EventBuilt, JobId: "job-1"})

	assert.Equal(t, dispatcher.RespStarted, resp.Event)
	status, _ := jobs.GetStatus(context.Background(), "job-1")
	assert.Equal(t, routemodel.StatusRunning, status)
	require.Len(t, mover.calls, 1)
	assert.Equal(t, "station_alpha", mover.calls[0].destination)
}

func TestHandleStart_AlreadyStarted(t *testing.T) {
	routes := newFakeRouteStore()
	routes.routes["job-1"] = linearRoute("job-1", "alpha")
	jobs := newFakeJobStateStore()
	require.NoError(t, jobs.Register(context.Background(), routes.routes["job-1"]))
	require.NoError(t, jobs.SetStatus(context.Background(), "job-1", routemodel.StatusRunning))
	r := newTestRouter(t, routes, jobs, &fakeMover{}, nil, false)

	resp := r.Process(context.Background(), dispatcher.Command{Type: dispatcher.EventStart, JobId: "job-1"})

	assert.Equal(t, dispatcher.RespFailed, resp.Event)
	require.NotNil(t, resp.ErrorCode)
	assert.Equal(t, routerrors.AlreadyStarted, *resp.ErrorCode)
}

func TestHandleStart_RecoversFromMissingJobState(t *testing.T) {
	routes := newFakeRouteStore()
	routes.routes["job-1"] = linearRoute("job-1", "alpha")
	jobs := newFakeJobStateStore()
	r := newTestRouter(t, routes, jobs, &fakeMover{}, nil, false)

	resp := r.Process(context.Background(), dispatcher.Command{Type: dispatcher.EventStart, JobId: "job-1"})

	assert.Equal(t, dispatcher.RespStarted, resp.Event)
}

func TestHandleStart_FailedMoveLeavesStateUntouched(t *testing.T) {
	routes := newFakeRouteStore()
	routes.routes["job-1"] = linearRoute("job-1", "alpha", "beta")
	jobs := newFakeJobStateStore()
	require.NoError(t, jobs.Register(context.Background(), routes.routes["job-1"]))
	mover := &fakeMover{failMove: true}
	r := newTestRouter(t, routes, jobs, mover, nil, false)

	resp := r.Process(context.Background(), dispatcher.Command{Type: dispatcher.EventStart, JobId: "job-1"})

	assert.Equal(t, dispatcher.RespFailed, resp.Event)
	status, _ := jobs.GetStatus(context.Background(), "job-1")
	assert.Equal(t, routemodel.StatusInitialized, status, "peek never mutates state, so a failed move must not advance status")
	current, _ := jobs.GetCurrentStation(context.Background(), "job-1")
	assert.Equal(t, routemodel.Incoming, current)
}

func TestHandleStop_Lifecycle(t *testing.T) {
	routes := newFakeRouteStore()
	routes.routes["job-1"] = linearRoute("job-1", "alpha")
	jobs := newFakeJobStateStore()
	require.NoError(t, jobs.Register(context.Background(), routes.routes["job-1"]))
	r := newTestRouter(t, routes, jobs, &fakeMover{}, nil, false)
	ctx := context.Background()

	resp := r.Process(ctx, dispatcher.Command{Type: dispatcher.EventStop, JobId: "job-1"})
	assert.Equal(t, dispatcher.RespFailed, resp.Event, "a job still INITIALIZED was never started")
	require.NotNil(t, resp.ErrorCode)
	assert.Equal(t, routerrors.NotStarted, *resp.ErrorCode)

	require.NoError(t, jobs.SetStatus(ctx, "job-1", routemodel.StatusRunning))
	resp = r.Process(ctx, dispatcher.Command{Type: dispatcher.EventStop, JobId: "job-1"})
	assert.Equal(t, dispatcher.RespStopped, resp.Event)

	resp = r.Process(ctx, dispatcher.Command{Type: dispatcher.EventStop, JobId: "job-1"})
	assert.Equal(t, dispatcher.RespFailed, resp.Event)
	assert.Equal(t, routerrors.AlreadyStopped, *resp.ErrorCode)
}

func TestHandlePushed_IgnoresSystemOperator(t *testing.T) {
	jobs := newFakeJobStateStore()
	r := newTestRouter(t, newFakeRouteStore(), jobs, &fakeMover{}, nil, false)

	resp := r.Process(context.Background(), dispatcher.Command{Type: dispatcher.EventPushed, JobId: "job-1", Operator: "system"})

	assert.Equal(t, dispatcher.RespIgnored, resp.Event)
}

func TestHandlePushed_MidRouteMove(t *testing.T) {
	routes := newFakeRouteStore()
	routes.routes["job-1"] = linearRoute("job-1", "alpha", "beta")
	jobs := newFakeJobStateStore()
	require.NoError(t, jobs.Register(context.Background(), routes.routes["job-1"]))
	require.NoError(t, jobs.SetStatus(context.Background(), "job-1", routemodel.StatusRunning))
	require.NoError(t, jobs.SetCurrentStation(context.Background(), "job-1", "alpha"))
	jobs.jobs["job-1"].route = []routemodel.StationId{"beta"}
	notifier := &fakeNotifier{}
	r := newTestRouter(t, routes, jobs, &fakeMover{}, notifier, false)

	resp := r.Process(context.Background(), dispatcher.Command{Type: dispatcher.EventPushed, JobId: "job-1", Operator: "researcher"})

	assert.Equal(t, dispatcher.RespMoved, resp.Event)
	assert.Equal(t, "alpha -> beta", resp.Message)
	current, _ := jobs.GetCurrentStation(context.Background(), "job-1")
	assert.Equal(t, "beta", current)
	assert.Len(t, notifier.events, 1)
}

func TestHandlePushed_FinalMoveCompletesJob(t *testing.T) {
	routes := newFakeRouteStore()
	routes.routes["job-1"] = linearRoute("job-1", "alpha")
	jobs := newFakeJobStateStore()
	require.NoError(t, jobs.Register(context.Background(), routes.routes["job-1"]))
	require.NoError(t, jobs.SetStatus(context.Background(), "job-1", routemodel.StatusRunning))
	require.NoError(t, jobs.SetCurrentStation(context.Background(), "job-1", "alpha"))
	jobs.jobs["job-1"].route = nil
	mover := &fakeMover{}
	r := newTestRouter(t, routes, jobs, mover, nil, false)

	resp := r.Process(context.Background(), dispatcher.Command{Type: dispatcher.EventPushed, JobId: "job-1", Operator: "researcher"})

	assert.Equal(t, dispatcher.RespCompleted, resp.Event)
	status, _ := jobs.GetStatus(context.Background(), "job-1")
	assert.Equal(t, routemodel.StatusCompleted, status)
	_, routeStillExists := routes.routes["job-1"]
	assert.False(t, routeStillExists, "completed jobs have their route deleted")
	require.Len(t, mover.calls, 1)
	assert.True(t, mover.calls[0].opts.Outgoing)
}

func TestHandleStatus_ReportsCurrentStatus(t *testing.T) {
	routes := newFakeRouteStore()
	routes.routes["job-1"] = linearRoute("job-1", "alpha")
	jobs := newFakeJobStateStore()
	require.NoError(t, jobs.Register(context.Background(), routes.routes["job-1"]))
	r := newTestRouter(t, routes, jobs, &fakeMover{}, nil, false)

	resp := r.Process(context.Background(), dispatcher.Command{Type: dispatcher.EventStatus, JobId: "job-1"})

	assert.Equal(t, dispatcher.RespStatus, resp.Event)
	assert.Equal(t, string(routemodel.StatusInitialized), resp.Message)
}

func TestHandleReset_RestoresFromScatteredLocations(t *testing.T) {
	routes := newFakeRouteStore()
	routes.routes["job-1"] = linearRoute("job-1", "alpha", "beta")
	jobs := newFakeJobStateStore()
	require.NoError(t, jobs.Register(context.Background(), routes.routes["job-1"]))
	require.NoError(t, jobs.SetStatus(context.Background(), "job-1", routemodel.StatusRunning))
	mover := &fakeMover{locations: []string{"station_beta", "pht_incoming"}}
	notifier := &fakeNotifier{}
	r := newTestRouter(t, routes, jobs, mover, notifier, false)

	resp := r.Process(context.Background(), dispatcher.Command{Type: dispatcher.EventReset, JobId: "job-1"})

	assert.Equal(t, dispatcher.RespBuilt, resp.Event)
	require.Len(t, mover.calls, 1, "only the non-utility project is moved back to INCOMING")
	assert.Equal(t, "station_beta", mover.calls[0].origin)
	assert.Equal(t, "pht_incoming", mover.calls[0].destination)
	status, _ := jobs.GetStatus(context.Background(), "job-1")
	assert.Equal(t, routemodel.StatusInitialized, status)
	assert.Len(t, notifier.events, 1)
}

func TestProcess_UnknownEventType(t *testing.T) {
	r := newTestRouter(t, newFakeRouteStore(), newFakeJobStateStore(), &fakeMover{}, nil, false)

	resp := r.Process(context.Background(), dispatcher.Command{Type: dispatcher.EventType("bogus"), JobId: "job-1"})

	assert.Equal(t, dispatcher.RespFailed, resp.Event)
	assert.Nil(t, resp.ErrorCode, "unknown event types have no Coder, so errorCode is null on the wire")
}
