// Package jobstate implements the fast, mutable runtime state cache
// for jobs on top of Redis. Key naming follows the original
// implementation's convention: "<jobId>-stations", "<jobId>-route",
// "<jobId>-type", "<jobId>-epochs", "<jobId>-epoch",
// "<jobId>-status", "<jobId>-current-station".
package jobstate

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/pht-router/trainrouter/internal/routemodel"
	"github.com/pht-router/trainrouter/internal/routerrors"
)

// Store is a JobStateStore backed by Redis.
type Store struct {
	client *redis.Client
}

// Config carries the connection details for the Redis-backed store.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New creates a Store. It does not probe connectivity; callers should
// use Ping for that (wired into the admin surface's readiness check).
func New(cfg Config) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{client: client}
}

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func keys(jobId routemodel.JobId) (stations, route, typ, epochs, epoch, status, current, interop string) {
	return jobId + "-stations",
		jobId + "-route",
		jobId + "-type",
		jobId + "-epochs",
		jobId + "-epoch",
		jobId + "-status",
		jobId + "-current-station",
		jobId + "-interop-pending"
}

// Exists reports whether jobId has any tracked state.
func (s *Store) Exists(ctx context.Context, jobId routemodel.JobId) (bool, error) {
	_, _, _, _, _, statusKey, _, _ := keys(jobId)
	n, err := s.client.Exists(ctx, statusKey).Result()
	if err != nil {
		return false, &routerrors.StoreUnavailableError{Store: "JobStateStore", Err: err}
	}
	return n > 0, nil
}

// registerScript atomically seeds all keys for a new job, honoring P5:
// if the job already exists (status key is set), it is a no-op.
var registerScript = redis.NewScript(`
local status_key = KEYS[1]
local stations_key = KEYS[2]
local route_key = KEYS[3]
local type_key = KEYS[4]
local epochs_key = KEYS[5]
local epoch_key = KEYS[6]
local current_key = KEYS[7]

if redis.call("EXISTS", status_key) == 1 then
  return 0
end

for i = 1, #ARGV do
  local station = ARGV[i]
  if station ~= "" then
    redis.call("RPUSH", stations_key, station)
    redis.call("RPUSH", route_key, station)
  end
end

redis.call("SET", type_key, KEYS[8])
if KEYS[8] == "periodic" then
  redis.call("SET", epochs_key, KEYS[9])
  redis.call("SET", epoch_key, "0")
end
redis.call("SET", current_key, "INCOMING")
redis.call("SET", status_key, "INITIALIZED")
return 1
`)

// Register seeds JobStateStore for a newly built job. Per P5, calling
// it twice for an already-registered jobId without an intervening
// RESET is a no-op.
func (s *Store) Register(ctx context.Context, route routemodel.Route) error {
	if err := route.Validate(); err != nil {
		return &routerrors.InvalidRouteError{Reason: err.Error()}
	}

	stationsKey, routeKey, typeKey, epochsKey, epochKey, statusKey, currentKey, _ := keys(route.Suffix)

	routeType := "linear"
	epochsVal := "0"
	if route.Periodic {
		routeType = "periodic"
		epochsVal = strconv.Itoa(*route.Epochs)
	}

	args := make([]interface{}, len(route.Stations))
	for i, st := range route.Stations {
		args[i] = st
	}

	_, err := registerScript.Run(ctx, s.client,
		[]string{statusKey, stationsKey, routeKey, typeKey, epochsKey, epochKey, currentKey, routeType, epochsVal},
		args...,
	).Result()
	if err != nil {
		return &routerrors.StoreUnavailableError{Store: "JobStateStore", Err: err}
	}
	return nil
}

// GetStatus returns the job's current status.
func (s *Store) GetStatus(ctx context.Context, jobId routemodel.JobId) (routemodel.Status, error) {
	_, _, _, _, _, statusKey, _, _ := keys(jobId)
	v, err := s.client.Get(ctx, statusKey).Result()
	if err == redis.Nil {
		return "", &routerrors.NotFoundError{JobId: jobId}
	}
	if err != nil {
		return "", &routerrors.StoreUnavailableError{Store: "JobStateStore", Err: err}
	}
	return routemodel.Status(v), nil
}

// SetStatus updates the job's status.
func (s *Store) SetStatus(ctx context.Context, jobId routemodel.JobId, status routemodel.Status) error {
	_, _, _, _, _, statusKey, _, _ := keys(jobId)
	if err := s.client.Set(ctx, statusKey, string(status), 0).Err(); err != nil {
		return &routerrors.StoreUnavailableError{Store: "JobStateStore", Err: err}
	}
	return nil
}

// GetType returns whether the job's route is linear or periodic.
func (s *Store) GetType(ctx context.Context, jobId routemodel.JobId) (routemodel.RouteType, error) {
	_, _, typeKey, _, _, _, _, _ := keys(jobId)
	v, err := s.client.Get(ctx, typeKey).Result()
	if err == redis.Nil {
		return "", &routerrors.NotFoundError{JobId: jobId}
	}
	if err != nil {
		return "", &routerrors.StoreUnavailableError{Store: "JobStateStore", Err: err}
	}
	return routemodel.RouteType(v), nil
}

// GetCurrentStation returns the project a job's images currently live
// in.
func (s *Store) GetCurrentStation(ctx context.Context, jobId routemodel.JobId) (string, error) {
	_, _, _, _, _, _, currentKey, _ := keys(jobId)
	v, err := s.client.Get(ctx, currentKey).Result()
	if err == redis.Nil {
		return "", &routerrors.NotFoundError{JobId: jobId}
	}
	if err != nil {
		return "", &routerrors.StoreUnavailableError{Store: "JobStateStore", Err: err}
	}
	return v, nil
}

// SetCurrentStation records where a job's images now live.
func (s *Store) SetCurrentStation(ctx context.Context, jobId routemodel.JobId, station string) error {
	_, _, _, _, _, _, currentKey, _ := keys(jobId)
	if err := s.client.Set(ctx, currentKey, station, 0).Err(); err != nil {
		return &routerrors.StoreUnavailableError{Store: "JobStateStore", Err: err}
	}
	return nil
}

// peekScript computes, without mutating any key, what nextStation
// would currently return. It mirrors the read side of the original
// pop-based logic but leaves route/epoch untouched so the caller can
// attempt the registry move before committing via advanceTo.
var peekScript = redis.NewScript(`
local route_key = KEYS[1]
local type_key = KEYS[2]
local epochs_key = KEYS[3]
local epoch_key = KEYS[4]
local stations_key = KEYS[5]

local head = redis.call("LINDEX", route_key, 0)
if head then
  return head
end

local route_type = redis.call("GET", type_key)
if route_type == "linear" then
  return "OUTGOING"
end

local epoch = tonumber(redis.call("GET", epoch_key))
local epochs = tonumber(redis.call("GET", epochs_key))
if epoch >= epochs then
  return "OUTGOING"
end

local stations = redis.call("LRANGE", stations_key, 0, -1)
if #stations == 0 then
  return "OUTGOING"
end
return stations[1]
`)

// PeekNext computes the next station a job would move to without
// mutating any state. Paired with AdvanceTo, this replaces the
// original's eager pop so a failed registry move never loses a
// station.
func (s *Store) PeekNext(ctx context.Context, jobId routemodel.JobId) (string, error) {
	stationsKey, routeKey, typeKey, epochsKey, epochKey, _, _, _ := keys(jobId)
	v, err := peekScript.Run(ctx, s.client,
		[]string{routeKey, typeKey, epochsKey, epochKey, stationsKey},
	).Result()
	if err != nil {
		return "", &routerrors.StoreUnavailableError{Store: "JobStateStore", Err: err}
	}
	return v.(string), nil
}

// advanceScript commits the consumption peekNext computed: pop the
// route head if non-empty, or on rollover increment epoch and
// re-seed route from stations before popping its new head. It is a
// no-op when destination is OUTGOING, since OUTGOING never lives in
// the route list.
var advanceScript = redis.NewScript(`
local route_key = KEYS[1]
local type_key = KEYS[2]
local epochs_key = KEYS[3]
local epoch_key = KEYS[4]
local stations_key = KEYS[5]
local destination = ARGV[1]

if destination == "OUTGOING" then
  return 1
end

local head = redis.call("LINDEX", route_key, 0)
if head then
  redis.call("LPOP", route_key)
  return 1
end

local route_type = redis.call("GET", type_key)
if route_type == "periodic" then
  local epoch = tonumber(redis.call("GET", epoch_key))
  redis.call("SET", epoch_key, tostring(epoch + 1))
  local stations = redis.call("LRANGE", stations_key, 0, -1)
  for i = 1, #stations do
    redis.call("RPUSH", route_key, stations[i])
  end
  redis.call("LPOP", route_key)
end
return 1
`)

// AdvanceTo commits the route mutation for a move to destination that
// has already succeeded against the registry.
func (s *Store) AdvanceTo(ctx context.Context, jobId routemodel.JobId, destination string) error {
	stationsKey, routeKey, typeKey, epochsKey, epochKey, _, _, _ := keys(jobId)
	_, err := advanceScript.Run(ctx, s.client,
		[]string{routeKey, typeKey, epochsKey, epochKey, stationsKey},
		destination,
	).Result()
	if err != nil {
		return &routerrors.StoreUnavailableError{Store: "JobStateStore", Err: err}
	}
	return nil
}

// SetInteropPending marks or clears the supplemented interop-hand-off
// flag described in SPEC_FULL.md §3.
func (s *Store) SetInteropPending(ctx context.Context, jobId routemodel.JobId, pending bool) error {
	_, _, _, _, _, _, _, interopKey := keys(jobId)
	v := "0"
	if pending {
		v = "1"
	}
	if err := s.client.Set(ctx, interopKey, v, 0).Err(); err != nil {
		return &routerrors.StoreUnavailableError{Store: "JobStateStore", Err: err}
	}
	return nil
}

// GetEpoch returns the current completed-pass counter for a periodic
// job.
func (s *Store) GetEpoch(ctx context.Context, jobId routemodel.JobId) (int, error) {
	_, _, _, _, epochKey, _, _, _ := keys(jobId)
	v, err := s.client.Get(ctx, epochKey).Result()
	if err == redis.Nil {
		return 0, &routerrors.NotFoundError{JobId: jobId}
	}
	if err != nil {
		return 0, &routerrors.StoreUnavailableError{Store: "JobStateStore", Err: err}
	}
	n, convErr := strconv.Atoi(v)
	if convErr != nil {
		return 0, fmt.Errorf("corrupt epoch value for %q: %w", jobId, convErr)
	}
	return n, nil
}

// Remove deletes all of a job's tracked state. Called on RESET, before
// re-registering; a COMPLETED job keeps its state.
func (s *Store) Remove(ctx context.Context, jobId routemodel.JobId) error {
	stationsKey, routeKey, typeKey, epochsKey, epochKey, statusKey, currentKey, interopKey := keys(jobId)
	if err := s.client.Del(ctx, stationsKey, routeKey, typeKey, epochsKey, epochKey, statusKey, currentKey, interopKey).Err(); err != nil {
		return &routerrors.StoreUnavailableError{Store: "JobStateStore", Err: err}
	}
	return nil
}

// CountActive returns the number of jobs whose status key is set to
// anything other than COMPLETED, for the admin surface's active-jobs
// gauge. It is a best-effort SCAN, acceptable because it is only ever
// polled periodically, never on the command-processing path.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var count int
	iter := s.client.Scan(ctx, 0, "*-status", 100).Iterator()
	for iter.Next(ctx) {
		status, err := s.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return 0, &routerrors.StoreUnavailableError{Store: "JobStateStore", Err: err}
		}
		if routemodel.Status(status) != routemodel.StatusCompleted {
			count++
		}
	}
	if err := iter.Err(); err != nil {
		return 0, &routerrors.StoreUnavailableError{Store: "JobStateStore", Err: err}
	}
	return count, nil
}
