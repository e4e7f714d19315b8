// Package routestore implements the durable, authoritative catalog of
// routes on top of HashiCorp Vault's KV v2 secrets engine.
package routestore

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/pht-router/trainrouter/internal/observability"
	"github.com/pht-router/trainrouter/internal/routemodel"
	"github.com/pht-router/trainrouter/internal/routerrors"
)

// Store is a RouteStore backed by Vault KV v2. Routes are immutable
// between create and delete; the router never calls a write/update
// operation on this store, only get/list/delete — routes are seeded by
// an external build pipeline.
type Store struct {
	client     *vault.Client
	mountPoint string
	logger     *observability.Logger
}

// Config carries the connection details for the Vault-backed store.
type Config struct {
	Address    string
	Token      string
	MountPoint string // defaults to "routes"
}

// New creates a Store and verifies the Vault client can be constructed.
// It does not probe connectivity; that is the caller's responsibility
// via a health check (see adminserver).
func New(cfg Config, logger *observability.Logger) (*Store, error) {
	vc := vault.DefaultConfig()
	vc.Address = cfg.Address

	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	mount := cfg.MountPoint
	if mount == "" {
		mount = "routes"
	}

	return &Store{client: client, mountPoint: mount, logger: logger}, nil
}

// Ping verifies the Vault client can still reach its token's own
// lookup endpoint, used by the admin surface's readiness check.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.Auth().Token().LookupSelfWithContext(ctx)
	return err
}

// Get reads the route for jobId, or routerrors.NotFoundError if none
// exists.
func (s *Store) Get(ctx context.Context, jobId routemodel.JobId) (routemodel.Route, error) {
	secret, err := s.client.KVv2(s.mountPoint).Get(ctx, jobId)
	if err != nil {
		if vault.IsErrSecretNotFound(err) {
			return routemodel.Route{}, &routerrors.NotFoundError{JobId: jobId}
		}
		return routemodel.Route{}, &routerrors.StoreUnavailableError{Store: "RouteStore", Err: err}
	}
	if secret == nil || secret.Data == nil {
		return routemodel.Route{}, &routerrors.NotFoundError{JobId: jobId}
	}

	route, err := decodeRoute(jobId, secret.Data)
	if err != nil {
		return routemodel.Route{}, fmt.Errorf("decoding route for %q: %w", jobId, err)
	}
	return route, nil
}

// List returns every route currently stored, used only at startup for
// reconciliation against JobStateStore.
func (s *Store) List(ctx context.Context) ([]routemodel.Route, error) {
	keys, err := s.client.Logical().ListWithContext(ctx, s.mountPoint+"/metadata")
	if err != nil {
		return nil, &routerrors.StoreUnavailableError{Store: "RouteStore", Err: err}
	}
	if keys == nil || keys.Data == nil {
		return nil, nil
	}

	raw, ok := keys.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}

	routes := make([]routemodel.Route, 0, len(raw))
	for _, k := range raw {
		jobId, ok := k.(string)
		if !ok {
			continue
		}
		route, err := s.Get(ctx, jobId)
		if err != nil {
			s.logger.Warn("skipping unreadable route during list",
				zap.String("job_id", jobId), zap.Error(err))
			continue
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// Delete removes the route for jobId. Called once a job reaches
// COMPLETED.
func (s *Store) Delete(ctx context.Context, jobId routemodel.JobId) error {
	if err := s.client.KVv2(s.mountPoint).Delete(ctx, jobId); err != nil {
		return &routerrors.StoreUnavailableError{Store: "RouteStore", Err: err}
	}
	return nil
}

func decodeRoute(jobId routemodel.JobId, data map[string]interface{}) (routemodel.Route, error) {
	route := routemodel.Route{Suffix: jobId}

	stationsRaw, _ := data["stations"].([]interface{})
	for _, st := range stationsRaw {
		if s, ok := st.(string); ok {
			route.Stations = append(route.Stations, s)
		}
	}

	if periodic, ok := data["periodic"].(bool); ok {
		route.Periodic = periodic
	}

	if epochsRaw, ok := data["epochs"]; ok && epochsRaw != nil {
		switch v := epochsRaw.(type) {
		case float64:
			e := int(v)
			route.Epochs = &e
		case int:
			e := v
			route.Epochs = &e
		}
	}

	if err := route.Validate(); err != nil {
		return routemodel.Route{}, &routerrors.InvalidRouteError{Reason: err.Error()}
	}
	return route, nil
}
