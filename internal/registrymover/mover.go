// Package registrymover physically relocates job image pairs between
// projects in the container registry, and probes the registry's
// health for readiness reporting.
package registrymover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/pht-router/trainrouter/internal/observability"
	"github.com/pht-router/trainrouter/internal/routemodel"
	"github.com/pht-router/trainrouter/internal/routerrors"
)

// Mover copies and deletes image artifacts between registry projects.
type Mover struct {
	baseURL  string
	user     string
	password string
	http     *http.Client
	logger   *observability.Logger
}

// Config carries the registry connection details.
type Config struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration // defaults to 20s, within the 10-30s range the spec suggests
}

// New creates a Mover.
func New(cfg Config, logger *observability.Logger) *Mover {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &Mover{
		baseURL:  cfg.URL,
		user:     cfg.User,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// ProjectRef identifies either a utility project by its literal name
// or a station project derived from a StationId.
type ProjectRef struct {
	name string
}

// Utility builds a ProjectRef for a fixed utility station identifier
// (routemodel.Incoming, Outgoing, or Interop).
func Utility(id string) ProjectRef {
	return ProjectRef{name: routemodel.ProjectNames[id]}
}

// Station builds a ProjectRef for a station id.
func Station(id routemodel.StationId) ProjectRef {
	return ProjectRef{name: routemodel.StationProject(id)}
}

// RawProject builds a ProjectRef directly from a literal registry
// project name, used when recovering a job's location from the
// registry's search endpoint during RESET.
func RawProject(projectName string) ProjectRef {
	return ProjectRef{name: projectName}
}

func (p ProjectRef) String() string { return p.name }

// MoveOptions configures a single move.
type MoveOptions struct {
	DeleteSource bool
	Outgoing     bool // when true, skip the base copy (spec.md §4.C)
}

// Move copies base (unless Outgoing) and latest from origin to
// destination, then optionally deletes the source repository
// best-effort. Order matters and is not transactional: a failure on
// the base copy aborts before attempting latest.
func (m *Mover) Move(ctx context.Context, jobId routemodel.JobId, origin, destination ProjectRef, opts MoveOptions) error {
	start := time.Now()
	defer func() {
		observability.MoveDuration.Observe(time.Since(start).Seconds())
	}()

	if !opts.Outgoing {
		if err := m.copyTag(ctx, jobId, origin, destination, "base"); err != nil {
			observability.MovesTotal.WithLabelValues("failed").Inc()
			return &routerrors.MoveFailedError{Tag: "base", Err: err}
		}
	}

	if err := m.copyTag(ctx, jobId, origin, destination, "latest"); err != nil {
		observability.MovesTotal.WithLabelValues("failed").Inc()
		return &routerrors.MoveFailedError{Tag: "latest", Err: err}
	}

	if opts.DeleteSource {
		if err := m.deleteRepository(ctx, origin, jobId); err != nil {
			m.logger.Warn("best-effort source delete failed after successful move",
				zap.String("job_id", jobId),
				zap.String("origin", origin.String()),
				zap.Error(err))
		}
	}

	observability.MovesTotal.WithLabelValues("success").Inc()
	return nil
}

// Retag re-points dstTag at srcTag within the same project, used by
// RESET to restore "latest ← base" in INCOMING. The original left this
// unimplemented; SPEC_FULL.md §4.C requires it.
func (m *Mover) Retag(ctx context.Context, jobId routemodel.JobId, project ProjectRef, dstTag, srcTag string) error {
	if err := m.copyTagTo(ctx, jobId, project, project, srcTag, dstTag); err != nil {
		return &routerrors.MoveFailedError{Tag: dstTag, Err: err}
	}
	return nil
}

func (m *Mover) copyTag(ctx context.Context, jobId routemodel.JobId, origin, destination ProjectRef, tag string) error {
	return m.copyTagTo(ctx, jobId, origin, destination, tag, tag)
}

// copyTagTo issues the registry's artifact-copy endpoint:
// POST /projects/<dest>/repositories/<jobId>/artifacts?from=<origin>/<jobId>:<srcTag>
// The destination tag is implied by the copy response taking on the
// source artifact's tags; Retag additionally tags the result as
// dstTag via a follow-up POST to the artifact's tags endpoint when
// srcTag != dstTag.
func (m *Mover) copyTagTo(ctx context.Context, jobId routemodel.JobId, origin, destination ProjectRef, srcTag, dstTag string) error {
	path := fmt.Sprintf("/api/v2.0/projects/%s/repositories/%s/artifacts", destination.String(), jobId)
	from := fmt.Sprintf("%s/%s:%s", origin.String(), jobId, srcTag)

	start := time.Now()
	req, err := m.newRequest(ctx, http.MethodPost, path, url.Values{"from": {from}})
	if err != nil {
		return err
	}

	resp, err := m.http.Do(req)
	observability.RegistryOperationDuration.WithLabelValues("copy").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.RegistryOperations.WithLabelValues("copy", "error").Inc()
		return fmt.Errorf("copy request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		observability.RegistryOperations.WithLabelValues("copy", "success").Inc()
	case http.StatusConflict:
		// Idempotency: the registry treats a second identical copy as a
		// conflict; we treat "already exists at destination" as success.
		observability.RegistryOperations.WithLabelValues("copy", "already_exists").Inc()
	default:
		observability.RegistryOperations.WithLabelValues("copy", "error").Inc()
		return fmt.Errorf("copy request to %s: unexpected status %d", path, resp.StatusCode)
	}

	if srcTag != dstTag {
		if err := m.addTag(ctx, destination, jobId, srcTag, dstTag); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mover) addTag(ctx context.Context, project ProjectRef, jobId, referenceTag, newTag string) error {
	path := fmt.Sprintf("/api/v2.0/projects/%s/repositories/%s/artifacts/%s/tags", project.String(), jobId, referenceTag)
	body, err := json.Marshal(map[string]string{"name": newTag})
	if err != nil {
		return fmt.Errorf("marshaling tag request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building tag request: %w", err)
	}
	req.SetBasicAuth(m.user, m.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("tag request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("tag request to %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

func (m *Mover) deleteRepository(ctx context.Context, project ProjectRef, jobId routemodel.JobId) error {
	path := fmt.Sprintf("/api/v2.0/projects/%s/repositories/%s", project.String(), jobId)

	start := time.Now()
	req, err := m.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}

	resp, err := m.http.Do(req)
	observability.RegistryOperationDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.RegistryOperations.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("delete request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		observability.RegistryOperations.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("delete request to %s: unexpected status %d", path, resp.StatusCode)
	}
	observability.RegistryOperations.WithLabelValues("delete", "success").Inc()
	return nil
}

// Find searches the registry for every project currently holding
// jobId, used by RESET to recover jobs scattered across stations.
func (m *Mover) Find(ctx context.Context, jobId routemodel.JobId) ([]string, error) {
	req, err := m.newRequest(ctx, http.MethodGet, "/api/v2.0/search", url.Values{"q": {jobId}})
	if err != nil {
		return nil, err
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search request: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		Repository []struct {
			ProjectName string `json:"project_name"`
		} `json:"repository"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	projects := make([]string, 0, len(result.Repository))
	for _, r := range result.Repository {
		projects = append(projects, r.ProjectName)
	}
	return projects, nil
}

// Health probes the registry's own health endpoint, standing in for
// the teacher's Docker-daemon Ping in this daemon-less deployment
// model.
func (m *Mover) Health(ctx context.Context) error {
	req, err := m.newRequest(ctx, http.MethodGet, "/api/v2.0/health", nil)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := m.http.Do(req)
	observability.RegistryOperationDuration.WithLabelValues("health").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.RegistryOperations.WithLabelValues("health", "error").Inc()
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		observability.RegistryOperations.WithLabelValues("health", "error").Inc()
		return fmt.Errorf("health check: unexpected status %d", resp.StatusCode)
	}
	observability.RegistryOperations.WithLabelValues("health", "success").Inc()
	return nil
}

func (m *Mover) newRequest(ctx context.Context, method, path string, query url.Values) (*http.Request, error) {
	full := m.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, full, nil)
	if err != nil {
		return nil, fmt.Errorf("building request to %s: %w", full, err)
	}
	req.SetBasicAuth(m.user, m.password)
	return req, nil
}
