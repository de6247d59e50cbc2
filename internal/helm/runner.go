// Package helm drives the Helm SDK to provision and tear down per-version
// releases. One release per namespace, release name equal to the namespace.
package helm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/storage/driver"

	"github.com/krystianslowik/n8n-k8s-version-manager/internal/domain"
)

// Runner executes helm actions against the cluster the process is pointed at.
type Runner struct {
	settings  *cli.EnvSettings
	chartPath string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewRunner builds a Runner for the given chart.
func NewRunner(chartPath string, timeout time.Duration, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Runner{
		settings:  cli.New(),
		chartPath: chartPath,
		timeout:   timeout,
		logger:    logger,
	}
}

func (r *Runner) config(namespace string) (*action.Configuration, error) {
	cfg := new(action.Configuration)
	if err := cfg.Init(r.settings.RESTClientGetter(), namespace, os.Getenv("HELM_DRIVER"), r.debugf); err != nil {
		return nil, fmt.Errorf("init helm configuration for %s: %w", namespace, err)
	}
	return cfg, nil
}

func (r *Runner) debugf(format string, v ...interface{}) {
	if r.logger != nil {
		r.logger.Debug(fmt.Sprintf(format, v...))
	}
}

// Install installs the chart into the namespace, creating it as needed. The
// call does not wait for pod readiness; status is reconciled by polling.
func (r *Runner) Install(ctx context.Context, namespace string, values map[string]any) error {
	cfg, err := r.config(namespace)
	if err != nil {
		return err
	}
	chartRequested, err := loader.Load(r.chartPath)
	if err != nil {
		return fmt.Errorf("load chart %q: %w", r.chartPath, err)
	}

	install := action.NewInstall(cfg)
	install.ReleaseName = namespace
	install.Namespace = namespace
	install.CreateNamespace = true
	install.Timeout = r.timeout
	install.Wait = false

	if _, err := install.RunWithContext(ctx, chartRequested, values); err != nil {
		if errors.Is(err, driver.ErrReleaseExists) {
			return fmt.Errorf("%w: release %s already exists", domain.ErrConflict, namespace)
		}
		return fmt.Errorf("install release %s: %w", namespace, err)
	}
	r.logger.Info("helm release installed", "release", namespace)
	return nil
}

// Uninstall removes the release. A missing release is tolerated so teardown
// stays idempotent.
func (r *Runner) Uninstall(ctx context.Context, namespace string) error {
	cfg, err := r.config(namespace)
	if err != nil {
		return err
	}
	uninstall := action.NewUninstall(cfg)
	uninstall.Wait = true
	uninstall.Timeout = r.timeout

	if _, err := uninstall.Run(namespace); err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) {
			r.logger.Warn("helm release already gone", "release", namespace)
			return nil
		}
		return fmt.Errorf("uninstall release %s: %w", namespace, err)
	}
	r.logger.Info("helm release uninstalled", "release", namespace)
	return nil
}

// Values returns the user-supplied values of the release, or an empty map
// when no release exists.
func (r *Runner) Values(ctx context.Context, namespace string) (map[string]any, error) {
	cfg, err := r.config(namespace)
	if err != nil {
		return nil, err
	}
	get := action.NewGetValues(cfg)
	vals, err := get.Run(namespace)
	if err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("get values for %s: %w", namespace, err)
	}
	if vals == nil {
		vals = map[string]any{}
	}
	return vals, nil
}
