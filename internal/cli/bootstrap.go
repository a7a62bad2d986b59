package cli

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pulp-manager/orchestrator/internal/appconfig"
	"github.com/pulp-manager/orchestrator/internal/events"
	"github.com/pulp-manager/orchestrator/internal/fleetconfig"
	"github.com/pulp-manager/orchestrator/internal/gitcatalog"
	"github.com/pulp-manager/orchestrator/internal/jobstore"
	"github.com/pulp-manager/orchestrator/internal/metrics"
	"github.com/pulp-manager/orchestrator/internal/pulpclient"
	"github.com/pulp-manager/orchestrator/internal/reconciler"
	"github.com/pulp-manager/orchestrator/internal/scheduler"
	"github.com/pulp-manager/orchestrator/internal/secrets"
	"github.com/pulp-manager/orchestrator/internal/worker"
)

// runtime bundles the components every command (daemon or ad-hoc) needs
// to stand up against the same two config files.
type runtime struct {
	logger *zap.Logger
	appCfg *appconfig.Config
	cat    *fleetconfig.Catalog
	store  *jobstore.Store
	bus    *events.Bus
	metric *metrics.Registry
	worker *worker.Worker
	sched  *scheduler.Scheduler
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// bootstrap loads both config files, opens the Job Store, and wires the
// Worker + Scheduler pair every command shares. Callers are responsible
// for calling rt.store.Close() and rt.logger.Sync().
func (a *App) bootstrap() (*runtime, error) {
	log, err := newLogger(a.verbose)
	if err != nil {
		return nil, fmt.Errorf("cli: build logger: %w", err)
	}

	appCfg, err := appconfig.Load(a.appConfigPath)
	if err != nil {
		return nil, fmt.Errorf("cli: load app config: %w", err)
	}

	cat, err := fleetconfig.Load(a.fleetConfigPath)
	if err != nil {
		return nil, fmt.Errorf("cli: load fleet config: %w", err)
	}

	store, err := jobstore.Open(appCfg.Engine.JobStorePath)
	if err != nil {
		return nil, fmt.Errorf("cli: open job store: %w", err)
	}

	bus := events.NewBus(0)
	bus.Subscribe(events.ZapHandler(log))
	metricReg := metrics.New(prometheus.NewRegistry())
	bus.Subscribe(metricReg.Handler())

	var secretStore secrets.SecretStore
	if appCfg.Vault.VaultAddr != "" {
		vaultStore, err := secrets.NewVaultStore(appCfg.Vault.VaultAddr, appCfg.Vault.RepoSecretNamespace)
		if err != nil {
			store.Close()
			return nil, err
		}
		secretStore = vaultStore
	} else {
		secretStore = noopSecretStore{}
	}
	secretResolver := secrets.NewResolver(secretStore, 0)

	clientFactory := worker.DefaultPulpClientFactory(pulpclientConfigFromAppCfg(appCfg))

	reconcilerCfg, err := reconcilerConfigFromAppCfg(appCfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	w := worker.New(store, secretResolver, clientFactory, bus, reconcilerCfg,
		gitcatalog.DefaultRunner, appCfg.Pulp.GitRepoConfig, appCfg.Pulp.GitRepoConfigDir, 0)
	w.SetCatalog(cat)

	sched := scheduler.New(store, w, bus)
	if err := sched.LoadCatalog(cat); err != nil {
		store.Close()
		return nil, fmt.Errorf("cli: load scheduler timers: %w", err)
	}

	if err := syncServerRows(context.Background(), store, cat); err != nil {
		store.Close()
		return nil, err
	}

	return &runtime{
		logger: log,
		appCfg: appCfg,
		cat:    cat,
		store:  store,
		bus:    bus,
		metric: metricReg,
		worker: w,
		sched:  sched,
	}, nil
}

func (rt *runtime) close() {
	rt.sched.Stop()
	rt.store.Close()
	rt.logger.Sync()
}

// syncServerRows upserts every PulpServer/RepoGroup/ServerRepoGroup in the
// catalog on startup. Servers absent from the new catalog are
// deactivated, never deleted, so Job history stays attributable.
func syncServerRows(ctx context.Context, store *jobstore.Store, cat *fleetconfig.Catalog) error {
	present := make([]string, 0, len(cat.Servers))
	for _, s := range cat.Servers {
		if err := store.UpsertServer(ctx, s); err != nil {
			return fmt.Errorf("cli: upsert server %q: %w", s.Name, err)
		}
		present = append(present, s.Name)
	}
	if err := store.DeactivateServersNotIn(ctx, present); err != nil {
		return fmt.Errorf("cli: deactivate removed servers: %w", err)
	}
	for _, g := range cat.Groups {
		if err := store.UpsertGroup(ctx, g); err != nil {
			return fmt.Errorf("cli: upsert repo group %q: %w", g.Name, err)
		}
	}
	for _, b := range cat.Bindings {
		if err := store.UpsertBinding(ctx, b); err != nil {
			return fmt.Errorf("cli: upsert binding %s/%s: %w", b.Server, b.Group, err)
		}
	}
	return nil
}

func pulpclientConfigFromAppCfg(cfg *appconfig.Config) pulpclient.Config {
	return pulpclient.Config{
		ConnectTimeout: secondsToDuration(cfg.Remotes.SockConnectTimeoutSeconds),
		ReadTimeout:    secondsToDuration(cfg.Remotes.SockReadTimeoutSeconds),
	}
}

func secondsToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func reconcilerConfigFromAppCfg(cfg *appconfig.Config) (reconciler.Config, error) {
	var pattern *regexp.Regexp
	if cfg.Pulp.PackageNameReplacementPattern != "" {
		p, err := regexp.Compile(cfg.Pulp.PackageNameReplacementPattern)
		if err != nil {
			return reconciler.Config{}, fmt.Errorf("cli: compile pulp.package_name_replacement_pattern: %w", err)
		}
		pattern = p
	}
	return reconciler.Config{
		InternalPrefix:     cfg.Pulp.InternalPackagePrefix,
		RenamePattern:      pattern,
		RenameReplacement:  cfg.Pulp.PackageNameReplacementRule,
		BannedPackageRegex: cfg.Pulp.BannedPackageRegex,
		DebSigningService:  cfg.Pulp.DebSigningService,
	}, nil
}

// noopSecretStore is used when no vault.vault_addr is configured — every
// resolve fails with CredentialsUnavailable instead of silently
// proceeding with an unauthenticated Pulp session.
type noopSecretStore struct{}

func (noopSecretStore) ReadCredentials(ctx context.Context, mount string) (string, string, error) {
	return "", "", fmt.Errorf("cli: no vault.vault_addr configured, cannot resolve mount %q", mount)
}
