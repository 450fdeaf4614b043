package service

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/entrhq/authkeeper/pkg/accounts"
	"github.com/entrhq/authkeeper/pkg/authflow"
	"github.com/entrhq/authkeeper/pkg/browser"
	"github.com/entrhq/authkeeper/pkg/config"
	"github.com/entrhq/authkeeper/pkg/heartbeat"
	"github.com/entrhq/authkeeper/pkg/logging"
	"github.com/entrhq/authkeeper/pkg/platform"
	"github.com/entrhq/authkeeper/pkg/scanner"
	"github.com/entrhq/authkeeper/pkg/sealer"
	"github.com/entrhq/authkeeper/pkg/session"
)

// Option customizes NewFromConfig.
type Option func(*wiring)

type wiring struct {
	listener authflow.Listener
	launcher browser.Launcher
	backend  session.Backend
	accounts accounts.Store
}

// WithListener receives login flow events.
func WithListener(l authflow.Listener) Option {
	return func(w *wiring) { w.listener = l }
}

// WithLauncher replaces the Playwright launcher.
func WithLauncher(l browser.Launcher) Option {
	return func(w *wiring) { w.launcher = l }
}

// WithBackend replaces the configured session backend.
func WithBackend(b session.Backend) Option {
	return func(w *wiring) { w.backend = b }
}

// WithAccounts replaces the SQLite account store.
func WithAccounts(s accounts.Store) Option {
	return func(w *wiring) { w.accounts = s }
}

// NewFromConfig builds the full component graph. Login windows and
// background probes run in separate browser processes so the former can be
// headed while the latter stay headless.
func NewFromConfig(cfg *config.Config, opts ...Option) (svc *Service, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &wiring{}
	for _, opt := range opts {
		opt(w)
	}

	if cfg.LogDir != "" {
		logging.SetDirectory(cfg.LogDir)
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	log, _ := logging.NewLogger("authkeeper")

	svc = &Service{log: log}
	svc.closers = append(svc.closers, log.Close)
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	table, err := platform.Load(cfg.PlatformsFile)
	if err != nil {
		return nil, err
	}
	svc.platforms = table

	cipher, err := sealer.New(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	backend := w.backend
	if backend == nil {
		if backend, err = svc.openBackend(cfg); err != nil {
			return nil, err
		}
	}

	launcher := w.launcher
	if launcher == nil {
		pw := browser.NewPlaywrightLauncher(cfg.SkipInstall)
		svc.closers = append(svc.closers, pw.Stop)
		launcher = pw
	}
	args := append(append([]string(nil), browser.DefaultArgs...), cfg.BrowserArgs...)

	probes := browser.NewManager(launcher,
		browser.LaunchOptions{Headless: cfg.Headless, Args: args, Timeout: cfg.LaunchTimeout},
		browser.WithMaxContexts(cfg.MaxContexts),
		browser.WithLogger(log.With("browser", "probe")),
	)
	svc.closers = append(svc.closers, probes.Stop)

	logins := browser.NewManager(launcher,
		browser.LaunchOptions{Headless: cfg.LoginHeadless, Args: args, Timeout: cfg.LaunchTimeout},
		browser.WithMaxContexts(cfg.MaxContexts),
		browser.WithLogger(log.With("browser", "login")),
	)
	svc.closers = append(svc.closers, logins.Stop)

	validator := heartbeat.New(probes, table,
		heartbeat.WithTimeouts(cfg.HeartbeatTimeout, cfg.HeartbeatSelectorTimeout, heartbeat.DefaultSettle),
		heartbeat.WithLogger(log.With("component", "heartbeat")),
	)
	svc.sessions = session.NewStore(backend, cipher,
		session.WithProber(validator),
		session.WithLogger(log.With("component", "sessions")),
	)

	coordOpts := []authflow.Option{
		authflow.WithRegistry(authflow.NewRegistry(cfg.FlowTTL, nil)),
		authflow.WithNavigationTimeout(cfg.NavigationTimeout),
		authflow.WithPolling(cfg.MonitorPollInterval, cfg.MonitorMaxWait),
		authflow.WithLogger(log.With("component", "authflow")),
	}
	if w.listener != nil {
		coordOpts = append(coordOpts, authflow.WithListener(w.listener))
	}
	svc.coord = authflow.NewCoordinator(logins, table, svc.sessions, coordOpts...)

	store := w.accounts
	if store == nil {
		sqlite, err := accounts.OpenSQLite(cfg.AccountsDB)
		if err != nil {
			return nil, err
		}
		store = sqlite
	}
	svc.closers = append(svc.closers, store.Close)

	svc.scanner = scanner.New(store, svc.sessions, table, launcher,
		browser.LaunchOptions{Headless: cfg.Headless, Args: args, Timeout: cfg.LaunchTimeout},
		scanner.WithNavigationTimeout(cfg.ScanNavigationTimeout),
		scanner.WithLogger(log.With("component", "scanner")),
	)

	log.Infof("authkeeper ready: %d platforms, %s session store", len(table.IDs()), cfg.StoreBackend)
	return svc, nil
}

func (s *Service) openBackend(cfg *config.Config) (session.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return session.NewMemoryBackend(), nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s.closers = append(s.closers, client.Close)
		return session.NewRedisBackend(session.RedisConfig{Client: client, KeyPrefix: cfg.RedisKeyPrefix})
	case config.BackendFile, "":
		return session.NewFileBackend(cfg.SessionDir())
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.StoreBackend)
	}
}
