package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/appdock/appdock/internal/config"
	"github.com/appdock/appdock/internal/contextstore"
	"github.com/appdock/appdock/internal/remote"
	"github.com/appdock/appdock/internal/secrets"
	"github.com/appdock/appdock/internal/store"
)

const (
	shutdownTimeout = 5 * time.Second
	socketPerms     = 0o660
	runDirPerms     = 0o750
)

// Service wires the resource store, context database, and executor
// behind the local control socket.
type Service struct {
	cfg             config.Config
	store           *store.Store
	watcher         *store.Watcher
	contexts        *contextstore.Store
	unixListener    net.Listener
	metricsListener net.Listener
	unixServer      *http.Server
	metricsServer   *http.Server
}

// Run loads resources, binds listeners, and serves until ctx is
// canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	contexts, err := contextstore.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	service, err := NewService(cfg, contexts)
	if err != nil {
		_ = contexts.Close()
		return err
	}
	return service.Serve(ctx)
}

// NewService constructs a service with bound listeners.
func NewService(cfg config.Config, contexts *contextstore.Store) (*Service, error) {
	if err := ensureDir(cfg.DataDir, runDirPerms); err != nil {
		return nil, err
	}
	resources := store.New(cfg.BaseDir, cfg.LocalDir)
	watcher, err := store.Watch(resources)
	if err != nil {
		log.Printf("appdockd: resource watch disabled: %v", err)
	}

	keeper, err := loadKeeper(cfg.AgeKeyPath)
	if err != nil {
		if watcher != nil {
			_ = watcher.Close()
		}
		return nil, err
	}

	executor := remote.NewPVE(cfg.CommandTimeout)
	if cfg.PctPath != "" {
		executor.PctPath = cfg.PctPath
	}
	metrics := NewMetrics()
	runner := &Runner{
		Store:        resources,
		Contexts:     contexts,
		Executor:     executor,
		Keeper:       keeper,
		Metrics:      metrics,
		VEHost:       cfg.VEHost,
		ProbeTimeout: cfg.ProbeTimeout,
	}

	unixListener, err := listenUnix(cfg.SocketPath)
	if err != nil {
		if watcher != nil {
			_ = watcher.Close()
		}
		return nil, err
	}

	localMux := http.NewServeMux()
	localMux.HandleFunc("/healthz", healthHandler)
	NewControlAPI(resources, contexts, runner).Register(localMux)

	service := &Service{
		cfg:          cfg,
		store:        resources,
		watcher:      watcher,
		contexts:     contexts,
		unixListener: unixListener,
		unixServer: &http.Server{
			Handler:           localMux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}

	if cfg.MetricsListen != "" {
		metricsListener, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = unixListener.Close()
			if watcher != nil {
				_ = watcher.Close()
			}
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.HandleFunc("/healthz", healthHandler)
		metricsMux.Handle("/metrics", metrics.Handler())
		service.metricsListener = metricsListener
		service.metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
	}
	return service, nil
}

// Serve blocks until shutdown or a listener error occurs.
func (s *Service) Serve(ctx context.Context) error {
	log.Printf("appdockd: listening on unix=%s", s.cfg.SocketPath)
	servers := 1
	errCh := make(chan error, 2)
	go func() { errCh <- s.unixServer.Serve(s.unixListener) }()
	if s.metricsServer != nil {
		log.Printf("appdockd: listening on metrics=%s", s.cfg.MetricsListen)
		servers++
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	remaining := servers
	var serveErr error

	select {
	case <-ctx.Done():
		// graceful shutdown
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}

	_ = os.Remove(s.cfg.SocketPath)
	return serveErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.unixServer.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	if s.contexts != nil {
		_ = s.contexts.Close()
	}
}

// loadKeeper reads the age identity used to seal secure parameter
// values. A missing key file downgrades to an ephemeral identity so
// checkpoints written during this process lifetime stay sealed.
func loadKeeper(path string) (*secrets.Keeper, error) {
	if path == "" {
		return secrets.NewKeeper()
	}
	keeper, err := secrets.LoadKeeper(path)
	if err == nil {
		return keeper, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("appdockd: age key %s missing, using ephemeral identity", path)
		return secrets.NewKeeper()
	}
	return nil, err
}

func ensureDir(path string, perms os.FileMode) error {
	if path == "" {
		return errors.New("data_dir is required")
	}
	if err := os.MkdirAll(path, perms); err != nil {
		return fmt.Errorf("create dir %s: %w", path, err)
	}
	return nil
}

func listenUnix(socketPath string) (net.Listener, error) {
	if socketPath == "" {
		return nil, errors.New("socket_path is required")
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), runDirPerms); err != nil {
		return nil, fmt.Errorf("create socket dir %s: %w", filepath.Dir(socketPath), err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, socketPerms); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", socketPath, err)
	}
	return listener, nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
