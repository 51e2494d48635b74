package pwchanged

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"

	"pkt.systems/pwchanged/internal/clock"
	"pkt.systems/pwchanged/internal/credential"
	"pkt.systems/pwchanged/internal/lockmgr"
	"pkt.systems/pwchanged/internal/pwchange"
	"pkt.systems/pwchanged/internal/reqqueue"
	"pkt.systems/pwchanged/internal/sealer"
	"pkt.systems/pwchanged/internal/sharedstore"
	"pkt.systems/pwchanged/internal/svcfields"
)

// Request is a password change submission.
type Request = reqqueue.Request

// Ticket acknowledges an accepted submission.
type Ticket = pwchange.Ticket

// Server wires the shared store, credential store, coordinator and worker.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	shared    sharedstore.Store
	backend   string
	creds     credential.Store
	coord     *pwchange.Coordinator
	worker    *pwchange.Worker
	telemetry *telemetry
	closers   []io.Closer

	mu        sync.Mutex
	shutdown  bool
	runCancel context.CancelFunc
	runDone   chan struct{}
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger      pslog.Logger
	Clock       clock.Clock
	Shared      sharedstore.Store
	Credentials credential.Store
	Cache       credential.CacheInvalidator
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithSharedStore injects a pre-built shared store instead of dialing
// cfg.Store. The server does not close it.
func WithSharedStore(s sharedstore.Store) Option {
	return func(o *options) { o.Shared = s }
}

// WithCredentialStore injects a credential store instead of opening
// cfg.Credentials. The server does not close it.
func WithCredentialStore(s credential.Store) Option {
	return func(o *options) { o.Credentials = s }
}

// WithCacheInvalidator overrides cfg.CacheEvictURL.
func WithCacheInvalidator(c credential.CacheInvalidator) Option {
	return func(o *options) { o.Cache = c }
}

// NewServer constructs a pwchanged server according to cfg.
// Example:
//
//	cfg := pwchanged.Config{Store: "redis://localhost:6379/0", Credentials: "sqlite:///var/lib/pwchanged/credentials.db"}
//	srv, err := pwchanged.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (srv *Server, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := clock.Or(o.Clock)
	ctx := context.Background()

	s := &Server{
		cfg:     cfg,
		logger:  svcfields.WithSubsystem(logger, "server"),
		clock:   clk,
		readyCh: make(chan struct{}),
	}
	defer func() {
		if err != nil {
			s.closeResources(ctx)
		}
	}()

	s.telemetry, err = setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	seal, err := buildSealer(cfg)
	if err != nil {
		return nil, err
	}

	if o.Shared != nil {
		s.shared, s.backend = o.Shared, "injected"
	} else {
		s.shared, s.backend, err = openSharedStore(ctx, cfg, logger, clk)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.shared)
	}

	hasher := credential.BcryptHasher{Cost: cfg.BcryptCost}
	if o.Credentials != nil {
		s.creds = o.Credentials
	} else {
		var closer io.Closer
		s.creds, closer, err = openCredentialStore(ctx, cfg, hasher, clk)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			s.closers = append(s.closers, closer)
		}
	}

	cache := o.Cache
	if cache == nil {
		var closer io.Closer
		cache, closer, err = openCacheInvalidator(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			s.closers = append(s.closers, closer)
		}
	}

	locks := lockmgr.New(s.shared, lockmgr.WithPrefix(cfg.LockPrefix), lockmgr.WithLogger(logger))
	queue := reqqueue.New(s.shared,
		reqqueue.WithName(cfg.QueueName),
		reqqueue.WithSealer(seal),
		reqqueue.WithClock(clk),
		reqqueue.WithLogger(logger),
	)
	s.coord, err = pwchange.NewCoordinator(pwchange.CoordinatorConfig{
		Credentials: s.creds,
		Locks:       locks,
		Queue:       queue,
		LockTTL:     cfg.LockTTL,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	s.worker, err = pwchange.NewWorker(pwchange.WorkerConfig{
		Credentials: s.creds,
		Hasher:      hasher,
		Locks:       locks,
		Queue:       queue,
		Cache:       cache,
		Interval:    cfg.TickInterval,
		TickTimeout: cfg.TickTimeout,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("server.configured",
		"store", s.backend,
		"queue", cfg.QueueName,
		"lock_ttl", cfg.LockTTL,
		"tick_interval", cfg.TickInterval,
		"payload_encryption", seal.Enabled(),
		"worker", !cfg.DisableWorker,
	)
	return s, nil
}

func buildSealer(cfg Config) (*sealer.Sealer, error) {
	if !cfg.PayloadEncryptionEnabled() {
		return nil, nil
	}
	root := cfg.PayloadRootKey
	if root == (keymgmt.RootKey{}) {
		var err error
		root, err = sealer.LoadRootKey(cfg.PayloadKeyPath)
		if err != nil {
			return nil, fmt.Errorf("config: payload key %q: %w (create one with 'pwchanged key gen' or disable payload encryption)", cfg.PayloadKeyPath, err)
		}
	}
	return sealer.New(sealer.Config{Root: root, Context: cfg.QueueName, Snappy: cfg.PayloadSnappy})
}

// Submit validates and queues a change. See pwchange.Coordinator.Submit.
func (s *Server) Submit(ctx context.Context, req Request) (Ticket, error) {
	return s.coord.Submit(ctx, req)
}

// Tick runs a single worker tick outside the Start loop.
func (s *Server) Tick(ctx context.Context) pwchange.TickResult {
	return s.worker.Tick(ctx)
}

// Start runs the worker and blocks until Shutdown. With DisableWorker it
// only waits.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return errors.New("pwchanged: server is shut down")
	}
	if s.runDone != nil {
		s.mu.Unlock()
		return errors.New("pwchanged: server already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	done := make(chan struct{})
	s.runDone = done
	s.mu.Unlock()

	defer close(done)
	s.signalReady()
	s.logger.Info("server.start", "metrics", addrString(s.telemetry.MetricsAddr()))
	if s.cfg.DisableWorker {
		<-ctx.Done()
		return nil
	}
	return s.worker.Run(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// WaitUntilReady blocks until Start is running or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MetricsAddr returns the bound metrics listener address, or nil.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.MetricsAddr()
}

// Shutdown stops starting new ticks, waits for the tick in flight and then
// releases stores and telemetry. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancel, done := s.runCancel, s.runDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("server.shutdown.timeout", "error", ctx.Err())
			return fmt.Errorf("pwchanged: waiting for worker: %w", ctx.Err())
		}
	}
	err := s.closeResources(ctx)
	s.logger.Info("server.shutdown.complete")
	return err
}

// Close shuts the server down using cfg.ShutdownTimeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) closeResources(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	return errors.Join(errs...)
}

// StartServer starts a server in a background goroutine and waits until it is
// running. The returned stop function shuts it down; cancelling ctx does the
// same.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if err := srv.WaitUntilReady(ctx); err != nil {
		_ = srv.Close()
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			stopErr = <-errCh
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
