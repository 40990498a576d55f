package system

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/KevinKickass/OpenDeviceProxy/internal/api/rest"
	"github.com/KevinKickass/OpenDeviceProxy/internal/api/rpc"
	"github.com/KevinKickass/OpenDeviceProxy/internal/api/websocket"
	"github.com/KevinKickass/OpenDeviceProxy/internal/config"
	"github.com/KevinKickass/OpenDeviceProxy/internal/devices"
	"github.com/KevinKickass/OpenDeviceProxy/internal/history"
	"github.com/KevinKickass/OpenDeviceProxy/internal/interfaces"
	"github.com/KevinKickass/OpenDeviceProxy/internal/metrics"
	"github.com/KevinKickass/OpenDeviceProxy/internal/proxy"
	"github.com/KevinKickass/OpenDeviceProxy/internal/resolver"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/simulator"
	"github.com/KevinKickass/OpenDeviceProxy/internal/storage"
)

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

type LifecycleManager struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	storage *storage.PostgresClient

	loader        *devices.DescriptorLoader
	simulator     *simulator.Simulator
	schemas       *schema.Cache
	deviceManager *devices.Manager
	resolver      *resolver.Resolver
	history       *history.Store
	dispatcher    *proxy.Dispatcher
	wsHub         *websocket.Hub
	hubRunning    bool
	unsubscribe   func()

	restServer *rest.Server
	grpcServer *grpc.Server
	health     *health.Server

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    error

	listenersMu     sync.RWMutex
	statusListeners []chan SystemStatus

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager wires every component. db may be nil, in which case devices
// and history live in memory only.
func NewLifecycleManager(db *storage.PostgresClient, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		storage:      db,
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}

	if cfg.Metrics.Enabled {
		lm.metrics = metrics.New()
	}

	loader, err := devices.NewDescriptorLoader(cfg.Simulator.SearchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create descriptor loader: %w", err)
	}
	lm.loader = loader

	// Without a physical transport the simulator is the connection, possibly empty
	lm.simulator = simulator.New(logger.Named("simulator"))
	lm.schemas = schema.NewCache(logger.Named("schema"))

	devOpts := []devices.Option{devices.WithMetrics(lm.metrics)}
	if db != nil {
		devOpts = append(devOpts, devices.WithRegistry(db))
	}
	lm.deviceManager = devices.NewManager(lm.simulator, lm.schemas, logger.Named("devices"), devOpts...)

	lm.resolver, err = resolver.New(lm.deviceManager, lm.schemas, cfg.Proxy.ResolverCacheSize, logger.Named("resolver"), lm.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	histOpts, err := historyOptions(cfg.History)
	if err != nil {
		return nil, err
	}
	histOpts = append(histOpts, history.WithMetrics(lm.metrics))
	if db != nil {
		histOpts = append(histOpts, history.WithSink(db, cfg.History.ArchiveQueueSize))
	}
	lm.history = history.NewStore(logger.Named("history"), histOpts...)

	lm.dispatcher = proxy.NewDispatcher(lm.deviceManager, lm.schemas, lm.resolver, lm.history, logger.Named("proxy"),
		proxy.WithMetrics(lm.metrics),
		proxy.WithTimeouts(cfg.Proxy.DefaultTimeout, cfg.Proxy.MaxTimeout))
	lm.deviceManager.SetFrameHandler(lm.dispatcher)

	lm.wsHub = websocket.NewHub(lm.resolver, lm.metrics, logger.Named("websocket"))
	lm.unsubscribe = lm.dispatcher.Subscribe(lm.wsHub.PublishTopic)
	lm.deviceManager.Watch(lm.wsHub.PublishChange)

	return lm, nil
}

func historyOptions(cfg config.HistoryConfig) ([]history.Option, error) {
	var opts []history.Option
	for name, r := range cfg.Categories() {
		c, err := history.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		p := history.Unlimited()
		if r.Mode == config.RetentionFifoBytes {
			p = history.FifoBytes(r.MaxBytes)
		}
		opts = append(opts, history.WithPolicy(c, p))
	}
	return opts, nil
}

// Start brings the gateway up: history archive, device pump, simulated devices, then the APIs.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenDeviceProxy")

	lm.history.Start()

	lm.hubRunning = true
	go lm.wsHub.Run()

	if err := lm.deviceManager.Start(ctx); err != nil {
		return lm.fail(fmt.Errorf("failed to start device manager: %w", err))
	}

	if lm.config.Simulator.Enabled {
		if err := simulator.Populate(lm.simulator, lm.loader, lm.config.Simulator); err != nil {
			return lm.fail(fmt.Errorf("failed to populate simulator: %w", err))
		}
		lm.logger.Info("Simulated devices attached",
			zap.Int("configured", len(lm.config.Simulator.Devices)))
	}

	if err := lm.startRESTServer(); err != nil {
		return lm.fail(fmt.Errorf("failed to start REST server: %w", err))
	}

	if lm.config.Server.GRPCPort > 0 {
		if err := lm.startGRPCServer(); err != nil {
			return lm.fail(fmt.Errorf("failed to start gRPC server: %w", err))
		}
	}

	lm.setState(StateRunning)
	lm.broadcastStatus()

	lm.logger.Info("System running",
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("grpc_port", lm.config.Server.GRPCPort))
	return nil
}

func (lm *LifecycleManager) fail(err error) error {
	lm.setError(err)
	lm.broadcastStatus()
	return err
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		lm.broadcastStatus()

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		lm.broadcastStatus()

		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown has completed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// 1. API servers stop taking new calls
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.health.Shutdown()
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var apiErr error
	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		apiErr = fmt.Errorf("shutdown timeout exceeded")
	}
	select {
	case err := <-errChan:
		if apiErr == nil {
			apiErr = err
		}
	default:
	}

	// 2. Live subscribers, device pump and simulated devices
	lm.unsubscribe()
	if lm.hubRunning {
		lm.wsHub.Stop()
	}
	lm.deviceManager.Stop()
	if err := lm.simulator.Close(); err != nil {
		lm.logger.Warn("Failed to close simulator", zap.Error(err))
	}

	// 3. Flush the archive before the pool goes away
	lm.history.Stop()
	if lm.storage != nil {
		lm.storage.Close()
	}

	if apiErr == nil {
		lm.logger.Info("Graceful shutdown completed")
	}
	return apiErr
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	var opts []grpc.ServerOption
	if lm.config.Server.TLSEnabled() {
		creds, err := credentials.NewServerTLSFromFile(lm.config.Server.TLSCertFile, lm.config.Server.TLSKeyFile)
		if err != nil {
			lis.Close()
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	lm.grpcServer = grpc.NewServer(opts...)
	rpc.RegisterGatewayServer(lm.grpcServer, rpc.NewGatewayService(lm, lm.logger.Named("rpc")))
	lm.health = health.NewServer()
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health)
	lm.health.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	lm.logger.Info("Gateway gRPC service registered")

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", rpc.ServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.wsHub, lm.metrics, lm.logger.Named("rest"))
	return lm.restServer.Start()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state transition", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastError = err
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	lm.stateMu.RUnlock()

	devs := lm.deviceManager.ListDevices()
	connected := 0
	for _, d := range devs {
		if d.Connected {
			connected++
		}
	}

	return interfaces.SystemStatus{
		State:            state.String(),
		DeviceCount:      len(devs),
		ConnectedDevices: connected,
		PendingCalls:     lm.dispatcher.Pending(),
		Simulator:        lm.config.Simulator.Enabled,
		Archive:          lm.storage != nil,
	}
}

func (lm *LifecycleManager) getStatusInternal() SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	status := SystemStatus{
		State:     lm.currentState,
		Timestamp: time.Now().Unix(),
	}
	if lm.lastError != nil {
		status.Error = lm.lastError.Error()
	}
	return status
}

func (lm *LifecycleManager) broadcastStatus() {
	status := lm.getStatusInternal()

	lm.listenersMu.RLock()
	defer lm.listenersMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- status:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus subscribes to status updates
func (lm *LifecycleManager) SubscribeStatus() chan SystemStatus {
	ch := make(chan SystemStatus, 10)

	lm.listenersMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.listenersMu.Unlock()

	return ch
}

// UnsubscribeStatus unsubscribes from status updates
func (lm *LifecycleManager) UnsubscribeStatus(ch chan SystemStatus) {
	lm.listenersMu.Lock()
	defer lm.listenersMu.Unlock()

	for i, listener := range lm.statusListeners {
		if listener == ch {
			lm.statusListeners = append(lm.statusListeners[:i], lm.statusListeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (lm *LifecycleManager) Config() *config.Config { return lm.config }
func (lm *LifecycleManager) DeviceManager() *devices.Manager { return lm.deviceManager }
func (lm *LifecycleManager) Schemas() *schema.Cache { return lm.schemas }
func (lm *LifecycleManager) Resolver() *resolver.Resolver { return lm.resolver }
func (lm *LifecycleManager) Dispatcher() *proxy.Dispatcher { return lm.dispatcher }
func (lm *LifecycleManager) History() *history.Store { return lm.history }
func (lm *LifecycleManager) Simulator() *simulator.Simulator { return lm.simulator }
func (lm *LifecycleManager) Storage() *storage.PostgresClient { return lm.storage }

// Archive is nil when no database is configured.
func (lm *LifecycleManager) Archive() history.Archive {
	if lm.storage == nil {
		return nil
	}
	return lm.storage
}
func (lm *LifecycleManager) Metrics() *metrics.Metrics { return lm.metrics }
