// Package server wires the serving node together: the SIP listener and
// sproutlet proxy, the CAS stores behind the subscriber and IMPI data,
// the administrative HTTP surface the timer service drives, metrics and
// health.
package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/treetop-comms/canopy/internal/handlers"
	"github.com/treetop-comms/canopy/pkg/cluster"
	"github.com/treetop-comms/canopy/pkg/config"
	"github.com/treetop-comms/canopy/pkg/health"
	"github.com/treetop-comms/canopy/pkg/hss"
	"github.com/treetop-comms/canopy/pkg/impistore"
	"github.com/treetop-comms/canopy/pkg/logging"
	"github.com/treetop-comms/canopy/pkg/metrics"
	"github.com/treetop-comms/canopy/pkg/resolver"
	"github.com/treetop-comms/canopy/pkg/sessionexpires"
	"github.com/treetop-comms/canopy/pkg/sproutlet"
	"github.com/treetop-comms/canopy/pkg/store"
	"github.com/treetop-comms/canopy/pkg/subscriber"
)

// handledMethods are the SIP methods routed into the sproutlet proxy.
var handledMethods = []sip.RequestMethod{
	sip.INVITE, sip.ACK, sip.BYE, sip.CANCEL, sip.OPTIONS,
	sip.REGISTER, sip.SUBSCRIBE, sip.NOTIFY, sip.INFO,
	sip.MESSAGE, sip.REFER, sip.UPDATE,
}

// Server represents the serving node
type Server struct {
	cfg           *config.Config
	ua            *sipgo.UserAgent
	sipServer     *sipgo.Server
	sipClient     *sipgo.Client
	proxy         *sproutlet.Proxy
	httpServer    *http.Server
	healthServer  *http.Server
	metricsServer *metrics.MetricsServer
	etcdClient    *cluster.Client
	localStore    *store.RedisStore
	remoteStore   *store.RedisStore
	healthManager *health.HealthManager
	logger        *logging.Logger
	sipRunning    bool
}

// New creates the serving node
func New(cfg *config.Config, version string) (*Server, error) {
	logger, err := logging.NewLogger(cfg.Logging, "canopy-server")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info("Starting serving node initialization")
	metrics.SetSystemInfo(version, time.Now().Format(time.RFC3339), runtime.Version())

	srv := &Server{
		cfg:    cfg,
		logger: logger,
	}

	// Metrics server
	if cfg.Metrics.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port)
		srv.metricsServer = metrics.NewMetricsServer(addr, cfg.Metrics.Path)
		logger.Info("Metrics server configured", "addr", addr)
	}

	// Health manager
	srv.healthManager = health.NewHealthManager(version, logger.Logger)

	// etcd gives every node the same host-alias and stateless-proxy sets
	proxyCfg := cfg.Proxy
	if cfg.Etcd.Enabled {
		srv.etcdClient, err = cluster.NewClient(&cfg.Etcd, logger)
		if err != nil {
			logger.Warn("Failed to create etcd client", "error", err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Etcd.DialTimeout)

			shared, aliasErr := srv.etcdClient.HostAliases(ctx)
			if aliasErr != nil {
				logger.Warn("Failed to fetch shared host aliases", "error", aliasErr)
			} else {
				proxyCfg.HostAliases = cluster.MergeAliases(proxyCfg.HostAliases, shared)
				logger.Info("Merged shared host aliases", "count", len(proxyCfg.HostAliases))
			}

			proxies, proxyErr := srv.etcdClient.StatelessProxies(ctx)
			if proxyErr != nil {
				logger.Warn("Failed to fetch shared stateless proxies", "error", proxyErr)
			} else {
				proxyCfg.StatelessProxies = cluster.MergeAliases(proxyCfg.StatelessProxies, proxies)
				logger.Info("Merged shared stateless proxies", "count", len(proxyCfg.StatelessProxies))
			}

			// Peers must treat this node's root host as reflexive too.
			if pubErr := srv.etcdClient.PublishHostAlias(ctx, proxyCfg.RootHost); pubErr != nil {
				logger.Warn("Failed to publish root host alias", "error", pubErr)
			}

			cancel()
			srv.healthManager.RegisterChecker(health.NewEtcdHealthChecker(srv.etcdClient))
		}
	}

	// Backing stores: Redis when enabled, in-process otherwise.
	var localBacking, remoteBacking store.Store
	if cfg.Redis.Enabled {
		srv.localStore, err = store.NewRedisStore(&cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to create local store: %w", err)
		}
		localBacking = srv.localStore
		srv.healthManager.RegisterChecker(health.NewStoreHealthChecker("redis_local", srv.localStore))

		if srv.remoteStore = store.NewRemoteRedisStore(&cfg.Redis); srv.remoteStore != nil {
			remoteBacking = srv.remoteStore
			srv.healthManager.RegisterChecker(health.NewStoreHealthChecker("redis_remote", srv.remoteStore))
		}
	} else {
		logger.Warn("Redis disabled, using in-process store")
		localBacking = store.NewMemoryStore()
	}

	// SIP stack
	srv.ua, err = sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	srv.sipServer, err = sipgo.NewServer(srv.ua)
	if err != nil {
		return nil, fmt.Errorf("failed to create SIP server: %w", err)
	}
	srv.sipClient, err = sipgo.NewClient(srv.ua)
	if err != nil {
		return nil, fmt.Errorf("failed to create SIP client: %w", err)
	}

	res := resolver.New(cfg.Resolver, logger)

	// Sproutlet proxy with the hosted services
	sproutlets := []sproutlet.Sproutlet{
		sessionexpires.New(cfg.Proxy.SessionExpires),
		sproutlet.NewForwarder(),
	}
	srv.proxy, err = sproutlet.New(&proxyCfg, sproutlets, logger,
		sproutlet.WithClient(srv.sipClient),
		sproutlet.WithResolver(res),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sproutlet proxy: %w", err)
	}

	for _, method := range handledMethods {
		method := method
		srv.sipServer.OnRequest(method, func(req *sip.Request, tx sip.ServerTransaction) {
			srv.proxy.HandleRequest(req, tx, cfg.SIP.Port)
		})
	}

	// Subscriber and challenge state
	sdm := subscriber.NewDataManager(localBacking, "local", logger)
	var remoteSDM *subscriber.DataManager
	if remoteBacking != nil {
		remoteSDM = subscriber.NewDataManager(remoteBacking, "remote", logger)
	}
	impiStore := impistore.New(localBacking, logger)
	hssClient := hss.New(cfg.HSS, logger)

	timeoutCfg := &handlers.TimeoutConfig{
		SDM:       sdm,
		RemoteSDM: remoteSDM,
		ImpiStore: impiStore,
		HSS:       hssClient,
		Notifier:  &proxyNotifier{proxy: srv.proxy, logger: logger},
		Logger:    logger,
	}

	srv.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      handlers.RouteTable(timeoutCfg, cfg.Auth, logger),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	// Health endpoints
	healthHandler := health.NewHealthHandler(srv.healthManager)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler.HandleHealth)
	mux.HandleFunc("/health/ready", healthHandler.HandleReadiness)
	mux.HandleFunc("/health/live", healthHandler.HandleLiveness)
	mux.HandleFunc("/health/component", healthHandler.HandleComponentHealth)

	srv.healthServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Health.Host, cfg.Health.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	srv.healthManager.RegisterChecker(health.NewSIPServerHealthChecker(&srv.sipRunning))

	metrics.UpdateComponentHealth("etcd", srv.etcdClient != nil)
	metrics.UpdateComponentHealth("redis", srv.localStore != nil)

	logger.Info("Serving node initialization completed")
	return srv, nil
}

// StartSIP starts the SIP listener
func (s *Server) StartSIP(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.SIP.Host, s.cfg.SIP.Port)
	transport := strings.ToLower(s.cfg.SIP.Transport)
	if transport == "" {
		transport = "udp"
	}

	s.logger.Info("Starting SIP server", "addr", addr, "transport", transport)
	s.sipRunning = true
	metrics.UpdateComponentHealth("sip_server", true)

	return s.sipServer.ListenAndServe(ctx, transport, addr)
}

// StartHTTP starts the administrative HTTP listener
func (s *Server) StartHTTP(ctx context.Context) error {
	s.logger.Info("Starting admin HTTP server", "addr", s.httpServer.Addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()

	s.logger.Info("Shutting down admin HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// StartHealthCheck starts the health check HTTP server
func (s *Server) StartHealthCheck(ctx context.Context) error {
	s.logger.Info("Starting health check server", "addr", s.healthServer.Addr)

	s.healthManager.Start(ctx)

	go func() {
		if err := s.healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health check server error", "error", err)
		}
	}()

	<-ctx.Done()

	s.logger.Info("Shutting down health check server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.healthServer.Shutdown(shutdownCtx)
}

// StartMetrics starts the metrics server
func (s *Server) StartMetrics(ctx context.Context) error {
	if s.metricsServer == nil {
		s.logger.Info("Metrics server disabled")
		return nil
	}

	s.logger.Info("Starting metrics server")

	go func() {
		if err := s.metricsServer.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down metrics server")
		if err := s.metricsServer.Shutdown(context.Background()); err != nil {
			s.logger.Error("Error shutting down metrics server", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down all server components
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down serving node")

	if s.healthManager != nil {
		s.healthManager.Stop()
	}

	if s.sipServer != nil {
		s.sipRunning = false
		metrics.UpdateComponentHealth("sip_server", false)
		if err := s.sipServer.Close(); err != nil {
			s.logger.Error("Error closing SIP server", "error", err)
		}
	}
	if s.sipClient != nil {
		if err := s.sipClient.Close(); err != nil {
			s.logger.Error("Error closing SIP client", "error", err)
		}
	}
	if s.ua != nil {
		if err := s.ua.Close(); err != nil {
			s.logger.Error("Error closing user agent", "error", err)
		}
	}

	if s.etcdClient != nil {
		s.logger.Info("Closing etcd connection")
		if err := s.etcdClient.Close(); err != nil {
			s.logger.Error("Error closing etcd connection", "error", err)
		}
	}

	if s.localStore != nil {
		if err := s.localStore.Close(); err != nil {
			s.logger.Error("Error closing local store", "error", err)
		}
	}
	if s.remoteStore != nil {
		if err := s.remoteStore.Close(); err != nil {
			s.logger.Error("Error closing remote store", "error", err)
		}
	}

	s.logger.Info("Serving node shutdown complete")
	return nil
}

// proxyNotifier delivers reg-event NOTIFYs through the proxy's internal
// origination path: each NOTIFY enters the pass-through sproutlet and is
// relayed to the subscriber's contact.
type proxyNotifier struct {
	proxy  *sproutlet.Proxy
	logger *logging.Logger
}

func (n *proxyNotifier) NotifyRegState(ctx context.Context, aorID string, aor *subscriber.AoR) error {
	cseq := aor.NotifyCSeq
	for _, sub := range aor.Subscriptions {
		cseq++

		var contact sip.Uri
		if err := sip.ParseUri(sub.ContactURI, &contact); err != nil {
			n.logger.Warn("subscription has unparsable contact", "aor", aorID, "error", err)
			continue
		}

		req := sip.NewRequest(sip.NOTIFY, contact)
		req.AppendHeader(sip.NewHeader("From", sub.ToURI+";tag="+sub.ToTag))
		req.AppendHeader(sip.NewHeader("To", sub.FromURI+";tag="+sub.FromTag))
		req.AppendHeader(sip.NewHeader("Call-ID", sub.CallID))
		req.AppendHeader(sip.NewHeader("CSeq", strconv.Itoa(cseq)+" NOTIFY"))
		req.AppendHeader(sip.NewHeader("Event", "reg"))
		req.AppendHeader(sip.NewHeader("Subscription-State", "active"))
		maxFwd := sip.MaxForwardsHeader(70)
		req.AppendHeader(&maxFwd)
		for _, hdr := range sub.RouteHdrs {
			req.AppendHeader(sip.NewHeader("Route", hdr))
		}

		if _, err := n.proxy.CreateInternalTsx(req, sproutlet.ForwarderService, ""); err != nil {
			n.logger.Warn("failed to originate NOTIFY", "aor", aorID, "error", err)
		}
	}
	return nil
}
