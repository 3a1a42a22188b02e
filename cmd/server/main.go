package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"uptime/api/server"
	"uptime/internal/alert"
	"uptime/internal/config"
	"uptime/internal/database"
	"uptime/internal/elasticsearch"
	"uptime/internal/grpc"
	"uptime/internal/logger"
	"uptime/internal/monitor"
	"uptime/internal/repository"
	"uptime/internal/zabbix"
	"uptime/pkg/distributed"
	"uptime/pkg/dns"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"
)

var (
	configFile = flag.String("config", "etc/config.yaml", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	// 优先从配置文件加载，如果失败则从环境变量加载
	var cfg *config.Config
	if _, err := os.Stat(*configFile); err == nil {
		cfg, err = config.LoadFromFile(*configFile)
		if err != nil {
			fmt.Printf("Failed to load config from file: %v\n", err)
			fmt.Println("Falling back to environment variables...")
			cfg = config.Load()
		}
	} else {
		fmt.Println("Config file not found, loading from environment variables...")
		cfg = config.Load()
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志系统
	if err := logger.Init(cfg.Logger.Level, cfg.Logger.Output); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting Uptime Service",
		zap.String("version", version),
		zap.String("config_file", *configFile),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化数据库
	db, err := database.Open(database.Config{
		Driver:   cfg.Database.Driver,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,
	})
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	logger.Info("Database initialized",
		zap.String("driver", cfg.Database.Driver),
		zap.String("database", cfg.Database.DBName),
	)

	monitors := repository.NewMonitorRepository(db)
	hosts := repository.NewHostRepository(db)
	events := repository.NewAlertEventRepository(db)
	notifications := repository.NewNotificationLogRepository(db)

	// Redis 可选，连接失败时只使用进程内锁
	redisClient := newRedisClient(ctx, cfg.Redis)
	if redisClient != nil {
		defer redisClient.Close()
	}
	locker := distributed.NewLocker(redisClient, time.Duration(cfg.Scheduler.LockTTLSeconds)*time.Second)

	var sinks []monitor.ResultSink

	// 初始化 Elasticsearch（如果启用）
	var esClient *elasticsearch.Client
	var esSink *monitor.ESSink
	if cfg.Elasticsearch.Enabled {
		esClient, err = elasticsearch.NewClient(cfg.Elasticsearch)
		if err != nil {
			logger.Fatal("Failed to initialize Elasticsearch", zap.Error(err))
		}
		if err := esClient.CreateIndexTemplate(ctx); err != nil {
			logger.Warn("Failed to create index template", zap.Error(err))
		}
		esSink = monitor.NewESSink(esClient, 0)
		esSink.Start(ctx)
		sinks = append(sinks, esSink)
		logger.Info("Elasticsearch initialized")
	} else {
		logger.Info("Elasticsearch is disabled")
	}

	var checkLogs *logger.CheckLogWriter
	if cfg.Monitor.LogDir != "" {
		checkLogs, err = logger.NewCheckLogWriter(cfg.Monitor.LogDir)
		if err != nil {
			logger.Fatal("Failed to open check log directory", zap.Error(err))
		}
		sinks = append(sinks, &monitor.FileSink{Writer: checkLogs})
	}

	opts := monitor.Options{HTTPClient: monitor.NewHTTPClient(nil)}
	if cfg.Monitor.DNSServer != "" {
		opts.Resolver = dns.NewResolver(cfg.Monitor.DNSServer)
		logger.Info("Using custom DNS server", zap.String("server", cfg.Monitor.DNSServer))
	}
	checker := monitor.NewProtocolChecker(opts)

	// 通知渠道
	dispatcher := alert.NewDispatcher()
	if cfg.Notify.SMS.Enabled {
		dispatcher.Register(alert.ChannelSMS, alert.NewSMSSender(cfg.Notify.SMS))
	}
	if cfg.Notify.Email.Enabled {
		dispatcher.Register(alert.ChannelEmail, alert.NewEmailSender(cfg.Notify.Email))
	}
	gate := alert.NewGate(monitors, events, dispatcher,
		alert.WithRecorder(notifications),
		alert.WithSendTimeout(time.Duration(cfg.Alert.SendTimeoutSec)*time.Second),
		alert.WithEnabled(cfg.Alert.Enabled),
	)

	scheduler := monitor.NewScheduler(monitors, checker,
		monitor.WithWorkers(cfg.Scheduler.Workers),
		monitor.WithTick(time.Duration(cfg.Scheduler.TickSeconds)*time.Second),
		monitor.WithListener(gate),
		monitor.WithLocker(locker),
		monitor.WithSinks(sinks...),
	)

	ingestor := zabbix.NewIngestor(hosts, events,
		zabbix.WithListener(gate),
		zabbix.WithSingleHostFallback(cfg.Zabbix.SingleHostFallback),
	)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	// 启动HTTP服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	httpServer := server.NewServer(ctx, server.Dependencies{
		Config:    cfg,
		Monitors:  monitors,
		Hosts:     hosts,
		Events:    events,
		Checker:   scheduler,
		Ingestor:  ingestor,
		ES:        esClient,
		CheckLogs: checkLogs,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.Run(ctx, httpAddr); err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	// 启动gRPC服务器
	grpcAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Fatal("Failed to listen for gRPC", zap.String("address", grpcAddr), zap.Error(err))
	}
	grpcServer := grpc.NewGRPCServer(grpc.NewServer(scheduler, monitors, ingestor))
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting gRPC server", zap.String("address", grpcAddr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpclib.ErrServerStopped) {
			logger.Error("gRPC server failed", zap.Error(err))
			stop()
		}
	}()

	logger.Info("Uptime service is running",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
	)

	<-ctx.Done()
	logger.Info("Received signal, shutting down...")

	grpcServer.GracefulStop()
	wg.Wait()
	if esSink != nil {
		esSink.Wait()
	}

	logger.Info("Uptime service stopped")
}

// newRedisClient returns nil when Redis is disabled or unreachable.
func newRedisClient(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	if !cfg.Enabled {
		logger.Info("Redis is disabled, using in-process locks")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unavailable, using in-process locks", zap.Error(err))
		client.Close()
		return nil
	}

	logger.Info("Redis connected", zap.String("address", client.Options().Addr))
	return client
}
