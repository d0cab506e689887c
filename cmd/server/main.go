package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"vpnhub/internal/api"
	"vpnhub/internal/cluster"
	"vpnhub/internal/ledger"
	"vpnhub/internal/model"
	"vpnhub/internal/notifier"
	"vpnhub/internal/panel"
	"vpnhub/internal/payments"
	"vpnhub/internal/repository/postgres"
	"vpnhub/internal/scheduler"
	schedulerjobs "vpnhub/internal/scheduler/jobs"
	"vpnhub/internal/service"
	"vpnhub/internal/settings"
	"vpnhub/internal/telegram"
	systemlog "vpnhub/pkg/logger"
)

type EndpointConfig struct {
	Type      string        `mapstructure:"type"`
	BaseURL   string        `mapstructure:"base_url"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	InboundID int           `mapstructure:"inbound_id"`
	SubBase   string        `mapstructure:"sub_base"`
	Token     string        `mapstructure:"token"`
	TokenFile string        `mapstructure:"token_file"`
	Subgroups []string      `mapstructure:"subgroups"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type ClusterConfig struct {
	Name      string           `mapstructure:"name"`
	GroupCode string           `mapstructure:"group_code"`
	Endpoints []EndpointConfig `mapstructure:"endpoints"`
}

type Config struct {
	App struct {
		Env string `mapstructure:"env"`
	} `mapstructure:"app"`
	Server struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Database struct {
		URL         string        `mapstructure:"url"`
		MaxConns    int           `mapstructure:"max_conns"`
		PingTimeout time.Duration `mapstructure:"ping_timeout"`
	} `mapstructure:"database"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Log struct {
		Level    string `mapstructure:"level"`
		Encoding string `mapstructure:"encoding"`
	} `mapstructure:"log"`
	Security struct {
		InternalToken     string `mapstructure:"internal_token"`
		InternalTokenFile string `mapstructure:"internal_token_file"`
	} `mapstructure:"security"`
	Telegram struct {
		Token     string `mapstructure:"token"`
		TokenFile string `mapstructure:"token_file"`
	} `mapstructure:"telegram"`
	Payments struct {
		CardCheckoutURL string `mapstructure:"card_checkout_url"`
		CryptoAPIURL    string `mapstructure:"crypto_api_url"`
		RateSourceURL   string `mapstructure:"rate_source_url"`
	} `mapstructure:"payments"`
	Clusters []ClusterConfig `mapstructure:"clusters"`
}

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "healthcheck":
			os.Exit(runHealthcheck())
		case "migrate":
			if err := runMigrateCommand(); err != nil {
				fmt.Fprintln(os.Stderr, sanitizeCLIError(err))
				os.Exit(1)
			}
			return
		case "create-admin":
			if err := runCreateAdminCommand(os.Args[2:]); err != nil {
				fmt.Fprintln(os.Stderr, sanitizeCLIError(err))
				os.Exit(1)
			}
			return
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	logger, systemLogStore, err := newLogger(cfg)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer logger.Sync() //nolint:errcheck

	if !strings.EqualFold(cfg.App.Env, "development") {
		gin.SetMode(gin.ReleaseMode)
	}

	dbPool, err := newDBPool(context.Background(), cfg)
	if err != nil {
		logger.Fatal("connect database failed", zap.Error(err))
	}
	defer dbPool.Close()

	redisClient := newRedisClient(cfg, logger)
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	userRepo := postgres.NewUserRepository(dbPool)
	keyRepo := postgres.NewKeyRepository(dbPool)
	tariffRepo := postgres.NewTariffRepository(dbPool)
	paymentRepo := postgres.NewPaymentRepository(dbPool)
	tempDataRepo := postgres.NewTempDataRepository(dbPool)
	notificationRepo := postgres.NewNotificationRepository(dbPool)
	settingRepo := postgres.NewSettingRepository(dbPool)
	adminRepo := postgres.NewAdminRepository(dbPool)
	couponRepo := postgres.NewCouponRepository(dbPool)
	referralRepo := postgres.NewReferralRepository(dbPool)

	settingsStore := settings.NewStore(settingRepo, logger)
	if err := settingsStore.Load(context.Background()); err != nil {
		logger.Fatal("load settings failed", zap.Error(err))
	}

	moneyLedger := ledger.New(userRepo, paymentRepo, tempDataRepo, logger)

	clusters, err := buildClusters(cfg)
	if err != nil {
		logger.Fatal("cluster config invalid", zap.Error(err))
	}
	coordinator := cluster.NewCoordinator(clusters, keyRepo, logger)

	keySvc := service.NewKeyService(keyRepo, userRepo, tariffRepo, notificationRepo, moneyLedger, coordinator, settingsStore, logger)
	moneyLedger.SetResumeFunc(keySvc.ResumeDeferred)

	userSvc := service.NewUserService(userRepo, referralRepo, logger)
	couponSvc := service.NewCouponService(couponRepo, userRepo, keyRepo, moneyLedger, logger)
	tariffSvc := service.NewTariffService(tariffRepo, logger)
	authSvc := service.NewAuthService(adminRepo, logger)

	bot, err := newBot(cfg)
	if err != nil {
		logger.Fatal("telegram bot init failed", zap.Error(err))
	}
	sender := telegram.NewSender(bot, logger)

	var locker notifier.Locker
	if redisClient != nil {
		locker = notifier.NewRedisLocker(redisClient, "vpnhub:notifier:tick", 10*time.Minute)
	}
	engine := notifier.NewEngine(
		keyRepo,
		userRepo,
		tariffRepo,
		notificationRepo,
		moneyLedger,
		keySvc,
		coordinator,
		settingsStore,
		sender,
		locker,
		logger,
	)

	rateSource := cfg.Payments.RateSourceURL
	if rateSource == "" {
		rateSource = payments.DefaultRateSource
	}
	converter := payments.NewConverter(settingsStore, redisClient, rateSource, logger)

	registry := payments.NewRegistry(settingsStore)
	registry.Register(payments.NewFormProvider("cardpay", cfg.Payments.CardCheckoutURL, settingsStore, converter, logger))
	registry.Register(payments.NewJWTProvider("cryptopay", cfg.Payments.CryptoAPIURL, settingsStore, logger))
	processor := payments.NewProcessor(moneyLedger, logger)

	snap := settingsStore.Current()
	cronRunner := scheduler.NewScheduler(scheduler.Deps{
		NotifierJob: schedulerjobs.NewNotifierJob(engine, 5*time.Minute, logger),
		CurrencyJob: schedulerjobs.NewCurrencyJob(converter, logger),
		SettingsJob: schedulerjobs.NewSettingsJob(settingsStore, logger),
		StatsJob:    schedulerjobs.NewStatsJob(keyRepo, logger),
		SweepJob:    schedulerjobs.NewSweepJob(moneyLedger, logger),
		TickSeconds: snap.Notifications.BaseIntervalSeconds,
		RateMinutes: snap.Money.RateCacheMinutes,
	}, logger)
	cronRunner.Start()
	defer func() {
		stopCtx := cronRunner.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(2 * time.Second):
		}
	}()

	router := api.NewRouter(api.Deps{
		Pool:          dbPool,
		Logger:        logger,
		LogStore:      systemLogStore,
		InternalToken: cfg.Security.InternalToken,
		Auth:          authSvc,
		Tariffs:       tariffSvc,
		Keys:          keySvc,
		Users:         userSvc,
		Coupons:       couponSvc,
		KeyRepo:       keyRepo,
		UserRepo:      userRepo,
		PaymentRepo:   paymentRepo,
		AdminRepo:     adminRepo,
		CouponRepo:    couponRepo,
		Ledger:        moneyLedger,
		Devices:       coordinator,
		Settings:      settingsStore,
		Registry:      registry,
		Processor:     processor,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	logger.Info("server started",
		zap.String("addr", srv.Addr),
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("build_time", BuildTime),
		zap.Int("clusters", len(clusters)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		if err != nil {
			logger.Fatal("server exited unexpectedly", zap.Error(err))
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown server failed", zap.Error(err))
	}
}

func loadConfig() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("VPNHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.url", "VPNHUB_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("telegram.token", "VPNHUB_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")

	v.SetDefault("app.env", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.ping_timeout", "3s")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("security.internal_token", "")
	v.SetDefault("security.internal_token_file", "")
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.token_file", "")
	v.SetDefault("payments.card_checkout_url", "")
	v.SetDefault("payments.crypto_api_url", "")
	v.SetDefault("payments.rate_source_url", "")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &notFoundErr) {
			return Config{}, fmt.Errorf("read config file failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config failed: %w", err)
	}

	if err := resolveSecretFile(&cfg.Security.InternalToken, cfg.Security.InternalTokenFile, "security.internal_token_file"); err != nil {
		return Config{}, err
	}
	if err := resolveSecretFile(&cfg.Telegram.Token, cfg.Telegram.TokenFile, "telegram.token_file"); err != nil {
		return Config{}, err
	}
	for i := range cfg.Clusters {
		for j := range cfg.Clusters[i].Endpoints {
			ep := &cfg.Clusters[i].Endpoints[j]
			if err := resolveSecretFile(&ep.Token, ep.TokenFile, "clusters.endpoints.token_file"); err != nil {
				return Config{}, err
			}
		}
	}

	if cfg.Database.URL == "" {
		return Config{}, errors.New("database.url is required")
	}
	if cfg.Database.MaxConns <= 0 {
		return Config{}, errors.New("database.max_conns must be greater than 0")
	}
	if cfg.Database.PingTimeout <= 0 {
		return Config{}, errors.New("database.ping_timeout must be greater than 0")
	}

	return cfg, nil
}

func resolveSecretFile(target *string, path, name string) error {
	if strings.TrimSpace(*target) != "" || strings.TrimSpace(path) == "" {
		return nil
	}
	raw, err := os.ReadFile(strings.TrimSpace(path)) // #nosec G304 -- path comes from operator config.
	if err != nil {
		return fmt.Errorf("read %s failed: %w", name, err)
	}
	*target = strings.TrimSpace(string(raw))
	return nil
}

func newLogger(cfg Config) (*zap.Logger, *systemlog.SystemLogStore, error) {
	var zapCfg zap.Config
	if strings.EqualFold(cfg.App.Env, "development") {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	if cfg.Log.Level != "" {
		if err := zapCfg.Level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			return nil, nil, fmt.Errorf("invalid log.level: %w", err)
		}
	}
	if cfg.Log.Encoding != "" {
		zapCfg.Encoding = cfg.Log.Encoding
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build zap logger failed: %w", err)
	}

	logStore := systemlog.NewSystemLogStore(1000)
	logger = systemlog.WrapZapLogger(logger, logStore)
	return logger, logStore, nil
}

func newDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database.url failed: %w", err)
	}

	const maxInt32 = int(^uint32(0) >> 1)
	if cfg.Database.MaxConns > maxInt32 {
		return nil, fmt.Errorf("database.max_conns must be <= %d", maxInt32)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns) // #nosec G115 -- validated upper bound above.

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.PingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database failed: %w", err)
	}
	return pool, nil
}

// newRedisClient is optional infrastructure: without redis the process
// falls back to in-memory rate caching and a single-process tick lock.
func newRedisClient(cfg Config, logger *zap.Logger) *redis.Client {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, continuing without it", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}

func newBot(cfg Config) (*tgbotapi.BotAPI, error) {
	token := strings.TrimSpace(cfg.Telegram.Token)
	if token == "" {
		return nil, errors.New("telegram.token is required")
	}
	return tgbotapi.NewBotAPI(token)
}

func buildClusters(cfg Config) ([]*cluster.Cluster, error) {
	if len(cfg.Clusters) == 0 {
		return nil, errors.New("at least one cluster must be configured")
	}

	clusters := make([]*cluster.Cluster, 0, len(cfg.Clusters))
	for _, cc := range cfg.Clusters {
		if strings.TrimSpace(cc.Name) == "" {
			return nil, errors.New("cluster name is required")
		}
		if strings.TrimSpace(cc.GroupCode) == "" {
			return nil, fmt.Errorf("cluster %s: group_code is required", cc.Name)
		}
		if len(cc.Endpoints) == 0 {
			return nil, fmt.Errorf("cluster %s: at least one endpoint is required", cc.Name)
		}

		endpoints := make([]cluster.Endpoint, 0, len(cc.Endpoints))
		for _, ec := range cc.Endpoints {
			client, err := buildPanelClient(cc.Name, ec)
			if err != nil {
				return nil, err
			}
			endpoints = append(endpoints, cluster.Endpoint{
				Client:    client,
				Subgroups: ec.Subgroups,
			})
		}
		clusters = append(clusters, &cluster.Cluster{
			Name:      cc.Name,
			GroupCode: cc.GroupCode,
			Endpoints: endpoints,
		})
	}
	return clusters, nil
}

func buildPanelClient(clusterName string, ec EndpointConfig) (panel.Client, error) {
	if strings.TrimSpace(ec.BaseURL) == "" {
		return nil, fmt.Errorf("cluster %s: endpoint base_url is required", clusterName)
	}
	switch ec.Type {
	case panel.TypeLegacy:
		if ec.Username == "" || ec.Password == "" {
			return nil, fmt.Errorf("cluster %s: legacy endpoint %s needs username and password", clusterName, ec.BaseURL)
		}
		return panel.NewLegacyClient(panel.LegacyConfig{
			BaseURL:   ec.BaseURL,
			Username:  ec.Username,
			Password:  ec.Password,
			InboundID: ec.InboundID,
			SubBase:   ec.SubBase,
			Timeout:   ec.Timeout,
		}), nil
	case panel.TypeModern:
		if ec.Token == "" {
			return nil, fmt.Errorf("cluster %s: modern endpoint %s needs a token", clusterName, ec.BaseURL)
		}
		return panel.NewModernClient(panel.ModernConfig{
			BaseURL: ec.BaseURL,
			Token:   ec.Token,
			Timeout: ec.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("cluster %s: unknown endpoint type %q", clusterName, ec.Type)
	}
}

func runMigrateCommand() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	migrationDir := "/migrations"
	if _, statErr := os.Stat(migrationDir); statErr != nil {
		migrationDir = "./migrations"
	}

	migrator, err := migrate.New("file://"+migrationDir, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("init migrator failed: %w", err)
	}
	defer migrator.Close() //nolint:errcheck

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations failed: %w", err)
	}

	fmt.Println("migrations applied successfully")
	return nil
}

func runCreateAdminCommand(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	fs := flag.NewFlagSet("create-admin", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var tgID int64
	var role string
	var description string

	fs.Int64Var(&tgID, "tg-id", 0, "telegram id of the admin")
	fs.StringVar(&role, "role", "moderator", "admin role: superadmin or moderator")
	fs.StringVar(&description, "description", "", "free-form note")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if tgID == 0 {
		return errors.New("tg-id is required")
	}
	adminRole, err := parseAdminRole(role)
	if err != nil {
		return err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parse database config failed: %w", err)
	}
	poolCfg.MaxConns = 2

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect database failed: %w", err)
	}
	defer pool.Close()

	authSvc := service.NewAuthService(postgres.NewAdminRepository(pool), zap.NewNop())
	token, err := authSvc.CreateAdmin(ctx, tgID, adminRole, description)
	if err != nil {
		return fmt.Errorf("create admin failed: %w", err)
	}

	fmt.Printf("admin %d created with role %s\n", tgID, adminRole)
	fmt.Printf("token (shown once, store it now): %s\n", token)
	return nil
}

func parseAdminRole(raw string) (model.AdminRole, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "superadmin":
		return model.AdminRoleSuperadmin, nil
	case "moderator", "":
		return model.AdminRoleModerator, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

func runHealthcheck() int {
	cfg, err := loadConfig()
	port := 8080
	if err == nil && cfg.Server.Port > 0 {
		port = cfg.Server.Port
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		return 1
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func sanitizeCLIError(err error) string {
	if err == nil {
		return ""
	}
	text := strings.ReplaceAll(err.Error(), "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return strings.TrimSpace(text)
}
