package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/auth"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/config"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	httpapi "github.com/kuaigeyun/kuaigeyun-sub011/internal/http"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/jobs"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/metrics"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/notify"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/service"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/store"
	"github.com/kuaigeyun/kuaigeyun-sub011/pkg/database"
	"github.com/kuaigeyun/kuaigeyun-sub011/pkg/logger"
	mqttclient "github.com/kuaigeyun/kuaigeyun-sub011/pkg/mqtt"
	redisclient "github.com/kuaigeyun/kuaigeyun-sub011/pkg/redis"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "riveredge-platform")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("riveredge-platform exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 逆序关闭，错误合并
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	clk := clock.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	health := map[string]httpapi.HealthCheck{}

	var repos *repository.Store
	if cfg.DBEnabled {
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		closers = append(closers, func() error { return database.Close(db) })
		repos = repository.NewPostgresStore(db, log, cfg.CodeRule.AllocRetries)
		health["db"] = db.PingContext
		log.Info("DB enabled", zap.String("host", cfg.Database.Host), zap.String("database", cfg.Database.Database))
	} else {
		repos = repository.NewMemoryStore()
		log.Warn("DB disabled, using in-memory repositories (data is lost on restart)")
	}

	var kv store.KV
	var queue jobs.Queue
	if cfg.RedisEnabled {
		rc := redisclient.NewRedisClient(&cfg.Redis)
		if err := redisclient.Ping(ctx, rc); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		closers = append(closers, func() error { return redisclient.Close(rc) })
		kv = store.NewRedisKV(rc)
		queue = jobs.NewRedisQueue(rc, cfg.Jobs.ConsumerGroup, log)
		health["redis"] = func(ctx context.Context) error { return redisclient.Ping(ctx, rc) }
	} else {
		kv = store.NewMemoryKV(clk)
		queue = jobs.NewMemoryQueue(0)
		log.Warn("Redis disabled, using in-process job queue and cache")
	}

	drivers := notify.NewRegistry()
	if email := notify.NewEmail(cfg.SMTP, log); email != nil {
		drivers.Register(domain.MessageEmail, email)
	}
	if sms := notify.NewSMS(cfg.SMS, log); sms != nil {
		drivers.Register(domain.MessageSMS, sms)
	}
	if cfg.MQTT.Enabled {
		mc, err := mqttclient.NewClient(&cfg.MQTT.MQTTConfig)
		if err != nil {
			log.Warn("MQTT enabled but connection failed, push messages will fail", zap.Error(err))
		} else {
			closers = append(closers, func() error { mc.Disconnect(); return nil })
			drivers.Register(domain.MessagePush, notify.NewPush(mc, cfg.MQTT.TopicPrefix))
			health["mqtt"] = func(context.Context) error {
				if !mc.IsConnected() {
					return errors.New("mqtt client disconnected")
				}
				return nil
			}
		}
	}

	secret := cfg.JWT.Secret
	if secret == "" {
		secret = randomSecret()
		log.Warn("JWT_SECRET is not set, using a random per-process secret; tokens will not survive restart")
	}
	tokens := auth.NewTokenManager(secret, cfg.JWT.Expires, cfg.JWT.RefreshExpires, clk, kv)

	cache := service.NewTenantCache(repos.Tenants, kv, log)
	quota := service.NewQuota(repos, cfg.Quota.WarningRatio, log)
	dispatcher := jobs.NewDispatcher(jobs.Config{
		MaxRetries:     cfg.Jobs.MaxRetries,
		BackoffInitial: cfg.Jobs.BackoffInitial,
		BackoffMax:     cfg.Jobs.BackoffMax,
		Workers:        cfg.Jobs.Workers,
	}, queue, cache, repos.JobAttempts, clk, m, log)

	messages := service.NewMessageService(repos, dispatcher, drivers, clk, m, log)
	tasks := service.NewScheduledTaskService(dispatcher, log)
	messages.RegisterHandlers(dispatcher)
	tasks.RegisterHandlers(dispatcher)

	if cfg.Auth.SeedPlatformAdmin {
		if err := seedPlatformAdmin(ctx, repos, cfg.Auth, log); err != nil {
			return err
		}
	}

	api := httpapi.NewServer(httpapi.Services{
		Auth:        service.NewAuthService(repos, cache, quota, tokens, clk, m, log),
		Tenants:     service.NewTenantService(repos, cache, quota, clk, log),
		CodeRules:   service.NewCodeRuleService(repos, clk, cfg.Time.Location(), m, log),
		Invitations: service.NewInvitationService(repos, clk, log),
		Users:       service.NewUserService(repos, log),
		Messages:    messages,
		Tasks:       tasks,
	}, httpapi.Options{
		Dispatcher:         dispatcher,
		Metrics:            m,
		Gatherer:           reg,
		Health:             health,
		LoginRatePerMinute: cfg.Auth.LoginRatePerMinute,
		Clock:              clk,
		Logger:             log,
	})
	srv := service.NewHTTPServer(cfg.HTTP.Addr, api, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(sctx)
	})
	log.Info("riveredge-platform started",
		zap.Strings("events", dispatcher.Events()),
		zap.Int("workers", cfg.Jobs.Workers),
		zap.String("timezone", cfg.Time.Location().String()),
	)
	return g.Wait()
}

// seedPlatformAdmin 首次启动创建平台超级管理员；未配置密码时跳过
func seedPlatformAdmin(ctx context.Context, repos *repository.Store, cfg config.AuthConfig, log *zap.Logger) error {
	if cfg.PlatformAdminPassword == "" {
		log.Warn("PLATFORM_ADMIN_PASSWORD is not set, skipping platform admin seed")
		return nil
	}
	_, err := repos.PlatformAdmins.GetPlatformAdminByUsername(ctx, cfg.PlatformAdminUsername)
	if err == nil {
		return nil
	}
	if !apperr.Is(err, apperr.NotFound) {
		return fmt.Errorf("lookup platform admin: %w", err)
	}
	hash, err := auth.HashPassword(cfg.PlatformAdminPassword)
	if err != nil {
		return fmt.Errorf("hash platform admin password: %w", err)
	}
	admin := &domain.PlatformSuperAdmin{Username: cfg.PlatformAdminUsername, PasswordHash: hash, IsActive: true}
	if err := repos.PlatformAdmins.CreatePlatformAdmin(ctx, admin); err != nil && !apperr.Is(err, apperr.Conflict) {
		return fmt.Errorf("seed platform admin: %w", err)
	}
	log.Info("Platform admin seeded", zap.String("username", admin.Username))
	return nil
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
