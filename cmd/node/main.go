package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sealroom/sealroom/internal/auth"
	"github.com/sealroom/sealroom/internal/config"
	"github.com/sealroom/sealroom/internal/logging"
	"github.com/sealroom/sealroom/internal/registry"
	"github.com/sealroom/sealroom/internal/relay"
	"github.com/sealroom/sealroom/internal/server"
	"github.com/sealroom/sealroom/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	issueFor := flag.String("issue-token", "", "Print a development token for this user id and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	secret, err := cfg.AuthSecret()
	if err != nil {
		logger.Fatal("auth secret unavailable", zap.Error(err))
	}

	if *issueFor != "" {
		token, err := auth.NewIssuer(secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL).Issue(*issueFor)
		if err != nil {
			logger.Fatal("issue token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	validator, err := auth.NewJWT(secret, cfg.Auth.Issuer)
	if err != nil {
		logger.Fatal("init authenticator", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close storage", zap.Error(err))
		}
	}()

	reg := registry.New(logger)
	deliverer, err := openRelay(ctx, cfg, reg, logger)
	if err != nil {
		logger.Fatal("open relay", zap.Error(err))
	}

	srv := server.NewNodeServer(cfg, logger, server.Deps{
		Store:     store,
		Registry:  reg,
		Deliverer: deliverer,
		Auth:      validator,
	})
	if err := srv.Start(ctx); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return
	}
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Driver == config.DriverMemory {
		log.Warn("using in-memory storage; chats are lost on restart")
		return storage.NewMemoryStore(), nil
	}
	s, err := storage.OpenSQL(ctx, storage.SQLOptions{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Log:          log,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// openRelay returns the redis relay, already subscribed in the background, when redis is
// configured and local delivery otherwise.
func openRelay(ctx context.Context, cfg config.Config, reg *registry.Registry, log *zap.Logger) (relay.Deliverer, error) {
	if cfg.Redis.Address == "" {
		return relay.NewLocal(reg, log), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address})
	r := relay.NewRedis(client, reg, cfg.Redis.ChannelPrefix, log)
	if err := r.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Address, err)
	}
	go func() {
		defer client.Close()
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("relay stopped", zap.Error(err))
		}
	}()
	return r, nil
}
