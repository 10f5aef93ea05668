package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"

	"github.com/webstead/site-auth/internal/config"
	"github.com/webstead/site-auth/keys"
	"github.com/webstead/site-auth/publisher"
	"github.com/webstead/site-auth/publisher/objectstore"
	"github.com/webstead/site-auth/server"
	"github.com/webstead/site-auth/sessions"
	"github.com/webstead/site-auth/signin"
	"github.com/webstead/site-auth/store"
	"github.com/webstead/site-auth/store/memstore"
	"github.com/webstead/site-auth/store/redisstore"
	"github.com/webstead/site-auth/token"
	"github.com/webstead/site-auth/users"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error running server: %s\n", err)
	}
	log.Printf("Server stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config.Load: %w", err)
	}
	displayAppname("site auth")

	ctx := context.Background()

	credStore, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("buildStore: %w", err)
	}

	keyManager, err := keys.NewManager(credStore, cfg.KeysPartition, cfg.RefreshTokenExpiry)
	if err != nil {
		return fmt.Errorf("keys.NewManager: %w", err)
	}
	if err := keyManager.EnsureActive(ctx); err != nil {
		return fmt.Errorf("keys.EnsureActive: %w", err)
	}

	objects, err := objectstore.NewS3Store(ctx, cfg.PublicBucket, cfg.AWSRegion)
	if err != nil {
		return fmt.Errorf("objectstore.NewS3Store: %w", err)
	}
	jwksPublisher, err := publisher.New(credStore, cfg.KeysPartition, objects, cfg.IssuerURL)
	if err != nil {
		return fmt.Errorf("publisher.New: %w", err)
	}
	unsubscribe, err := jwksPublisher.Start(ctx)
	if err != nil {
		return fmt.Errorf("publisher.Start: %w", err)
	}
	defer unsubscribe()
	if err := jwksPublisher.Publish(ctx); err != nil {
		return fmt.Errorf("publisher.Publish: %w", err)
	}

	sessionSvc, err := sessions.NewService(credStore, cfg.SessionsPartition)
	if err != nil {
		return fmt.Errorf("sessions.NewService: %w", err)
	}

	userRepo, err := users.NewStoreRepo(credStore, cfg.UsersPartition)
	if err != nil {
		return fmt.Errorf("users.NewStoreRepo: %w", err)
	}

	github, err := signin.NewGitHubClient(signin.GitHubConfig{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		CallbackURL:  cfg.CallbackURL(),
		Scopes:       cfg.GitHubScopes,
	})
	if err != nil {
		return fmt.Errorf("signin.NewGitHubClient: %w", err)
	}

	signinSvc, err := signin.NewService(credStore, cfg.StatePartition, github, signin.Repos{
		Users:    userRepo,
		Sessions: sessionSvc,
	}, cfg.SessionExpiry, signin.WithStateTTL(cfg.StateTTL))
	if err != nil {
		return fmt.Errorf("signin.NewService: %w", err)
	}

	issuer, err := token.NewIssuer(keyManager, cfg.IssuerURL, "", cfg.AccessTokenExpiry, cfg.RefreshTokenExpiry)
	if err != nil {
		return fmt.Errorf("token.NewIssuer: %w", err)
	}

	handler, err := server.New(cfg, signinSvc, sessionSvc, issuer)
	if err != nil {
		return fmt.Errorf("server.New: %w", err)
	}

	httpServer := &http.Server{Addr: cfg.Port, Handler: handler}
	go listenAndServe(httpServer)
	waitForStopSignal()
	return shutdown(httpServer)
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.RedisAddr == "" {
		log.Printf("REDIS_ADDR not set, using in-memory store\n")
		return memstore.New(), nil
	}
	return redisstore.New(ctx, redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func listenAndServe(server *http.Server) error {
	log.Printf("Server listening on %s\n", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
