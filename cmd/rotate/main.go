// Command rotate performs one scheduled signing key rotation and republishes
// the JWKS. Missing configuration fails before any store write happens.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"github.com/webstead/site-auth/internal/config"
	"github.com/webstead/site-auth/keys"
	"github.com/webstead/site-auth/publisher"
	"github.com/webstead/site-auth/publisher/objectstore"
	"github.com/webstead/site-auth/store/redisstore"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error rotating signing key: %s\n", err)
	}
	log.Printf("Signing key rotated\n")
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config.Load: %w", err)
	}
	if cfg.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required: rotation against an in-memory store has no effect")
	}

	ctx := context.Background()

	credStore, err := redisstore.New(ctx, redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("redisstore.New: %w", err)
	}
	defer credStore.Close()

	keyManager, err := keys.NewManager(credStore, cfg.KeysPartition, cfg.RefreshTokenExpiry)
	if err != nil {
		return fmt.Errorf("keys.NewManager: %w", err)
	}

	record, err := keyManager.Rotate(ctx)
	if err != nil {
		return fmt.Errorf("keys.Rotate: %w", err)
	}
	log.Printf("New active signing key: %s\n", record.Kid)

	objects, err := objectstore.NewS3Store(ctx, cfg.PublicBucket, cfg.AWSRegion)
	if err != nil {
		return fmt.Errorf("objectstore.NewS3Store: %w", err)
	}
	jwksPublisher, err := publisher.New(credStore, cfg.KeysPartition, objects, cfg.IssuerURL)
	if err != nil {
		return fmt.Errorf("publisher.New: %w", err)
	}
	if err := jwksPublisher.Publish(ctx); err != nil {
		return fmt.Errorf("publisher.Publish: %w", err)
	}
	return nil
}
