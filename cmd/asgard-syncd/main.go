package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/asgard-mail/core/internal/cache"
	"github.com/asgard-mail/core/internal/config"
	"github.com/asgard-mail/core/internal/search"
	"github.com/asgard-mail/core/internal/storage"
	"github.com/asgard-mail/core/internal/sync"
	"github.com/asgard-mail/core/pkg/types"
)

const cacheSweepInterval = 10 * time.Minute

var rootCmd = &cobra.Command{
	Use:   "asgard-syncd",
	Short: "Background mail sync daemon",
	Long: `asgard-syncd syncs the configured mail accounts into the local
store on a fixed interval. Accounts, storage paths and sync behavior are
configured through environment variables (ACCOUNT_1_EMAIL, DB_PATH, ...).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	db, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open mail store: %w", err)
	}
	defer db.Close()

	store := storage.NewSQLStore(db, logger)

	index, err := search.NewSQLIndex(db.DB(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize search index: %w", err)
	}

	content, err := cache.New(cfg.CacheDir, cfg.CacheMaxBytes, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize content cache: %w", err)
	}

	tokens := sync.TokenSourceFunc(tokenFromConfig(cfg))
	manager := sync.NewManager(cfg, store, index, content, tokens, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Keep account identity stable across restarts.
	stored, err := store.ListAccounts()
	if err != nil {
		return fmt.Errorf("failed to list stored accounts: %w", err)
	}
	byEmail := make(map[string]*types.Account, len(stored))
	for _, acc := range stored {
		byEmail[acc.Email] = acc
	}

	for i := range cfg.Accounts {
		acc := cfg.Accounts[i].ToAccount()
		if prev, ok := byEmail[acc.Email]; ok {
			acc.ID = prev.ID
			acc.CreatedAt = prev.CreatedAt
			acc.Status = prev.Status
		}
		if err := manager.AddAccount(ctx, acc); err != nil {
			logger.WithField("email", acc.Email).WithError(err).Error("Failed to register account")
			continue
		}
	}

	if cfg.EnableBackgroundSync {
		if err := manager.StartBackgroundSync(ctx); err != nil {
			return fmt.Errorf("failed to start background sync: %w", err)
		}
	}

	go sweepCache(ctx, content, logger)

	logger.WithFields(logrus.Fields{
		"accounts": len(cfg.Accounts),
		"interval": cfg.SyncInterval.String(),
	}).Info("asgard-syncd started")

	<-ctx.Done()
	logger.Info("Shutting down")
	manager.StopBackgroundSync()
	return nil
}

// tokenFromConfig serves the statically configured access tokens. A refresh
// flow would replace this source without touching the engines.
func tokenFromConfig(cfg *config.Config) sync.TokenSourceFunc {
	return func(ctx context.Context, account *types.Account) (string, error) {
		for i := range cfg.Accounts {
			if cfg.Accounts[i].Email == account.Email {
				return cfg.Accounts[i].AccessToken, nil
			}
		}
		return "", nil
	}
}

func sweepCache(ctx context.Context, content *cache.ContentCache, logger *logrus.Logger) {
	ticker := time.NewTicker(cacheSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := content.CleanupExpired(); removed > 0 {
				logger.WithField("removed", removed).Debug("Expired cache entries swept")
			}
		}
	}
}
