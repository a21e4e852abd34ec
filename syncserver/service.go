package syncserver

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ServiceConfig holds configuration for the submission service.
type ServiceConfig struct {
	AppName string // connection tracking / logging tag

	// Domains lists the business units whose transactions this deployment
	// accepts. A submission routed to an unlisted domain is rejected as
	// unknown_domain, not retried by clients.
	Domains []string

	MaxPayloadBytes int // per-change JSON payload limit (0 = unlimited)
}

// SubmitService applies queued client operations to the authoritative store
// exactly once. All stock math happens here, inside a transaction, from the
// current server figures; clients only ever send deltas.
type SubmitService struct {
	pool   *pgxpool.Pool
	config *ServiceConfig
	logger *slog.Logger
}

// NewSubmitService creates the service and ensures the tracker schema exists.
func NewSubmitService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SubmitService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "warehouse-tracker"}
	}
	if len(config.Domains) == 0 {
		config.Domains = []string{"default"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &SubmitService{
		pool:   pool,
		config: config,
		logger: logger,
	}

	ctx := context.Background()
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		logger.Error("Failed to initialize tracker schema", "error", err)
		return nil, fmt.Errorf("failed to initialize tracker schema: %w", err)
	}
	logger.Debug("Tracker schema initialized", "app", config.AppName)

	return s, nil
}

// Close releases the underlying pool.
func (s *SubmitService) Close() {
	s.pool.Close()
}

func (s *SubmitService) domainAllowed(domain string) bool {
	return slices.Contains(s.config.Domains, domain)
}
