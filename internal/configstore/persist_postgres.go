package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/af-corp/aegis-router/internal/config"
)

// PostgresPersister stores the document in the routing_* tables created by
// migrations/000001_routing_config. Save replaces every row in one
// transaction; Load reads every table inside one repeatable-read snapshot.
type PostgresPersister struct {
	db txStarter
}

// txStarter is the part of *pgxpool.Pool the persister needs. Every query
// runs inside a transaction.
type txStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// loadTxOptions make every query in Load read the same snapshot.
var loadTxOptions = pgx.TxOptions{
	IsoLevel:   pgx.RepeatableRead,
	AccessMode: pgx.ReadOnly,
}

func NewPostgresPersister(db *pgxpool.Pool) *PostgresPersister {
	return &PostgresPersister{db: db}
}

func (p *PostgresPersister) Load(ctx context.Context) (*config.Document, error) {
	var doc *config.Document
	err := pgx.BeginTxFunc(ctx, p.db, loadTxOptions, func(tx pgx.Tx) error {
		var err error
		doc, err = loadDocument(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func loadDocument(ctx context.Context, tx pgx.Tx) (*config.Document, error) {
	var version int64
	err := tx.QueryRow(ctx, `SELECT version FROM routing_document WHERE id = 1`).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, fmt.Errorf("query routing_document: %w", err)
	}

	doc := &config.Document{}

	rows, err := tx.Query(ctx, `
		SELECT id, name, family, endpoint, credentials, model, weight, max_tokens,
		       timeout_ms, priority, cost_tier, enabled, pricing_input, pricing_output, headers
		FROM routing_providers
		ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("query routing_providers: %w", err)
	}
	for rows.Next() {
		var (
			pc                config.ProviderConfig
			family, tier      string
			priceIn, priceOut *float64
			headersJSON       []byte
		)
		if err := rows.Scan(&pc.ID, &pc.Name, &family, &pc.Endpoint, &pc.Credentials, &pc.Model,
			&pc.Weight, &pc.MaxTokens, &pc.TimeoutMs, &pc.Priority, &tier, &pc.Enabled,
			&priceIn, &priceOut, &headersJSON); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan routing_providers: %w", err)
		}
		pc.Family = config.Family(family)
		pc.CostTier = config.CostTier(tier)
		if priceIn != nil || priceOut != nil {
			pc.Pricing = &config.PriceEntry{}
			if priceIn != nil {
				pc.Pricing.Input = *priceIn
			}
			if priceOut != nil {
				pc.Pricing.Output = *priceOut
			}
		}
		if len(headersJSON) > 0 {
			if err := json.Unmarshal(headersJSON, &pc.Headers); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decode headers for %s: %w", pc.ID, err)
			}
		}
		doc.Providers = append(doc.Providers, pc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routing_providers: %w", err)
	}

	rows, err = tx.Query(ctx, `
		SELECT c.name, c.strategy, c.max_concurrent_requests, c.request_timeout_ms,
		       COALESCE(array_agg(cp.provider_id ORDER BY cp.position) FILTER (WHERE cp.provider_id IS NOT NULL), '{}')
		FROM routing_clusters c
		LEFT JOIN routing_cluster_providers cp ON cp.cluster_name = c.name
		GROUP BY c.name, c.position, c.strategy, c.max_concurrent_requests, c.request_timeout_ms
		ORDER BY c.position
	`)
	if err != nil {
		return nil, fmt.Errorf("query routing_clusters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cc       config.ClusterConfig
			strategy string
		)
		if err := rows.Scan(&cc.Name, &strategy, &cc.MaxConcurrentRequests, &cc.RequestTimeoutMs, &cc.ProviderIDs); err != nil {
			return nil, fmt.Errorf("scan routing_clusters: %w", err)
		}
		cc.Strategy = config.Strategy(strategy)
		doc.Clusters = append(doc.Clusters, cc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routing_clusters: %w", err)
	}
	return doc, nil
}

func (p *PostgresPersister) Save(ctx context.Context, doc *config.Document) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM routing_cluster_providers`,
			`DELETE FROM routing_clusters`,
			`DELETE FROM routing_providers`,
		} {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("clear routing tables: %w", err)
			}
		}

		b := &pgx.Batch{}
		for i, pc := range doc.Providers {
			var priceIn, priceOut *float64
			if pc.Pricing != nil {
				in, out := pc.Pricing.Input, pc.Pricing.Output
				priceIn, priceOut = &in, &out
			}
			var headers *string
			if len(pc.Headers) > 0 {
				raw, err := json.Marshal(pc.Headers)
				if err != nil {
					return fmt.Errorf("encode headers for %s: %w", pc.ID, err)
				}
				s := string(raw)
				headers = &s
			}
			b.Queue(`
				INSERT INTO routing_providers (id, position, name, family, endpoint, credentials, model,
					weight, max_tokens, timeout_ms, priority, cost_tier, enabled, pricing_input, pricing_output, headers)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16::jsonb)
			`, pc.ID, i, pc.Name, string(pc.Family), pc.Endpoint, pc.Credentials, pc.Model,
				pc.Weight, pc.MaxTokens, pc.TimeoutMs, pc.Priority, string(pc.CostTier), pc.Enabled,
				priceIn, priceOut, headers)
		}
		for i, cc := range doc.Clusters {
			b.Queue(`
				INSERT INTO routing_clusters (name, position, strategy, max_concurrent_requests, request_timeout_ms)
				VALUES ($1, $2, $3, $4, $5)
			`, cc.Name, i, string(cc.Strategy), cc.MaxConcurrentRequests, cc.RequestTimeoutMs)
			for j, id := range cc.ProviderIDs {
				b.Queue(`
					INSERT INTO routing_cluster_providers (cluster_name, provider_id, position)
					VALUES ($1, $2, $3)
				`, cc.Name, id, j)
			}
		}
		b.Queue(`
			INSERT INTO routing_document (id, version, updated_at) VALUES (1, 1, NOW())
			ON CONFLICT (id) DO UPDATE SET version = routing_document.version + 1, updated_at = NOW()
		`)

		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("write routing document: %w", err)
		}
		return nil
	})
}
