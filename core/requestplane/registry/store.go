package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	_ "modernc.org/sqlite"

	"github.com/agentplane/agentplane/core/requestplane"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id              TEXT PRIMARY KEY,
	plan            TEXT NOT NULL DEFAULT 'free',
	status          TEXT NOT NULL DEFAULT 'active',
	weight          INTEGER NOT NULL DEFAULT 0,
	data_region     TEXT NOT NULL DEFAULT '',
	allowed_regions TEXT NOT NULL DEFAULT '[]',
	quota_overrides TEXT NOT NULL DEFAULT '{}',
	fail_open       INTEGER,
	created         TEXT NOT NULL DEFAULT '',
	updated         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS providers (
	provider_type TEXT NOT NULL,
	region        TEXT NOT NULL,
	endpoint      TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	available     INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (provider_type, region)
);
`

type tenantRow struct {
	ID             string        `db:"id"`
	Plan           string        `db:"plan"`
	Status         string        `db:"status"`
	Weight         int           `db:"weight"`
	DataRegion     string        `db:"data_region"`
	AllowedRegions string        `db:"allowed_regions"`
	QuotaOverrides string        `db:"quota_overrides"`
	FailOpen       sql.NullBool  `db:"fail_open"`
	Created        string        `db:"created"`
	Updated        string        `db:"updated"`
}

type providerRow struct {
	ProviderType string `db:"provider_type"`
	Region       string `db:"region"`
	Endpoint     string `db:"endpoint"`
	Model        string `db:"model"`
	Available    bool   `db:"available"`
}

// Store is the authoritative tenant table. Every read session executes the
// configured bind statement with the tenant identity first; a bind failure
// aborts the read so requests never proceed on an unbound session.
type Store struct {
	db   *dbx.DB
	bind string
}

// OpenStore opens (and migrates) the registry database
func OpenStore(path, bindStatement string) (*Store, error) {
	db, err := dbx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry db: %w", err)
	}

	if _, err := db.NewQuery(schema).Execute(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate registry db: %w", err)
	}

	return &Store{db: db, bind: bindStatement}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.DB().PingContext(ctx)
}

// bindSession executes the tenant bind statement on the transaction
func (s *Store) bindSession(ctx context.Context, tx *dbx.Tx, tenantID string) error {
	if s.bind == "" {
		return nil
	}
	_, err := tx.NewQuery(s.bind).
		Bind(dbx.Params{"tenant": tenantID}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("%w: %v", requestplane.ErrTenantBindFailed, err)
	}
	return nil
}

// GetTenant reads one tenant record under a bound session
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*requestplane.Tenant, error) {
	var row tenantRow

	err := s.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		if err := s.bindSession(ctx, tx, tenantID); err != nil {
			return err
		}
		return tx.NewQuery("SELECT * FROM tenants WHERE id = {:id}").
			Bind(dbx.Params{"id": tenantID}).
			WithContext(ctx).
			One(&row)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, requestplane.ErrTenantNotFound
		}
		return nil, err
	}

	return row.toTenant()
}

// ListProviders returns all registered backends of a provider type
func (s *Store) ListProviders(ctx context.Context, tenantID, providerType string) ([]*requestplane.ProviderConfig, error) {
	var rows []providerRow

	err := s.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		if err := s.bindSession(ctx, tx, tenantID); err != nil {
			return err
		}
		return tx.NewQuery("SELECT * FROM providers WHERE provider_type = {:pt} ORDER BY region").
			Bind(dbx.Params{"pt": providerType}).
			WithContext(ctx).
			All(&rows)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*requestplane.ProviderConfig, len(rows))
	for i, r := range rows {
		out[i] = &requestplane.ProviderConfig{
			ProviderType: r.ProviderType,
			Region:       r.Region,
			Endpoint:     r.Endpoint,
			Model:        r.Model,
			Available:    r.Available,
		}
	}
	return out, nil
}

// SaveTenant upserts a tenant record (admin surface)
func (s *Store) SaveTenant(ctx context.Context, t *requestplane.Tenant) error {
	regions, err := json.Marshal(t.AllowedRegions)
	if err != nil {
		return err
	}
	overrides, err := json.Marshal(t.QuotaOverrides)
	if err != nil {
		return err
	}

	var failOpen any
	if t.FailOpen != nil {
		failOpen = *t.FailOpen
	}

	now := time.Now().UTC().Format(time.RFC3339)
	created := now
	if !t.Created.IsZero() {
		created = t.Created.UTC().Format(time.RFC3339)
	}

	_, err = s.db.NewQuery(`
		INSERT INTO tenants (id, plan, status, weight, data_region, allowed_regions, quota_overrides, fail_open, created, updated)
		VALUES ({:id}, {:plan}, {:status}, {:weight}, {:region}, {:allowed}, {:overrides}, {:failOpen}, {:created}, {:updated})
		ON CONFLICT (id) DO UPDATE SET
			plan = {:plan}, status = {:status}, weight = {:weight}, data_region = {:region},
			allowed_regions = {:allowed}, quota_overrides = {:overrides}, fail_open = {:failOpen}, updated = {:updated}`).
		Bind(dbx.Params{
			"id":        t.ID,
			"plan":      string(t.Plan),
			"status":    string(t.Status),
			"weight":    t.Weight,
			"region":    t.DataRegion,
			"allowed":   string(regions),
			"overrides": string(overrides),
			"failOpen":  failOpen,
			"created":   created,
			"updated":   now,
		}).
		WithContext(ctx).
		Execute()
	return err
}

// SaveProvider upserts a provider record (admin surface)
func (s *Store) SaveProvider(ctx context.Context, p *requestplane.ProviderConfig) error {
	_, err := s.db.NewQuery(`
		INSERT INTO providers (provider_type, region, endpoint, model, available)
		VALUES ({:pt}, {:region}, {:endpoint}, {:model}, {:available})
		ON CONFLICT (provider_type, region) DO UPDATE SET
			endpoint = {:endpoint}, model = {:model}, available = {:available}`).
		Bind(dbx.Params{
			"pt":        p.ProviderType,
			"region":    p.Region,
			"endpoint":  p.Endpoint,
			"model":     p.Model,
			"available": p.Available,
		}).
		WithContext(ctx).
		Execute()
	return err
}

func (r *tenantRow) toTenant() (*requestplane.Tenant, error) {
	t := &requestplane.Tenant{
		ID:         r.ID,
		Plan:       requestplane.Plan(r.Plan),
		Status:     requestplane.TenantStatus(r.Status),
		Weight:     r.Weight,
		DataRegion: r.DataRegion,
	}

	if err := json.Unmarshal([]byte(r.AllowedRegions), &t.AllowedRegions); err != nil {
		return nil, fmt.Errorf("corrupt allowed_regions for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.QuotaOverrides), &t.QuotaOverrides); err != nil {
		return nil, fmt.Errorf("corrupt quota_overrides for %s: %w", r.ID, err)
	}
	if r.FailOpen.Valid {
		v := r.FailOpen.Bool
		t.FailOpen = &v
	}
	if r.Created != "" {
		t.Created, _ = time.Parse(time.RFC3339, r.Created)
	}
	if r.Updated != "" {
		t.Updated, _ = time.Parse(time.RFC3339, r.Updated)
	}
	return t, nil
}
