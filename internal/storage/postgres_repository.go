package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"swabbr-live/internal/models"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
}

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// subsystem schema exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres pool not initialised")
	}
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const resourceColumns = "id, external_id, status, COALESCE(owner_user_id, ''), created_at, updated_at"

func scanResource(row pgx.Row) (models.LivestreamResource, error) {
	var resource models.LivestreamResource
	var status string
	if err := row.Scan(&resource.ID, &resource.ExternalID, &status, &resource.OwnerUserID, &resource.CreatedAt, &resource.UpdatedAt); err != nil {
		return models.LivestreamResource{}, err
	}
	parsed, err := models.ParseResourceStatus(status)
	if err != nil {
		return models.LivestreamResource{}, err
	}
	resource.Status = parsed
	return resource, nil
}

func ownerParam(owner string) any {
	if owner == "" {
		return nil
	}
	return owner
}

func (r *postgresRepository) CreateResource(ctx context.Context, externalID string) (models.LivestreamResource, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return models.LivestreamResource{}, fmt.Errorf("external id is required")
	}
	id, err := generateID()
	if err != nil {
		return models.LivestreamResource{}, err
	}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO livestream_resources (id, external_id, status, owner_user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, NULL, now(), now())
		 RETURNING `+resourceColumns,
		id, externalID, string(models.StatusCreated))
	resource, err := scanResource(row)
	if err != nil {
		return models.LivestreamResource{}, fmt.Errorf("insert resource: %w", err)
	}
	return resource, nil
}

func (r *postgresRepository) GetResource(ctx context.Context, id string) (models.LivestreamResource, bool, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+resourceColumns+` FROM livestream_resources WHERE id = $1`, id)
	resource, err := scanResource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LivestreamResource{}, false, nil
	}
	if err != nil {
		return models.LivestreamResource{}, false, fmt.Errorf("select resource: %w", err)
	}
	return resource, true, nil
}

func (r *postgresRepository) ResourceByExternalID(ctx context.Context, externalID string) (models.LivestreamResource, bool, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+resourceColumns+` FROM livestream_resources WHERE external_id = $1`, strings.TrimSpace(externalID))
	resource, err := scanResource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LivestreamResource{}, false, nil
	}
	if err != nil {
		return models.LivestreamResource{}, false, fmt.Errorf("select resource by external id: %w", err)
	}
	return resource, true, nil
}

func (r *postgresRepository) ResourceOwnedBy(ctx context.Context, userID string) (models.LivestreamResource, bool, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+resourceColumns+` FROM livestream_resources
		 WHERE owner_user_id = $1 AND status IN ($2, $3, $4)`,
		userID, string(models.StatusPendingUser), string(models.StatusLive), string(models.StatusPendingClosure))
	resource, err := scanResource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LivestreamResource{}, false, nil
	}
	if err != nil {
		return models.LivestreamResource{}, false, fmt.Errorf("select resource by owner: %w", err)
	}
	return resource, true, nil
}

func (r *postgresRepository) FirstResourceWithStatus(ctx context.Context, status models.ResourceStatus) (models.LivestreamResource, bool, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+resourceColumns+` FROM livestream_resources
		 WHERE status = $1 ORDER BY created_at, id LIMIT 1`, string(status))
	resource, err := scanResource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LivestreamResource{}, false, nil
	}
	if err != nil {
		return models.LivestreamResource{}, false, fmt.Errorf("select resource by status: %w", err)
	}
	return resource, true, nil
}

func (r *postgresRepository) CountResources(ctx context.Context, status models.ResourceStatus) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM livestream_resources WHERE status = $1`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count resources: %w", err)
	}
	return count, nil
}

// TransitionResource issues a single conditional UPDATE keyed on the expected
// status (and owner, when requested). The partial unique index on
// owner_user_id guarantees the one-active-resource-per-user invariant even
// under concurrent writers; a unique violation maps to ErrOwnerBusy.
func (r *postgresRepository) TransitionResource(ctx context.Context, id string, change ResourceTransition) (models.LivestreamResource, error) {
	query := `UPDATE livestream_resources
		 SET status = $1, updated_at = now()`
	args := []any{string(change.To)}
	if change.SetOwner != nil {
		query += fmt.Sprintf(", owner_user_id = $%d", len(args)+1)
		args = append(args, ownerParam(*change.SetOwner))
	}
	query += fmt.Sprintf(" WHERE id = $%d AND status = $%d", len(args)+1, len(args)+2)
	args = append(args, id, string(change.From))
	if change.ExpectOwner != nil {
		if *change.ExpectOwner == "" {
			query += " AND owner_user_id IS NULL"
		} else {
			query += fmt.Sprintf(" AND owner_user_id = $%d", len(args)+1)
			args = append(args, *change.ExpectOwner)
		}
	}
	query += " RETURNING " + resourceColumns

	resource, err := scanResource(r.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return resource, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isUniqueViolation(err) {
			return models.LivestreamResource{}, fmt.Errorf("user %s holds another resource: %w", derefOwner(change.SetOwner), ErrOwnerBusy)
		}
		return models.LivestreamResource{}, fmt.Errorf("transition resource: %w", err)
	}

	// No row matched the guard; re-read once to classify the refusal.
	current, ok, readErr := r.GetResource(ctx, id)
	if readErr != nil {
		return models.LivestreamResource{}, readErr
	}
	if !ok {
		return models.LivestreamResource{}, fmt.Errorf("resource %s: %w", id, ErrResourceNotFound)
	}
	if current.Status != change.From {
		return current, fmt.Errorf("resource %s is %s, expected %s: %w", id, current.Status, change.From, ErrStatusConflict)
	}
	return current, fmt.Errorf("resource %s owned by %q: %w", id, current.OwnerUserID, ErrOwnerMismatch)
}

func derefOwner(owner *string) string {
	if owner == nil {
		return ""
	}
	return *owner
}

func isUniqueViolation(err error) bool {
	// 23505 is the Postgres unique_violation class.
	return err != nil && strings.Contains(err.Error(), "23505")
}

func (r *postgresRepository) DeleteResource(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM livestream_resources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resource %s: %w", id, ErrResourceNotFound)
	}
	return nil
}

func (r *postgresRepository) SaveTimeout(ctx context.Context, trigger models.TriggerContext) error {
	if strings.TrimSpace(trigger.ResourceID) == "" {
		return fmt.Errorf("trigger resource id is required")
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO trigger_timeouts (resource_id, user_id, trigger_minute, timeout_deadline, expected_status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (resource_id) DO UPDATE
		 SET user_id = EXCLUDED.user_id,
		     trigger_minute = EXCLUDED.trigger_minute,
		     timeout_deadline = EXCLUDED.timeout_deadline,
		     expected_status = EXCLUDED.expected_status`,
		trigger.ResourceID, trigger.UserID, trigger.TriggerMinute, trigger.TimeoutDeadline, string(trigger.ExpectedStatus))
	if err != nil {
		return fmt.Errorf("upsert timeout: %w", err)
	}
	return nil
}

func (r *postgresRepository) DeleteTimeout(ctx context.Context, resourceID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM trigger_timeouts WHERE resource_id = $1`, resourceID); err != nil {
		return fmt.Errorf("delete timeout: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListTimeouts(ctx context.Context) ([]models.TriggerContext, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT resource_id, user_id, trigger_minute, timeout_deadline, expected_status
		 FROM trigger_timeouts ORDER BY timeout_deadline`)
	if err != nil {
		return nil, fmt.Errorf("list timeouts: %w", err)
	}
	defer rows.Close()

	var triggers []models.TriggerContext
	for rows.Next() {
		var trigger models.TriggerContext
		var status string
		if err := rows.Scan(&trigger.ResourceID, &trigger.UserID, &trigger.TriggerMinute, &trigger.TimeoutDeadline, &status); err != nil {
			return nil, fmt.Errorf("scan timeout: %w", err)
		}
		parsed, err := models.ParseResourceStatus(status)
		if err != nil {
			return nil, err
		}
		trigger.ExpectedStatus = parsed
		triggers = append(triggers, trigger)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeouts: %w", err)
	}
	return triggers, nil
}

var _ Repository = (*postgresRepository)(nil)
