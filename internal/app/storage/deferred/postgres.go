package deferred

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/R3E-Network/service_layer/internal/app/domain/deferdel"
)

// PostgresStore persists deferred deletion items in a single
// deferred_deletion_items table, keyed by (group_name, service_uuid, vmid),
// following the flat-table, raw-SQL, $N-placeholder idiom used by this
// codebase's other Postgres-backed stores.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened *sql.DB (see
// internal/platform/database.Open).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) AcquireBatch(ctx context.Context, group deferdel.Group, now time.Time, maxRetryableRetries, maxBatch int, resolvable func(serviceUUID string) bool) ([]*deferdel.DeletionInfo, []Dropped, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin acquire batch: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT vmid, service_uuid, created, next_check, fatal_retries, total_retries, retries
		FROM deferred_deletion_items
		WHERE group_name = $1
		ORDER BY next_check ASC
		FOR UPDATE SKIP LOCKED
	`, string(group))
	if err != nil {
		return nil, nil, fmt.Errorf("select batch: %w", err)
	}

	var items []*deferdel.DeletionInfo
	for rows.Next() {
		var item deferdel.DeletionInfo
		item.ServiceUUID = ""
		if err := rows.Scan(&item.VMID, &item.ServiceUUID, &item.Created, &item.NextCheck,
			&item.FatalRetries, &item.TotalRetries, &item.Retries); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, err
	}
	rows.Close()

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].NextCheck.Before(items[j].NextCheck)
	})

	batch, dropped, remove := SelectBatch(items, now, maxRetryableRetries, maxBatch, resolvable)
	for _, key := range remove {
		serviceUUID, vmid := splitKey(key)
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM deferred_deletion_items WHERE group_name = $1 AND service_uuid = $2 AND vmid = $3`,
			string(group), serviceUUID, vmid); err != nil {
			return nil, nil, fmt.Errorf("remove item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit acquire batch: %w", err)
	}
	return batch, dropped, nil
}

func (p *PostgresStore) Put(ctx context.Context, group deferdel.Group, item *deferdel.DeletionInfo) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deferred_deletion_items
			(group_name, service_uuid, vmid, created, next_check, fatal_retries, total_retries, retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (group_name, service_uuid, vmid) DO UPDATE SET
			created = EXCLUDED.created,
			next_check = EXCLUDED.next_check,
			fatal_retries = EXCLUDED.fatal_retries,
			total_retries = EXCLUDED.total_retries,
			retries = EXCLUDED.retries
	`, string(group), item.ServiceUUID, item.VMID, item.Created, item.NextCheck,
		item.FatalRetries, item.TotalRetries, item.Retries)
	if err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

func (p *PostgresStore) Remove(ctx context.Context, group deferdel.Group, key string) error {
	serviceUUID, vmid := splitKey(key)
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM deferred_deletion_items WHERE group_name = $1 AND service_uuid = $2 AND vmid = $3`,
		string(group), serviceUUID, vmid)
	if err != nil {
		return fmt.Errorf("remove item: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, group deferdel.Group) ([]*deferdel.DeletionInfo, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT vmid, service_uuid, created, next_check, fatal_retries, total_retries, retries
		FROM deferred_deletion_items
		WHERE group_name = $1
	`, string(group))
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []*deferdel.DeletionInfo
	for rows.Next() {
		var item deferdel.DeletionInfo
		if err := rows.Scan(&item.VMID, &item.ServiceUUID, &item.Created, &item.NextCheck,
			&item.FatalRetries, &item.TotalRetries, &item.Retries); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

func (p *PostgresStore) Count(ctx context.Context, group deferdel.Group) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM deferred_deletion_items WHERE group_name = $1`, string(group)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return count, nil
}

func (p *PostgresStore) Close(ctx context.Context) error {
	return p.db.Close()
}

// splitKey reverses deferdel.Key, splitting "{service_uuid}_{vmid}" back
// into its parts. It relies on service_uuid being a UUID (no underscores),
// so it splits on the first underscore only.
func splitKey(key string) (serviceUUID, vmid string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '_' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
