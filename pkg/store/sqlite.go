package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gregpriday/go-work-manager/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL for concurrent readers, busy_timeout so writers wait instead of
	// failing with SQLITE_BUSY, immediate txlock to take the write lock at
	// transaction start.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		payload TEXT,
		metadata TEXT,
		requested_by TEXT,
		apply_attempts INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		transitioned_at DATETIME,
		applied_at DATETIME,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		holder_id TEXT NOT NULL DEFAULT '',
		lease_expires_at DATETIME,
		last_heartbeat_at DATETIME,
		input TEXT,
		result TEXT,
		assembled_result TEXT,
		parts_state TEXT,
		error TEXT,
		accepted_at DATETIME,
		created_at DATETIME NOT NULL,
		transitioned_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS parts (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		part_key TEXT NOT NULL,
		seq INTEGER NOT NULL,
		status TEXT NOT NULL,
		payload TEXT,
		evidence TEXT,
		checksum TEXT,
		submitted_by TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		item_id TEXT,
		type TEXT NOT NULL,
		actor_type TEXT,
		actor_id TEXT,
		payload TEXT,
		diff TEXT,
		message TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS idempotency_records (
		scope TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		response BLOB,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (scope, key_hash)
	);

	CREATE TABLE IF NOT EXISTS credentials (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		hash TEXT NOT NULL,
		label TEXT,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		PRIMARY KEY (kind, id)
	);

	CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state);
	CREATE INDEX IF NOT EXISTS idx_items_order ON items(order_id);
	CREATE INDEX IF NOT EXISTS idx_items_state ON items(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_parts_item ON parts(item_id, part_key, seq);
	CREATE INDEX IF NOT EXISTS idx_events_order ON events(order_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Order operations

const orderColumns = `id, type, state, priority, payload, metadata, requested_by, apply_attempts,
	created_at, transitioned_at, applied_at, completed_at`

func (s *SQLiteStore) CreateOrder(order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := marshalMap(order.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	metadata, err := marshalMap(order.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, order.ID, order.Type, string(order.State), order.Priority, payload, metadata,
		order.RequestedBy, order.ApplyAttempts, order.CreatedAt, order.TransitionedAt,
		order.AppliedAt, order.CompletedAt)
	return err
}

func (s *SQLiteStore) GetOrder(id string) (*models.Order, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return order, err
}

func (s *SQLiteStore) ListOrders(filter OrderFilter) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var clauses []string
	var args []interface{}

	if len(filter.States) > 0 {
		clauses = append(clauses, `state IN (`+placeholders(len(filter.States))+`)`)
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if filter.Type != "" {
		clauses = append(clauses, `type = ?`)
		args = append(args, filter.Type)
	}
	if filter.TransitionedBefore != nil {
		clauses = append(clauses, `transitioned_at IS NOT NULL AND transitioned_at < ?`)
		args = append(args, *filter.TransitionedBefore)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (s *SQLiteStore) ApplyOrderTransition(t OrderTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, t.OrderID)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return false, ErrOrderNotFound
	}
	if err != nil {
		return false, err
	}

	if order.State == t.To {
		return false, nil
	}
	if order.State != t.From {
		return false, ErrStateConflict
	}

	now := time.Now()
	order.State = t.To
	order.TransitionedAt = &now
	if t.Mutate != nil {
		t.Mutate(order)
	}

	payload, err := marshalMap(order.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}
	metadata, err := marshalMap(order.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE orders
		SET state = ?, priority = ?, payload = ?, metadata = ?, apply_attempts = ?,
		    transitioned_at = ?, applied_at = ?, completed_at = ?
		WHERE id = ?
	`, string(order.State), order.Priority, payload, metadata, order.ApplyAttempts,
		order.TransitionedAt, order.AppliedAt, order.CompletedAt, t.OrderID)
	if err != nil {
		return false, fmt.Errorf("update order: %w", err)
	}

	if t.Event != nil {
		if err := insertEvent(tx, t.Event); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Item operations

const itemColumns = `id, order_id, type, state, attempts, max_attempts, holder_id,
	lease_expires_at, last_heartbeat_at, input, result, assembled_result, parts_state,
	error, accepted_at, created_at, transitioned_at`

func (s *SQLiteStore) CreateItems(items []*models.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, item := range items {
		if err := insertItem(tx, item); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertItem(tx *sql.Tx, item *models.Item) error {
	input, err := marshalMap(item.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	result, err := marshalMap(item.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	assembled, err := marshalMap(item.AssembledResult)
	if err != nil {
		return fmt.Errorf("marshal assembled result: %w", err)
	}
	partsState, err := marshalJSON(item.PartsState)
	if err != nil {
		return fmt.Errorf("marshal parts state: %w", err)
	}
	itemErr, err := marshalJSON(item.Error)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.OrderID, item.Type, string(item.State), item.Attempts, item.MaxAttempts,
		item.HolderID, item.LeaseExpiresAt, item.LastHeartbeatAt, input, result, assembled,
		partsState, itemErr, item.AcceptedAt, item.CreatedAt, item.TransitionedAt)
	return err
}

func (s *SQLiteStore) GetItem(id string) (*models.Item, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	return item, err
}

func (s *SQLiteStore) ListItems(filter ItemFilter) ([]*models.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items`
	var clauses []string
	var args []interface{}

	if filter.OrderID != "" {
		clauses = append(clauses, `order_id = ?`)
		args = append(args, filter.OrderID)
	}
	if len(filter.States) > 0 {
		clauses = append(clauses, `state IN (`+placeholders(len(filter.States))+`)`)
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if filter.Type != "" {
		clauses = append(clauses, `type = ?`)
		args = append(args, filter.Type)
	}
	if filter.HolderID != "" {
		clauses = append(clauses, `holder_id = ?`)
		args = append(args, filter.HolderID)
	}
	if filter.LeaseExpiredBefore != nil {
		clauses = append(clauses, `lease_expires_at IS NOT NULL AND lease_expires_at < ?`)
		args = append(args, *filter.LeaseExpiredBefore)
	}
	if filter.TransitionedBefore != nil {
		clauses = append(clauses, `transitioned_at IS NOT NULL AND transitioned_at < ?`)
		args = append(args, *filter.TransitionedBefore)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []*models.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) ApplyItemTransition(t ItemTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, t.ItemID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return false, ErrItemNotFound
	}
	if err != nil {
		return false, err
	}

	if item.State == t.To {
		return false, nil
	}
	if item.State != t.From {
		return false, ErrStateConflict
	}
	if t.Guard != nil && !t.Guard(item) {
		return false, ErrStateConflict
	}

	now := time.Now()
	item.State = t.To
	item.TransitionedAt = &now
	if t.Mutate != nil {
		t.Mutate(item)
	}

	if err := updateItem(tx, item); err != nil {
		return false, err
	}
	if t.Event != nil {
		if err := insertEvent(tx, t.Event); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func updateItem(tx *sql.Tx, item *models.Item) error {
	input, err := marshalMap(item.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	result, err := marshalMap(item.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	assembled, err := marshalMap(item.AssembledResult)
	if err != nil {
		return fmt.Errorf("marshal assembled result: %w", err)
	}
	partsState, err := marshalJSON(item.PartsState)
	if err != nil {
		return fmt.Errorf("marshal parts state: %w", err)
	}
	itemErr, err := marshalJSON(item.Error)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE items
		SET state = ?, attempts = ?, holder_id = ?, lease_expires_at = ?, last_heartbeat_at = ?,
		    input = ?, result = ?, assembled_result = ?, parts_state = ?, error = ?,
		    accepted_at = ?, transitioned_at = ?
		WHERE id = ?
	`, string(item.State), item.Attempts, item.HolderID, item.LeaseExpiresAt,
		item.LastHeartbeatAt, input, result, assembled, partsState, itemErr,
		item.AcceptedAt, item.TransitionedAt, item.ID)
	return err
}

// Lease primitives

func (s *SQLiteStore) TryAcquireLease(itemID, holder string, expires time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE items
		SET holder_id = ?, lease_expires_at = ?, last_heartbeat_at = NULL
		WHERE id = ? AND state = ?
		  AND (holder_id = '' OR lease_expires_at IS NULL OR lease_expires_at < ?)
	`, holder, expires, itemID, string(models.ItemStateQueued), now)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	// Lost the race, or re-acquire by the current holder
	var curHolder string
	var curExpires sql.NullTime
	err = s.db.QueryRow(`SELECT holder_id, lease_expires_at FROM items WHERE id = ?`, itemID).
		Scan(&curHolder, &curExpires)
	if err == sql.ErrNoRows {
		return false, ErrItemNotFound
	}
	if err != nil {
		return false, err
	}
	return curHolder == holder && curExpires.Valid && curExpires.Time.After(now), nil
}

func (s *SQLiteStore) TryExtendLease(itemID, holder string, expires time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE items
		SET lease_expires_at = ?, last_heartbeat_at = ?
		WHERE id = ? AND holder_id = ? AND lease_expires_at IS NOT NULL AND lease_expires_at > ?
	`, expires, now, itemID, holder, now)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) ReleaseLease(itemID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE items
		SET holder_id = '', lease_expires_at = NULL, last_heartbeat_at = NULL
		WHERE id = ? AND holder_id = ?
	`, itemID, holder)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a no-op release from a missing item
		var exists int
		err = s.db.QueryRow(`SELECT 1 FROM items WHERE id = ?`, itemID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrItemNotFound
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) RecordHeartbeat(itemID, holder string, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE items
		SET lease_expires_at = ?, last_heartbeat_at = ?
		WHERE id = ? AND holder_id = ?
	`, expires, time.Now(), itemID, holder)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// Part operations

func (s *SQLiteStore) SavePart(part *models.Part, partsState map[string]models.PartStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	payload, err := marshalMap(part.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	evidence, err := marshalMap(part.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	summary, err := marshalJSON(partsState)
	if err != nil {
		return fmt.Errorf("marshal parts state: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO parts (id, item_id, part_key, seq, status, payload, evidence, checksum, submitted_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, part.ID, part.ItemID, part.PartKey, part.Seq, string(part.Status), payload, evidence,
		part.Checksum, part.SubmittedBy, part.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert part: %w", err)
	}

	res, err := tx.Exec(`UPDATE items SET parts_state = ? WHERE id = ?`, summary, part.ItemID)
	if err != nil {
		return fmt.Errorf("update parts state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrItemNotFound
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListParts(itemID string) ([]*models.Part, error) {
	rows, err := s.db.Query(`
		SELECT id, item_id, part_key, seq, status, payload, evidence, checksum, submitted_by, created_at
		FROM parts WHERE item_id = ?
		ORDER BY created_at ASC, seq ASC
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query parts: %w", err)
	}
	defer rows.Close()

	var parts []*models.Part
	for rows.Next() {
		var part models.Part
		var payload, evidence sql.NullString
		var status string
		if err := rows.Scan(&part.ID, &part.ItemID, &part.PartKey, &part.Seq, &status,
			&payload, &evidence, &part.Checksum, &part.SubmittedBy, &part.CreatedAt); err != nil {
			return nil, err
		}
		part.Status = models.PartStatus(status)
		if err := unmarshalMap(payload, &part.Payload); err != nil {
			return nil, err
		}
		if err := unmarshalMap(evidence, &part.Evidence); err != nil {
			return nil, err
		}
		parts = append(parts, &part)
	}
	return parts, rows.Err()
}

// Event operations

func (s *SQLiteStore) AppendEvent(event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvent(tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvent(tx *sql.Tx, event *models.Event) error {
	payload, err := marshalMap(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	diff, err := marshalJSON(event.Diff)
	if err != nil {
		return fmt.Errorf("marshal event diff: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO events (id, order_id, item_id, type, actor_type, actor_id, payload, diff, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.OrderID, event.ItemID, event.Type, event.ActorType, event.ActorID,
		payload, diff, event.Message, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(filter EventFilter) ([]*models.Event, error) {
	query := `
		SELECT id, order_id, item_id, type, actor_type, actor_id, payload, diff, message, created_at
		FROM events`
	var clauses []string
	var args []interface{}

	if filter.OrderID != "" {
		clauses = append(clauses, `order_id = ?`)
		args = append(args, filter.OrderID)
	}
	if filter.ItemID != "" {
		clauses = append(clauses, `item_id = ?`)
		args = append(args, filter.ItemID)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var event models.Event
		var payload, diff sql.NullString
		if err := rows.Scan(&event.ID, &event.OrderID, &event.ItemID, &event.Type,
			&event.ActorType, &event.ActorID, &payload, &diff, &event.Message,
			&event.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalMap(payload, &event.Payload); err != nil {
			return nil, err
		}
		if diff.Valid && diff.String != "" && diff.String != "null" {
			if err := json.Unmarshal([]byte(diff.String), &event.Diff); err != nil {
				return nil, fmt.Errorf("unmarshal event diff: %w", err)
			}
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// Idempotency operations

func (s *SQLiteStore) InsertIdempotencyRecord(rec *models.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO idempotency_records (scope, key_hash, fingerprint, response, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Scope, rec.KeyHash, rec.Fingerprint, rec.Response, createdAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetIdempotencyRecord(scope, keyHash string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := s.db.QueryRow(`
		SELECT scope, key_hash, fingerprint, response, created_at
		FROM idempotency_records WHERE scope = ? AND key_hash = ?
	`, scope, keyHash).Scan(&rec.Scope, &rec.KeyHash, &rec.Fingerprint, &rec.Response, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) DeleteIdempotencyRecordsBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM idempotency_records WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete idempotency records: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// Credential operations

func (s *SQLiteStore) PutCredential(cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO credentials (kind, id, hash, label, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET
			hash = excluded.hash, label = excluded.label,
			created_at = excluded.created_at, expires_at = excluded.expires_at
	`, cred.Kind, cred.ID, cred.Hash, cred.Label, cred.CreatedAt, cred.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCredential(kind models.CredentialKind, id string) (*models.Credential, error) {
	row := s.db.QueryRow(`
		SELECT kind, id, hash, label, created_at, expires_at
		FROM credentials WHERE kind = ? AND id = ?
	`, kind, id)
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrCredentialNotFound
	}
	return cred, err
}

func (s *SQLiteStore) DeleteCredential(kind models.CredentialKind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM credentials WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (s *SQLiteStore) ListCredentials(kind models.CredentialKind) ([]*models.Credential, error) {
	rows, err := s.db.Query(`
		SELECT kind, id, hash, label, created_at, expires_at
		FROM credentials WHERE kind = ?
		ORDER BY created_at ASC, id ASC
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteExpiredCredentials(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM credentials WHERE expires_at IS NOT NULL AND expires_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired credentials: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var cred models.Credential
	var label sql.NullString
	var expires sql.NullTime
	err := row.Scan(&cred.Kind, &cred.ID, &cred.Hash, &label, &cred.CreatedAt, &expires)
	if err != nil {
		return nil, err
	}
	cred.Label = label.String
	if expires.Valid {
		t := expires.Time
		cred.ExpiresAt = &t
	}
	return &cred, nil
}

// Lifecycle

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// Scan helpers

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var order models.Order
	var state string
	var payload, metadata sql.NullString
	var transitionedAt, appliedAt, completedAt sql.NullTime

	err := row.Scan(&order.ID, &order.Type, &state, &order.Priority, &payload, &metadata,
		&order.RequestedBy, &order.ApplyAttempts, &order.CreatedAt, &transitionedAt,
		&appliedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	order.State = models.OrderState(state)
	if err := unmarshalMap(payload, &order.Payload); err != nil {
		return nil, err
	}
	if err := unmarshalMap(metadata, &order.Metadata); err != nil {
		return nil, err
	}
	if transitionedAt.Valid {
		order.TransitionedAt = &transitionedAt.Time
	}
	if appliedAt.Valid {
		order.AppliedAt = &appliedAt.Time
	}
	if completedAt.Valid {
		order.CompletedAt = &completedAt.Time
	}
	return &order, nil
}

func scanItem(row rowScanner) (*models.Item, error) {
	var item models.Item
	var state string
	var input, result, assembled, partsState, itemErr sql.NullString
	var leaseExpiresAt, lastHeartbeatAt, acceptedAt, transitionedAt sql.NullTime

	err := row.Scan(&item.ID, &item.OrderID, &item.Type, &state, &item.Attempts,
		&item.MaxAttempts, &item.HolderID, &leaseExpiresAt, &lastHeartbeatAt,
		&input, &result, &assembled, &partsState, &itemErr, &acceptedAt,
		&item.CreatedAt, &transitionedAt)
	if err != nil {
		return nil, err
	}

	item.State = models.ItemState(state)
	if err := unmarshalMap(input, &item.Input); err != nil {
		return nil, err
	}
	if err := unmarshalMap(result, &item.Result); err != nil {
		return nil, err
	}
	if err := unmarshalMap(assembled, &item.AssembledResult); err != nil {
		return nil, err
	}
	if partsState.Valid && partsState.String != "" && partsState.String != "null" {
		if err := json.Unmarshal([]byte(partsState.String), &item.PartsState); err != nil {
			return nil, fmt.Errorf("unmarshal parts state: %w", err)
		}
	}
	if itemErr.Valid && itemErr.String != "" && itemErr.String != "null" {
		if err := json.Unmarshal([]byte(itemErr.String), &item.Error); err != nil {
			return nil, fmt.Errorf("unmarshal item error: %w", err)
		}
	}
	if leaseExpiresAt.Valid {
		item.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	if lastHeartbeatAt.Valid {
		item.LastHeartbeatAt = &lastHeartbeatAt.Time
	}
	if acceptedAt.Valid {
		item.AcceptedAt = &acceptedAt.Time
	}
	if transitionedAt.Valid {
		item.TransitionedAt = &transitionedAt.Time
	}
	return &item, nil
}

// JSON helpers

func marshalMap(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalMap(col sql.NullString, dst *map[string]interface{}) error {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

func marshalJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
