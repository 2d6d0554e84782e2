package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"prism/cmd/internal/ids"
)

const (
	// pgNotifyChannel carries collection names of committed mutations so
	// every connected instance re-evaluates its subscriptions.
	pgNotifyChannel = "prism_documents"

	pgListenRetryDelay = 2 * time.Second
)

// PostgresStore keeps documents as JSONB rows and pushes change events over
// LISTEN/NOTIFY.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() only stops the listener goroutine.
//
// Consistency model:
// - Row-level locks serialize writers per document, so a Mutate batch is
//   atomic with respect to subscribers (server-arbitrated last-writer-wins).
type PostgresStore struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	schema string

	notifier *notifier

	listenCancel context.CancelFunc
	listenDone   chan struct{}
	closeOnce    sync.Once
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "prism").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store and starts its
// change-event listener.
func NewPostgresStore(log *slog.Logger, pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	if log == nil {
		log = slog.Default()
	}
	st := &PostgresStore{
		log:        log,
		pool:       pool,
		schema:     "prism",
		notifier:   newNotifier(log, "postgres"),
		listenDone: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}

	ctx, cancel := context.WithCancel(context.Background())
	st.listenCancel = cancel
	go st.runListener(ctx)

	return st, nil
}

// EnsureSchema creates the documents table if it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	docs := pgIdent(s.schema, "documents")

	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return transportErr("store.postgres.ensure_schema", err)
	}
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+docs+` (
			collection text NOT NULL,
			id         text NOT NULL,
			doc        jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		)`)
	return transportErr("store.postgres.ensure_schema", err)
}

// Close stops the listener goroutine. The pool is owned by the caller.
func (s *PostgresStore) Close() error {
	s.closeOnce.Do(func() {
		s.listenCancel()
	})
	return nil
}

// Subscribe registers a live snapshot listener.
func (s *PostgresStore) Subscribe(ctx context.Context, q Query, fn SnapshotFunc) (Unsubscribe, error) {
	return s.notifier.subscribe(ctx, q, fn, s.fetch)
}

// Get returns the document at id or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if collection == "" || id == "" {
		return nil, ErrInvalidInput
	}

	docs := pgIdent(s.schema, "documents")

	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM `+docs+` WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transportErr("store.postgres.get", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, transportErr("store.postgres.get", err)
	}
	return doc, nil
}

// Upsert merges fields into the document at id, creating it if absent.
func (s *PostgresStore) Upsert(ctx context.Context, collection, id string, fields Document) error {
	if collection == "" || id == "" {
		return ErrInvalidInput
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		docs := pgIdent(s.schema, "documents")

		doc := Document{"id": id}
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT doc FROM `+docs+` WHERE collection = $1 AND id = $2 FOR UPDATE`,
			collection, id,
		).Scan(&raw)
		switch {
		case err == nil:
			if err := json.Unmarshal(raw, &doc); err != nil {
				return err
			}
		case errors.Is(err, pgx.ErrNoRows):
			// First write for this id.
		default:
			return err
		}

		merged, err := json.Marshal(mergeDocument(doc, fields))
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO `+docs+` (collection, id, doc) VALUES ($1, $2, $3)
			 ON CONFLICT (collection, id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
			collection, id, merged,
		); err != nil {
			return err
		}
		return notifyTx(ctx, tx, collection)
	})
	if err != nil {
		return transportErr("store.postgres.upsert", err)
	}

	metricMutations.WithLabelValues("postgres", "upsert").Inc()
	s.notifier.broadcast(ctx, collection, s.fetch)
	return nil
}

// Insert creates a new document with a generated id.
func (s *PostgresStore) Insert(ctx context.Context, collection string, fields Document) (string, error) {
	if collection == "" {
		return "", ErrInvalidInput
	}

	id, err := ids.NewULID(time.Now())
	if err != nil {
		return "", err
	}

	doc := fields.Clone()
	if doc == nil {
		doc = Document{}
	}
	doc["id"] = id

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", transportErr("store.postgres.insert", err)
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		docs := pgIdent(s.schema, "documents")
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+docs+` (collection, id, doc) VALUES ($1, $2, $3)`,
			collection, id, raw,
		); err != nil {
			return err
		}
		return notifyTx(ctx, tx, collection)
	})
	if err != nil {
		return "", transportErr("store.postgres.insert", err)
	}

	metricMutations.WithLabelValues("postgres", "insert").Inc()
	s.notifier.broadcast(ctx, collection, s.fetch)
	return id, nil
}

// Mutate applies ops to the document at id. Missing ids surface ErrNotFound.
func (s *PostgresStore) Mutate(ctx context.Context, collection, id string, ops []Update) error {
	if collection == "" || id == "" || len(ops) == 0 {
		return ErrInvalidInput
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		docs := pgIdent(s.schema, "documents")

		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT doc FROM `+docs+` WHERE collection = $1 AND id = $2 FOR UPDATE`,
			collection, id,
		).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		applyUpdates(doc, ops)

		updated, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE `+docs+` SET doc = $3, updated_at = now() WHERE collection = $1 AND id = $2`,
			collection, id, updated,
		); err != nil {
			return err
		}
		return notifyTx(ctx, tx, collection)
	})
	if err != nil {
		return transportErr("store.postgres.mutate", err)
	}

	metricMutations.WithLabelValues("postgres", "mutate").Inc()
	s.notifier.broadcast(ctx, collection, s.fetch)
	return nil
}

// Remove deletes the document at id. Missing ids surface ErrNotFound.
func (s *PostgresStore) Remove(ctx context.Context, collection, id string) error {
	if collection == "" || id == "" {
		return ErrInvalidInput
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		docs := pgIdent(s.schema, "documents")

		tag, err := tx.Exec(ctx,
			`DELETE FROM `+docs+` WHERE collection = $1 AND id = $2`,
			collection, id,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return notifyTx(ctx, tx, collection)
	})
	if err != nil {
		return transportErr("store.postgres.remove", err)
	}

	metricMutations.WithLabelValues("postgres", "remove").Inc()
	s.notifier.broadcast(ctx, collection, s.fetch)
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if s == nil || s.pool == nil {
		return errors.New("store: nil postgres store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func notifyTx(ctx context.Context, tx pgx.Tx, collection string) error {
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, pgNotifyChannel, collection)
	return err
}

func (s *PostgresStore) fetch(ctx context.Context, q Query) ([]Document, error) {
	docsTable := pgIdent(s.schema, "documents")

	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM `+docsTable+` WHERE collection = $1`,
		q.Collection,
	)
	if err != nil {
		return nil, transportErr("store.postgres.fetch", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, transportErr("store.postgres.fetch", err)
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, transportErr("store.postgres.fetch", err)
		}
		if matches(doc, q.Filters) {
			docs = append(docs, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, transportErr("store.postgres.fetch", err)
	}

	// Filtering and ordering happen here, with the same comparator as every
	// other adapter, so all backends deliver identical snapshot order.
	sortDocuments(docs, q.OrderBy, q.Descending)
	return docs, nil
}

// runListener holds a dedicated connection on LISTEN and re-evaluates
// subscriptions for every committed mutation, including those performed by
// other instances sharing the database.
func (s *PostgresStore) runListener(ctx context.Context) {
	defer close(s.listenDone)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.listenOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("store.postgres.listen.fail", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pgListenRetryDelay):
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{pgNotifyChannel}.Sanitize()); err != nil {
		return err
	}

	for {
		note, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if note.Payload == "" {
			continue
		}
		s.notifier.broadcast(ctx, note.Payload, s.fetch)
	}
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
