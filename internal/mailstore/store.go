// Package mailstore implements MailStore: durable user and mail
// storage plus credential verification, accessed through a bounded
// connection pool, per the schema sketched in SPEC_FULL.md §6. It is
// grounded on original_source's IMailDB operation set (SignUp, Login,
// InsertEmail, RetrieveEmails, DeleteEmail, DeleteUser), translated
// from C++ exceptions into Go's typed-error idiom, and backed by
// PostgreSQL via github.com/lib/pq the way themadorg-madmail's go.mod
// and original_source's Postgres-based PgMailDB both do.
package mailstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// StoredMail is one delivered message row, as returned by RetrieveMail.
type StoredMail struct {
	ID          int64
	Recipient   string
	Sender      string
	Subject     string
	Body        string
	IsReceived  bool
	SentAt      time.Time
}

// attachmentRecord is an attachment payload pending dedup-insert.
type attachmentRecord struct {
	ContentType string
	Filename    string
	Payload     []byte
}

// Config configures a new Store.
type Config struct {
	// DataSourceName is the opaque connection string passed through to
	// lib/pq; the core never parses it, per §6.
	DataSourceName string
	// Host scopes users/mail to one virtual mail host.
	Host string
	// PoolSize bounds the connection pool (default DefaultPoolSize).
	PoolSize int
	// AcquireTimeout bounds Acquire waits (default DefaultAcquireTimeout).
	AcquireTimeout time.Duration
	// WriteBehind enables the batched insert path.
	WriteBehind bool
	// QueueSize bounds the write-behind queue (default DefaultQueueSize).
	QueueSize int
	// DrainInterval is the write-behind drain period (default DefaultDrainInterval).
	DrainInterval time.Duration
	Logger        *slog.Logger
}

// Store is the MailStore capability: shared, process-lifetime, safe
// for concurrent use by many sessions.
type Store struct {
	db             *sql.DB
	pool           *pool
	wb             *writeBehind
	host           string
	hostID         int64
	acquireTimeout time.Duration
	logger         *slog.Logger
}

// Open connects to the backing store and prepares the connection pool
// and, if configured, the write-behind writer. The returned Store's
// write-behind worker (if any) must be started by calling Run, and
// stopped via Close.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("postgres", cfg.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("mailstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("mailstore: ping: %w", err)
	}

	s := &Store{
		db:     db,
		pool:   newPool(db, cfg.PoolSize),
		host:   cfg.Host,
		logger: logger,
	}

	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	s.acquireTimeout = cfg.AcquireTimeout

	hostID, err := s.ensureHost(ctx)
	if err != nil {
		return nil, fmt.Errorf("mailstore: resolve host: %w", err)
	}
	s.hostID = hostID

	if cfg.WriteBehind {
		s.wb = newWriteBehind(s, cfg.QueueSize, cfg.DrainInterval, logger)
	}

	return s, nil
}

// Run starts the write-behind drain loop, if configured. No-op otherwise.
func (s *Store) Run(ctx context.Context) {
	if s.wb != nil {
		s.wb.Start(ctx)
	}
}

// Close stops the write-behind worker (draining the queue first) and
// closes the database handle.
func (s *Store) Close() error {
	if s.wb != nil {
		s.wb.Stop()
	}
	return s.db.Close()
}

func (s *Store) acquire(ctx context.Context) (*Lease, error) {
	return s.pool.Acquire(ctx, s.acquireTimeout)
}

func (s *Store) ensureHost(ctx context.Context) (int64, error) {
	lease, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer lease.Release()

	var id int64
	err = lease.Conn().QueryRowContext(ctx,
		`SELECT host_id FROM hosts WHERE host_name = $1`, s.host).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	err = lease.Conn().QueryRowContext(ctx,
		`INSERT INTO hosts (host_name) VALUES ($1) RETURNING host_id`, s.host).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// SignUp hashes password with a memory-hard KDF and inserts (host,
// user, hash) atomically, rejecting if already present.
func (s *Store) SignUp(ctx context.Context, username, password string) error {
	exists, err := s.UserExists(ctx, username)
	if err != nil {
		return err
	}
	if exists {
		return ErrUserExists
	}

	hash, err := hashPassword(password)
	if err != nil {
		return err
	}

	lease, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	_, err = lease.Conn().ExecContext(ctx,
		`INSERT INTO users (host_id, user_name, password_hash) VALUES ($1, $2, $3)
		 ON CONFLICT (host_id, user_name) DO NOTHING`,
		s.hostID, username, hash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return nil
}

// Login verifies password against the stored hash for username.
// Identity is not retained by the Store (it is shared/process-
// lifetime); the caller's SmtpSession is responsible for recording
// the authenticated user in its own SessionContext.
func (s *Store) Login(ctx context.Context, username, password string) error {
	lease, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	var hash string
	err = lease.Conn().QueryRowContext(ctx,
		`SELECT password_hash FROM users WHERE host_id = $1 AND user_name = $2`,
		s.hostID, username).Scan(&hash)
	if err == sql.ErrNoRows {
		return ErrNoSuchUser
	}
	if err != nil {
		return err
	}

	if !verifyPassword(password, hash) {
		return ErrBadCredentials
	}
	return nil
}

// UserExists reports whether username exists, scoped to the store's host.
func (s *Store) UserExists(ctx context.Context, username string) (bool, error) {
	lease, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer lease.Release()

	var exists bool
	err = lease.Conn().QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE host_id = $1 AND user_name = $2)`,
		s.hostID, username).Scan(&exists)
	return exists, err
}

// InsertMail resolves each recipient to an internal id, dedups the
// body and attachment payloads, and inserts one row per recipient in
// a single transaction — or, when write-behind is enabled, enqueues a
// materialised record and returns immediately, failing fast with
// ErrQueueFull if the queue is saturated.
func (s *Store) InsertMail(ctx context.Context, sender string, recipients []string, subject, body string, attachments []attachmentRecord) error {
	if s.wb != nil {
		return s.wb.enqueue(pendingInsert{
			sender:      sender,
			recipients:  recipients,
			subject:     subject,
			body:        body,
			attachments: attachments,
		})
	}
	return s.insertBatch(ctx, []pendingInsert{{
		sender:      sender,
		recipients:  recipients,
		subject:     subject,
		body:        body,
		attachments: attachments,
	}})
}

// insertBatch applies one or more pending inserts in a single
// transaction; used both by the direct path (one-element batch) and
// the write-behind drain (many-element batch).
func (s *Store) insertBatch(ctx context.Context, batch []pendingInsert) error {
	lease, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	tx, err := lease.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	defer tx.Rollback()

	for _, p := range batch {
		senderID, err := s.resolveUserTx(ctx, tx, p.sender)
		if err != nil {
			return err
		}

		bodyID, err := s.resolveBodyTx(ctx, tx, p.body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailure, err)
		}

		var attachmentID sql.NullInt64
		if len(p.attachments) > 0 {
			id, err := s.resolveAttachmentTx(ctx, tx, p.attachments[0].Payload)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrWriteFailure, err)
			}
			attachmentID = sql.NullInt64{Int64: id, Valid: true}
		}

		for _, recipient := range p.recipients {
			recipientID, err := s.resolveUserTx(ctx, tx, recipient)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO email_messages (sender_id, recipient_id, subject, body_id, attachment_id)
				 VALUES ($1, $2, $3, $4, $5)`,
				senderID, recipientID, p.subject, bodyID, attachmentID)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrWriteFailure, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return nil
}

func (s *Store) resolveUserTx(ctx context.Context, tx *sql.Tx, username string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT user_id FROM users WHERE host_id = $1 AND user_name = $2`,
		s.hostID, username).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNoSuchUser
	}
	return id, err
}

func (s *Store) resolveBodyTx(ctx context.Context, tx *sql.Tx, body string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT body_id FROM mail_bodies WHERE body_content = $1`, body).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	return id, tx.QueryRowContext(ctx,
		`INSERT INTO mail_bodies (body_content) VALUES ($1)
		 ON CONFLICT (body_content) DO UPDATE SET body_content = EXCLUDED.body_content
		 RETURNING body_id`, body).Scan(&id)
}

func (s *Store) resolveAttachmentTx(ctx context.Context, tx *sql.Tx, payload []byte) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM mail_attachments WHERE attachment_data = $1`, payload).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	return id, tx.QueryRowContext(ctx,
		`INSERT INTO mail_attachments (attachment_data) VALUES ($1)
		 ON CONFLICT (attachment_data) DO UPDATE SET attachment_data = EXCLUDED.attachment_data
		 RETURNING id`, payload).Scan(&id)
}

// RetrieveMail returns mail for user, newest first, filtered to
// is_received=false unless includeReceived is set.
func (s *Store) RetrieveMail(ctx context.Context, user string, includeReceived bool) ([]StoredMail, error) {
	lease, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	query := `SELECT m.id, ru.user_name, su.user_name, m.subject, b.body_content, m.is_received, m.sent_at
		FROM email_messages m
		JOIN users ru ON ru.user_id = m.recipient_id
		JOIN users su ON su.user_id = m.sender_id
		JOIN mail_bodies b ON b.body_id = m.body_id
		WHERE ru.host_id = $1 AND ru.user_name = $2`
	args := []any{s.hostID, user}
	if !includeReceived {
		query += ` AND m.is_received = FALSE`
	}
	query += ` ORDER BY m.sent_at DESC, m.id DESC`

	rows, err := lease.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredMail
	for rows.Next() {
		var m StoredMail
		if err := rows.Scan(&m.ID, &m.Recipient, &m.Sender, &m.Subject, &m.Body, &m.IsReceived, &m.SentAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkReceived flips is_received to true for every row recipient-matching user.
func (s *Store) MarkReceived(ctx context.Context, user string) error {
	lease, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	_, err = lease.Conn().ExecContext(ctx,
		`UPDATE email_messages m SET is_received = TRUE
		 FROM users ru WHERE ru.user_id = m.recipient_id AND ru.host_id = $1 AND ru.user_name = $2`,
		s.hostID, user)
	return err
}

// DeleteMail deletes all mail recipient-matching user.
func (s *Store) DeleteMail(ctx context.Context, user string) error {
	exists, err := s.UserExists(ctx, user)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoSuchUser
	}

	lease, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	_, err = lease.Conn().ExecContext(ctx,
		`DELETE FROM email_messages m USING users ru
		 WHERE ru.user_id = m.recipient_id AND ru.host_id = $1 AND ru.user_name = $2`,
		s.hostID, user)
	return err
}

// DeleteUser authenticates user/password, then cascades to delete mail
// then the user row.
func (s *Store) DeleteUser(ctx context.Context, user, password string) error {
	if err := s.Login(ctx, user, password); err != nil {
		return err
	}
	if err := s.DeleteMail(ctx, user); err != nil && err != ErrNoSuchUser {
		return err
	}

	lease, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	_, err = lease.Conn().ExecContext(ctx,
		`DELETE FROM users WHERE host_id = $1 AND user_name = $2`, s.hostID, user)
	return err
}

// Logout is a no-op: the Store holds no per-caller identity (it is a
// shared, process-lifetime capability per §3's ownership model); the
// authenticated identity lives in the SmtpSession's SessionContext,
// which clears it directly. Retained for API parity with §4.2.
func (s *Store) Logout(context.Context) error {
	return nil
}
