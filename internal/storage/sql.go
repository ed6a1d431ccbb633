package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sealroom/sealroom/internal/chat"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// SQLOptions configures OpenSQL.
type SQLOptions struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	Log          *zap.Logger
}

// SQLStore is the durable Store on postgres (lib/pq) or sqlite (go-sqlite3).
type SQLStore struct {
	db     *sql.DB
	driver string
	log    *zap.Logger
}

// OpenSQL opens the database, checks connectivity and applies migrations.
func OpenSQL(ctx context.Context, opts SQLOptions) (*SQLStore, error) {
	switch opts.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	if opts.DSN == "" {
		return nil, errors.New("database dsn is required")
	}
	logger := opts.Log
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Driver, err)
	}
	if opts.Driver == DriverSQLite {
		// sqlite allows one writer; a single connection keeps transactions from tripping over each other
		db.SetMaxOpenConns(1)
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Driver, err)
	}

	s := &SQLStore{db: db, driver: opts.Driver, log: logger}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.driver == DriverSQLite {
		if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			return fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	s.log.Info("database migrated", zap.String("driver", s.driver), zap.Int("statements", len(migrations)))
	return nil
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx, driver: s.driver}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx     *sql.Tx
	driver string
}

// rebind turns ? placeholders into $n for postgres.
func (t *sqlTx) rebind(query string) string {
	if t.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forShare appends a shared row lock on postgres, so a concurrent DELETE of the rows read waits for
// this unit to commit. sqlite runs units on a single connection and needs no clause.
func (t *sqlTx) forShare(query string) string {
	if t.driver != DriverPostgres {
		return query
	}
	return query + ` FOR SHARE`
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.rebind(query), args...)
}

func (t *sqlTx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.rebind(query), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.rebind(query), args...)
}

func (t *sqlTx) CreateChat(ctx context.Context, c chat.Chat) error {
	_, err := t.exec(ctx, `INSERT INTO chats (id, name, salt, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, c.Salt, c.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("chat %s already exists: %w", c.ID, chat.ErrInvalidRequest)
	}
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

func (t *sqlTx) Chat(ctx context.Context, chatID string) (chat.Chat, error) {
	var c chat.Chat
	err := t.queryRow(ctx, `SELECT id, name, salt, created_at FROM chats WHERE id = ?`, chatID).
		Scan(&c.ID, &c.Name, &c.Salt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Chat{}, fmt.Errorf("chat %s: %w", chatID, chat.ErrNotFound)
	}
	if err != nil {
		return chat.Chat{}, fmt.Errorf("select chat: %w", err)
	}
	return c, nil
}

const (
	participantColumns = `id, chat_id, user_id, role, signing_public_key, agreement_public_key, created_at`

	selectParticipantByUser = `SELECT ` + participantColumns + ` FROM participants WHERE chat_id = ? AND user_id = ?`
	selectParticipantByID   = `SELECT ` + participantColumns + ` FROM participants WHERE id = ?`
	selectParticipants      = `SELECT ` + participantColumns + ` FROM participants WHERE chat_id = ? ORDER BY created_at, id`
)

func (t *sqlTx) InsertParticipant(ctx context.Context, p chat.Participant) error {
	if _, err := t.Chat(ctx, p.ChatID); err != nil {
		return err
	}
	_, err := t.exec(ctx, `INSERT INTO participants (`+participantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ChatID, p.UserID, string(p.Role), p.SigningPublicKey, p.AgreementPublicKey, p.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return chat.ErrAlreadyMember
	}
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (t *sqlTx) Participant(ctx context.Context, chatID, userID string) (chat.Participant, error) {
	p, err := scanParticipant(t.queryRow(ctx, t.forShare(selectParticipantByUser), chatID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Participant{}, fmt.Errorf("participant %s in chat %s: %w", userID, chatID, chat.ErrNotFound)
	}
	return p, err
}

func (t *sqlTx) ParticipantByID(ctx context.Context, participantID string) (chat.Participant, error) {
	p, err := scanParticipant(t.queryRow(ctx, t.forShare(selectParticipantByID), participantID))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Participant{}, fmt.Errorf("participant %s: %w", participantID, chat.ErrNotFound)
	}
	return p, err
}

func (t *sqlTx) Participants(ctx context.Context, chatID string) ([]chat.Participant, error) {
	rows, err := t.query(ctx, t.forShare(selectParticipants), chatID)
	if err != nil {
		return nil, fmt.Errorf("select participants: %w", err)
	}
	defer rows.Close()

	var out []chat.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *sqlTx) DeleteParticipant(ctx context.Context, chatID, userID string) error {
	res, err := t.exec(ctx, `DELETE FROM participants WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	return requireAffected(res, fmt.Sprintf("participant %s in chat %s", userID, chatID))
}

const messageColumns = `id, chat_id, sender_id, recipient_id, ephemeral_public_key, ciphertext, signature, created_at, delivered_at`

func (t *sqlTx) InsertMessage(ctx context.Context, m chat.SealedMessage) error {
	var delivered any
	if m.DeliveredAt != nil {
		delivered = m.DeliveredAt.UTC()
	}
	_, err := t.exec(ctx, `INSERT INTO sealed_messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.SenderID, m.RecipientID,
		m.Sealed.EphemeralPublicKey, m.Sealed.Ciphertext, m.Sealed.Signature,
		m.CreatedAt.UTC(), delivered)
	if isUniqueViolation(err) {
		return fmt.Errorf("message %s already exists: %w", m.ID, chat.ErrInvalidRequest)
	}
	if err != nil {
		return fmt.Errorf("insert sealed message: %w", err)
	}
	return nil
}

func (t *sqlTx) MessagesFor(ctx context.Context, recipientID string, limit int) ([]chat.SealedMessage, error) {
	rows, err := t.query(ctx, `SELECT `+messageColumns+` FROM sealed_messages
		WHERE recipient_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, recipientID, historyLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("select sealed messages: %w", err)
	}
	defer rows.Close()

	var out []chat.SealedMessage
	for rows.Next() {
		var (
			m         chat.SealedMessage
			delivered sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.RecipientID,
			&m.Sealed.EphemeralPublicKey, &m.Sealed.Ciphertext, &m.Sealed.Signature,
			&m.CreatedAt, &delivered); err != nil {
			return nil, fmt.Errorf("scan sealed message: %w", err)
		}
		if delivered.Valid {
			at := delivered.Time
			m.DeliveredAt = &at
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (t *sqlTx) MarkDelivered(ctx context.Context, messageID string, at time.Time) error {
	if _, err := t.exec(ctx, `UPDATE sealed_messages SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`, at.UTC(), messageID); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	var exists int
	err := t.queryRow(ctx, `SELECT 1 FROM sealed_messages WHERE id = ?`, messageID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", messageID, chat.ErrNotFound)
	}
	return err
}

const invitationColumns = `id, chat_id, invited_user_id, inviter_id, role, inviter_signing_public_key,
	inviter_agreement_public_key, prekey_id, prekey_public_key, prekey_signature, created_at`

func (t *sqlTx) InsertInvitation(ctx context.Context, inv chat.Invitation) error {
	if _, err := t.Chat(ctx, inv.ChatID); err != nil {
		return err
	}
	var (
		preKeyID  any
		preKeyPub []byte
		preKeySig []byte
	)
	if inv.PreKey != nil {
		preKeyID = int64(inv.PreKey.ID)
		preKeyPub = inv.PreKey.PublicKey
		preKeySig = inv.PreKey.Signature
	}
	_, err := t.exec(ctx, `INSERT INTO invitations (`+invitationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.ChatID, inv.InvitedUserID, inv.InviterID, string(inv.Role),
		inv.InviterSigningPublicKey, inv.InviterAgreementPublicKey,
		preKeyID, preKeyPub, preKeySig, inv.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("open invitation for %s: %w", inv.InvitedUserID, chat.ErrAlreadyMember)
	}
	if err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

func (t *sqlTx) Invitation(ctx context.Context, invitationID string) (chat.Invitation, error) {
	inv, err := scanInvitation(t.queryRow(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id = ?`, invitationID))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Invitation{}, fmt.Errorf("invitation %s: %w", invitationID, chat.ErrNotFound)
	}
	return inv, err
}

func (t *sqlTx) InvitationsFor(ctx context.Context, userID string) ([]chat.Invitation, error) {
	return t.selectInvitations(ctx, `invited_user_id = ?`, userID)
}

func (t *sqlTx) InvitationsFrom(ctx context.Context, inviterID string) ([]chat.Invitation, error) {
	return t.selectInvitations(ctx, `inviter_id = ?`, inviterID)
}

func (t *sqlTx) selectInvitations(ctx context.Context, where string, arg any) ([]chat.Invitation, error) {
	rows, err := t.query(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE `+where+` ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, fmt.Errorf("select invitations: %w", err)
	}
	defer rows.Close()

	var out []chat.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (t *sqlTx) DeleteInvitation(ctx context.Context, invitationID string) error {
	res, err := t.exec(ctx, `DELETE FROM invitations WHERE id = ?`, invitationID)
	if err != nil {
		return fmt.Errorf("delete invitation: %w", err)
	}
	return requireAffected(res, "invitation "+invitationID)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row scanner) (chat.Participant, error) {
	var (
		p    chat.Participant
		role string
	)
	if err := row.Scan(&p.ID, &p.ChatID, &p.UserID, &role, &p.SigningPublicKey, &p.AgreementPublicKey, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Participant{}, err
		}
		return chat.Participant{}, fmt.Errorf("scan participant: %w", err)
	}
	p.Role = chat.Role(role)
	return p, nil
}

func scanInvitation(row scanner) (chat.Invitation, error) {
	var (
		inv       chat.Invitation
		role      string
		preKeyID  sql.NullInt64
		preKeyPub []byte
		preKeySig []byte
	)
	if err := row.Scan(&inv.ID, &inv.ChatID, &inv.InvitedUserID, &inv.InviterID, &role,
		&inv.InviterSigningPublicKey, &inv.InviterAgreementPublicKey,
		&preKeyID, &preKeyPub, &preKeySig, &inv.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Invitation{}, err
		}
		return chat.Invitation{}, fmt.Errorf("scan invitation: %w", err)
	}
	inv.Role = chat.Role(role)
	if preKeyID.Valid {
		inv.PreKey = &chat.PreKey{ID: uint64(preKeyID.Int64), PublicKey: preKeyPub, Signature: preKeySig}
	}
	return inv, nil
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, chat.ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
