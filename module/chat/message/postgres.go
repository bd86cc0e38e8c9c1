package message

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	chatmodel "PPChat/module/chat/model"
	"PPChat/module/chat/room"
	"PPChat/tools/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_room (
	id              BIGSERIAL PRIMARY KEY,
	user1_id        BIGINT      NOT NULL,
	user2_id        BIGINT      NOT NULL,
	name            TEXT        NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_message_at TIMESTAMPTZ,
	CONSTRAINT chat_room_pair UNIQUE (user1_id, user2_id),
	CONSTRAINT chat_room_order CHECK (user1_id < user2_id)
);
CREATE INDEX IF NOT EXISTS chat_room_user2 ON chat_room (user2_id);

CREATE TABLE IF NOT EXISTS chat_message (
	id         BIGSERIAL PRIMARY KEY,
	room_id    BIGINT      NOT NULL REFERENCES chat_room (id),
	sender_id  BIGINT      NOT NULL,
	body       TEXT        NOT NULL CHECK (btrim(body) <> ''),
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_message_room_ts ON chat_message (room_id, created_at);
`

// pgxIface is the subset of *pgxpool.Pool the store uses.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore keeps rooms and messages in PostgreSQL. The unique pair
// constraint dedupes room creation; a row lock on the room serializes Append.
type PostgresStore struct {
	db  pgxIface
	now func() time.Time
}

// NewPostgresStore connects a pool to dsn and verifies it with a ping.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, errs.ErrUpstream.Wrap(err, "create pg pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, errs.ErrUpstream.Wrap(err, "ping postgres")
	}
	return &PostgresStore{db: pool, now: time.Now}, pool, nil
}

// Migrate creates the tables when absent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return errs.ErrUpstream.Wrap(err, "migrate chat schema")
	}
	return nil
}

func (s *PostgresStore) GetOrCreateRoom(ctx context.Context, a, b int64) (*chatmodel.ChatRoom, error) {
	name, err := room.RoomOf(a, b)
	if err != nil {
		return nil, err
	}
	lo, hi := room.Pair(a, b)
	_, err = s.db.Exec(ctx,
		`INSERT INTO chat_room (user1_id, user2_id, name) VALUES ($1, $2, $3)
		 ON CONFLICT (user1_id, user2_id) DO NOTHING`, lo, hi, name)
	if err != nil {
		return nil, errs.ErrUpstream.Wrap(err, "insert room", "room", name)
	}

	var (
		r    chatmodel.ChatRoom
		last *time.Time
	)
	err = s.db.QueryRow(ctx,
		`SELECT id, user1_id, user2_id, name, created_at, last_message_at
		 FROM chat_room WHERE user1_id = $1 AND user2_id = $2`, lo, hi).
		Scan(&r.ID, &r.User1, &r.User2, &r.Name, &r.CreatedAt, &last)
	if err != nil {
		return nil, errs.ErrUpstream.Wrap(err, "load room", "room", name)
	}
	if last != nil {
		r.LastMessageAt = last.UTC()
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func (s *PostgresStore) Append(ctx context.Context, rm *chatmodel.ChatRoom, sender int64, body string) (*chatmodel.Message, error) {
	body, err := checkAppend(rm, sender, body)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errs.ErrUpstream.Wrap(err, "begin append")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var last *time.Time
	err = tx.QueryRow(ctx, `SELECT last_message_at FROM chat_room WHERE id = $1 FOR UPDATE`, rm.ID).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownRoom.WithDetail("room=" + itoa(rm.ID))
	}
	if err != nil {
		return nil, errs.ErrUpstream.Wrap(err, "lock room", "room", rm.ID)
	}
	var prev time.Time
	if last != nil {
		prev = last.UTC()
	}

	msg := chatmodel.Message{
		RoomID:    rm.ID,
		SenderID:  sender,
		Body:      body,
		CreatedAt: nextTimestamp(s.now(), prev),
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO chat_message (room_id, sender_id, body, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		msg.RoomID, msg.SenderID, msg.Body, msg.CreatedAt).Scan(&msg.ID)
	if err != nil {
		return nil, errs.ErrUpstream.Wrap(err, "insert message", "room", rm.ID)
	}
	if _, err := tx.Exec(ctx, `UPDATE chat_room SET last_message_at = $2 WHERE id = $1`, rm.ID, msg.CreatedAt); err != nil {
		return nil, errs.ErrUpstream.Wrap(err, "bump room", "room", rm.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errs.ErrUpstream.Wrap(err, "commit append", "room", rm.ID)
	}
	return &msg, nil
}

func (s *PostgresStore) History(ctx context.Context, roomID int64, since *time.Time) ([]chatmodel.Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if since == nil {
		rows, err = s.db.Query(ctx,
			`SELECT id, room_id, sender_id, body, created_at FROM chat_message
			 WHERE room_id = $1 ORDER BY created_at, id`, roomID)
	} else {
		rows, err = s.db.Query(ctx,
			`SELECT id, room_id, sender_id, body, created_at FROM chat_message
			 WHERE room_id = $1 AND created_at > $2 ORDER BY created_at, id`, roomID, since.UTC())
	}
	if err != nil {
		return nil, errs.ErrUpstream.Wrap(err, "query history", "room", roomID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chatmodel.Message, error) {
		var m chatmodel.Message
		err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Body, &m.CreatedAt)
		m.CreatedAt = m.CreatedAt.UTC()
		return m, err
	})
	if err != nil {
		return nil, errs.ErrUpstream.Wrap(err, "scan history", "room", roomID)
	}
	if out == nil {
		out = []chatmodel.Message{}
	}
	return out, nil
}

func (s *PostgresStore) PartnersOf(ctx context.Context, user int64) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT CASE WHEN user1_id = $1 THEN user2_id ELSE user1_id END
		 FROM chat_room WHERE user1_id = $1 OR user2_id = $1`, user)
	if err != nil {
		return nil, errs.ErrUpstream.Wrap(err, "query partners", "user", user)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errs.ErrUpstream.Wrap(err, "scan partners", "user", user)
	}
	return out, nil
}
