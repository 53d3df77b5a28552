// Package chat contains Ember's realtime chat core: the durable message store,
// room directory, connection registry, broadcast broker, WebSocket gateway,
// and the client-side session adapter.
package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ember/cmd/internal/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-room transactional advisory locks to guarantee:
//   - Strict monotonic seq allocation under concurrent senders
//   - Server timestamps non-decreasing within a room
//
// Room uniqueness per participant set is enforced by a unique index on
// participants_key; a concurrent creator that loses the insert race re-reads
// the winning row. See docs/schema.sql for the expected tables.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "ember").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "ember",
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
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// FindOrCreateRoom returns the room for the participant set, creating it if absent.
// Safe under concurrent calls: the unique participants_key index makes one
// creator win and everyone re-reads the winning row.
func (s *PostgresStore) FindOrCreateRoom(ctx context.Context, participants []string, now time.Time) (Room, bool, error) {
	if s == nil || s.pool == nil {
		return Room{}, false, errors.New("chat: nil store")
	}
	normalized, err := NormalizeParticipants(participants)
	if err != nil {
		return Room{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Room{}, false, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	key := participantsKey(normalized)
	rooms := pgIdent(s.schema, "rooms")

	id, err := ids.NewULID(now)
	if err != nil {
		return Room{}, false, err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+rooms+` (id, participants, participants_key, created_at, last_activity)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (participants_key) DO NOTHING`,
		id, normalized, key, now,
	)
	if err != nil {
		return Room{}, false, err
	}
	created := tag.RowsAffected() == 1

	var room Room
	err = s.pool.QueryRow(ctx,
		`SELECT id, participants, created_at, last_activity
		   FROM `+rooms+`
		  WHERE participants_key = $1`,
		key,
	).Scan(&room.ID, &room.Participants, &room.CreatedAt, &room.LastActivity)
	if err != nil {
		return Room{}, false, fmt.Errorf("read room after upsert: %w", err)
	}

	return room, created, nil
}

// GetRoom returns a room by id.
func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("chat: nil store")
	}
	if strings.TrimSpace(roomID) == "" {
		return Room{}, ErrInvalidRequest
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	rooms := pgIdent(s.schema, "rooms")

	var room Room
	err := s.pool.QueryRow(ctx,
		`SELECT id, participants, created_at, last_activity
		   FROM `+rooms+`
		  WHERE id = $1`,
		roomID,
	).Scan(&room.ID, &room.Participants, &room.CreatedAt, &room.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return room, nil
}

// ListRoomsFor returns the participant's rooms with their most recent message,
// ordered by last activity descending.
func (s *PostgresStore) ListRoomsFor(ctx context.Context, participant string) ([]RoomSummary, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if strings.TrimSpace(participant) == "" {
		return nil, ErrInvalidRequest
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rooms := pgIdent(s.schema, "rooms")
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.participants, r.created_at, r.last_activity,
		        m.id, m.sender, m.text, m.seq, m.server_ts
		   FROM `+rooms+` r
		   LEFT JOIN LATERAL (
		        SELECT id, sender, text, seq, server_ts
		          FROM `+messages+`
		         WHERE room_id = r.id
		         ORDER BY seq DESC
		         LIMIT 1
		   ) m ON true
		  WHERE $1 = ANY(r.participants)
		  ORDER BY r.last_activity DESC`,
		participant,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RoomSummary, 0, 16)
	for rows.Next() {
		var (
			sum    RoomSummary
			msgID  *string
			sender *string
			text   *string
			seq    *int64
			ts     *time.Time
		)
		if err := rows.Scan(
			&sum.Room.ID,
			&sum.Room.Participants,
			&sum.Room.CreatedAt,
			&sum.Room.LastActivity,
			&msgID, &sender, &text, &seq, &ts,
		); err != nil {
			return nil, err
		}
		if msgID != nil {
			sum.LastMessage = &Message{
				ID:       *msgID,
				RoomID:   sum.Room.ID,
				Sender:   *sender,
				Text:     *text,
				Seq:      *seq,
				ServerTS: *ts,
			}
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendMessage appends a message with server-assigned identity and
// monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if in.RoomID == "" || in.Sender == "" {
		return Message{}, ErrInvalidRequest
	}
	text, err := validateText(in.Text)
	if err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rooms := pgIdent(s.schema, "rooms")
	cursors := pgIdent(s.schema, "room_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per room so seq allocation is strictly monotonic
	// and timestamps never go backwards under concurrency.
	// hashtextextended reduces collision risk vs hashtext.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.RoomID); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	var participants []string
	err = tx.QueryRow(ctx,
		`SELECT participants FROM `+rooms+` WHERE id = $1`,
		in.RoomID,
	).Scan(&participants)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}

	member := false
	for _, p := range participants {
		if p == in.Sender {
			member = true
			break
		}
	}
	if !member {
		return Message{}, ErrForbidden
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (room_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (room_id) DO NOTHING`,
		in.RoomID,
	); err != nil {
		return Message{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE room_id = $1
		RETURNING (next_seq - 1)`,
		in.RoomID,
	).Scan(&seq); err != nil {
		return Message{}, err
	}

	msgID, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	// Clamp the timestamp so it never precedes the previous message in the room.
	var serverTS time.Time
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+messages+` (id, room_id, seq, sender, text, server_ts)
		 VALUES ($1, $2, $3, $4, $5,
		         GREATEST($6::timestamptz,
		                  COALESCE((SELECT max(server_ts) FROM `+messages+` WHERE room_id = $2), $6::timestamptz)))
		 RETURNING server_ts`,
		msgID, in.RoomID, seq, in.Sender, text, now,
	).Scan(&serverTS); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+rooms+` SET last_activity = $2 WHERE id = $1`,
		in.RoomID, serverTS,
	); err != nil {
		return Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	return Message{
		ID:       msgID,
		RoomID:   in.RoomID,
		Sender:   in.Sender,
		Text:     text,
		Seq:      seq,
		ServerTS: serverTS,
	}, nil
}

// History returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if s == nil || s.pool == nil {
		return HistoryResult{}, errors.New("chat: nil store")
	}
	if in.RoomID == "" {
		return HistoryResult{}, ErrInvalidRequest
	}
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)

	if in.AfterSeq == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT id, room_id, seq, sender, text, server_ts
			   FROM `+messages+`
			  WHERE room_id = $1
			  ORDER BY seq ASC
			  LIMIT $2`,
			in.RoomID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, room_id, seq, sender, text, server_ts
			   FROM `+messages+`
			  WHERE room_id = $1 AND seq > $2
			  ORDER BY seq ASC
			  LIMIT $3`,
			in.RoomID, *in.AfterSeq, fetch,
		)
	}
	if err != nil {
		return HistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Seq, &m.Sender, &m.Text, &m.ServerTS); err != nil {
			return HistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return HistoryResult{}, err
	}

	if len(msgs) == 0 {
		// Distinguish an empty room from a missing one.
		if _, err := s.GetRoom(ctx, in.RoomID); err != nil {
			return HistoryResult{}, err
		}
		return HistoryResult{}, nil
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return HistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
