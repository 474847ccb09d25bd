package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
)

// SQLiteStore persists history in a SQLite database so that a call survives a
// process restart. Channel registration order is the channels table rowid and
// insertion order is the messages table seq.
type SQLiteStore struct {
	// writes are serialized in-process; SQLite would otherwise answer concurrent
	// writers with SQLITE_BUSY.
	mu     sync.Mutex
	db     *sql.DB
	clock  *clock
	logger zerolog.Logger
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		clock:  newClock(nil),
		logger: logger.With().Str("component", "history.sqlite").Logger(),
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("sqlite history store ready")
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) createSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			start_time INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS channels (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			UNIQUE (session_id, channel)
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			role TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			pending INTEGER NOT NULL DEFAULT 0,
			interrupted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(session_id, channel, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn inside a transaction under the write lock.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureChannel(ctx context.Context, tx *sql.Tx, key conversation.Key) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (session_id, start_time) VALUES (?, ?)`,
		key.SessionID, s.clock.next().UnixNano(),
	); err != nil {
		return fmt.Errorf("registering session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO channels (session_id, channel) VALUES (?, ?)`,
		key.SessionID, string(key.Channel),
	); err != nil {
		return fmt.Errorf("registering channel: %w", err)
	}
	return nil
}

func (s *SQLiteStore) insert(ctx context.Context, tx *sql.Tx, key conversation.Key, msg conversation.Message) error {
	msg = s.clock.stamp(msg)

	var toolCalls sql.NullString
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encoding tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, channel, role, turn_id, content, tool_calls,
			tool_call_id, tool_name, pending, interrupted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, key.SessionID, string(key.Channel), string(msg.Role), msg.TurnID, msg.Content, toolCalls,
		msg.ToolCallID, msg.ToolName, boolToInt(msg.Pending), boolToInt(msg.Interrupted), msg.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, key conversation.Key, msg conversation.Message) (int, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	var position int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureChannel(ctx, tx, key); err != nil {
			return err
		}
		if err := s.insert(ctx, tx, key, msg); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE session_id = ? AND channel = ?`,
			key.SessionID, string(key.Channel),
		).Scan(&position)
	})
	if err != nil {
		return 0, err
	}
	return position, nil
}

// AppendMany implements Store.
func (s *SQLiteStore) AppendMany(ctx context.Context, key conversation.Key, msgs []conversation.Message) error {
	if err := validateKey(key); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureChannel(ctx, tx, key); err != nil {
			return err
		}
		for _, msg := range msgs {
			if err := s.insert(ctx, tx, key, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceAt implements Store.
func (s *SQLiteStore) ReplaceAt(ctx context.Context, key conversation.Key, position int, turnID string, msgs ...conversation.Message) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	removed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureChannel(ctx, tx, key); err != nil {
			return err
		}

		if position >= 1 {
			var (
				seq     int64
				role    string
				pending int
				turn    string
			)
			err := tx.QueryRowContext(ctx, `
				SELECT seq, role, pending, turn_id FROM messages
				WHERE session_id = ? AND channel = ?
				ORDER BY seq LIMIT 1 OFFSET ?`,
				key.SessionID, string(key.Channel), position-1,
			).Scan(&seq, &role, &pending, &turn)
			switch {
			case err == sql.ErrNoRows:
			case err != nil:
				return fmt.Errorf("locating placeholder: %w", err)
			case pending == 1 && conversation.Role(role) == conversation.RoleAssistant && turn == turnID:
				if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE seq = ?`, seq); err != nil {
					return fmt.Errorf("removing placeholder: %w", err)
				}
				removed = true
			}
		}

		for _, msg := range msgs {
			if err := s.insert(ctx, tx, key, msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// Amend implements Store.
func (s *SQLiteStore) Amend(ctx context.Context, key conversation.Key, turnID, content string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	amended := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET content = ?
			WHERE seq = (
				SELECT seq FROM messages
				WHERE session_id = ? AND channel = ? AND turn_id = ? AND role = ?
					AND pending = 0 AND tool_calls IS NULL
				ORDER BY seq DESC LIMIT 1
			)`,
			content, key.SessionID, string(key.Channel), turnID, string(conversation.RoleAssistant),
		)
		if err != nil {
			return fmt.Errorf("amending message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("amending message: %w", err)
		}
		amended = n > 0
		return nil
	})
	return amended, err
}

const messageColumns = `m.id, m.role, m.turn_id, m.content, m.tool_calls, m.tool_call_id,
	m.tool_name, m.pending, m.interrupted, m.created_at`

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key conversation.Key) ([]conversation.Message, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.session_id = ? AND m.channel = ?
		ORDER BY m.seq`,
		key.SessionID, string(key.Channel),
	)
	if err != nil {
		return nil, fmt.Errorf("querying channel history: %w", err)
	}
	return scanMessages(rows)
}

// GetCombined implements Store.
func (s *SQLiteStore) GetCombined(ctx context.Context, sessionID string) ([]conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		JOIN channels c ON c.session_id = m.session_id AND c.channel = m.channel
		WHERE m.session_id = ?
		ORDER BY m.created_at, c.id, m.seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying combined history: %w", err)
	}
	return scanMessages(rows)
}

// Session implements Store.
func (s *SQLiteStore) Session(ctx context.Context, sessionID string) (conversation.Session, bool, error) {
	var startNanos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT start_time FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&startNanos)
	if err == sql.ErrNoRows {
		return conversation.Session{}, false, nil
	}
	if err != nil {
		return conversation.Session{}, false, fmt.Errorf("querying session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT channel FROM channels WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return conversation.Session{}, false, fmt.Errorf("querying channels: %w", err)
	}
	defer rows.Close()

	sess := conversation.Session{ID: sessionID, StartTime: time.Unix(0, startNanos).UTC()}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return conversation.Session{}, false, fmt.Errorf("scanning channel: %w", err)
		}
		sess.Channels = append(sess.Channels, conversation.ChannelTag(tag))
	}
	if err := rows.Err(); err != nil {
		return conversation.Session{}, false, err
	}
	return sess, true, nil
}

func scanMessages(rows *sql.Rows) ([]conversation.Message, error) {
	defer rows.Close()

	out := make([]conversation.Message, 0, 16)
	for rows.Next() {
		var (
			msg         conversation.Message
			role        string
			toolCalls   sql.NullString
			pending     int
			interrupted int
			createdAt   int64
		)
		if err := rows.Scan(&msg.ID, &role, &msg.TurnID, &msg.Content, &toolCalls, &msg.ToolCallID,
			&msg.ToolName, &pending, &interrupted, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Role = conversation.Role(role)
		msg.Pending = pending == 1
		msg.Interrupted = interrupted == 1
		msg.Timestamp = time.Unix(0, createdAt).UTC()
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decoding tool calls: %w", err)
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
