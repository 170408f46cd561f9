package db

import (
	"database/sql"
	"errors"
	"time"

	"chatrelay/models"
	"chatrelay/protocol"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNoRows       = errors.New("no rows found")
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			public_key TEXT NOT NULL DEFAULT '',
			last_login TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS login_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT NOT NULL REFERENCES users(login) ON DELETE CASCADE,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL REFERENCES users(login) ON DELETE CASCADE,
			contact TEXT NOT NULL REFERENCES users(login) ON DELETE CASCADE,
			UNIQUE(owner, contact)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_login_history_login ON login_history(login)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// User methods

// CreateUser stores the derived password hash, never the password.
func (db *DB) CreateUser(login, password string) error {
	exists, err := db.UserExists(login)
	if err != nil {
		return err
	}
	if exists {
		return ErrUserExists
	}
	_, err = db.conn.Exec(
		"INSERT INTO users (login, password_hash) VALUES (?, ?)",
		login, protocol.PasswordHash(login, password),
	)
	return err
}

func (db *DB) DeleteUser(login string) error {
	result, err := db.conn.Exec("DELETE FROM users WHERE login = ?", login)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrUserNotFound)
}

func (db *DB) UserExists(login string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE login = ?", login).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) PasswordHash(login string) (string, error) {
	var hash string
	err := db.conn.QueryRow("SELECT password_hash FROM users WHERE login = ?", login).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	return hash, err
}

// PublicKey returns the key the user presented at their last login, or "" if none.
func (db *DB) PublicKey(login string) (string, error) {
	var key string
	err := db.conn.QueryRow("SELECT public_key FROM users WHERE login = ?", login).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	return key, err
}

// RecordLogin updates the user's last login and public key and appends to the
// login history.
func (db *DB) RecordLogin(login, ip string, port int, publicKey string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"UPDATE users SET last_login = ?, public_key = ? WHERE login = ?",
		now, publicKey, login,
	)
	if err != nil {
		return err
	}
	if err := expectAffected(result, ErrUserNotFound); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO login_history (login, ip, port, timestamp) VALUES (?, ?, ?, ?)",
		login, ip, port, now,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *DB) Users() ([]models.User, error) {
	rows, err := db.conn.Query("SELECT id, login, public_key, last_login FROM users ORDER BY login")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var lastLogin string
		if err := rows.Scan(&u.ID, &u.Login, &u.PublicKey, &lastLogin); err != nil {
			return nil, err
		}
		if lastLogin != "" {
			u.LastLogin, _ = time.Parse(time.RFC3339, lastLogin)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (db *DB) LoginHistory(login string) ([]models.LoginRecord, error) {
	rows, err := db.conn.Query(
		"SELECT login, ip, port, timestamp FROM login_history WHERE login = ? ORDER BY id",
		login,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.LoginRecord
	for rows.Next() {
		var r models.LoginRecord
		var ts string
		if err := rows.Scan(&r.Login, &r.IP, &r.Port, &ts); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339, ts)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Contact methods

func (db *DB) GetContacts(owner string) ([]string, error) {
	rows, err := db.conn.Query("SELECT contact FROM contacts WHERE owner = ? ORDER BY contact", owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// AddContact is idempotent; the contact must be a known account.
func (db *DB) AddContact(owner, contact string) error {
	exists, err := db.UserExists(contact)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}
	_, err = db.conn.Exec("INSERT OR IGNORE INTO contacts (owner, contact) VALUES (?, ?)", owner, contact)
	return err
}

func (db *DB) DeleteContact(owner, contact string) error {
	result, err := db.conn.Exec("DELETE FROM contacts WHERE owner = ? AND contact = ?", owner, contact)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrNoRows)
}

// Message methods

func (db *DB) SaveMessage(sender, recipient, text string, timestamp time.Time) error {
	_, err := db.conn.Exec(
		"INSERT INTO messages (sender, recipient, text, timestamp) VALUES (?, ?, ?, ?)",
		sender, recipient, text, timestamp.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetMessages returns the latest limit messages between owner and contact, oldest first.
func (db *DB) GetMessages(owner, contact string, limit int) ([]models.Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, sender, recipient, text, timestamp FROM (
			SELECT id, sender, recipient, text, timestamp
			FROM messages
			WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`,
		owner, contact, contact, owner, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var ts string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Text, &ts); err != nil {
			return nil, err
		}
		m.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Stats returns per-user sent and received counts for every account.
func (db *DB) Stats() ([]models.UserStats, error) {
	rows, err := db.conn.Query(`
		SELECT u.login,
			(SELECT COUNT(*) FROM messages WHERE sender = u.login),
			(SELECT COUNT(*) FROM messages WHERE recipient = u.login)
		FROM users u
		ORDER BY u.login`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []models.UserStats
	for rows.Next() {
		var s models.UserStats
		if err := rows.Scan(&s.Login, &s.Sent, &s.Received); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func expectAffected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
