package circ

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides high-level helpers around the workstation's SQLite
// database. It owns every local collection: queued transactions, the three
// cached-reference snapshots, offline sessions, and sync metadata.
type Store struct {
	db *sql.DB

	addTxStmt *sql.Stmt
}

// NewStore opens (or creates) the SQLite database at dbPath, applies schema
// migrations, and prepares common statements.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// busy_timeout keeps concurrent workstation processes from failing fast
	// on a locked database; it does not arbitrate writers.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	store := &Store{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases prepared statements and closes the DB.
func (s *Store) Close() error {
	if s.addTxStmt != nil {
		s.addTxStmt.Close()
	}
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

func applyMigrations(db *sql.DB) error {
	// WAL improves write concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
            id TEXT PRIMARY KEY,
            type TEXT NOT NULL,
            timestamp DATETIME NOT NULL,
            workstation TEXT NOT NULL,
            staff_username TEXT NOT NULL,
            item_barcode TEXT NOT NULL,
            patron_barcode TEXT NOT NULL DEFAULT '',
            due_date DATETIME,
            backdate DATETIME,
            use_count INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'pending',
            error_message TEXT NOT NULL DEFAULT '',
            session_id TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_session ON transactions(session_id);`,
		`CREATE TABLE IF NOT EXISTS blocked_patrons (
            barcode TEXT PRIMARY KEY,
            patron_id TEXT NOT NULL,
            name TEXT NOT NULL,
            reason TEXT NOT NULL,
            block_date DATETIME NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS cached_patrons (
            barcode TEXT PRIMARY KEY,
            patron_id TEXT NOT NULL,
            first_name TEXT NOT NULL,
            last_name TEXT NOT NULL,
            patron_type TEXT NOT NULL,
            home_library TEXT NOT NULL,
            active BOOLEAN NOT NULL DEFAULT 1,
            has_block BOOLEAN NOT NULL DEFAULT 0
        );`,
		`CREATE INDEX IF NOT EXISTS idx_cached_patrons_patron_id ON cached_patrons(patron_id);`,
		`CREATE TABLE IF NOT EXISTS loan_policies (
            patron_type TEXT NOT NULL,
            item_type TEXT NOT NULL,
            loan_period_days INTEGER NOT NULL,
            renewal_limit INTEGER NOT NULL,
            PRIMARY KEY (patron_type, item_type)
        );`,
		`CREATE TABLE IF NOT EXISTS offline_sessions (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            created_by TEXT NOT NULL,
            workstation TEXT NOT NULL,
            transaction_count INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'active',
            processed_at DATETIME,
            processed_by TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS sync_status (
            kind TEXT PRIMARY KEY,
            last_sync DATETIME NOT NULL,
            record_count INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS staff_credentials (
            username TEXT PRIMARY KEY,
            password_hash TEXT NOT NULL
        );`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}

	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Prepared statements
// ---------------------------------------------------------------------------

func (s *Store) prepareStatements() error {
	var err error
	s.addTxStmt, err = s.db.Prepare(`INSERT INTO transactions
        (id, type, timestamp, workstation, staff_username, item_barcode,
         patron_barcode, due_date, backdate, use_count, status, error_message, session_id)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	return err
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

// CreateTransaction inserts a new offline transaction. The caller assigns
// the id; the insert either fully applies or fails.
func (s *Store) CreateTransaction(t *OfflineTransaction) error {
	var due, back interface{}
	if t.Data.DueDate != nil {
		due = *t.Data.DueDate
	}
	if t.Data.Backdate != nil {
		back = *t.Data.Backdate
	}
	_, err := s.addTxStmt.Exec(
		t.ID, t.Type, t.Timestamp, t.Workstation, t.StaffUsername,
		t.Data.ItemBarcode, t.Data.PatronBarcode, due, back, t.Data.Count,
		t.Status, t.ErrorMessage, t.SessionID,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

const txColumns = `id, type, timestamp, workstation, staff_username, item_barcode,
    patron_barcode, due_date, backdate, use_count, status, error_message, session_id`

func scanTransaction(row interface{ Scan(...interface{}) error }) (*OfflineTransaction, error) {
	var t OfflineTransaction
	var due, back sql.NullTime
	err := row.Scan(
		&t.ID, &t.Type, &t.Timestamp, &t.Workstation, &t.StaffUsername,
		&t.Data.ItemBarcode, &t.Data.PatronBarcode, &due, &back, &t.Data.Count,
		&t.Status, &t.ErrorMessage, &t.SessionID,
	)
	if err != nil {
		return nil, err
	}
	if due.Valid {
		d := due.Time
		t.Data.DueDate = &d
	}
	if back.Valid {
		b := back.Time
		t.Data.Backdate = &b
	}
	return &t, nil
}

// GetTransaction fetches a single transaction by id.
func (s *Store) GetTransaction(id string) (*OfflineTransaction, error) {
	row := s.db.QueryRow(`SELECT `+txColumns+` FROM transactions WHERE id=?`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTransactionsByStatus returns all transactions with the given status in
// recording order (timestamp, then id for ties).
func (s *Store) GetTransactionsByStatus(status string) ([]*OfflineTransaction, error) {
	rows, err := s.db.Query(`SELECT `+txColumns+` FROM transactions WHERE status=? ORDER BY timestamp, id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OfflineTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTransactionsBySession returns all transactions grouped under a session.
func (s *Store) GetTransactionsBySession(sessionID string) ([]*OfflineTransaction, error) {
	rows, err := s.db.Query(`SELECT `+txColumns+` FROM transactions WHERE session_id=? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OfflineTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTransactionsByStatus counts transactions with the given status.
func (s *Store) CountTransactionsByStatus(status string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM transactions WHERE status=?`, status).Scan(&n)
	return n, err
}

// UpdateTransactionStatus sets a transaction's status and error message.
// Updating a non-existent id fails with ErrNotFound and leaves the store
// unchanged.
func (s *Store) UpdateTransactionStatus(id, status, errorMessage string) error {
	res, err := s.db.Exec(`UPDATE transactions SET status=?, error_message=? WHERE id=?`,
		status, errorMessage, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Cached-reference snapshots
// ---------------------------------------------------------------------------

// ReplaceBlockedPatrons replaces the entire block-list snapshot and records
// its sync status in one transaction; a reader never observes the
// collection mid-replacement.
func (s *Store) ReplaceBlockedPatrons(entries []BlockedPatron, syncedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM blocked_patrons`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO blocked_patrons(barcode,patron_id,name,reason,block_date) VALUES(?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.Exec(e.Barcode, e.PatronID, e.Name, e.Reason, e.BlockDate); err != nil {
			return err
		}
	}
	if err := upsertSyncStatus(tx, KindBlockList, syncedAt, len(entries)); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceCachedPatrons replaces the patron-directory snapshot wholesale.
func (s *Store) ReplaceCachedPatrons(entries []CachedPatron, syncedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cached_patrons`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO cached_patrons
        (barcode,patron_id,first_name,last_name,patron_type,home_library,active,has_block)
        VALUES(?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.Exec(e.Barcode, e.PatronID, e.FirstName, e.LastName,
			e.PatronType, e.HomeLibrary, e.Active, e.HasBlock); err != nil {
			return err
		}
	}
	if err := upsertSyncStatus(tx, KindPatrons, syncedAt, len(entries)); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceLoanPolicies replaces the loan-policy snapshot wholesale.
func (s *Store) ReplaceLoanPolicies(entries []LoanPolicy, syncedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM loan_policies`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO loan_policies(patron_type,item_type,loan_period_days,renewal_limit) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.Exec(e.PatronType, e.ItemType, e.LoanPeriodDays, e.RenewalLimit); err != nil {
			return err
		}
	}
	if err := upsertSyncStatus(tx, KindLoanPolicies, syncedAt, len(entries)); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertSyncStatus(tx *sql.Tx, kind string, syncedAt time.Time, count int) error {
	_, err := tx.Exec(`INSERT INTO sync_status(kind,last_sync,record_count) VALUES(?,?,?)
        ON CONFLICT(kind) DO UPDATE SET last_sync=excluded.last_sync, record_count=excluded.record_count`,
		kind, syncedAt, count)
	return err
}

// GetBlockedPatron looks up one block-list entry by patron barcode.
// Returns ErrNotFound when the patron carries no block.
func (s *Store) GetBlockedPatron(barcode string) (*BlockedPatron, error) {
	var b BlockedPatron
	err := s.db.QueryRow(`SELECT barcode,patron_id,name,reason,block_date FROM blocked_patrons WHERE barcode=?`, barcode).
		Scan(&b.Barcode, &b.PatronID, &b.Name, &b.Reason, &b.BlockDate)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("blocked patron %s: %w", barcode, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CountBlockedPatrons returns the size of the current block-list snapshot.
func (s *Store) CountBlockedPatrons() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM blocked_patrons`).Scan(&n)
	return n, err
}

// GetCachedPatron looks up one directory entry by barcode.
func (s *Store) GetCachedPatron(barcode string) (*CachedPatron, error) {
	var p CachedPatron
	err := s.db.QueryRow(`SELECT barcode,patron_id,first_name,last_name,patron_type,home_library,active,has_block
        FROM cached_patrons WHERE barcode=?`, barcode).
		Scan(&p.Barcode, &p.PatronID, &p.FirstName, &p.LastName, &p.PatronType,
			&p.HomeLibrary, &p.Active, &p.HasBlock)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cached patron %s: %w", barcode, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetLoanPolicy looks up the policy for a (patron type, item type) pair.
func (s *Store) GetLoanPolicy(patronType, itemType string) (*LoanPolicy, error) {
	var p LoanPolicy
	err := s.db.QueryRow(`SELECT patron_type,item_type,loan_period_days,renewal_limit
        FROM loan_policies WHERE patron_type=? AND item_type=?`, patronType, itemType).
		Scan(&p.PatronType, &p.ItemType, &p.LoanPeriodDays, &p.RenewalLimit)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("loan policy (%s,%s): %w", patronType, itemType, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SyncStatuses returns the last-download record for every cache kind that
// has synced at least once, keyed by kind.
func (s *Store) SyncStatuses() (map[string]SyncStatus, error) {
	rows, err := s.db.Query(`SELECT kind,last_sync,record_count FROM sync_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]SyncStatus)
	for rows.Next() {
		var st SyncStatus
		if err := rows.Scan(&st.Kind, &st.LastSync, &st.RecordCount); err != nil {
			return nil, err
		}
		out[st.Kind] = st
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Offline sessions
// ---------------------------------------------------------------------------

// CreateSession inserts a new offline session.
func (s *Store) CreateSession(sess *OfflineSession) error {
	_, err := s.db.Exec(`INSERT INTO offline_sessions(id,name,created_by,workstation,transaction_count,status)
        VALUES(?,?,?,?,?,?)`,
		sess.ID, sess.Name, sess.CreatedBy, sess.Workstation, sess.TransactionCount, sess.Status)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(id string) (*OfflineSession, error) {
	var sess OfflineSession
	var processedAt sql.NullTime
	err := s.db.QueryRow(`SELECT id,name,created_by,workstation,transaction_count,status,processed_at,processed_by
        FROM offline_sessions WHERE id=?`, id).
		Scan(&sess.ID, &sess.Name, &sess.CreatedBy, &sess.Workstation,
			&sess.TransactionCount, &sess.Status, &processedAt, &sess.ProcessedBy)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		sess.ProcessedAt = &t
	}
	return &sess, nil
}

// ListSessions returns every offline session, newest name ordering left to
// the caller; rows come back in insertion order.
func (s *Store) ListSessions() ([]*OfflineSession, error) {
	rows, err := s.db.Query(`SELECT id,name,created_by,workstation,transaction_count,status,processed_at,processed_by
        FROM offline_sessions ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OfflineSession
	for rows.Next() {
		var sess OfflineSession
		var processedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.CreatedBy, &sess.Workstation,
			&sess.TransactionCount, &sess.Status, &processedAt, &sess.ProcessedBy); err != nil {
			return nil, err
		}
		if processedAt.Valid {
			t := processedAt.Time
			sess.ProcessedAt = &t
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// UpdateSessionStatus moves a session through active -> uploaded ->
// processed. Moving to processed stamps the time and actor.
func (s *Store) UpdateSessionStatus(id, status, processedBy string) error {
	var res sql.Result
	var err error
	if status == StatusProcessed {
		res, err = s.db.Exec(`UPDATE offline_sessions SET status=?, processed_at=?, processed_by=? WHERE id=?`,
			status, time.Now(), processedBy, id)
	} else {
		res, err = s.db.Exec(`UPDATE offline_sessions SET status=? WHERE id=?`, status, id)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementSessionCount bumps a session's transaction tally by one.
func (s *Store) IncrementSessionCount(id string) error {
	res, err := s.db.Exec(`UPDATE offline_sessions SET transaction_count=transaction_count+1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Staff credentials / wipe
// ---------------------------------------------------------------------------

// UpsertStaffCredential stores a bcrypt password hash for a staff user.
func (s *Store) UpsertStaffCredential(username, passwordHash string) error {
	_, err := s.db.Exec(`INSERT INTO staff_credentials(username,password_hash) VALUES(?,?)
        ON CONFLICT(username) DO UPDATE SET password_hash=excluded.password_hash`,
		username, passwordHash)
	return err
}

// GetStaffCredential returns the stored password hash for a staff user.
func (s *Store) GetStaffCredential(username string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT password_hash FROM staff_credentials WHERE username=?`, username).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("staff user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// Wipe clears every collection owned by the store: transactions, the three
// cached snapshots, sessions, and sync metadata. Staff credentials survive
// so operators can still sign in at a freshly wiped workstation.
func (s *Store) Wipe() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{
		"transactions", "blocked_patrons", "cached_patrons",
		"loan_policies", "offline_sessions", "sync_status",
	} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("wipe %s: %w", table, err)
		}
	}
	return tx.Commit()
}
