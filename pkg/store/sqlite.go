// Package store persists connections, provider settings and renewal
// statuses in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/oetiker/go-cert-fleet-manager/pkg/common"
)

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	application_type TEXT NOT NULL,
	hostname TEXT NOT NULL,
	domain TEXT NOT NULL,
	alt_names TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL DEFAULT '',
	password TEXT NOT NULL DEFAULT '',
	ssl_provider TEXT NOT NULL DEFAULT 'acme_primary',
	dns_provider TEXT NOT NULL DEFAULT 'custom',
	custom_csr TEXT NOT NULL DEFAULT '',
	enable_ssh INTEGER NOT NULL DEFAULT 0,
	auto_restart_service INTEGER NOT NULL DEFAULT 0,
	last_cert_issued TEXT,
	cert_count_this_week INTEGER NOT NULL DEFAULT 0,
	cert_count_reset_date TEXT
);

CREATE TABLE IF NOT EXISTS settings (
	provider TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (provider, key)
);

CREATE TABLE IF NOT EXISTS renewal_statuses (
	id TEXT PRIMARY KEY,
	connection_id INTEGER NOT NULL,
	state TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	progress INTEGER NOT NULL DEFAULT 0,
	start_time TEXT NOT NULL,
	end_time TEXT,
	error TEXT NOT NULL DEFAULT '',
	logs TEXT NOT NULL DEFAULT '[]',
	manual_dns TEXT
);
`

// SQLiteStore implements common.ConfigStore backed by a local SQLite
// database file.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger.With().Str("component", "store").Logger()}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const connectionColumns = `id, name, application_type, hostname, domain, alt_names,
	username, password, ssl_provider, dns_provider, custom_csr,
	enable_ssh, auto_restart_service, last_cert_issued,
	cert_count_this_week, cert_count_reset_date`

func (s *SQLiteStore) GetConnectionByID(ctx context.Context, id int64) (*common.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)

	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, common.NewError(common.KindNotFound, "load connection",
			fmt.Sprintf("connection %d does not exist", id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading connection %d: %w", id, err)
	}
	return conn, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*common.Connection, error) {
	var (
		conn       common.Connection
		altNames   string
		appType    string
		lastIssued sql.NullString
		resetDate  sql.NullString
	)
	err := row.Scan(&conn.ID, &conn.Name, &appType, &conn.Hostname, &conn.Domain,
		&altNames, &conn.Username, &conn.Password, &conn.SSLProvider,
		&conn.DNSProvider, &conn.CustomCSR, &conn.EnableSSH,
		&conn.AutoRestartService, &lastIssued, &conn.CertCountThisWeek, &resetDate)
	if err != nil {
		return nil, err
	}
	conn.ApplicationType = common.ApplicationType(appType)
	if altNames != "" {
		conn.AltNames = strings.Split(altNames, ",")
	}
	if t, ok := parseNullTime(lastIssued); ok {
		conn.LastCertIssued = &t
	}
	if t, ok := parseNullTime(resetDate); ok {
		conn.CertCountResetDate = &t
	}
	return &conn, nil
}

func parseNullTime(v sql.NullString) (time.Time, bool) {
	if !v.Valid || v.String == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CreateConnection inserts a connection and returns its assigned id.
func (s *SQLiteStore) CreateConnection(ctx context.Context, conn *common.Connection) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (name, application_type, hostname, domain, alt_names,
			username, password, ssl_provider, dns_provider, custom_csr,
			enable_ssh, auto_restart_service)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.Name, string(conn.ApplicationType), conn.Hostname, conn.Domain,
		strings.Join(conn.AltNames, ","), conn.Username, conn.Password,
		conn.SSLProvider, conn.DNSProvider, conn.CustomCSR,
		conn.EnableSSH, conn.AutoRestartService)
	if err != nil {
		return 0, fmt.Errorf("creating connection: %w", err)
	}
	return res.LastInsertId()
}

// connectionFields maps update keys to columns. Only listed fields can
// be updated.
var connectionFields = map[string]string{
	"last_cert_issued":      "last_cert_issued",
	"cert_count_this_week":  "cert_count_this_week",
	"cert_count_reset_date": "cert_count_reset_date",
	"custom_csr":            "custom_csr",
	"password":              "password",
}

func (s *SQLiteStore) UpdateConnection(ctx context.Context, id int64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	var (
		assignments []string
		args        []any
	)
	for key, value := range fields {
		column, ok := connectionFields[key]
		if !ok {
			return fmt.Errorf("unknown connection field %q", key)
		}
		if t, ok := value.(time.Time); ok {
			value = t.UTC().Format(time.RFC3339)
		}
		assignments = append(assignments, column+" = ?")
		args = append(args, value)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET `+strings.Join(assignments, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating connection %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NewError(common.KindNotFound, "update connection",
			fmt.Sprintf("connection %d does not exist", id))
	}
	return nil
}

func (s *SQLiteStore) GetSettingsByProvider(ctx context.Context, provider string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM settings WHERE provider = ?`, provider)
	if err != nil {
		return nil, fmt.Errorf("loading settings for %s: %w", provider, err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// UpsertSetting stores one provider credential.
func (s *SQLiteStore) UpsertSetting(ctx context.Context, provider, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (provider, key, value) VALUES (?, ?, ?)
		ON CONFLICT (provider, key) DO UPDATE SET value = excluded.value`,
		provider, key, value)
	if err != nil {
		return fmt.Errorf("saving setting %s/%s: %w", provider, key, err)
	}
	return nil
}

func (s *SQLiteStore) SaveRenewalStatus(ctx context.Context, status *common.RenewalStatus) error {
	logs, err := json.Marshal(status.Logs)
	if err != nil {
		return fmt.Errorf("encoding renewal logs: %w", err)
	}
	var manualDNS sql.NullString
	if status.ManualDNS != nil {
		encoded, err := json.Marshal(status.ManualDNS)
		if err != nil {
			return fmt.Errorf("encoding manual dns entry: %w", err)
		}
		manualDNS = sql.NullString{String: string(encoded), Valid: true}
	}
	var endTime sql.NullString
	if status.EndTime != nil {
		endTime = sql.NullString{String: status.EndTime.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO renewal_statuses
			(id, connection_id, state, message, progress, start_time, end_time, error, logs, manual_dns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state, message = excluded.message,
			progress = excluded.progress, end_time = excluded.end_time,
			error = excluded.error, logs = excluded.logs,
			manual_dns = excluded.manual_dns`,
		status.ID, status.ConnectionID, string(status.State), status.Message,
		status.Progress, status.StartTime.UTC().Format(time.RFC3339),
		endTime, status.Error, string(logs), manualDNS)
	if err != nil {
		return fmt.Errorf("saving renewal status %s: %w", status.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRenewalStatus(ctx context.Context, id string) (*common.RenewalStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, connection_id, state, message, progress, start_time, end_time, error, logs, manual_dns
		FROM renewal_statuses WHERE id = ?`, id)

	status, err := scanRenewalStatus(row)
	if err == sql.ErrNoRows {
		return nil, common.NewError(common.KindNotFound, "load renewal status",
			fmt.Sprintf("renewal %s does not exist", id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading renewal status %s: %w", id, err)
	}
	return status, nil
}

func (s *SQLiteStore) ListUnfinishedRenewalStatuses(ctx context.Context) ([]*common.RenewalStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, connection_id, state, message, progress, start_time, end_time, error, logs, manual_dns
		FROM renewal_statuses WHERE state NOT IN (?, ?)`,
		string(common.StateCompleted), string(common.StateFailed))
	if err != nil {
		return nil, fmt.Errorf("listing unfinished renewals: %w", err)
	}
	defer rows.Close()

	var statuses []*common.RenewalStatus
	for rows.Next() {
		status, err := scanRenewalStatus(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, rows.Err()
}

func scanRenewalStatus(row rowScanner) (*common.RenewalStatus, error) {
	var (
		status    common.RenewalStatus
		state     string
		startTime string
		endTime   sql.NullString
		logs      string
		manualDNS sql.NullString
	)
	err := row.Scan(&status.ID, &status.ConnectionID, &state, &status.Message,
		&status.Progress, &startTime, &endTime, &status.Error, &logs, &manualDNS)
	if err != nil {
		return nil, err
	}
	status.State = common.RenewalState(state)
	if t, err := time.Parse(time.RFC3339, startTime); err == nil {
		status.StartTime = t
	}
	if t, ok := parseNullTime(endTime); ok {
		status.EndTime = &t
	}
	if err := json.Unmarshal([]byte(logs), &status.Logs); err != nil {
		return nil, fmt.Errorf("decoding renewal logs: %w", err)
	}
	if manualDNS.Valid && manualDNS.String != "" {
		var entry common.ManualDNSEntry
		if err := json.Unmarshal([]byte(manualDNS.String), &entry); err != nil {
			return nil, fmt.Errorf("decoding manual dns entry: %w", err)
		}
		status.ManualDNS = &entry
	}
	return &status, nil
}
