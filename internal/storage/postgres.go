package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/blockadesystems/certflow/internal/model"
)

// Querier defines common methods implemented by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	db *sql.DB
}

var _ Storage = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQLStorage instance and ensures
// the schema exists.
func NewPostgreSQLStorage(dbHost, dbUser, dbPassword, dbName string, dbPort int, dbSSLMode string) (*PostgreSQLStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode,
	)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err),
			zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL database",
		zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &PostgreSQLStorage{db: db}
	logger.Info("PostgreSQLStorage initialized")
	return s, nil
}

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	tableAndIndexStmts := []string{
		`CREATE TABLE IF NOT EXISTS acme_accounts ( id TEXT PRIMARY KEY, server_url TEXT NOT NULL, account_url TEXT, private_key_pem TEXT NOT NULL, public_key_jwk TEXT NOT NULL, status TEXT NOT NULL, contact TEXT[], tos_agreed BOOLEAN NOT NULL DEFAULT false, valid BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_accounts_server_url ON acme_accounts (server_url);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_accounts_status ON acme_accounts (status);`,
		`CREATE TABLE IF NOT EXISTS acme_orders ( id TEXT PRIMARY KEY, account_id TEXT NOT NULL, order_url TEXT, finalize_url TEXT, certificate_url TEXT, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE, error_message TEXT, certificate_key_pem TEXT, valid BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_account_id ON acme_orders (account_id);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_status ON acme_orders (status);`,
		`CREATE TABLE IF NOT EXISTS acme_identifiers ( id TEXT PRIMARY KEY, order_id TEXT NOT NULL, type TEXT NOT NULL DEFAULT 'dns', value TEXT NOT NULL, wildcard BOOLEAN NOT NULL DEFAULT false, valid BOOLEAN NOT NULL DEFAULT false );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_identifiers_order_id ON acme_identifiers (order_id);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_identifiers_value ON acme_identifiers (value);`,
		`CREATE TABLE IF NOT EXISTS acme_authorizations ( id TEXT PRIMARY KEY, order_id TEXT NOT NULL, identifier_id TEXT, url TEXT NOT NULL, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE, wildcard BOOLEAN NOT NULL DEFAULT false, valid BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_authorizations_order_id ON acme_authorizations (order_id);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_authorizations_status ON acme_authorizations (status);`,
		`CREATE TABLE IF NOT EXISTS acme_challenges ( id TEXT PRIMARY KEY, authorization_id TEXT NOT NULL, url TEXT NOT NULL, type TEXT NOT NULL, status TEXT NOT NULL, token TEXT, key_authorization TEXT, dns_record_name TEXT, dns_record_value TEXT, validated_at TIMESTAMP WITH TIME ZONE, error_json JSONB, valid BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_challenges_authorization_id ON acme_challenges (authorization_id);`,
		`CREATE TABLE IF NOT EXISTS certificates ( id TEXT PRIMARY KEY, order_id TEXT, status TEXT NOT NULL, certificate_pem TEXT NOT NULL, chain_pem TEXT, private_key_pem TEXT, serial_number TEXT, fingerprint TEXT, domains TEXT[], not_before TIMESTAMP WITH TIME ZONE, not_after TIMESTAMP WITH TIME ZONE, issuer TEXT, revoked_at TIMESTAMP WITH TIME ZONE, valid BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_order_id ON certificates (order_id);`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_status ON certificates (status);`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_not_after ON certificates (not_after);`,
	}

	logger.Info("Executing CREATE TABLE IF NOT EXISTS and CREATE INDEX IF NOT EXISTS statements...")
	for i, stmt := range tableAndIndexStmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.Error("Failed to execute schema statement", zap.Error(err),
				zap.Int("statement_index", i), zap.String("statement", stmt))
			return fmt.Errorf("storage: failed to initialize database schema: %w", err)
		}
	}

	fkStmt := `DO $$ BEGIN
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_orders_account_id') THEN
                ALTER TABLE acme_orders ADD CONSTRAINT fk_acme_orders_account_id FOREIGN KEY (account_id) REFERENCES acme_accounts(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_identifiers_order_id') THEN
                ALTER TABLE acme_identifiers ADD CONSTRAINT fk_acme_identifiers_order_id FOREIGN KEY (order_id) REFERENCES acme_orders(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_authorizations_order_id') THEN
                ALTER TABLE acme_authorizations ADD CONSTRAINT fk_acme_authorizations_order_id FOREIGN KEY (order_id) REFERENCES acme_orders(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_challenges_authorization_id') THEN
                ALTER TABLE acme_challenges ADD CONSTRAINT fk_acme_challenges_authorization_id FOREIGN KEY (authorization_id) REFERENCES acme_authorizations(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_certificates_order_id') THEN
                ALTER TABLE certificates ADD CONSTRAINT fk_certificates_order_id FOREIGN KEY (order_id) REFERENCES acme_orders(id) ON DELETE SET NULL;
            END IF;
        END $$;`

	if _, err := db.ExecContext(ctx, fkStmt); err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			logger.Error("Failed to add foreign key constraints", zap.Error(err),
				zap.String("code", string(pqErr.Code)), zap.String("constraint", pqErr.Constraint))
		}
		return fmt.Errorf("storage: failed to initialize database schema (foreign keys): %w", err)
	}

	logger.Info("Database schema initialization check complete.")
	return nil
}

// Close shuts down the database connection pool.
func (s *PostgreSQLStorage) Close() error {
	logger.Info("Closing database connection pool")
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func assignID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// --- Accounts ---

func (s *PostgreSQLStorage) SaveAccount(ctx context.Context, acc *model.Account) error {
	return saveAccount(ctx, s.db, acc)
}

func (s *PostgreSQLStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return accountWhere(ctx, s.db, `id = $1`, id)
}

func (s *PostgreSQLStorage) GetAccountByEmail(ctx context.Context, email, serverURL string) (*model.Account, error) {
	contact := "mailto:" + email
	if serverURL != "" {
		return accountWhere(ctx, s.db, `$1 = ANY(contact) AND server_url = $2`, contact, serverURL)
	}
	return accountWhere(ctx, s.db, `$1 = ANY(contact)`, contact)
}

func (s *PostgreSQLStorage) GetAccountsByServerURL(ctx context.Context, serverURL string) ([]*model.Account, error) {
	return accountsWhere(ctx, s.db, `server_url = $1`, serverURL)
}

func (s *PostgreSQLStorage) GetAccountsByStatus(ctx context.Context, status string) ([]*model.Account, error) {
	return accountsWhere(ctx, s.db, `status = $1`, status)
}

func saveAccount(ctx context.Context, q Querier, acc *model.Account) error {
	assignID(&acc.ID)
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.LastModifiedAt = now
	query := `
        INSERT INTO acme_accounts (id, server_url, account_url, private_key_pem, public_key_jwk, status, contact, tos_agreed, valid, created_at, last_modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (id) DO UPDATE SET
            server_url = EXCLUDED.server_url, account_url = EXCLUDED.account_url, private_key_pem = EXCLUDED.private_key_pem,
            public_key_jwk = EXCLUDED.public_key_jwk, status = EXCLUDED.status, contact = EXCLUDED.contact,
            tos_agreed = EXCLUDED.tos_agreed, valid = EXCLUDED.valid, last_modified_at = EXCLUDED.last_modified_at`
	_, err := q.ExecContext(ctx, query, acc.ID, acc.ServerURL, nullString(acc.AccountURL),
		acc.PrivateKeyPEM, acc.PublicKeyJWK, acc.Status, pq.Array(acc.Contact),
		acc.TermsOfService, acc.Valid, acc.CreatedAt, acc.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save account '%s': %w", acc.ID, err)
	}
	logger.Debug("Account saved", zap.String("accountID", acc.ID))
	return nil
}

const accountColumns = `id, server_url, account_url, private_key_pem, public_key_jwk, status, contact, tos_agreed, valid, created_at, last_modified_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*model.Account, error) {
	var acc model.Account
	var accountURL sql.NullString
	var contacts pq.StringArray
	err := row.Scan(&acc.ID, &acc.ServerURL, &accountURL, &acc.PrivateKeyPEM, &acc.PublicKeyJWK,
		&acc.Status, &contacts, &acc.TermsOfService, &acc.Valid, &acc.CreatedAt, &acc.LastModifiedAt)
	if err != nil {
		return nil, err
	}
	acc.AccountURL = accountURL.String
	acc.Contact = []string(contacts)
	return &acc, nil
}

func accountWhere(ctx context.Context, q Querier, where string, args ...interface{}) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM acme_accounts WHERE ` + where + ` LIMIT 1`
	acc, err := scanAccount(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get account: %w", err)
	}
	return acc, nil
}

func accountsWhere(ctx context.Context, q Querier, where string, args ...interface{}) ([]*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM acme_accounts WHERE ` + where + ` ORDER BY created_at`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query accounts: %w", err)
	}
	defer rows.Close()
	accounts := make([]*model.Account, 0)
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan account row: %w", err)
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating account rows: %w", err)
	}
	return accounts, nil
}

// --- Orders ---

func (s *PostgreSQLStorage) SaveOrder(ctx context.Context, order *model.Order) error {
	if err := saveOrder(ctx, s.db, order); err != nil {
		return err
	}
	for _, id := range order.Identifiers {
		id.OrderID = order.ID
		if err := saveIdentifier(ctx, s.db, id); err != nil {
			return err
		}
	}
	for _, authz := range order.Authorizations {
		authz.OrderID = order.ID
		if err := s.SaveAuthorization(ctx, authz); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgreSQLStorage) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	orders, err := ordersWhere(ctx, s.db, `id = $1`, id)
	if err != nil || len(orders) == 0 {
		return nil, err
	}
	if err := s.hydrateOrder(ctx, orders[0]); err != nil {
		return nil, err
	}
	return orders[0], nil
}

func (s *PostgreSQLStorage) GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error) {
	return ordersWhere(ctx, s.db, `account_id = $1`, accountID)
}

func (s *PostgreSQLStorage) GetOrdersByStatus(ctx context.Context, status string) ([]*model.Order, error) {
	return ordersWhere(ctx, s.db, `status = $1`, status)
}

// hydrateOrder attaches the owning account, identifiers and authorizations
// (with their challenges) to an order loaded from the database.
func (s *PostgreSQLStorage) hydrateOrder(ctx context.Context, order *model.Order) error {
	acc, err := s.GetAccount(ctx, order.AccountID)
	if err != nil {
		return err
	}
	if acc != nil {
		acc.AddOrder(order)
	}
	identifiers, err := identifiersByOrderID(ctx, s.db, order.ID)
	if err != nil {
		return err
	}
	for _, id := range identifiers {
		order.AddIdentifier(id)
	}
	authzs, err := authorizationsWhere(ctx, s.db, `order_id = $1`, order.ID)
	if err != nil {
		return err
	}
	for _, authz := range authzs {
		chs, err := challengesByAuthorizationID(ctx, s.db, authz.ID)
		if err != nil {
			return err
		}
		for _, ch := range chs {
			authz.AddChallenge(ch)
		}
		for _, id := range order.Identifiers {
			if id.ID == authz.IdentifierID {
				authz.Identifier = id
			}
		}
		order.AddAuthorization(authz)
	}
	return nil
}

func saveOrder(ctx context.Context, q Querier, order *model.Order) error {
	assignID(&order.ID)
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.LastModifiedAt = now
	if order.Account != nil && order.AccountID == "" {
		order.AccountID = order.Account.ID
	}
	query := `
        INSERT INTO acme_orders (id, account_id, order_url, finalize_url, certificate_url, status, expires_at, error_message, certificate_key_pem, valid, created_at, last_modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO UPDATE SET
            order_url = EXCLUDED.order_url, finalize_url = EXCLUDED.finalize_url, certificate_url = EXCLUDED.certificate_url,
            status = EXCLUDED.status, expires_at = EXCLUDED.expires_at, error_message = EXCLUDED.error_message,
            certificate_key_pem = EXCLUDED.certificate_key_pem, valid = EXCLUDED.valid, last_modified_at = EXCLUDED.last_modified_at`
	_, err := q.ExecContext(ctx, query, order.ID, order.AccountID, nullString(order.OrderURL),
		nullString(order.FinalizeURL), nullString(order.CertificateURL), order.Status,
		nullTime(order.Expires), nullString(order.Error), nullString(order.CertificateKeyPEM),
		order.Valid, order.CreatedAt, order.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save order '%s': %w", order.ID, err)
	}
	logger.Debug("Order saved", zap.String("orderID", order.ID), zap.String("status", order.Status))
	return nil
}

func ordersWhere(ctx context.Context, q Querier, where string, args ...interface{}) ([]*model.Order, error) {
	query := `SELECT id, account_id, order_url, finalize_url, certificate_url, status, expires_at, error_message, certificate_key_pem, valid, created_at, last_modified_at
        FROM acme_orders WHERE ` + where + ` ORDER BY created_at`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query orders: %w", err)
	}
	defer rows.Close()
	orders := make([]*model.Order, 0)
	for rows.Next() {
		var o model.Order
		var orderURL, finalizeURL, certificateURL, errorMessage, certificateKeyPEM sql.NullString
		var expires sql.NullTime
		err := rows.Scan(&o.ID, &o.AccountID, &orderURL, &finalizeURL, &certificateURL,
			&o.Status, &expires, &errorMessage, &certificateKeyPEM, &o.Valid, &o.CreatedAt, &o.LastModifiedAt)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan order row: %w", err)
		}
		o.OrderURL = orderURL.String
		o.FinalizeURL = finalizeURL.String
		o.CertificateURL = certificateURL.String
		o.Error = errorMessage.String
		o.CertificateKeyPEM = certificateKeyPEM.String
		o.Expires = expires.Time
		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating order rows: %w", err)
	}
	return orders, nil
}

// --- Identifiers ---

func saveIdentifier(ctx context.Context, q Querier, id *model.Identifier) error {
	assignID(&id.ID)
	query := `
        INSERT INTO acme_identifiers (id, order_id, type, value, wildcard, valid)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO UPDATE SET
            type = EXCLUDED.type, value = EXCLUDED.value, wildcard = EXCLUDED.wildcard, valid = EXCLUDED.valid`
	_, err := q.ExecContext(ctx, query, id.ID, id.OrderID, id.Type, id.Value, id.Wildcard, id.Valid)
	if err != nil {
		return fmt.Errorf("storage: failed to save identifier '%s': %w", id.ID, err)
	}
	return nil
}

func identifiersByOrderID(ctx context.Context, q Querier, orderID string) ([]*model.Identifier, error) {
	query := `SELECT id, order_id, type, value, wildcard, valid FROM acme_identifiers WHERE order_id = $1`
	rows, err := q.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query identifiers: %w", err)
	}
	defer rows.Close()
	identifiers := make([]*model.Identifier, 0)
	for rows.Next() {
		var id model.Identifier
		if err := rows.Scan(&id.ID, &id.OrderID, &id.Type, &id.Value, &id.Wildcard, &id.Valid); err != nil {
			return nil, fmt.Errorf("storage: failed to scan identifier row: %w", err)
		}
		identifiers = append(identifiers, &id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating identifier rows: %w", err)
	}
	return identifiers, nil
}

// --- Authorizations ---

func (s *PostgreSQLStorage) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	if err := saveAuthorization(ctx, s.db, authz); err != nil {
		return err
	}
	for _, ch := range authz.Challenges {
		ch.AuthorizationID = authz.ID
		if err := saveChallenge(ctx, s.db, ch); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgreSQLStorage) GetAuthorizationByDomain(ctx context.Context, domain string) (*model.Authorization, error) {
	query := `SELECT a.id, a.order_id, a.identifier_id, a.url, a.status, a.expires_at, a.wildcard, a.valid, a.created_at
        FROM acme_authorizations a JOIN acme_identifiers i ON a.identifier_id = i.id
        WHERE i.value = $1 ORDER BY a.created_at DESC LIMIT 1`
	authz, err := scanAuthorization(s.db.QueryRowContext(ctx, query, domain))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get authorization for domain '%s': %w", domain, err)
	}
	chs, err := challengesByAuthorizationID(ctx, s.db, authz.ID)
	if err != nil {
		return nil, err
	}
	for _, ch := range chs {
		authz.AddChallenge(ch)
	}
	return authz, nil
}

func (s *PostgreSQLStorage) GetAuthorizationsByStatus(ctx context.Context, status string) ([]*model.Authorization, error) {
	return authorizationsWhere(ctx, s.db, `status = $1`, status)
}

func (s *PostgreSQLStorage) SaveChallenge(ctx context.Context, ch *model.Challenge) error {
	return saveChallenge(ctx, s.db, ch)
}

func saveAuthorization(ctx context.Context, q Querier, authz *model.Authorization) error {
	assignID(&authz.ID)
	if authz.CreatedAt.IsZero() {
		authz.CreatedAt = time.Now()
	}
	if authz.Order != nil && authz.OrderID == "" {
		authz.OrderID = authz.Order.ID
	}
	if authz.Identifier != nil {
		authz.IdentifierID = authz.Identifier.ID
	}
	query := `
        INSERT INTO acme_authorizations (id, order_id, identifier_id, url, status, expires_at, wildcard, valid, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            identifier_id = EXCLUDED.identifier_id, url = EXCLUDED.url, status = EXCLUDED.status,
            expires_at = EXCLUDED.expires_at, wildcard = EXCLUDED.wildcard, valid = EXCLUDED.valid`
	_, err := q.ExecContext(ctx, query, authz.ID, authz.OrderID, nullString(authz.IdentifierID),
		authz.URL, authz.Status, nullTime(authz.Expires), authz.Wildcard, authz.Valid, authz.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save authorization '%s': %w", authz.ID, err)
	}
	logger.Debug("Authorization saved", zap.String("authorizationID", authz.ID), zap.String("status", authz.Status))
	return nil
}

func scanAuthorization(row interface{ Scan(...interface{}) error }) (*model.Authorization, error) {
	var a model.Authorization
	var identifierID sql.NullString
	var expires sql.NullTime
	err := row.Scan(&a.ID, &a.OrderID, &identifierID, &a.URL, &a.Status, &expires, &a.Wildcard, &a.Valid, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.IdentifierID = identifierID.String
	a.Expires = expires.Time
	return &a, nil
}

func authorizationsWhere(ctx context.Context, q Querier, where string, args ...interface{}) ([]*model.Authorization, error) {
	query := `SELECT id, order_id, identifier_id, url, status, expires_at, wildcard, valid, created_at
        FROM acme_authorizations WHERE ` + where + ` ORDER BY created_at`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query authorizations: %w", err)
	}
	defer rows.Close()
	authzs := make([]*model.Authorization, 0)
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan authorization row: %w", err)
		}
		authzs = append(authzs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating authorization rows: %w", err)
	}
	return authzs, nil
}

// --- Challenges ---

func saveChallenge(ctx context.Context, q Querier, ch *model.Challenge) error {
	assignID(&ch.ID)
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}
	if ch.Authorization != nil && ch.AuthorizationID == "" {
		ch.AuthorizationID = ch.Authorization.ID
	}
	var errorJSON interface{}
	if ch.Error != nil {
		raw, err := json.Marshal(ch.Error)
		if err != nil {
			return fmt.Errorf("storage: failed to marshal challenge error: %w", err)
		}
		errorJSON = raw
	}
	query := `
        INSERT INTO acme_challenges (id, authorization_id, url, type, status, token, key_authorization, dns_record_name, dns_record_value, validated_at, error_json, valid, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (id) DO UPDATE SET
            url = EXCLUDED.url, type = EXCLUDED.type, status = EXCLUDED.status, token = EXCLUDED.token,
            key_authorization = EXCLUDED.key_authorization, dns_record_name = EXCLUDED.dns_record_name,
            dns_record_value = EXCLUDED.dns_record_value, validated_at = EXCLUDED.validated_at,
            error_json = EXCLUDED.error_json, valid = EXCLUDED.valid`
	_, err := q.ExecContext(ctx, query, ch.ID, ch.AuthorizationID, ch.URL, ch.Type, ch.Status,
		nullString(ch.Token), nullString(ch.KeyAuthorization), nullString(ch.DNSRecordName),
		nullString(ch.DNSRecordValue), nullTime(ch.Validated), errorJSON, ch.Valid, ch.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save challenge '%s': %w", ch.ID, err)
	}
	logger.Debug("Challenge saved", zap.String("challengeID", ch.ID), zap.String("status", ch.Status))
	return nil
}

func challengesByAuthorizationID(ctx context.Context, q Querier, authzID string) ([]*model.Challenge, error) {
	query := `SELECT id, authorization_id, url, type, status, token, key_authorization, dns_record_name, dns_record_value, validated_at, error_json, valid, created_at
        FROM acme_challenges WHERE authorization_id = $1 ORDER BY created_at`
	rows, err := q.QueryContext(ctx, query, authzID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query challenges: %w", err)
	}
	defer rows.Close()
	challenges := make([]*model.Challenge, 0)
	for rows.Next() {
		var c model.Challenge
		var token, keyAuth, recordName, recordValue sql.NullString
		var validated sql.NullTime
		var errorJSON []byte
		err := rows.Scan(&c.ID, &c.AuthorizationID, &c.URL, &c.Type, &c.Status, &token, &keyAuth,
			&recordName, &recordValue, &validated, &errorJSON, &c.Valid, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan challenge row: %w", err)
		}
		c.Token = token.String
		c.KeyAuthorization = keyAuth.String
		c.DNSRecordName = recordName.String
		c.DNSRecordValue = recordValue.String
		c.Validated = validated.Time
		if len(errorJSON) > 0 {
			var problem model.ProblemDetails
			if err := json.Unmarshal(errorJSON, &problem); err == nil {
				c.Error = &problem
			}
		}
		challenges = append(challenges, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating challenge rows: %w", err)
	}
	return challenges, nil
}

// --- Certificates ---

func (s *PostgreSQLStorage) SaveCertificate(ctx context.Context, cert *model.Certificate) error {
	return saveCertificate(ctx, s.db, cert)
}

func (s *PostgreSQLStorage) GetCertificatesByDomain(ctx context.Context, domain string) ([]*model.Certificate, error) {
	return certificatesWhere(ctx, s.db, `$1 = ANY(domains)`, `created_at`, domain)
}

func (s *PostgreSQLStorage) GetCertificatesByOrderID(ctx context.Context, orderID string) ([]*model.Certificate, error) {
	return certificatesWhere(ctx, s.db, `order_id = $1`, `created_at`, orderID)
}

func (s *PostgreSQLStorage) GetCertificatesByStatus(ctx context.Context, status string) ([]*model.Certificate, error) {
	return certificatesWhere(ctx, s.db, `status = $1`, `created_at`, status)
}

func (s *PostgreSQLStorage) GetExpiringCertificates(ctx context.Context, days int) ([]*model.Certificate, error) {
	cutoff := time.Now().Add(time.Duration(days) * 24 * time.Hour)
	return certificatesWhere(ctx, s.db,
		`status IN ('valid', 'issued') AND not_after IS NOT NULL AND not_after <= $1 AND not_after >= NOW()`,
		`not_after ASC`, cutoff)
}

func (s *PostgreSQLStorage) GetValidCertificates(ctx context.Context) ([]*model.Certificate, error) {
	return certificatesWhere(ctx, s.db, `status IN ('valid', 'issued')`, `not_after ASC`)
}

func saveCertificate(ctx context.Context, q Querier, cert *model.Certificate) error {
	assignID(&cert.ID)
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = time.Now()
	}
	if cert.Order != nil && cert.OrderID == "" {
		cert.OrderID = cert.Order.ID
	}
	query := `
        INSERT INTO certificates (id, order_id, status, certificate_pem, chain_pem, private_key_pem, serial_number, fingerprint, domains, not_before, not_after, issuer, revoked_at, valid, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status, certificate_pem = EXCLUDED.certificate_pem, chain_pem = EXCLUDED.chain_pem,
            private_key_pem = EXCLUDED.private_key_pem, serial_number = EXCLUDED.serial_number,
            fingerprint = EXCLUDED.fingerprint, domains = EXCLUDED.domains, not_before = EXCLUDED.not_before,
            not_after = EXCLUDED.not_after, issuer = EXCLUDED.issuer, revoked_at = EXCLUDED.revoked_at,
            valid = EXCLUDED.valid`
	_, err := q.ExecContext(ctx, query, cert.ID, nullString(cert.OrderID), cert.Status,
		cert.CertificatePEM, nullString(cert.ChainPEM), nullString(cert.PrivateKeyPEM),
		nullString(cert.SerialNumber), nullString(cert.Fingerprint), pq.Array(cert.Domains),
		nullTime(cert.NotBefore), nullTime(cert.NotAfter), nullString(cert.Issuer),
		nullTime(cert.RevokedAt), cert.Valid, cert.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save certificate '%s': %w", cert.ID, err)
	}
	logger.Debug("Certificate saved", zap.String("certificateID", cert.ID), zap.String("serialNumber", cert.SerialNumber))
	return nil
}

func certificatesWhere(ctx context.Context, q Querier, where, orderBy string, args ...interface{}) ([]*model.Certificate, error) {
	query := `SELECT id, order_id, status, certificate_pem, chain_pem, private_key_pem, serial_number, fingerprint, domains, not_before, not_after, issuer, revoked_at, valid, created_at
        FROM certificates WHERE ` + where + ` ORDER BY ` + orderBy
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query certificates: %w", err)
	}
	defer rows.Close()
	certs := make([]*model.Certificate, 0)
	for rows.Next() {
		var c model.Certificate
		var orderID, chainPEM, keyPEM, serial, fingerprint, issuer sql.NullString
		var domains pq.StringArray
		var notBefore, notAfter, revokedAt sql.NullTime
		err := rows.Scan(&c.ID, &orderID, &c.Status, &c.CertificatePEM, &chainPEM, &keyPEM,
			&serial, &fingerprint, &domains, &notBefore, &notAfter, &issuer, &revokedAt, &c.Valid, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan certificate row: %w", err)
		}
		c.OrderID = orderID.String
		c.ChainPEM = chainPEM.String
		c.PrivateKeyPEM = keyPEM.String
		c.SerialNumber = serial.String
		c.Fingerprint = fingerprint.String
		c.Issuer = issuer.String
		c.Domains = []string(domains)
		c.NotBefore = notBefore.Time
		c.NotAfter = notAfter.Time
		c.RevokedAt = revokedAt.Time
		certs = append(certs, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating certificate rows: %w", err)
	}
	return certs, nil
}
