package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ltv-alert/internal/core"

	"github.com/go-sql-driver/mysql"
)

const (
	addressTable      = "watched_address"
	subscriptionTable = "subscription"
	operatorTable     = "operator"

	mysqlErrDuplicateEntry  = 1062
	mysqlErrRowIsReferenced = 1451
	mysqlErrNoReferencedRow = 1452
)

// utf8mb4_bin keeps account address and label comparisons case-sensitive
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ` + addressTable + ` (
		id CHAR(36) NOT NULL PRIMARY KEY,
		account_address VARCHAR(128) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		UNIQUE KEY uniq_account_address (account_address)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`,
	`CREATE TABLE IF NOT EXISTS ` + subscriptionTable + ` (
		id CHAR(36) NOT NULL PRIMARY KEY,
		watched_address_id CHAR(36) NOT NULL,
		protocol VARCHAR(32) NOT NULL,
		alert_threshold DOUBLE NULL,
		subscriber_id VARCHAR(64) NOT NULL,
		subscriber_label VARCHAR(128) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uniq_sub_triple (watched_address_id, protocol, subscriber_id),
		KEY idx_sub_protocol (protocol),
		KEY idx_sub_subscriber (subscriber_id),
		KEY idx_sub_label (subscriber_label),
		CONSTRAINT fk_sub_address FOREIGN KEY (watched_address_id) REFERENCES `+addressTable+` (id) ON DELETE RESTRICT
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`,
	`CREATE TABLE IF NOT EXISTS ` + operatorTable + ` (
		id CHAR(36) NOT NULL PRIMARY KEY,
		label VARCHAR(128) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		UNIQUE KEY uniq_operator_label (label)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`,
}

const viewColumns = `s.id, s.watched_address_id, s.protocol, s.alert_threshold, s.subscriber_id, s.subscriber_label, s.created_at, s.updated_at, a.id, a.account_address, a.created_at`

// MySQLStore is the Store backed by MySQL
type MySQLStore struct {
	db        *sql.DB
	validator core.AddressValidator
}

// NewMySQLStore opens the database and pings it. parseTime is forced on so DATETIME columns scan into time.Time.
func NewMySQLStore(dsn string, validator core.AddressValidator) (*MySQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("MySQL DSN is required")
	}

	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql ping: %w: %w", core.ErrStoreUnavailable, err)
	}

	return newMySQLStore(db, validator), nil
}

func newMySQLStore(db *sql.DB, validator core.AddressValidator) *MySQLStore {
	return &MySQLStore{db: db, validator: validator}
}

// Migrate creates the tables and unique indexes if they do not exist
func (s *MySQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) FindOrCreateAddress(ctx context.Context, accountAddress string) (core.WatchedAddress, error) {
	if err := s.validator.ValidateAddress(accountAddress); err != nil {
		return core.WatchedAddress{}, err
	}

	addr, err := s.GetAddress(ctx, accountAddress)
	if err == nil {
		return addr, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return core.WatchedAddress{}, err
	}

	addr = core.WatchedAddress{
		ID:             core.NewID(),
		AccountAddress: accountAddress,
		CreatedAt:      time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+addressTable+` (id, account_address, created_at) VALUES (?, ?, ?)`,
		addr.ID, addr.AccountAddress, addr.CreatedAt)
	if isDuplicateKey(err) {
		// lost a race with a concurrent insert, the winner's row is authoritative
		return s.GetAddress(ctx, accountAddress)
	}
	if err != nil {
		return core.WatchedAddress{}, storeErr("insert address", err)
	}
	return addr, nil
}

func (s *MySQLStore) GetAddress(ctx context.Context, accountAddress string) (core.WatchedAddress, error) {
	var addr core.WatchedAddress
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_address, created_at FROM `+addressTable+` WHERE account_address = ?`,
		accountAddress).Scan(&addr.ID, &addr.AccountAddress, &addr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.WatchedAddress{}, fmt.Errorf("address %s: %w", accountAddress, core.ErrNotFound)
	}
	if err != nil {
		return core.WatchedAddress{}, storeErr("get address", err)
	}
	return addr, nil
}

func (s *MySQLStore) DeleteAddress(ctx context.Context, id string) (bool, error) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+subscriptionTable+` WHERE watched_address_id = ?`, id); err != nil {
		return false, storeErr("delete address subscriptions", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+addressTable+` WHERE id = ?`, id)
	if err != nil {
		return false, storeErr("delete address", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("delete address", err)
	}
	return n > 0, nil
}

func (s *MySQLStore) UpsertSubscription(ctx context.Context, sub core.Subscription) (UpsertOutcome, error) {
	if err := core.ValidateThreshold(sub.AlertThreshold); err != nil {
		return UpsertOutcome{}, err
	}

	// one retry covers a concurrent insert of the same triple
	for attempt := 0; attempt < 2; attempt++ {
		existing, found, err := s.findSubscription(ctx, sub.WatchedAddressID, sub.Protocol, sub.SubscriberID)
		if err != nil {
			return UpsertOutcome{}, err
		}

		if found {
			if core.SameThreshold(existing.AlertThreshold, sub.AlertThreshold) {
				return UpsertOutcome{Subscription: existing, Result: core.UpsertUnchanged, Previous: existing.AlertThreshold}, nil
			}
			previous := existing.AlertThreshold
			existing.AlertThreshold = sub.AlertThreshold
			existing.UpdatedAt = time.Now().UTC()
			if _, err := s.db.ExecContext(ctx,
				`UPDATE `+subscriptionTable+` SET alert_threshold = ?, updated_at = ? WHERE id = ?`,
				nullFloat(existing.AlertThreshold), existing.UpdatedAt, existing.ID); err != nil {
				return UpsertOutcome{}, storeErr("update subscription", err)
			}
			return UpsertOutcome{Subscription: existing, Result: core.UpsertUpdated, Previous: previous}, nil
		}

		now := time.Now().UTC()
		sub.ID = core.NewID()
		sub.CreatedAt = now
		sub.UpdatedAt = now
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO `+subscriptionTable+` (id, watched_address_id, protocol, alert_threshold, subscriber_id, subscriber_label, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sub.ID, sub.WatchedAddressID, sub.Protocol, nullFloat(sub.AlertThreshold), sub.SubscriberID, sub.SubscriberLabel, sub.CreatedAt, sub.UpdatedAt)
		if isDuplicateKey(err) {
			continue
		}
		if isMySQLError(err, mysqlErrNoReferencedRow) {
			// the address was removed as an orphan after the caller resolved it
			return UpsertOutcome{}, fmt.Errorf("watched address %s: %w", sub.WatchedAddressID, core.ErrNotFound)
		}
		if err != nil {
			return UpsertOutcome{}, storeErr("insert subscription", err)
		}
		return UpsertOutcome{Subscription: sub, Result: core.UpsertCreated}, nil
	}
	return UpsertOutcome{}, fmt.Errorf("upsert subscription: %w", core.ErrDuplicate)
}

func (s *MySQLStore) RemoveSubscription(ctx context.Context, addressID, protocol, subscriberID string) (core.Subscription, bool, error) {
	sub, found, err := s.findSubscription(ctx, addressID, protocol, subscriberID)
	if err != nil || !found {
		return core.Subscription{}, false, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM `+subscriptionTable+` WHERE id = ?`, sub.ID)
	if err != nil {
		return core.Subscription{}, false, storeErr("delete subscription", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Subscription{}, false, storeErr("delete subscription", err)
	}
	if n == 0 {
		return core.Subscription{}, false, nil
	}

	if err := s.deleteOrphanAddress(ctx, addressID); err != nil {
		return sub, true, err
	}
	return sub, true, nil
}

func (s *MySQLStore) ListSubscriptionsFor(ctx context.Context, subscriberID string) ([]core.SubscriptionView, error) {
	return s.queryViews(ctx,
		`SELECT `+viewColumns+` FROM `+subscriptionTable+` s JOIN `+addressTable+` a ON a.id = s.watched_address_id WHERE s.subscriber_id = ? ORDER BY a.account_address`,
		subscriberID)
}

func (s *MySQLStore) ListAllActiveSubscriptions(ctx context.Context) ([]core.SubscriptionView, error) {
	return s.queryViews(ctx,
		`SELECT `+viewColumns+` FROM `+subscriptionTable+` s JOIN `+addressTable+` a ON a.id = s.watched_address_id ORDER BY s.protocol, s.watched_address_id`)
}

func (s *MySQLStore) ListOperators(ctx context.Context) ([]core.Operator, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, label, created_at FROM `+operatorTable+` ORDER BY label`)
	if err != nil {
		return nil, storeErr("list operators", err)
	}
	defer rows.Close()

	var ops []core.Operator
	for rows.Next() {
		var op core.Operator
		if err := rows.Scan(&op.ID, &op.Label, &op.CreatedAt); err != nil {
			return nil, storeErr("scan operator", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list operators", err)
	}
	return ops, nil
}

func (s *MySQLStore) AddOperator(ctx context.Context, label string) (core.Operator, error) {
	op := core.Operator{ID: core.NewID(), Label: label, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+operatorTable+` (id, label, created_at) VALUES (?, ?, ?)`,
		op.ID, op.Label, op.CreatedAt)
	if isDuplicateKey(err) {
		return core.Operator{}, fmt.Errorf("operator %s: %w", label, core.ErrDuplicate)
	}
	if err != nil {
		return core.Operator{}, storeErr("insert operator", err)
	}
	return op, nil
}

func (s *MySQLStore) RemoveOperator(ctx context.Context, label string) (RemovedOperator, bool, error) {
	var op core.Operator
	err := s.db.QueryRowContext(ctx,
		`SELECT id, label, created_at FROM `+operatorTable+` WHERE label = ?`, label).
		Scan(&op.ID, &op.Label, &op.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RemovedOperator{}, false, nil
	}
	if err != nil {
		return RemovedOperator{}, false, storeErr("get operator", err)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM `+operatorTable+` WHERE id = ?`, op.ID)
	if err != nil {
		return RemovedOperator{}, false, storeErr("delete operator", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return RemovedOperator{}, false, storeErr("delete operator", err)
	}
	if n == 0 {
		return RemovedOperator{}, false, nil
	}

	removed := RemovedOperator{Operator: op}
	removed.Subscriptions, err = s.queryViews(ctx,
		`SELECT `+viewColumns+` FROM `+subscriptionTable+` s JOIN `+addressTable+` a ON a.id = s.watched_address_id WHERE s.subscriber_label = ?`,
		label)
	if err != nil {
		return removed, true, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+subscriptionTable+` WHERE subscriber_label = ?`, label); err != nil {
		return removed, true, storeErr("delete operator subscriptions", err)
	}

	seen := make(map[string]struct{})
	for _, v := range removed.Subscriptions {
		if _, ok := seen[v.Address.ID]; ok {
			continue
		}
		seen[v.Address.ID] = struct{}{}
		if err := s.deleteOrphanAddress(ctx, v.Address.ID); err != nil {
			return removed, true, err
		}
	}
	return removed, true, nil
}

func (s *MySQLStore) findSubscription(ctx context.Context, addressID, protocol, subscriberID string) (core.Subscription, bool, error) {
	var sub core.Subscription
	var threshold sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, watched_address_id, protocol, alert_threshold, subscriber_id, subscriber_label, created_at, updated_at FROM `+subscriptionTable+` WHERE watched_address_id = ? AND protocol = ? AND subscriber_id = ?`,
		addressID, protocol, subscriberID).
		Scan(&sub.ID, &sub.WatchedAddressID, &sub.Protocol, &threshold, &sub.SubscriberID, &sub.SubscriberLabel, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Subscription{}, false, nil
	}
	if err != nil {
		return core.Subscription{}, false, storeErr("get subscription", err)
	}
	sub.AlertThreshold = floatPtr(threshold)
	return sub, true, nil
}

func (s *MySQLStore) deleteOrphanAddress(ctx context.Context, addressID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+addressTable+` WHERE id = ? AND NOT EXISTS (SELECT 1 FROM `+subscriptionTable+` WHERE watched_address_id = ?)`,
		addressID, addressID)
	if isMySQLError(err, mysqlErrRowIsReferenced) {
		// a subscription was inserted concurrently, the address is still in use
		return nil
	}
	if err != nil {
		return storeErr("delete orphan address", err)
	}
	return nil
}

func (s *MySQLStore) queryViews(ctx context.Context, query string, args ...any) ([]core.SubscriptionView, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list subscriptions", err)
	}
	defer rows.Close()

	var views []core.SubscriptionView
	for rows.Next() {
		var v core.SubscriptionView
		var threshold sql.NullFloat64
		if err := rows.Scan(
			&v.Subscription.ID, &v.Subscription.WatchedAddressID, &v.Subscription.Protocol, &threshold,
			&v.Subscription.SubscriberID, &v.Subscription.SubscriberLabel, &v.Subscription.CreatedAt, &v.Subscription.UpdatedAt,
			&v.Address.ID, &v.Address.AccountAddress, &v.Address.CreatedAt,
		); err != nil {
			return nil, storeErr("scan subscription", err)
		}
		v.Subscription.AlertThreshold = floatPtr(threshold)
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list subscriptions", err)
	}
	return views, nil
}

// isDuplicateKey reports whether err is a unique index violation
func isDuplicateKey(err error) bool {
	return isMySQLError(err, mysqlErrDuplicateEntry)
}

func isMySQLError(err error, number uint16) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == number
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, core.ErrStoreUnavailable, err)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
