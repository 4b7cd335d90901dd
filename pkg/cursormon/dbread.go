package cursormon

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "modernc.org/sqlite"
)

// openRO opens a Cursor store read-only with a short busy timeout.
// Cursor holds write locks briefly but often; retries handle the rest.
func openRO(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(200)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s read-only: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// lockedErr reports whether err is a transient SQLITE_BUSY/LOCKED
// condition worth retrying.
func lockedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// readValue fetches one value column by key with exponential-backoff
// retries (100ms doubling, capped at 1.6s, 3 attempts). A missing key or
// missing table yields nil with no error: schema drift is not fatal.
func readValue(ctx context.Context, db *sql.DB, table, key string) ([]byte, error) {
	op := func() ([]byte, error) {
		var value []byte
		err := db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT value FROM %s WHERE key = ?", table), key,
		).Scan(&value)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, nil
		case err == nil:
			return value, nil
		case lockedErr(err):
			return nil, err
		case strings.Contains(err.Error(), "no such table"):
			return nil, nil
		default:
			return nil, backoff.Permanent(err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 1600 * time.Millisecond

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(3))
}

func readItem(ctx context.Context, db *sql.DB, key string) ([]byte, error) {
	return readValue(ctx, db, "ItemTable", key)
}

func readDiskKV(ctx context.Context, db *sql.DB, key string) ([]byte, error) {
	return readValue(ctx, db, "cursorDiskKV", key)
}

// canonicalHash hashes JSON independent of key order and whitespace, for
// change detection on keys that carry no timestamps.
func canonicalHash(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		sum := sha256.Sum256(raw)
		return hex.EncodeToString(sum[:])
	}
	canon, err := json.Marshal(v)
	if err != nil {
		sum := sha256.Sum256(raw)
		return hex.EncodeToString(sum[:])
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}
