package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tallyhq/tally/internal/connectors/registry"
)

const (
	LockModeMemory   = "memory"
	LockModeLease    = "lease"
	LockModeAdvisory = "advisory"

	defaultLockMode              = LockModeMemory
	defaultLockTTL               = 60 * time.Second
	defaultLockHeartbeatInterval = 15 * time.Second
	defaultLockHeartbeatTimeout  = 15 * time.Second
)

type LockManagerConfig struct {
	Mode              string
	InstanceID        string
	TTL               time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Lock serializes syncs of one (workspace/connector, entity type) scope.
type Lock interface {
	ScopeKind() string
	ScopeName() string
	StartHeartbeat(ctx context.Context, onLost func(error)) (stop func())
	Release(ctx context.Context) error
}

type LockManager interface {
	TryAcquire(ctx context.Context, scopeKind, scopeName string) (Lock, bool, error)
	Acquire(ctx context.Context, scopeKind, scopeName string) (Lock, error)
}

// NewLockManager builds the lock manager for cfg.Mode. The memory mode only
// serializes syncs within this process and ignores pool.
func NewLockManager(pool *pgxpool.Pool, cfg LockManagerConfig) (LockManager, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = defaultLockMode
	}
	if mode == LockModeMemory {
		return NewMemoryLockManager(), nil
	}
	if pool == nil {
		return nil, fmt.Errorf("lock mode %q requires a database pool", mode)
	}

	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		if h := strings.TrimSpace(os.Getenv("HOSTNAME")); h != "" {
			instanceID = h
		} else if h, err := os.Hostname(); err == nil {
			instanceID = strings.TrimSpace(h)
		}
	}
	if instanceID == "" {
		instanceID = "unknown"
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	hbInterval := cfg.HeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = defaultLockHeartbeatInterval
	}
	hbTimeout := cfg.HeartbeatTimeout
	if hbTimeout <= 0 {
		hbTimeout = defaultLockHeartbeatTimeout
	}

	switch mode {
	case LockModeLease:
		return &leaseLockManager{
			db:               pool,
			instanceID:       instanceID,
			ttlSeconds:       durationSecondsCeil(ttl),
			heartbeatEvery:   hbInterval,
			heartbeatTimeout: hbTimeout,
		}, nil
	case LockModeAdvisory:
		return &advisoryLockManager{pool: pool}, nil
	default:
		return nil, fmt.Errorf("unknown lock mode %q", mode)
	}
}

func normalizeScope(kind, name string) (string, string, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	name = strings.ToLower(strings.TrimSpace(name))
	if kind == "" {
		return "", "", errors.New("scope kind is required")
	}
	if name == "" {
		return "", "", errors.New("scope name is required")
	}
	return kind, name, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func durationSecondsCeil(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// memoryLockManager hands out one buffered channel slot per scope.
type memoryLockManager struct {
	mu    gosync.Mutex
	slots map[string]chan struct{}
}

func NewMemoryLockManager() LockManager {
	return &memoryLockManager{slots: make(map[string]chan struct{})}
}

func (m *memoryLockManager) slot(kind, name string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := kind + "\x00" + name
	ch, ok := m.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[key] = ch
	}
	return ch
}

func (m *memoryLockManager) TryAcquire(_ context.Context, scopeKind, scopeName string) (Lock, bool, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, false, err
	}
	ch := m.slot(scopeKind, scopeName)
	select {
	case ch <- struct{}{}:
		return &memoryLock{slot: ch, scopeKind: scopeKind, scopeName: scopeName}, true, nil
	default:
		return nil, false, nil
	}
}

func (m *memoryLockManager) Acquire(ctx context.Context, scopeKind, scopeName string) (Lock, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, err
	}
	ch := m.slot(scopeKind, scopeName)
	select {
	case ch <- struct{}{}:
		return &memoryLock{slot: ch, scopeKind: scopeKind, scopeName: scopeName}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryLock struct {
	slot      chan struct{}
	scopeKind string
	scopeName string

	releaseOnce gosync.Once
}

func (l *memoryLock) ScopeKind() string { return l.scopeKind }
func (l *memoryLock) ScopeName() string { return l.scopeName }

func (l *memoryLock) StartHeartbeat(_ context.Context, _ func(error)) func() { return func() {} }

func (l *memoryLock) Release(context.Context) error {
	l.releaseOnce.Do(func() { <-l.slot })
	return nil
}

// lockDB is the query surface of a pool or a pinned connection.
type lockDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const tryAcquireLease = `-- name: TryAcquireSyncLockLease :one
INSERT INTO sync_locks (scope_kind, scope_name, holder_instance_id, holder_token, lease_expires_at, acquired_at)
VALUES ($1, $2, $3, $4, now() + ($5::bigint * interval '1 second'), now())
ON CONFLICT (scope_kind, scope_name) DO UPDATE
SET holder_instance_id = EXCLUDED.holder_instance_id,
    holder_token = EXCLUDED.holder_token,
    lease_expires_at = EXCLUDED.lease_expires_at,
    acquired_at = EXCLUDED.acquired_at
WHERE sync_locks.lease_expires_at < now()
RETURNING holder_token`

const renewLease = `-- name: RenewSyncLockLease :one
UPDATE sync_locks
SET lease_expires_at = now() + ($1::bigint * interval '1 second')
WHERE scope_kind = $2 AND scope_name = $3 AND holder_token = $4
RETURNING holder_token`

const releaseLease = `-- name: ReleaseSyncLockLease :exec
DELETE FROM sync_locks
WHERE scope_kind = $1 AND scope_name = $2 AND holder_token = $3`

type leaseLockManager struct {
	db               lockDB
	instanceID       string
	ttlSeconds       int64
	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration
}

func (m *leaseLockManager) tryLease(ctx context.Context, scopeKind, scopeName string, token pgtype.UUID) (bool, error) {
	var got pgtype.UUID
	err := m.db.QueryRow(ctx, tryAcquireLease, scopeKind, scopeName, m.instanceID, token, m.ttlSeconds).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *leaseLockManager) TryAcquire(ctx context.Context, scopeKind, scopeName string) (Lock, bool, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, false, err
	}
	if m == nil || m.db == nil {
		return nil, false, errors.New("lock manager is not configured")
	}

	token := pgUUID(uuid.New())
	ok, err := m.tryLease(ctx, scopeKind, scopeName, token)
	if err != nil || !ok {
		return nil, false, err
	}
	return &leaseLock{m: m, scopeKind: scopeKind, scopeName: scopeName, token: token}, true, nil
}

func (m *leaseLockManager) Acquire(ctx context.Context, scopeKind, scopeName string) (Lock, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, err
	}
	if m == nil || m.db == nil {
		return nil, errors.New("lock manager is not configured")
	}

	token := pgUUID(uuid.New())

	delay := 250 * time.Millisecond
	maxDelay := 5 * time.Second
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		ok, err := m.tryLease(ctx, scopeKind, scopeName, token)
		if err != nil {
			return nil, err
		}
		if ok {
			return &leaseLock{m: m, scopeKind: scopeKind, scopeName: scopeName, token: token}, nil
		}

		// Jittered backoff so waiting instances do not retry in lockstep.
		jitter := time.Duration(rng.Int63n(int64(delay/2) + 1))
		if err := sleepWithContext(ctx, delay+jitter); err != nil {
			return nil, err
		}
		delay = min(delay*2, maxDelay)
	}
}

type leaseLock struct {
	m         *leaseLockManager
	scopeKind string
	scopeName string
	token     pgtype.UUID
}

func (l *leaseLock) ScopeKind() string { return l.scopeKind }
func (l *leaseLock) ScopeName() string { return l.scopeName }

func (l *leaseLock) StartHeartbeat(ctx context.Context, onLost func(error)) (stop func()) {
	if l == nil || l.m == nil || l.m.db == nil {
		return func() {}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if onLost == nil {
		onLost = func(error) {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	var once gosync.Once
	stop = func() { once.Do(cancel) }

	go func() {
		ticker := time.NewTicker(l.m.heartbeatEvery)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}

			queryCtx, cancel := context.WithTimeout(hbCtx, l.m.heartbeatTimeout)
			var got pgtype.UUID
			err := l.m.db.QueryRow(queryCtx, renewLease, l.m.ttlSeconds, l.scopeKind, l.scopeName, l.token).Scan(&got)
			cancel()
			if hbCtx.Err() != nil {
				return
			}
			if errors.Is(err, pgx.ErrNoRows) {
				err = errors.New("lease taken over by another holder")
			}
			if err != nil {
				onLost(err)
				return
			}
		}
	}()

	return stop
}

func (l *leaseLock) Release(ctx context.Context) error {
	if l == nil || l.m == nil || l.m.db == nil {
		return errors.New("lock is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := l.m.db.Exec(ctx, releaseLease, l.scopeKind, l.scopeName, l.token)
	return err
}

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1)`
	advisoryLockSQL    = `SELECT pg_advisory_lock($1)`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1)`
)

// advisoryLockManager pins a pooled connection for the lifetime of each
// lock since advisory locks are session scoped.
type advisoryLockManager struct {
	pool *pgxpool.Pool
}

func (m *advisoryLockManager) TryAcquire(ctx context.Context, scopeKind, scopeName string) (Lock, bool, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, false, err
	}
	if m == nil || m.pool == nil {
		return nil, false, errors.New("lock manager is not configured")
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	key := registry.ConnectorLockKey(scopeKind, scopeName)

	var ok bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	return &advisoryLock{conn: conn, key: key, scopeKind: scopeKind, scopeName: scopeName}, true, nil
}

func (m *advisoryLockManager) Acquire(ctx context.Context, scopeKind, scopeName string) (Lock, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, err
	}
	if m == nil || m.pool == nil {
		return nil, errors.New("lock manager is not configured")
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	key := registry.ConnectorLockKey(scopeKind, scopeName)

	if _, err := conn.Exec(ctx, advisoryLockSQL, key); err != nil {
		conn.Release()
		return nil, err
	}

	return &advisoryLock{conn: conn, key: key, scopeKind: scopeKind, scopeName: scopeName}, nil
}

type advisoryLock struct {
	conn      *pgxpool.Conn
	key       int64
	scopeKind string
	scopeName string

	releaseOnce gosync.Once
}

func (l *advisoryLock) ScopeKind() string { return l.scopeKind }
func (l *advisoryLock) ScopeName() string { return l.scopeName }

func (l *advisoryLock) StartHeartbeat(_ context.Context, _ func(error)) func() { return func() {} }

func (l *advisoryLock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return errors.New("lock is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var unlockErr error
	l.releaseOnce.Do(func() {
		_, unlockErr = l.conn.Exec(ctx, advisoryUnlockSQL, l.key)
		l.conn.Release()
	})

	return unlockErr
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}
