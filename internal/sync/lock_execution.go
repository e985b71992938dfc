package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"
)

func (j pageJob) lockScope() string {
	return j.ref.String() + "/" + string(j.kind)
}

// syncUnderLock holds the entity sync lock for job while walk pages through
// it. A failed heartbeat cancels the walk. Lock failures land on res as
// transient errors.
func (o *Orchestrator) syncUnderLock(ctx context.Context, job pageJob, res *SyncResult, walk func(context.Context)) {
	scope := job.lockScope()
	lock, err := o.locks.Acquire(ctx, lockScopeKind, scope)
	if err != nil {
		res.addError(storeError(fmt.Errorf("acquire sync lock: %w", err)))
		return
	}

	walkCtx, cancelWalk := context.WithCancel(ctx)
	defer cancelWalk()

	var (
		lostMu gosync.Mutex
		lost   error
	)
	stopHeartbeat := lock.StartHeartbeat(walkCtx, func(err error) {
		lostMu.Lock()
		if lost == nil {
			lost = err
		}
		lostMu.Unlock()

		o.logger.Error("sync lock heartbeat failed", "connector", job.ref.ConnectorID, "entity_type", job.kind, "lock", scope, "err", err)
		cancelWalk()
	})

	walk(walkCtx)
	stopHeartbeat()

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := lock.Release(releaseCtx); err != nil {
		o.logger.Warn("failed to release sync lock", "connector", job.ref.ConnectorID, "entity_type", job.kind, "lock", scope, "err", err)
	}

	lostMu.Lock()
	defer lostMu.Unlock()
	if lost != nil {
		res.addError(newSyncError(KindTransient, fmt.Errorf("%w: %w", errSyncLockLost, lost)))
	}
}
