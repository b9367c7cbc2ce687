package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/api"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/metrics"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/tracker"
)

// Common errors returned by the queue.
var (
	ErrNotFound       = errors.New("job not found")
	ErrAlreadyExists  = errors.New("queue already exists")
	ErrNotLeaseHolder = errors.New("requester does not hold the job lease")
	ErrInvalidStatus  = errors.New("invalid status transition")

	// errLostRace is internal: the row selected by peek was claimed by another
	// worker before pop could commit.
	errLostRace = errors.New("lost pop race")
)

// inProgressStatuses are the states the timeout supervisor watches.
var inProgressStatuses = []string{
	string(api.StatusPulled),
	string(api.StatusPreprocessing),
	string(api.StatusRunning),
	string(api.StatusPostprocessing),
}

// JobQueue is the match-making and lifecycle kernel, backed by a relational
// store. On databases with row locking (postgres) concurrent pulls serialize
// on SELECT ... FOR UPDATE; on sqlite-class stores, where that is a no-op, the
// critical sections additionally serialize on a process-local mutex.
type JobQueue struct {
	db             *gorm.DB
	tracker        tracker.Tracker
	retryDifferent bool

	mu        sync.Mutex
	serialize bool
}

// New builds a JobQueue on the given database connection. retryDifferent
// enables the no-retry-same-worker selection rule.
func New(db *gorm.DB, t tracker.Tracker, retryDifferent bool) *JobQueue {
	return &JobQueue{
		db:             db,
		tracker:        t,
		retryDifferent: retryDifferent,
		serialize:      db.Dialector.Name() == "sqlite",
	}
}

// lock serializes a critical section on sqlite-class stores and is a no-op
// elsewhere.
func (q *JobQueue) lock() func() {
	if !q.serialize {
		return func() {}
	}
	q.mu.Lock()
	return q.mu.Unlock
}

// Create sets up the queue schema. With errOnExists the call fails if the
// table is already there; otherwise it is idempotent.
func (q *JobQueue) Create(errOnExists bool) error {
	if q.db.Migrator().HasTable(&QueuedJob{}) {
		if errOnExists {
			return ErrAlreadyExists
		}
		return nil
	}
	if err := q.db.AutoMigrate(&QueuedJob{}); err != nil {
		return fmt.Errorf("failed to create queue schema: %w", err)
	}
	return nil
}

// Delete drops the queue table.
func (q *JobQueue) Delete() error {
	return q.db.Migrator().DropTable(&QueuedJob{})
}

// Enqueue accepts a submitted job and copies its hardware demands into the
// dedicated filter columns. Returns the queue-assigned id.
func (q *JobQueue) Enqueue(ctx context.Context, sub api.SubmittedJob) (int64, error) {
	if err := sub.Validate(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	hw := sub.Job.Hardware
	row := QueuedJob{
		CreationTimestamp: now,
		LastUpdated:       now,
		Status:            string(api.StatusQueued),
		NumRetries:        0,
		Job:               JobSpecsColumn(sub.Job),
		PathsUpload:       UploadPathsColumn(sub.PathsUpload),
		Environment:       environmentColumn(sub.Environment),
		CPUCores:          hw.CPUCores,
		Memory:            hw.Memory,
		GPUModel:          hw.GPUModel,
		GPUArchi:          hw.GPUArchi,
		GPUMemory:         hw.GPUMemory,
		Group:             sub.Group,
		Priority:          sub.EffectivePriority(),
	}
	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	metrics.JobsEnqueued.WithLabelValues(string(sub.Environment)).Inc()
	return row.ID, nil
}

// eligible builds the selection predicate for a requesting worker.
func (q *JobQueue) eligible(tx *gorm.DB, hostname string, f api.JobFilter, now time.Time) *gorm.DB {
	db := tx.Model(&QueuedJob{}).
		Where("status = ?", string(api.StatusQueued))

	// Matching environments pull their jobs immediately; wildcard jobs are held
	// back for older_than seconds so the matching queue can drain first.
	cutoff := now.Add(-time.Duration(f.OlderThan) * time.Second)
	db = db.Where("(environment = ?) OR (environment IS NULL AND creation_timestamp < ?)", string(f.Environment), cutoff)

	// NULL demands match any offer.
	db = db.Where("(cpu_cores IS NULL OR cpu_cores <= ?)", f.CPUCores)
	db = db.Where("(memory IS NULL OR memory <= ?)", f.Memory)
	db = db.Where("(gpu_mem IS NULL OR gpu_mem <= ?)", f.GPUMemory)
	db = db.Where("(gpu_model IS NULL OR gpu_model = ?)", f.GPUModel)
	db = db.Where("(gpu_archi IS NULL OR gpu_archi = ?)", f.GPUArchi)

	if q.retryDifferent && hostname != "" {
		db = db.Where("workers NOT LIKE ?", "%"+hostname+"%")
	}

	return db
}

// peekRow selects the job a subsequent pop would claim, running the private
// group pass before the global one. Read-only.
func (q *JobQueue) peekRow(tx *gorm.DB, hostname string, f api.JobFilter) (*QueuedJob, error) {
	now := time.Now().UTC()
	order := "priority DESC, creation_timestamp ASC"

	var job QueuedJob
	if len(f.Groups) > 0 {
		err := q.eligible(tx, hostname, f, now).
			Where("job_group IN ?", f.Groups).
			Order(order).
			First(&job).Error
		if err == nil {
			return &job, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to peek queue: %w", err)
		}
	}

	err := q.eligible(tx, hostname, f, now).
		Order(order).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to peek queue: %w", err)
	}
	return &job, nil
}

// Peek returns the id, spec and receipt handle of the job the next Pop would
// claim for this worker, without mutating any state. A zero id means nothing
// matched.
func (q *JobQueue) Peek(ctx context.Context, hostname string, f api.JobFilter) (int64, *api.JobSpecs, string, error) {
	job, err := q.peekRow(q.db.WithContext(ctx), hostname, f)
	if err != nil || job == nil {
		return 0, nil, "", err
	}
	specs := api.JobSpecs(job.Job)
	return job.ID, &specs, receiptHandle(job.ID, hostname), nil
}

// receiptHandle encodes the row-and-requester pair Pop consumes.
func receiptHandle(id int64, hostname string) string {
	return strconv.FormatInt(id, 10) + ":" + hostname
}

func parseReceiptHandle(receipt string) (int64, string, error) {
	idStr, hostname, ok := strings.Cut(receipt, ":")
	if !ok {
		return 0, "", fmt.Errorf("malformed receipt handle %q", receipt)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed receipt handle %q", receipt)
	}
	return id, hostname, nil
}

// Pop atomically claims the row named by the receipt handle: it verifies the
// row is still queued under a row lock, appends the requester to the workers
// audit, transitions to pulled and emits the status callback. Returns false
// when the row was claimed by someone else in the meantime.
func (q *JobQueue) Pop(ctx context.Context, receipt string) (bool, error) {
	id, hostname, err := parseReceiptHandle(receipt)
	if err != nil {
		return false, err
	}

	var claimed QueuedJob
	unlock := q.lock()
	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job QueuedJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errLostRace
			}
			return fmt.Errorf("failed to lock job %d: %w", id, err)
		}
		if job.Status != string(api.StatusQueued) {
			return errLostRace
		}
		job.appendWorker(hostname)
		job.Status = string(api.StatusPulled)
		job.LastUpdated = time.Now().UTC()
		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("failed to claim job %d: %w", id, err)
		}
		claimed = job
		return nil
	})
	unlock()

	if errors.Is(err, errLostRace) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	metrics.JobsDispatched.WithLabelValues(string(claimed.EnvironmentType())).Inc()

	// Callback after commit; external observers may see the row first.
	if err := q.notify(ctx, &claimed, api.StatusPulled, ""); err != nil {
		if errors.Is(err, tracker.ErrJobDeleted) {
			q.deleteRow(ctx, claimed.ID)
			return false, nil
		}
		logging.Log.WithError(err).WithField("job_id", claimed.ID).Error("status callback failed after pop")
	}
	return true, nil
}

// Dequeue composes Peek and Pop, retrying while the pop race is lost. Each
// lost race means another worker claimed that row, so the loop terminates
// within the number of concurrently eligible rows.
func (q *JobQueue) Dequeue(ctx context.Context, hostname string, f api.JobFilter) (int64, *api.JobSpecs, error) {
	for {
		id, specs, receipt, err := q.Peek(ctx, hostname, f)
		if err != nil || id == 0 {
			return 0, nil, err
		}
		ok, err := q.Pop(ctx, receipt)
		if err != nil {
			return 0, nil, err
		}
		if ok {
			return id, specs, nil
		}
	}
}

// GetJob loads a queue row. With a non-empty hostname the call additionally
// verifies the requester holds the lease; a mismatch reads as not found so
// foreign jobs are not leaked.
func (q *JobQueue) GetJob(ctx context.Context, id int64, hostname string) (*QueuedJob, error) {
	var job QueuedJob
	if err := q.db.WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	if hostname != "" && job.LeaseHolder() != hostname {
		return nil, ErrNotFound
	}
	return &job, nil
}

// UpdateJobStatus transitions a job under a row lock. Only the current
// lease-holder may transition (empty hostname skips the check, for internal
// callers); terminal states accept no further transitions. When the tracker
// reports the submitter-side record gone, the row is deleted and
// tracker.ErrJobDeleted is returned so the worker cancels.
func (q *JobQueue) UpdateJobStatus(ctx context.Context, id int64, hostname string, status api.JobStatus, runtimeDetails string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidStatus, status)
	}

	var row QueuedJob
	unlock := q.lock()
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job QueuedJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock job %d: %w", id, err)
		}
		if hostname != "" && job.LeaseHolder() != hostname {
			return ErrNotLeaseHolder
		}
		if api.JobStatus(job.Status).Terminal() {
			return fmt.Errorf("%w: job %d is %s", ErrInvalidStatus, id, job.Status)
		}
		job.Status = string(status)
		job.LastUpdated = time.Now().UTC()
		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("failed to update job %d: %w", id, err)
		}
		row = job
		return nil
	})
	unlock()
	if err != nil {
		return err
	}

	metrics.StatusTransitions.WithLabelValues(string(status)).Inc()

	if err := q.notify(ctx, &row, status, runtimeDetails); err != nil {
		if errors.Is(err, tracker.ErrJobDeleted) {
			q.deleteRow(ctx, id)
			return fmt.Errorf("%w: job %d", tracker.ErrJobDeleted, id)
		}
		// Non-404 upstream failures are logged only; the next supervisor tick
		// re-reconciles.
		logging.Log.WithError(err).WithField("job_id", id).Error("status callback failed")
	}
	return nil
}

// HandleTimeouts scans for leases whose holders have gone silent. Stalled jobs
// under the retry budget go back to queued with the workers audit intact (the
// no-retry-same-worker rule keeps steering them away); the rest fail. Runs in
// a single transaction per sweep; callbacks are emitted after commit.
func (q *JobQueue) HandleTimeouts(ctx context.Context, maxRetries int, timeout time.Duration) (int, int, error) {
	type callback struct {
		row     QueuedJob
		status  api.JobStatus
		details string
	}
	var callbacks []callback
	var requeued, failed int

	now := time.Now().UTC()
	unlock := q.lock()
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stalled []QueuedJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status IN ?", inProgressStatuses).
			Where("last_updated < ?", now.Add(-timeout)).
			Find(&stalled).Error
		if err != nil {
			return fmt.Errorf("failed to scan stalled jobs: %w", err)
		}

		for i := range stalled {
			job := &stalled[i]
			if job.NumRetries < maxRetries {
				job.NumRetries++
				job.Status = string(api.StatusQueued)
				job.LastUpdated = now
				details := fmt.Sprintf("timeout %d (workers tried: %s)",
					job.NumRetries, strings.Join(job.WorkerList(), ", "))
				callbacks = append(callbacks, callback{*job, api.StatusQueued, details})
				requeued++
			} else {
				job.Status = string(api.StatusError)
				job.LastUpdated = now
				callbacks = append(callbacks, callback{*job, api.StatusError, "max retries reached"})
				failed++
			}
			if err := tx.Save(job).Error; err != nil {
				return fmt.Errorf("failed to update stalled job %d: %w", job.ID, err)
			}
		}
		return nil
	})
	unlock()
	if err != nil {
		return 0, 0, err
	}

	metrics.JobsRequeued.Add(float64(requeued))
	metrics.JobsTimedOut.Add(float64(failed))

	for _, cb := range callbacks {
		if err := q.notify(ctx, &cb.row, cb.status, cb.details); err != nil {
			if errors.Is(err, tracker.ErrJobDeleted) {
				q.deleteRow(ctx, cb.row.ID)
				continue
			}
			logging.Log.WithError(err).WithField("job_id", cb.row.ID).Error("status callback failed during timeout sweep")
		}
	}
	return requeued, failed, nil
}

// Depths counts jobs per status, for the queue depth gauges.
func (q *JobQueue) Depths(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := q.db.WithContext(ctx).Model(&QueuedJob{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count queue depths: %w", err)
	}
	depths := make(map[string]int64, len(rows))
	for _, r := range rows {
		depths[r.Status] = r.Count
	}
	return depths, nil
}

// notify emits the status callback to the submit API.
func (q *JobQueue) notify(ctx context.Context, job *QueuedJob, status api.JobStatus, runtimeDetails string) error {
	if q.tracker == nil {
		return nil
	}
	err := q.tracker.UpdateJobStatus(ctx, job.Job.Meta.JobID, status, runtimeDetails)
	metrics.RecordTrackerCallback(err)
	return err
}

// deleteRow removes a queue row whose submitter-side record is gone.
func (q *JobQueue) deleteRow(ctx context.Context, id int64) {
	if err := q.db.WithContext(ctx).Delete(&QueuedJob{}, id).Error; err != nil {
		logging.Log.WithError(err).WithField("job_id", id).Error("failed to delete orphaned queue row")
	}
}
