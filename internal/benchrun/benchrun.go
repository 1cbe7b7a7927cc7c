// Package benchrun persists benchmark runs and enforces their status machine.
package benchrun

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zulandar/llmdock/internal/flags"
	"github.com/zulandar/llmdock/internal/models"
)

// Run statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// StaleMessage is recorded on runs recovered at startup.
const StaleMessage = "Benchmark interrupted by server restart"

// Page size bounds for List.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

var (
	// ErrNotFound is returned when no run has the requested id.
	ErrNotFound = errors.New("benchrun: not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the run's current status.
	ErrInvalidTransition = errors.New("benchrun: invalid status transition")
	// ErrNotTerminal is returned when deleting a run that is still active.
	ErrNotTerminal = errors.New("benchrun: run is still active")
)

// ValidTransitions maps each status to its valid next statuses. Terminal
// statuses have no entry.
var ValidTransitions = map[string][]string{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []string{StatusPending, StatusRunning}

// IsTerminal reports whether status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// NewID returns a fresh run id.
func NewID() string {
	return uuid.NewString()
}

// CreateOpts holds parameters for creating a run.
type CreateOpts struct {
	ServiceName string
	ModelPath   string
	Params      *flags.Map
}

// ListFilters holds optional filters for listing runs.
type ListFilters struct {
	ServiceName string
	Status      string
}

// Page selects a window of List results.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) clamp() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// StatusOpts carries the optional columns written with a status change.
type StatusOpts struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	RawOutput    *string
}

// Results are the metrics and metadata parsed from llama-bench output.
type Results struct {
	PPAvgTS      *float64
	PPStddevTS   *float64
	TGAvgTS      *float64
	TGStddevTS   *float64
	BuildCommit  string
	ModelType    string
	ModelSize    *int64
	ModelNParams *int64
	GPUInfo      string
	CPUInfo      string
	RawOutput    string
}

// Create inserts a pending run with a new id.
func Create(db *gorm.DB, opts CreateOpts) (*models.BenchmarkRun, error) {
	if opts.ServiceName == "" {
		return nil, fmt.Errorf("benchrun: service name is required")
	}
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("benchrun: model path is required")
	}
	params, err := json.Marshal(flags.OrEmpty(opts.Params))
	if err != nil {
		return nil, fmt.Errorf("benchrun: encode params: %w", err)
	}

	run := models.BenchmarkRun{
		ID:          NewID(),
		ServiceName: opts.ServiceName,
		ModelPath:   opts.ModelPath,
		Status:      StatusPending,
		ParamsJSON:  string(params),
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.Create(&run).Error; err != nil {
		return nil, fmt.Errorf("benchrun: create: %w", err)
	}
	return &run, nil
}

// Get retrieves a run by id.
func Get(db *gorm.DB, id string) (*models.BenchmarkRun, error) {
	var run models.BenchmarkRun
	if err := db.Where("id = ?", id).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("benchrun: get %s: %w", id, err)
	}
	return &run, nil
}

// List returns one page of runs matching filters, newest first, and the
// total number of matching runs.
func List(db *gorm.DB, filters ListFilters, page Page) ([]models.BenchmarkRun, int64, error) {
	page = page.clamp()

	q := db.Model(&models.BenchmarkRun{})
	if filters.ServiceName != "" {
		q = q.Where("service_name = ?", filters.ServiceName)
	}
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("benchrun: count: %w", err)
	}

	var runs []models.BenchmarkRun
	if err := q.Order("created_at DESC").Limit(page.Limit).Offset(page.Offset).Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("benchrun: list: %w", err)
	}
	return runs, total, nil
}

// UpdateStatus moves a run to status. The update is conditional on the
// run's current status allowing the transition, so concurrent writers cannot
// move a run backwards or out of a terminal state.
func UpdateStatus(db *gorm.DB, id, status string, opts StatusOpts) error {
	from := allowedFrom(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing transitions to %q", ErrInvalidTransition, status)
	}

	updates := map[string]interface{}{"status": status}
	if opts.StartedAt != nil {
		updates["started_at"] = *opts.StartedAt
	}
	if opts.CompletedAt != nil {
		updates["completed_at"] = *opts.CompletedAt
	}
	if opts.ErrorMessage != nil {
		updates["error_message"] = *opts.ErrorMessage
	}
	if opts.RawOutput != nil {
		updates["raw_output"] = *opts.RawOutput
	}

	result := db.Model(&models.BenchmarkRun{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("benchrun: update status %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return transitionError(db, id, status)
	}
	return nil
}

// UpdateResults writes parsed metrics to a running run.
func UpdateResults(db *gorm.DB, id string, res Results) error {
	result := db.Model(&models.BenchmarkRun{}).
		Where("id = ? AND status = ?", id, StatusRunning).
		Updates(map[string]interface{}{
			"pp_avg_ts":      res.PPAvgTS,
			"pp_stddev_ts":   res.PPStddevTS,
			"tg_avg_ts":      res.TGAvgTS,
			"tg_stddev_ts":   res.TGStddevTS,
			"build_commit":   res.BuildCommit,
			"model_type":     res.ModelType,
			"model_size":     res.ModelSize,
			"model_n_params": res.ModelNParams,
			"gpu_info":       res.GPUInfo,
			"cpu_info":       res.CPUInfo,
			"raw_output":     res.RawOutput,
		})
	if result.Error != nil {
		return fmt.Errorf("benchrun: update results %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return transitionError(db, id, StatusCompleted)
	}
	return nil
}

// AttachOutput stores raw process output on an active run.
func AttachOutput(db *gorm.DB, id, raw string) error {
	result := db.Model(&models.BenchmarkRun{}).
		Where("id = ? AND status IN ?", id, ActiveStatuses).
		Update("raw_output", raw)
	if result.Error != nil {
		return fmt.Errorf("benchrun: attach output %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := Get(db, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, id)
	}
	return nil
}

// Delete removes a terminal run.
func Delete(db *gorm.DB, id string) error {
	result := db.Where("id = ? AND status NOT IN ?", id, ActiveStatuses).Delete(&models.BenchmarkRun{})
	if result.Error != nil {
		return fmt.Errorf("benchrun: delete %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := Get(db, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotTerminal, id)
	}
	return nil
}

// MostRecent returns the newest run for a service.
func MostRecent(db *gorm.DB, serviceName string) (*models.BenchmarkRun, error) {
	var run models.BenchmarkRun
	err := db.Where("service_name = ?", serviceName).Order("created_at DESC").First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no runs for %s", ErrNotFound, serviceName)
		}
		return nil, fmt.Errorf("benchrun: most recent for %s: %w", serviceName, err)
	}
	return &run, nil
}

// HasActive reports whether a service has a pending or running run.
func HasActive(db *gorm.DB, serviceName string) (bool, error) {
	var count int64
	if err := db.Model(&models.BenchmarkRun{}).
		Where("service_name = ? AND status IN ?", serviceName, ActiveStatuses).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("benchrun: has active %s: %w", serviceName, err)
	}
	return count > 0, nil
}

// RecoverStale fails every pending or running run. Call it once at startup,
// before accepting new runs, while holding the supervisor lock: no process
// can still own those runs.
func RecoverStale(db *gorm.DB) (int64, error) {
	now := time.Now().UTC()
	result := db.Model(&models.BenchmarkRun{}).
		Where("status IN ?", ActiveStatuses).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"error_message": StaleMessage,
			"completed_at":  now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("benchrun: recover stale: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// RenameService moves every run of oldName to newName.
func RenameService(db *gorm.DB, oldName, newName string) (int64, error) {
	result := db.Model(&models.BenchmarkRun{}).
		Where("service_name = ?", oldName).
		Update("service_name", newName)
	if result.Error != nil {
		return 0, fmt.Errorf("benchrun: rename %s: %w", oldName, result.Error)
	}
	return result.RowsAffected, nil
}

// Params decodes the run's parameter map.
func Params(run *models.BenchmarkRun) (*flags.Map, error) {
	m := flags.New()
	if run.ParamsJSON == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(run.ParamsJSON), m); err != nil {
		return nil, fmt.Errorf("benchrun: decode params of %s: %w", run.ID, err)
	}
	return m, nil
}

func allowedFrom(to string) []string {
	var from []string
	for _, s := range ActiveStatuses {
		for _, next := range ValidTransitions[s] {
			if next == to {
				from = append(from, s)
			}
		}
	}
	return from
}

func transitionError(db *gorm.DB, id, to string) error {
	run, err := Get(db, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, id, run.Status, to)
}
