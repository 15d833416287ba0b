package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"

	"github.com/floworc/floworc/internal/events"
)

// Reporter is handed to the Runner for emitting progress, metrics, and log
// events during execution. All methods are non-blocking with respect to
// subscriber I/O; the monitor absorbs the events through its bounded channel.
type Reporter struct {
	jobID string
	clock clockwork.Clock
	emit  func(events.Event)
}

// Progress reports a progress tick. Percent is clamped to [0,100].
func (r *Reporter) Progress(percent float64, step string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	r.emit(events.Progress{Job: r.jobID, Percent: percent, Step: step, Time: r.clock.Now()})
}

// Metrics reports an intermediate metrics snapshot.
func (r *Reporter) Metrics(m events.JobMetrics) {
	r.emit(events.MetricsUpdated{Job: r.jobID, Metrics: m, Time: r.clock.Now()})
}

// Log emits one log line tied to the job.
func (r *Reporter) Log(level events.LogLevel, component, message string) {
	r.emit(events.LogEmitted{
		Job: r.jobID, Level: level, Component: component, Message: message, Time: r.clock.Now(),
	})
}

// Runner executes one job body. Implementations must honor ctx cancellation
// at batch boundaries and return the final metrics snapshot; a nil error
// means the job completed.
type Runner interface {
	Run(ctx context.Context, spec events.JobSpec, rep *Reporter) (events.JobMetrics, error)
}

// defaultBatchSize bounds rows pulled per cancellation checkpoint when the
// spec does not set one.
const defaultBatchSize = 500

// etlRunner is the default Runner: a generic batched extract/transform/load
// against the service database. Source rows are read as generic maps, passed
// through the named transformation, and inserted into the target table.
type etlRunner struct {
	db    *gorm.DB
	clock clockwork.Clock
}

// NewETLRunner creates the default database-backed runner.
func NewETLRunner(database *gorm.DB, clock clockwork.Clock) Runner {
	return &etlRunner{db: database, clock: clock}
}

type row = map[string]interface{}

func (r *etlRunner) Run(ctx context.Context, spec events.JobSpec, rep *Reporter) (events.JobMetrics, error) {
	started := r.clock.Now()
	var m events.JobMetrics

	finish := func() {
		m.ExecutionTime = r.clock.Now().Sub(started)
		if secs := m.ExecutionTime.Seconds(); secs > 0 {
			m.ProcessingRate = float64(m.Records.Processed) / secs
		}
		if m.Records.Processed > 0 {
			m.ErrorRate = float64(m.Records.Failed) / float64(m.Records.Processed)
		}
	}

	rows, err := r.extract(ctx, spec, rep, &m)
	if err != nil {
		finish()
		return m, err
	}
	if spec.Kind == events.KindExtract {
		rep.Progress(100, "Done")
		finish()
		return m, nil
	}

	if spec.Kind == events.KindTransform || spec.Kind == events.KindFullETL {
		rows, err = r.transform(ctx, spec, rows, rep, &m)
		if err != nil {
			finish()
			return m, err
		}
	}
	if spec.Kind == events.KindTransform {
		rep.Progress(100, "Done")
		finish()
		return m, nil
	}

	if err := r.load(ctx, spec, rows, rep, &m); err != nil {
		finish()
		return m, err
	}

	rep.Progress(100, "Done")
	finish()
	return m, nil
}

// extract reads the source in batches, checking for cancellation before each.
func (r *etlRunner) extract(ctx context.Context, spec events.JobSpec, rep *Reporter, m *events.JobMetrics) ([]row, error) {
	rep.Progress(0, "Extracting")
	rep.Log(events.LevelInfo, "etl", fmt.Sprintf("extracting from %s", sourceName(spec.Source)))

	batchSize := spec.Source.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	// A custom query is executed once and treated as a single batch.
	if spec.Source.Query != "" {
		var batch []row
		if err := r.db.WithContext(ctx).Raw(spec.Source.Query).Find(&batch).Error; err != nil {
			return nil, fmt.Errorf("extract query: %w", err)
		}
		m.Records.Processed += int64(len(batch))
		m.Records.Successful += int64(len(batch))
		m.BytesIn += approxSize(batch)
		m.Batches++
		rep.Progress(40, "Extracting")
		return batch, nil
	}

	var all []row
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var batch []row
		q := r.db.WithContext(ctx).Table(spec.Source.Table).Limit(batchSize).Offset(offset)
		if err := q.Find(&batch).Error; err != nil {
			return nil, fmt.Errorf("extract batch at offset %d: %w", offset, err)
		}
		if len(batch) == 0 {
			break
		}

		all = append(all, batch...)
		m.Records.Processed += int64(len(batch))
		m.Records.Successful += int64(len(batch))
		m.BytesIn += approxSize(batch)
		m.Batches++
		offset += len(batch)

		rep.Progress(min(35, float64(m.Batches)*5), "Extracting")
		if len(batch) < batchSize {
			break
		}
	}

	rep.Progress(40, "Extracting")
	return all, nil
}

// transform applies the named transformation to every row.
func (r *etlRunner) transform(ctx context.Context, spec events.JobSpec, rows []row, rep *Reporter, m *events.JobMetrics) ([]row, error) {
	rep.Progress(50, "Transforming")

	fn, err := transformFunc(spec.Transformation)
	if err != nil {
		return nil, err
	}

	out := make([]row, 0, len(rows))
	for i, rec := range rows {
		if i%defaultBatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		transformed, err := fn(rec)
		if err != nil {
			m.Records.Failed++
			if m.FirstErrorAt == nil {
				at := r.clock.Now()
				m.FirstErrorAt = &at
			}
			continue
		}
		out = append(out, transformed)
	}

	rep.Progress(70, "Transforming")
	return out, nil
}

// load inserts rows into the target table in batches.
func (r *etlRunner) load(ctx context.Context, spec events.JobSpec, rows []row, rep *Reporter, m *events.JobMetrics) error {
	rep.Progress(80, "Loading")
	if spec.Target.Table == "" {
		return fmt.Errorf("load: no target table configured")
	}

	batchSize := spec.Source.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	for start := 0; start < len(rows); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		if err := r.db.WithContext(ctx).Table(spec.Target.Table).Create(batch).Error; err != nil {
			return fmt.Errorf("load batch at offset %d: %w", start, err)
		}
		m.BytesOut += approxSize(batch)
	}
	return nil
}

// transformFunc resolves a transformation reference to a row function.
// An empty reference is the identity.
func transformFunc(name string) (func(row) (row, error), error) {
	switch name {
	case "":
		return func(r row) (row, error) { return r, nil }, nil

	case "uppercase_strings":
		return func(r row) (row, error) {
			out := make(row, len(r))
			for k, v := range r {
				if s, ok := v.(string); ok {
					out[k] = strings.ToUpper(s)
				} else {
					out[k] = v
				}
			}
			return out, nil
		}, nil

	case "drop_nulls":
		return func(r row) (row, error) {
			out := make(row, len(r))
			for k, v := range r {
				if v != nil {
					out[k] = v
				}
			}
			return out, nil
		}, nil

	default:
		return nil, fmt.Errorf("unknown transformation %q", name)
	}
}

func sourceName(src events.SourceConfig) string {
	if src.Query != "" {
		return "custom query"
	}
	return "table " + src.Table
}

// approxSize estimates the wire size of a row batch for the bytes counters.
func approxSize(rows []row) int64 {
	var n int64
	for _, r := range rows {
		if b, err := json.Marshal(r); err == nil {
			n += int64(len(b))
		}
	}
	return n
}

