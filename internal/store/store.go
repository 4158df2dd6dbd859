// Package store is the durable feature store: the only owner of the patient
// and feature relations. Every other component receives snapshot copies and
// writes back through it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"akidetect/internal/models"
	"akidetect/pkg/database"
	"akidetect/pkg/logging"
	"akidetect/pkg/monitoring"
)

// ErrUnknownPatient is returned when an operation requires an existing
// admission row and none is present.
var ErrUnknownPatient = errors.New("store: unknown patient")

// ConstraintError reports a schema constraint violation (bad enum value,
// non-positive age). These indicate a caller bug, not an I/O fault.
type ConstraintError struct {
	Op  string
	Err error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("store: %s violated a constraint: %v", e.Op, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

// Store wraps the SQLite handle with the feature-store operations. The pool
// is capped at a single connection, so writers serialize here.
type Store struct {
	db      *sql.DB
	logger  logging.Logger
	metrics *monitoring.Metrics
}

// New creates a Store around an open database handle.
func New(db *sql.DB, logger logging.Logger, metrics *monitoring.Metrics) *Store {
	return &Store{db: db, logger: logger, metrics: metrics}
}

// instrument runs one store operation, feeding the database counters and
// latency histogram, and classifies constraint violations.
func (s *Store) instrument(op string, fn func() error) error {
	start := time.Now()
	err := fn()

	status := "success"
	if err != nil {
		status = "error"
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			err = &ConstraintError{Op: op, Err: err}
		}
	}
	if s.metrics != nil {
		s.metrics.DatabaseOps.WithLabelValues(op, status).Inc()
		s.metrics.DatabaseOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return err
}

// LookupFeature returns a snapshot of the feature record, or nil when the
// patient is unknown.
func (s *Store) LookupFeature(ctx context.Context, identity string) (*models.FeatureRecord, error) {
	var rec *models.FeatureRecord
	err := s.instrument("lookup_feature", func() error {
		var lookupErr error
		rec, lookupErr = scanFeature(s.db.QueryRowContext(ctx, selectFeatureSQL, identity), identity)
		return lookupErr
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ApplyAdmission records an admission. For an unknown patient it creates
// both rows with empty features and returns nil. For a known patient it sets
// the status to admitted, merges the provided demographics (nil means
// no-change), recomputes readiness and returns the updated snapshot.
func (s *Store) ApplyAdmission(ctx context.Context, identity string, sex *models.Sex, age *int) (*models.FeatureRecord, error) {
	var rec *models.FeatureRecord
	err := s.instrument("apply_admission", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			existing, err := scanFeature(tx.QueryRowContext(ctx, selectFeatureSQL, identity), identity)
			if err != nil {
				return err
			}

			if existing == nil {
				if err := insertPatient(ctx, tx, identity, models.StatusAdmitted); err != nil {
					return err
				}
				seed := models.FeatureRecord{Identity: identity, Sex: sex, Age: age}
				seed.ReadyForInference = seed.Complete()
				return insertFeature(ctx, tx, seed)
			}

			// Scoped to the one patient being admitted.
			if _, err := tx.ExecContext(ctx,
				`UPDATE patients SET admission_status = ? WHERE pid = ?`,
				models.StatusAdmitted, identity); err != nil {
				return fmt.Errorf("update admission status: %w", err)
			}

			next := *existing
			if sex != nil {
				next.Sex = sex
			}
			if age != nil {
				next.Age = age
			}
			next.ReadyForInference = next.Complete()
			if err := updateFeature(ctx, tx, next); err != nil {
				return err
			}
			rec = &next
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ApplyLabResult bridges lab-first arrivals. For an unknown patient it
// creates a pending admission row plus a single-sample feature row and
// returns nil, so the caller knows no prior history exists. For a known
// patient it returns the current snapshot unchanged; aggregation happens in
// the caller and is persisted with CommitFeature.
func (s *Store) ApplyLabResult(ctx context.Context, identity string, value float64, observedAt string) (*models.FeatureRecord, error) {
	var rec *models.FeatureRecord
	err := s.instrument("apply_lab_result", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			existing, err := scanFeature(tx.QueryRowContext(ctx, selectFeatureSQL, identity), identity)
			if err != nil {
				return err
			}
			if existing != nil {
				rec = existing
				return nil
			}

			if err := insertPatient(ctx, tx, identity, models.StatusPending); err != nil {
				return err
			}
			seed := models.FeatureRecord{
				Identity:     identity,
				Min:          &value,
				Max:          &value,
				Mean:         &value,
				StdDev:       new(float64),
				LastResult:   &value,
				LastResultAt: &observedAt,
				SampleCount:  1,
			}
			return insertFeature(ctx, tx, seed)
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CommitFeature overwrites the feature record for the identity. The patient
// must already exist; commits against unknown identities fail with
// ErrUnknownPatient and must not be acknowledged upstream.
func (s *Store) CommitFeature(ctx context.Context, identity string, rec models.FeatureRecord) error {
	return s.instrument("commit_feature", func() error {
		rec.Identity = identity
		res, err := s.db.ExecContext(ctx, updateFeatureSQL,
			nullableSex(rec.Sex), nullableInt(rec.Age),
			rec.Min, rec.Max, rec.Mean, rec.StdDev,
			rec.LastResult, rec.LastResultAt,
			rec.SampleCount, rec.ReadyForInference,
			identity)
		if err != nil {
			return fmt.Errorf("commit feature: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("commit feature: %w", err)
		}
		if affected == 0 {
			return ErrUnknownPatient
		}
		return nil
	})
}

// Discharge marks the patient discharged. The feature record is untouched.
// Discharges for unknown identities are a no-op.
func (s *Store) Discharge(ctx context.Context, identity string) error {
	return s.instrument("discharge", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE patients SET admission_status = ? WHERE pid = ?`,
			models.StatusDischarged, identity)
		if err != nil {
			return fmt.Errorf("discharge: %w", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 0 {
			s.logger.WithField("identity", identity).Debug("Discharge for unknown patient ignored")
		}
		return nil
	})
}

// Purge deletes the admission row; the feature row goes with it by cascade.
func (s *Store) Purge(ctx context.Context, identity string) error {
	return s.instrument("purge", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM patients WHERE pid = ?`, identity); err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		return nil
	})
}

// CountPatients reports how many patients the store holds. The bootstrap
// loader uses it as its emptiness probe.
func (s *Store) CountPatients(ctx context.Context) (int, error) {
	var count int
	err := s.instrument("count_patients", func() error {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patients`).Scan(&count); err != nil {
			return fmt.Errorf("count patients: %w", err)
		}
		return nil
	})
	return count, err
}

// HistoricalAggregate is one patient's precomputed lab history, as produced
// by the bootstrap loader.
type HistoricalAggregate struct {
	Identity     string
	Min          float64
	Max          float64
	Mean         float64
	StdDev       float64
	LastResult   float64
	LastResultAt string
	SampleCount  int
}

// ImportAggregates bulk-seeds the store in a single transaction. Patients
// are created pending with no demographics, so nothing imported here is
// ready for inference until an admission arrives.
func (s *Store) ImportAggregates(ctx context.Context, aggregates []HistoricalAggregate) error {
	return s.instrument("import_aggregates", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			for i := range aggregates {
				agg := &aggregates[i]
				if err := insertPatient(ctx, tx, agg.Identity, models.StatusPending); err != nil {
					return err
				}
				rec := models.FeatureRecord{
					Identity:     agg.Identity,
					Min:          &agg.Min,
					Max:          &agg.Max,
					Mean:         &agg.Mean,
					StdDev:       &agg.StdDev,
					LastResult:   &agg.LastResult,
					LastResultAt: &agg.LastResultAt,
					SampleCount:  agg.SampleCount,
				}
				if err := insertFeature(ctx, tx, rec); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const selectFeatureSQL = `
SELECT sex, age, min_result, max_result, mean_result, std_dev,
       last_result, last_result_at, sample_count, ready_for_inference
FROM features WHERE pid = ?`

const insertFeatureSQL = `
INSERT INTO features (pid, sex, age, min_result, max_result, mean_result,
                      std_dev, last_result, last_result_at, sample_count,
                      ready_for_inference)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const updateFeatureSQL = `
UPDATE features
SET sex = ?, age = ?, min_result = ?, max_result = ?, mean_result = ?,
    std_dev = ?, last_result = ?, last_result_at = ?, sample_count = ?,
    ready_for_inference = ?
WHERE pid = ?`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFeature(row rowScanner, identity string) (*models.FeatureRecord, error) {
	var (
		sex          sql.NullInt64
		age          sql.NullInt64
		minResult    sql.NullFloat64
		maxResult    sql.NullFloat64
		meanResult   sql.NullFloat64
		stdDev       sql.NullFloat64
		lastResult   sql.NullFloat64
		lastResultAt sql.NullString
		sampleCount  int
		ready        bool
	)

	err := row.Scan(&sex, &age, &minResult, &maxResult, &meanResult, &stdDev,
		&lastResult, &lastResultAt, &sampleCount, &ready)
	if errors.Is(err, database.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan feature record: %w", err)
	}

	rec := &models.FeatureRecord{
		Identity:          identity,
		SampleCount:       sampleCount,
		ReadyForInference: ready,
	}
	if sex.Valid {
		v := models.Sex(sex.Int64)
		rec.Sex = &v
	}
	if age.Valid {
		v := int(age.Int64)
		rec.Age = &v
	}
	if minResult.Valid {
		rec.Min = &minResult.Float64
	}
	if maxResult.Valid {
		rec.Max = &maxResult.Float64
	}
	if meanResult.Valid {
		rec.Mean = &meanResult.Float64
	}
	if stdDev.Valid {
		rec.StdDev = &stdDev.Float64
	}
	if lastResult.Valid {
		rec.LastResult = &lastResult.Float64
	}
	if lastResultAt.Valid {
		rec.LastResultAt = &lastResultAt.String
	}
	return rec, nil
}

func insertPatient(ctx context.Context, tx *sql.Tx, identity string, status models.AdmissionStatus) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO patients (pid, admission_status) VALUES (?, ?)`,
		identity, status); err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func insertFeature(ctx context.Context, tx *sql.Tx, rec models.FeatureRecord) error {
	if _, err := tx.ExecContext(ctx, insertFeatureSQL,
		rec.Identity,
		nullableSex(rec.Sex), nullableInt(rec.Age),
		rec.Min, rec.Max, rec.Mean, rec.StdDev,
		rec.LastResult, rec.LastResultAt,
		rec.SampleCount, rec.ReadyForInference); err != nil {
		return fmt.Errorf("insert feature: %w", err)
	}
	return nil
}

func updateFeature(ctx context.Context, tx *sql.Tx, rec models.FeatureRecord) error {
	if _, err := tx.ExecContext(ctx, updateFeatureSQL,
		nullableSex(rec.Sex), nullableInt(rec.Age),
		rec.Min, rec.Max, rec.Mean, rec.StdDev,
		rec.LastResult, rec.LastResultAt,
		rec.SampleCount, rec.ReadyForInference,
		rec.Identity); err != nil {
		return fmt.Errorf("update feature: %w", err)
	}
	return nil
}

func nullableSex(s *models.Sex) interface{} {
	if s == nil {
		return nil
	}
	return int64(*s)
}

func nullableInt(i *int) interface{} {
	if i == nil {
		return nil
	}
	return int64(*i)
}
