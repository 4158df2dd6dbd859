// Package bootstrap seeds the feature store from a historical creatinine
// CSV the first time the service starts against an empty database.
package bootstrap

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"akidetect/internal/store"
	"akidetect/pkg/logging"
)

// Importer is the store surface the loader needs.
type Importer interface {
	CountPatients(ctx context.Context) (int, error)
	ImportAggregates(ctx context.Context, aggregates []store.HistoricalAggregate) error
}

// Run imports the historical CSV when the store is empty. A populated store
// or an absent file skips the import; a malformed file is an error, which
// the caller treats as fatal at startup.
func Run(ctx context.Context, importer Importer, csvPath string, logger logging.Logger) error {
	count, err := importer.CountPatients(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: probe store: %w", err)
	}
	if count > 0 {
		logger.WithField("patients", count).Info("Feature store already populated; skipping bootstrap")
		return nil
	}

	f, err := os.Open(csvPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.WithField("path", csvPath).Info("No historical CSV found; starting with an empty feature store")
		return nil
	}
	if err != nil {
		return fmt.Errorf("bootstrap: open %s: %w", csvPath, err)
	}
	defer f.Close()

	aggregates, err := parseHistory(f)
	if err != nil {
		return fmt.Errorf("bootstrap: parse %s: %w", csvPath, err)
	}

	if err := importer.ImportAggregates(ctx, aggregates); err != nil {
		return fmt.Errorf("bootstrap: import aggregates: %w", err)
	}
	logger.WithField("patients", len(aggregates)).Info("Bootstrapped feature store from historical CSV")
	return nil
}

// parseHistory reads the history dump. Each row is an identity followed by
// (date, value) column pairs; rows have varying widths and blank pairs are
// ignored.
func parseHistory(r io.Reader) ([]store.HistoricalAggregate, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	// Header row: mrn,creatinine_date_0,creatinine_result_0,...
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var aggregates []store.HistoricalAggregate
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line+1, err)
		}
		line++

		identity := strings.TrimSpace(row[0])
		if identity == "" {
			continue
		}

		agg, ok, err := aggregateRow(identity, row[1:])
		if err != nil {
			return nil, fmt.Errorf("row %d (%s): %w", line, identity, err)
		}
		if ok {
			aggregates = append(aggregates, agg)
		}
	}
	return aggregates, nil
}

// aggregateRow folds one patient's (date, value) pairs into the summary the
// feature store expects. The standard deviation is the population form
// (divisor N), matching how the historical dump was summarised.
func aggregateRow(identity string, cells []string) (store.HistoricalAggregate, bool, error) {
	var (
		values []float64
		lastAt string
		lastV  float64
	)

	for i := 0; i+1 < len(cells); i += 2 {
		date := strings.TrimSpace(cells[i])
		raw := strings.TrimSpace(cells[i+1])
		if date == "" || raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return store.HistoricalAggregate{}, false, fmt.Errorf("bad creatinine value %q", raw)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return store.HistoricalAggregate{}, false, fmt.Errorf("non-finite creatinine value %q", raw)
		}
		values = append(values, v)
		// Timestamps sort lexicographically in both dump encodings.
		if date >= lastAt {
			lastAt = date
			lastV = v
		}
	}

	if len(values) == 0 {
		return store.HistoricalAggregate{}, false, nil
	}

	minV, maxV := values[0], values[0]
	sum := 0.0
	for _, v := range values {
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	return store.HistoricalAggregate{
		Identity:     identity,
		Min:          minV,
		Max:          maxV,
		Mean:         mean,
		StdDev:       math.Sqrt(variance),
		LastResult:   lastV,
		LastResultAt: lastAt,
		SampleCount:  len(values),
	}, true, nil
}
