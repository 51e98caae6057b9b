package recon

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"ledgerswap/observability"
	"ledgerswap/services/swapd/orchestrator"
	"ledgerswap/services/swapd/settlement"
	"ledgerswap/services/swapd/storage"
)

// Lister loads recorded settlements by status.
type Lister interface {
	ListSettlements(ctx context.Context, status string, limit int) ([]storage.Settlement, error)
}

// Resumer drives a recorded settlement forward.
type Resumer interface {
	Reconcile(ctx context.Context, ref string) (orchestrator.Result, error)
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Store     Lister
	Swaps     Resumer
	OutputDir string
	// MinAge skips Pending settlements updated more recently than this, so a
	// swap still inside its own request is left alone.
	MinAge    time.Duration
	BatchSize int
	DryRun    bool
	Now       func() time.Time
	Logger    *slog.Logger
}

// RunOptions overrides the configured behaviour for one run.
type RunOptions struct {
	DryRun bool
}

// Reconciler resumes Pending settlements and exports the ones that still need
// an operator.
type Reconciler struct {
	store     Lister
	swaps     Resumer
	outputDir string
	minAge    time.Duration
	batch     int
	dryRun    bool
	now       func() time.Time
	logger    *slog.Logger
}

// ReportRow summarises one unresolved settlement.
type ReportRow struct {
	Ref           string
	Direction     string
	Requester     string
	SourceAsset   string
	TargetAsset   string
	SourceAmount  string
	TargetAmount  string
	Rate          string
	Status        string
	ErrorKind     string
	Detail        string
	ConfirmedLegs []int
	TxIDs         []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Age           time.Duration
}

// ReportFile references the CSV and Parquet artefacts of a run.
type ReportFile struct {
	CSVPath     string
	ParquetPath string
	Count       int
}

// Result summarises a reconciliation run. A dry run fills Candidates with
// the refs it would have resumed and resumes none of them.
type Result struct {
	RanAt      time.Time
	Candidates []string
	Resumed    int
	Confirmed  int
	Failed     int
	Errors     int
	Rows       []*ReportRow
	Files      []ReportFile
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	if cfg.Swaps == nil {
		return nil, errors.New("recon: resumer is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("swapd-data", "recon")
	}
	minAge := cfg.MinAge
	if minAge <= 0 {
		minAge = 5 * time.Minute
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		store:     cfg.Store,
		swaps:     cfg.Swaps,
		outputDir: outputDir,
		minAge:    minAge,
		batch:     batch,
		dryRun:    cfg.DryRun,
		now:       nowFn,
		logger:    logger,
	}, nil
}

// Run resumes every Pending settlement old enough to be abandoned, then
// writes the settlements that remain Pending or PartiallyConfirmed to the
// report files. A dry run neither signs nor writes anything.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	dryRun := r.dryRun || opts.DryRun
	now := r.now()
	result := &Result{RanAt: now}

	pending, err := r.store.ListSettlements(ctx, string(settlement.Pending), r.batch)
	if err != nil {
		return nil, fmt.Errorf("recon: list pending: %w", err)
	}
	for _, rec := range pending {
		if now.Sub(rec.UpdatedAt) < r.minAge {
			continue
		}
		if dryRun {
			result.Candidates = append(result.Candidates, rec.Ref)
			continue
		}
		res, err := r.swaps.Reconcile(ctx, rec.Ref)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result.Errors++
			r.logger.Warn("recon resume failed", "ref", rec.Ref, "error", err)
			continue
		}
		result.Resumed++
		switch res.Outcome.Status {
		case settlement.Confirmed:
			result.Confirmed++
		case settlement.Failed:
			result.Failed++
		}
	}

	unresolved := map[settlement.Status]int{}
	for _, status := range []settlement.Status{settlement.PartiallyConfirmed, settlement.Pending} {
		recs, err := r.store.ListSettlements(ctx, string(status), r.batch)
		if err != nil {
			return nil, fmt.Errorf("recon: list %s: %w", status, err)
		}
		unresolved[status] = len(recs)
		for _, rec := range recs {
			if status == settlement.Pending && now.Sub(rec.UpdatedAt) < r.minAge {
				continue
			}
			result.Rows = append(result.Rows, r.row(rec, now))
		}
	}
	for status, count := range unresolved {
		observability.SwapSettlement().SetUnresolved(string(status), count)
	}

	if !dryRun && len(result.Rows) > 0 {
		runDir := filepath.Join(r.outputDir, now.Format("20060102T150405Z"))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: ensure output dir: %w", err)
		}
		file, err := r.writeReportFiles(runDir, result.Rows)
		if err != nil {
			return nil, err
		}
		result.Files = append(result.Files, file)
	}
	r.logger.Info("recon run complete",
		"resumed", result.Resumed,
		"confirmed", result.Confirmed,
		"failed", result.Failed,
		"errors", result.Errors,
		"unresolved", len(result.Rows))
	return result, nil
}

func (r *Reconciler) row(rec storage.Settlement, now time.Time) *ReportRow {
	row := &ReportRow{
		Ref:          rec.Ref,
		Direction:    rec.Direction,
		Requester:    rec.Requester,
		SourceAsset:  rec.SourceAsset,
		TargetAsset:  rec.TargetAsset,
		SourceAmount: rec.SourceAmount,
		TargetAmount: rec.TargetAmount,
		Rate:         rec.Rate,
		Status:       rec.Status,
		ErrorKind:    rec.ErrorKind,
		CreatedAt:    rec.CreatedAt.UTC(),
		UpdatedAt:    rec.UpdatedAt.UTC(),
		Age:          durationSince(rec.CreatedAt, now),
	}
	if rec.Outcome == "" {
		row.Detail = "no recorded legs"
		return row
	}
	var out settlement.Outcome
	if err := json.Unmarshal([]byte(rec.Outcome), &out); err != nil {
		r.logger.Warn("recon decode outcome failed", "ref", rec.Ref, "error", err)
		row.Detail = "undecodable outcome"
		return row
	}
	row.ConfirmedLegs = out.ConfirmedLegs()
	row.TxIDs = out.TxIDs()
	if out.Err != nil {
		row.Detail = out.Err.Error()
	}
	return row
}

func (r *Reconciler) writeReportFiles(baseDir string, rows []*ReportRow) (ReportFile, error) {
	csvPath := filepath.Join(baseDir, "unresolved.csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return ReportFile{}, err
	}
	parquetPath := filepath.Join(baseDir, "unresolved.parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return ReportFile{}, err
	}
	r.logger.Info("recon report written", "csv", csvPath, "parquet", parquetPath, "rows", len(rows))
	return ReportFile{CSVPath: csvPath, ParquetPath: parquetPath, Count: len(rows)}, nil
}

var csvHeader = []string{
	"ref", "direction", "requester", "source_asset", "target_asset", "source_amount", "target_amount", "rate",
	"status", "error_kind", "detail", "confirmed_legs", "tx_ids", "created_at", "updated_at", "age_minutes",
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.Ref,
			row.Direction,
			row.Requester,
			row.SourceAsset,
			row.TargetAsset,
			row.SourceAmount,
			row.TargetAmount,
			row.Rate,
			row.Status,
			row.ErrorKind,
			row.Detail,
			joinInts(row.ConfirmedLegs),
			strings.Join(row.TxIDs, ";"),
			row.CreatedAt.Format(time.RFC3339),
			row.UpdatedAt.Format(time.RFC3339),
			fmt.Sprintf("%.2f", row.Age.Minutes()),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	Ref           string  `parquet:"name=ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	Direction     string  `parquet:"name=direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	Requester     string  `parquet:"name=requester, type=BYTE_ARRAY, convertedtype=UTF8"`
	SourceAsset   string  `parquet:"name=source_asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	TargetAsset   string  `parquet:"name=target_asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	SourceAmount  string  `parquet:"name=source_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	TargetAmount  string  `parquet:"name=target_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rate          string  `parquet:"name=rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status        string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	ErrorKind     string  `parquet:"name=error_kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Detail        string  `parquet:"name=detail, type=BYTE_ARRAY, convertedtype=UTF8"`
	ConfirmedLegs string  `parquet:"name=confirmed_legs, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxIDs         string  `parquet:"name=tx_ids, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt     int64   `parquet:"name=created_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	UpdatedAt     int64   `parquet:"name=updated_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	AgeMinutes    float64 `parquet:"name=age_minutes, type=DOUBLE"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			Ref:           row.Ref,
			Direction:     row.Direction,
			Requester:     row.Requester,
			SourceAsset:   row.SourceAsset,
			TargetAsset:   row.TargetAsset,
			SourceAmount:  row.SourceAmount,
			TargetAmount:  row.TargetAmount,
			Rate:          row.Rate,
			Status:        row.Status,
			ErrorKind:     row.ErrorKind,
			Detail:        row.Detail,
			ConfirmedLegs: joinInts(row.ConfirmedLegs),
			TxIDs:         strings.Join(row.TxIDs, ";"),
			CreatedAt:     row.CreatedAt.UnixMilli(),
			UpdatedAt:     row.UpdatedAt.UnixMilli(),
			AgeMinutes:    row.Age.Minutes(),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ";")
}

func durationSince(start, now time.Time) time.Duration {
	if start.IsZero() || now.Before(start) {
		return 0
	}
	return now.Sub(start)
}
