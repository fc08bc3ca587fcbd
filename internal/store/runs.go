package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/core"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// RunStatusRunning marks a run that has been accepted but not finished.
const RunStatusRunning = "running"

// RunRecord is one row of analysis_runs.
type RunRecord struct {
	SessionID  string                 `json:"session_id"`
	RunDate    string                 `json:"run_date"`
	Mode       string                 `json:"mode"`
	Status     string                 `json:"status"`
	Summary    core.RunSummary        `json:"summary"`
	Errors     map[string]core.Errors `json:"errors,omitempty"`
	CostUSD    float64                `json:"cost_usd"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// StoryRecord is one row of story_results.
type StoryRecord struct {
	SessionID  string           `json:"session_id"`
	StoryKey   string           `json:"story_key"`
	Category   string           `json:"category"`
	Headline   string           `json:"headline"`
	Synthesis  string           `json:"synthesis,omitempty"`
	ErrorCount int              `json:"error_count"`
	Result     core.StoryResult `json:"result"`
}

// ListFilter narrows ListRuns.
type ListFilter struct {
	Statuses []string
	Limit    uint64
	Offset   uint64
}

var runColumns = []string{
	"session_id", "run_date", "mode", "status", "summary", "errors", "cost_usd", "started_at", "finished_at",
}

// MarkRunStarted records a run that is about to execute.
func (s *Store) MarkRunStarted(ctx context.Context, sessionID, date, mode string) error {
	query, args, err := s.sb.Insert("analysis_runs").
		Columns("session_id", "run_date", "mode", "status", "started_at").
		Values(sessionID, date, mode, RunStatusRunning, time.Now().UTC()).
		Suffix("ON CONFLICT (session_id) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// SaveRun upserts the run row and replaces its story results in one
// transaction.
func (s *Store) SaveRun(ctx context.Context, report core.RunReport) (err error) {
	summary, err := json.Marshal(report.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	runErrors, err := json.Marshal(report.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query, args, err := s.sb.Insert("analysis_runs").
		Columns(runColumns...).
		Values(report.SessionID, report.Date, report.Mode, report.Summary.Status, summary, runErrors,
			report.Summary.CostUSD, report.StartedAt, report.FinishedAt).
		Suffix(`ON CONFLICT (session_id) DO UPDATE SET
  status = EXCLUDED.status,
  summary = EXCLUDED.summary,
  errors = EXCLUDED.errors,
  cost_usd = EXCLUDED.cost_usd,
  finished_at = EXCLUDED.finished_at`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	query, args, err = s.sb.Delete("story_results").Where(sq.Eq{"session_id": report.SessionID}).ToSql()
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("clear stories: %w", err)
	}

	if len(report.Results) > 0 {
		insert := s.sb.Insert("story_results").
			Columns("session_id", "story_key", "category", "headline", "synthesis", "result", "error_count")
		for _, key := range sortedKeys(report.Results) {
			r := report.Results[key]
			result, mErr := json.Marshal(r)
			if mErr != nil {
				return fmt.Errorf("marshal story %s: %w", key, mErr)
			}
			insert = insert.Values(report.SessionID, key, r.Story.Category, r.Story.DisplayHeadline(), r.Synthesis, result, len(r.Errors))
		}
		query, args, err = insert.ToSql()
		if err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert stories: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	metricsOnce.Do(initStoreMetrics)
	attrs := otelmetric.WithAttributes(attribute.String("status", report.Summary.Status))
	if runsCounter != nil {
		runsCounter.Add(ctx, 1, attrs)
	}
	if costCounter != nil && report.Summary.CostUSD > 0 {
		costCounter.Add(ctx, report.Summary.CostUSD, attrs)
	}
	if tokenCounter != nil && report.Summary.Tokens > 0 {
		tokenCounter.Add(ctx, report.Summary.Tokens, attrs)
	}
	return nil
}

// GetRun returns the run with sessionID.
func (s *Store) GetRun(ctx context.Context, sessionID string) (RunRecord, bool, error) {
	query, args, err := s.sb.Select(runColumns...).From("analysis_runs").
		Where(sq.Eq{"session_id": sessionID}).ToSql()
	if err != nil {
		return RunRecord{}, false, err
	}
	rec, err := scanRun(s.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return rec, true, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, f ListFilter) ([]RunRecord, error) {
	if f.Limit == 0 || f.Limit > 200 {
		f.Limit = 50
	}
	b := s.sb.Select(runColumns...).From("analysis_runs").
		OrderBy("started_at DESC").Limit(f.Limit).Offset(f.Offset)
	if len(f.Statuses) > 0 {
		b = b.Where("status = ANY(?)", pq.Array(f.Statuses))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListStories returns the stories of a run, optionally limited to categories.
func (s *Store) ListStories(ctx context.Context, sessionID string, categories ...string) ([]StoryRecord, error) {
	b := s.sb.Select("session_id", "story_key", "category", "headline", "synthesis", "error_count", "result").
		From("story_results").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("story_key")
	if len(categories) > 0 {
		b = b.Where("category = ANY(?)", pq.StringArray(categories))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	var out []StoryRecord
	for rows.Next() {
		var (
			rec       StoryRecord
			synthesis sql.NullString
			raw       []byte
		)
		if err := rows.Scan(&rec.SessionID, &rec.StoryKey, &rec.Category, &rec.Headline, &synthesis, &rec.ErrorCount, &raw); err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		rec.Synthesis = synthesis.String
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &rec.Result); err != nil {
				return nil, fmt.Errorf("decode story %s: %w", rec.StoryKey, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var (
		rec       RunRecord
		runDate   time.Time
		summary   []byte
		runErrors []byte
		cost      sql.NullFloat64
		finished  sql.NullTime
	)
	if err := row.Scan(&rec.SessionID, &runDate, &rec.Mode, &rec.Status, &summary, &runErrors, &cost, &rec.StartedAt, &finished); err != nil {
		return RunRecord{}, err
	}
	rec.RunDate = runDate.Format("2006-01-02")
	rec.CostUSD = cost.Float64
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &rec.Summary); err != nil {
			return RunRecord{}, fmt.Errorf("decode summary: %w", err)
		}
	}
	if len(runErrors) > 0 {
		if err := json.Unmarshal(runErrors, &rec.Errors); err != nil {
			return RunRecord{}, fmt.Errorf("decode errors: %w", err)
		}
	}
	return rec, nil
}

func sortedKeys(m map[string]core.StoryResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
