// Package store provides Store implementations backed by SQLite, MySQL, and
// an in-memory map. The SQL implementations share one statement set; only
// the schema DDL and the upsert syntax differ per dialect.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dshills/taskflow-go/flow"
	"github.com/google/uuid"
)

// dialect carries the per-database statement variants.
type dialect struct {
	name           string
	schema         []string
	upsertTemplate string
	upsertStep     string
}

// sqlStore implements flow.Store over database/sql. Writes serialize through
// a process-wide mutex held for the duration of one statement; totals are
// incremented with SQL arithmetic so parallel runs cannot lose updates.
type sqlStore struct {
	db *sql.DB
	mu sync.Mutex
	d  dialect
}

func (s *sqlStore) init(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

func jsonDump(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func jsonLoad[T any](raw sql.NullString, out *T) {
	if !raw.Valid || raw.String == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw.String), out)
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func strOrEmpty(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

// Templates

func (s *sqlStore) UpsertTemplate(ctx context.Context, tpl flow.Template) error {
	now := flow.NowISO()
	createdAt := tpl.CreatedAt
	if createdAt == "" {
		createdAt = now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, s.d.upsertTemplate,
		tpl.ID, tpl.Name, tpl.Version, tpl.Description,
		jsonDump(tpl.Graph), jsonDump(tpl.Contracts), createdAt, now)
	if err != nil {
		return fmt.Errorf("upsert template %s: %w", tpl.ID, err)
	}
	return nil
}

func (s *sqlStore) ListTemplates(ctx context.Context) ([]flow.Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, version, description, graph_json, contracts_json, created_at, updated_at
		 FROM workflow_templates ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []flow.Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetTemplate(ctx context.Context, id string) (flow.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, description, graph_json, contracts_json, created_at, updated_at
		 FROM workflow_templates WHERE id = ?`, id)
	tpl, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return flow.Template{}, flow.ErrNotFound
	}
	return tpl, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(r rowScanner) (flow.Template, error) {
	var tpl flow.Template
	var graphJSON, contractsJSON sql.NullString
	err := r.Scan(&tpl.ID, &tpl.Name, &tpl.Version, &tpl.Description,
		&graphJSON, &contractsJSON, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return flow.Template{}, err
	}
	jsonLoad(graphJSON, &tpl.Graph)
	jsonLoad(contractsJSON, &tpl.Contracts)
	return tpl, nil
}

// Runs

const runColumns = `id, task, template_id, status, constraints_json, dag_json, diagnostics_json,
	created_at, started_at, ended_at, total_prompt_tokens, total_completion_tokens,
	total_tokens, total_usd, cancel_requested, metadata_json`

func (s *sqlStore) CreateRun(ctx context.Context, run flow.Run) error {
	createdAt := run.CreatedAt
	if createdAt == "" {
		createdAt = flow.NowISO()
	}
	var dagJSON any
	if len(run.DAG.Nodes) > 0 {
		dagJSON = jsonDump(run.DAG)
	}
	diagnostics := run.Diagnostics
	if diagnostics == nil {
		diagnostics = []flow.Diagnostic{}
	}
	metadata := run.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Task, nullStr(run.TemplateID), string(run.Status),
		jsonDump(run.Constraints), dagJSON, jsonDump(diagnostics),
		createdAt, nullStr(run.StartedAt), nullStr(run.EndedAt),
		run.TotalPromptTokens, run.TotalCompletionTokens, run.TotalTokens,
		run.TotalUSD, boolToInt(run.CancelRequested), jsonDump(metadata))
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

func (s *sqlStore) ListRuns(ctx context.Context, limit int) ([]flow.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *sqlStore) ListIncompleteRuns(ctx context.Context) ([]flow.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status IN ('created', 'running') ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list incomplete runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (flow.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return flow.Run{}, flow.ErrNotFound
	}
	return run, err
}

func collectRuns(rows *sql.Rows) ([]flow.Run, error) {
	var out []flow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(r rowScanner) (flow.Run, error) {
	var run flow.Run
	var templateID, constraintsJSON, dagJSON, diagnosticsJSON, startedAt, endedAt, metadataJSON sql.NullString
	var status string
	var cancelRequested int
	err := r.Scan(&run.ID, &run.Task, &templateID, &status,
		&constraintsJSON, &dagJSON, &diagnosticsJSON,
		&run.CreatedAt, &startedAt, &endedAt,
		&run.TotalPromptTokens, &run.TotalCompletionTokens,
		&run.TotalTokens, &run.TotalUSD, &cancelRequested, &metadataJSON)
	if err != nil {
		return flow.Run{}, err
	}
	run.TemplateID = strOrEmpty(templateID)
	run.Status = flow.RunStatus(status)
	run.StartedAt = strOrEmpty(startedAt)
	run.EndedAt = strOrEmpty(endedAt)
	run.CancelRequested = cancelRequested != 0
	jsonLoad(constraintsJSON, &run.Constraints)
	jsonLoad(dagJSON, &run.DAG)
	jsonLoad(diagnosticsJSON, &run.Diagnostics)
	jsonLoad(metadataJSON, &run.Metadata)
	return run, nil
}

func (s *sqlStore) UpdateRun(ctx context.Context, id string, upd flow.RunUpdate) error {
	var sets []string
	var args []any
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, nullStr(*upd.StartedAt))
	}
	if upd.ClearEndedAt {
		sets = append(sets, "ended_at = NULL")
	} else if upd.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, nullStr(*upd.EndedAt))
	}
	if upd.CancelRequested != nil {
		sets = append(sets, "cancel_requested = ?")
		args = append(args, boolToInt(*upd.CancelRequested))
	}
	if upd.DAG != nil {
		sets = append(sets, "dag_json = ?")
		args = append(args, jsonDump(*upd.DAG))
	}
	if upd.Diagnostics != nil {
		sets = append(sets, "diagnostics_json = ?")
		args = append(args, jsonDump(*upd.Diagnostics))
	}
	if upd.Metadata != nil {
		sets = append(sets, "metadata_json = ?")
		args = append(args, jsonDump(*upd.Metadata))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	return nil
}

func (s *sqlStore) IncrementRunTotals(ctx context.Context, id string, promptTokens, completionTokens, totalTokens int, usd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET
			total_prompt_tokens = total_prompt_tokens + ?,
			total_completion_tokens = total_completion_tokens + ?,
			total_tokens = total_tokens + ?,
			total_usd = total_usd + ?
		 WHERE id = ?`,
		promptTokens, completionTokens, totalTokens, usd, id)
	if err != nil {
		return fmt.Errorf("increment run totals %s: %w", id, err)
	}
	return nil
}

// AppendDiagnostic is read-modify-write; concurrent appends may overwrite
// each other. Diagnostics are best effort.
func (s *sqlStore) AppendDiagnostic(ctx context.Context, id string, d flow.Diagnostic) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	diagnostics := append(run.Diagnostics, d)
	return s.UpdateRun(ctx, id, flow.RunUpdate{Diagnostics: &diagnostics})
}

// Steps

const stepColumns = `id, run_id, node_id, status, attempts, max_retries, started_at,
	ended_at, input_json, output_json, error_json, cost_json, logs_json`

func (s *sqlStore) UpsertStep(ctx context.Context, step flow.Step) error {
	id := step.ID
	if id == "" {
		id = uuid.NewString()
	}
	input := step.Input
	if input == nil {
		input = map[string]any{}
	}
	logs := step.Logs
	if logs == nil {
		logs = []string{}
	}
	var outputJSON, errorJSON, costJSON any
	if step.Output != nil {
		outputJSON = jsonDump(step.Output)
	}
	if step.Error != nil {
		errorJSON = jsonDump(step.Error)
	}
	if step.Cost != nil {
		costJSON = jsonDump(step.Cost)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, s.d.upsertStep,
		id, step.RunID, step.NodeID, string(step.Status),
		step.Attempts, step.MaxRetries,
		nullStr(step.StartedAt), nullStr(step.EndedAt),
		jsonDump(input), outputJSON, errorJSON, costJSON, jsonDump(logs))
	if err != nil {
		return fmt.Errorf("upsert step %s/%s: %w", step.RunID, step.NodeID, err)
	}
	return nil
}

func (s *sqlStore) GetStep(ctx context.Context, id string) (flow.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return flow.Step{}, flow.ErrNotFound
	}
	return step, err
}

func (s *sqlStore) GetStepByNode(ctx context.Context, runID, nodeID string) (flow.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND node_id = ?`, runID, nodeID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return flow.Step{}, flow.ErrNotFound
	}
	return step, err
}

func (s *sqlStore) ListSteps(ctx context.Context, runID string) ([]flow.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY started_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []flow.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func scanStep(r rowScanner) (flow.Step, error) {
	var step flow.Step
	var status string
	var startedAt, endedAt, inputJSON, outputJSON, errorJSON, costJSON, logsJSON sql.NullString
	err := r.Scan(&step.ID, &step.RunID, &step.NodeID, &status,
		&step.Attempts, &step.MaxRetries, &startedAt, &endedAt,
		&inputJSON, &outputJSON, &errorJSON, &costJSON, &logsJSON)
	if err != nil {
		return flow.Step{}, err
	}
	step.Status = flow.StepStatus(status)
	step.StartedAt = strOrEmpty(startedAt)
	step.EndedAt = strOrEmpty(endedAt)
	jsonLoad(inputJSON, &step.Input)
	jsonLoad(outputJSON, &step.Output)
	jsonLoad(errorJSON, &step.Error)
	jsonLoad(costJSON, &step.Cost)
	jsonLoad(logsJSON, &step.Logs)
	return step, nil
}

func (s *sqlStore) ResetStep(ctx context.Context, runID, stepID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET
			status = 'pending', attempts = 0, started_at = NULL, ended_at = NULL,
			output_json = NULL, error_json = NULL, cost_json = NULL
		 WHERE run_id = ? AND id = ?`, runID, stepID)
	if err != nil {
		return false, fmt.Errorf("reset step %s: %w", stepID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) ResetFailedSteps(ctx context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET
			status = 'pending', started_at = NULL, ended_at = NULL,
			output_json = NULL, error_json = NULL, cost_json = NULL
		 WHERE run_id = ? AND status = 'failed'`, runID)
	if err != nil {
		return 0, fmt.Errorf("reset failed steps %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Events

func (s *sqlStore) AppendEvent(ctx context.Context, ev flow.Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, run_id, step_id, event_type, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, nullStr(ev.StepID), ev.EventType, jsonDump(payload), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *sqlStore) ListEvents(ctx context.Context, runID, afterCreatedAt string) ([]flow.Event, error) {
	query := `SELECT id, run_id, step_id, event_type, payload_json, created_at
		 FROM events WHERE run_id = ? ORDER BY created_at, id`
	args := []any{runID}
	if afterCreatedAt != "" {
		query = `SELECT id, run_id, step_id, event_type, payload_json, created_at
			 FROM events WHERE run_id = ? AND created_at > ? ORDER BY created_at, id`
		args = append(args, afterCreatedAt)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []flow.Event
	for rows.Next() {
		var ev flow.Event
		var stepID, payloadJSON sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &stepID, &ev.EventType, &payloadJSON, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.StepID = strOrEmpty(stepID)
		jsonLoad(payloadJSON, &ev.Payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Cost ledger

func (s *sqlStore) AppendCostEntry(ctx context.Context, entry flow.CostEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := entry.CreatedAt
	if createdAt == "" {
		createdAt = flow.NowISO()
	}
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_ledger (id, run_id, step_id, app, provider, model, prompt_tokens,
			completion_tokens, total_tokens, usd, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, entry.RunID, nullStr(entry.StepID), entry.App, entry.Provider, entry.Model,
		entry.PromptTokens, entry.CompletionTokens, entry.TotalTokens, entry.USD,
		jsonDump(metadata), createdAt)
	if err != nil {
		return fmt.Errorf("append cost entry: %w", err)
	}
	return nil
}

func (s *sqlStore) ListCostEntries(ctx context.Context, runID string) ([]flow.CostEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, app, provider, model, prompt_tokens, completion_tokens,
			total_tokens, usd, metadata_json, created_at
		 FROM cost_ledger WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list cost entries: %w", err)
	}
	defer rows.Close()

	var out []flow.CostEntry
	for rows.Next() {
		var entry flow.CostEntry
		var stepID, metadataJSON sql.NullString
		if err := rows.Scan(&entry.ID, &entry.RunID, &stepID, &entry.App, &entry.Provider,
			&entry.Model, &entry.PromptTokens, &entry.CompletionTokens, &entry.TotalTokens,
			&entry.USD, &metadataJSON, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.StepID = strOrEmpty(stepID)
		jsonLoad(metadataJSON, &entry.Metadata)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
