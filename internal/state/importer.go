package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/financehub/syncd/internal/automator"
)

// DupAction is the configured policy for rows matching an existing
// duplicate key.
type DupAction string

// Duplicate actions.
const (
	DupSkip   DupAction = "skip"   // count as duplicate, do not write
	DupUpdate DupAction = "update" // overwrite non-key columns in place
	DupAllow  DupAction = "allow"  // insert unconditionally
)

// ParseDupAction converts a config string into a DupAction.
func ParseDupAction(raw string) (DupAction, error) {
	switch DupAction(raw) {
	case DupSkip, DupUpdate, DupAllow:
		return DupAction(raw), nil
	default:
		return "", fmt.Errorf("state: unknown duplicate action %q (want skip, update, or allow)", raw)
	}
}

// ImportResult summarizes one import batch. Errors holds per-row failures;
// a row failing never aborts the rest of the batch.
type ImportResult struct {
	Inserted   int
	Updated    int
	Skipped    int
	Duplicates int
	Errors     []error
}

// identRe restricts table and column names interpolated into SQL. Config
// validation enforces the same shape, but rows arrive from automators at
// runtime and get the same guard.
var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ImportSpec describes where a batch lands and how duplicates are handled.
type ImportSpec struct {
	Table      string
	EntityID   string    // stamped onto every row's entity_id column
	KeyColumns []string  // composite duplicate key; empty disables matching
	Action     DupAction // policy when a key match is found
}

// EnsureDupIndex creates the composite index backing duplicate lookups for
// a table's key columns, if it does not already exist. Called when a key
// is first configured so lookups stay sub-linear as tables grow.
func (s *Store) EnsureDupIndex(ctx context.Context, table string, keyColumns []string) error {
	if len(keyColumns) == 0 {
		return nil
	}

	if err := validateIdents(table, keyColumns); err != nil {
		return err
	}

	name := fmt.Sprintf("idx_%s_dupkey", table)
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		name, table, strings.Join(keyColumns, ", "))

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("state: creating duplicate index on %s: %w", table, err)
	}

	s.logger.Debug("duplicate index ensured",
		slog.String("table", table),
		slog.String("columns", strings.Join(keyColumns, ",")),
	)

	return nil
}

// ImportRows writes a fetched batch into the spec's table, applying the
// duplicate policy per row. Row-level failures (unknown column, constraint
// violation) are collected in the result and do not abort the batch.
func (s *Store) ImportRows(
	ctx context.Context, spec ImportSpec, rows []automator.Row,
) (ImportResult, error) {
	var result ImportResult

	if err := validateIdents(spec.Table, spec.KeyColumns); err != nil {
		return result, err
	}

	for i, row := range rows {
		if err := s.importRow(ctx, spec, row, &result); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("row %d: %w", i, err))
		}
	}

	s.logger.Info("import batch finished",
		slog.String("table", spec.Table),
		slog.String("entity_id", spec.EntityID),
		slog.Int("rows", len(rows)),
		slog.Int("inserted", result.Inserted),
		slog.Int("updated", result.Updated),
		slog.Int("skipped", result.Skipped),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("errors", len(result.Errors)),
	)

	return result, nil
}

// importRow applies the duplicate policy to a single row and writes it.
func (s *Store) importRow(
	ctx context.Context, spec ImportSpec, row automator.Row, result *ImportResult,
) error {
	cols, vals, err := rowColumns(row)
	if err != nil {
		return err
	}

	// No key configured, or allow policy: insert unconditionally.
	if len(spec.KeyColumns) == 0 || spec.Action == DupAllow {
		if err := s.insertRow(ctx, spec, cols, vals); err != nil {
			return err
		}

		result.Inserted++

		return nil
	}

	existingID, found, err := s.lookupDuplicate(ctx, spec, row)
	if err != nil {
		return err
	}

	if !found {
		if err := s.insertRow(ctx, spec, cols, vals); err != nil {
			return err
		}

		result.Inserted++

		return nil
	}

	result.Duplicates++

	switch spec.Action {
	case DupSkip:
		result.Skipped++
		return nil

	case DupUpdate:
		if err := s.updateRow(ctx, spec, existingID, row); err != nil {
			return err
		}

		result.Updated++

		return nil

	default:
		return fmt.Errorf("state: unhandled duplicate action %q", spec.Action)
	}
}

// lookupDuplicate finds an existing row matching the key-column values.
// Uses IS for null-safe comparison: a row missing a key column matches
// stored NULLs, not nothing.
func (s *Store) lookupDuplicate(
	ctx context.Context, spec ImportSpec, row automator.Row,
) (id int64, found bool, err error) {
	conds := make([]string, 0, len(spec.KeyColumns)+1)
	args := make([]any, 0, len(spec.KeyColumns)+1)

	conds = append(conds, "entity_id = ?")
	args = append(args, spec.EntityID)

	for _, col := range spec.KeyColumns {
		conds = append(conds, col+" IS ?")
		args = append(args, row[col])
	}

	query := fmt.Sprintf("SELECT id FROM %s WHERE %s LIMIT 1",
		spec.Table, strings.Join(conds, " AND "))

	err = s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("state: duplicate lookup in %s: %w", spec.Table, err)
	}

	return id, true, nil
}

// insertRow inserts one row plus the entity_id and created_at stamps.
func (s *Store) insertRow(ctx context.Context, spec ImportSpec, cols []string, vals []any) error {
	allCols := append([]string{"entity_id", "created_at"}, cols...)
	allVals := append([]any{spec.EntityID, s.nowFunc().Unix()}, vals...)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(allCols)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		spec.Table, strings.Join(allCols, ", "), placeholders)

	if _, err := s.db.ExecContext(ctx, stmt, allVals...); err != nil {
		return fmt.Errorf("state: inserting into %s: %w", spec.Table, err)
	}

	return nil
}

// updateRow overwrites the non-key columns of an existing row in place.
func (s *Store) updateRow(ctx context.Context, spec ImportSpec, id int64, row automator.Row) error {
	keySet := make(map[string]bool, len(spec.KeyColumns))
	for _, col := range spec.KeyColumns {
		keySet[col] = true
	}

	var (
		sets []string
		args []any
	)

	for _, col := range sortedColumns(row) {
		if keySet[col] {
			continue
		}

		sets = append(sets, col+" = ?")
		args = append(args, row[col])
	}

	// Key-only rows have nothing to overwrite.
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", spec.Table, strings.Join(sets, ", "))

	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("state: updating row %d in %s: %w", id, spec.Table, err)
	}

	return nil
}

// CountRows returns the number of rows stored for an entity in a table.
func (s *Store) CountRows(ctx context.Context, table, entityID string) (int, error) {
	if err := validateIdents(table, nil); err != nil {
		return 0, err
	}

	var n int

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE entity_id = ?", table)
	if err := s.db.QueryRowContext(ctx, query, entityID).Scan(&n); err != nil {
		return 0, fmt.Errorf("state: counting rows in %s: %w", table, err)
	}

	return n, nil
}

// rowColumns splits a row map into parallel column/value slices with
// deterministic ordering, rejecting non-identifier column names.
func rowColumns(row automator.Row) ([]string, []any, error) {
	cols := sortedColumns(row)
	vals := make([]any, 0, len(cols))

	for _, col := range cols {
		if !identRe.MatchString(col) {
			return nil, nil, fmt.Errorf("state: invalid column name %q", col)
		}

		vals = append(vals, row[col])
	}

	return cols, vals, nil
}

// sortedColumns returns the row's column names in sorted order.
func sortedColumns(row automator.Row) []string {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}

	sort.Strings(cols)

	return cols
}

// validateIdents rejects table or column names that are not plain
// identifiers. These names are interpolated into SQL text.
func validateIdents(table string, columns []string) error {
	if !identRe.MatchString(table) {
		return fmt.Errorf("state: invalid table name %q", table)
	}

	for _, col := range columns {
		if !identRe.MatchString(col) {
			return fmt.Errorf("state: invalid column name %q", col)
		}
	}

	return nil
}
