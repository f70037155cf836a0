package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/storage"
)

// querier abstracts *sql.DB and *sql.Tx so the row-store surface works
// identically inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// FindOne returns the first row matching where, or gateway.ErrNotFound.
func (s *Store) FindOne(ctx context.Context, table string, where storage.Where) (storage.Row, error) {
	rows, err := s.FindMany(ctx, table, storage.Query{Where: where, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, gateway.ErrNotFound
	}
	return rows[0], nil
}

// FindMany returns rows matching the query.
func (s *Store) FindMany(ctx context.Context, table string, q storage.Query) ([]storage.Row, error) {
	return findMany(ctx, s.read, table, q)
}

// Create inserts a row.
func (s *Store) Create(ctx context.Context, table string, row storage.Row) error {
	return create(ctx, s.write, table, row)
}

// Update patches rows matching where and returns the true affected count.
func (s *Store) Update(ctx context.Context, table string, where storage.Where, patch storage.Row) (int64, error) {
	return update(ctx, s.write, table, where, patch)
}

// Delete removes rows matching where and returns the true affected count
// as reported by the driver.
func (s *Store) Delete(ctx context.Context, table string, where storage.Where) (int64, error) {
	return del(ctx, s.write, table, where)
}

// Count returns the number of rows matching where.
func (s *Store) Count(ctx context.Context, table string, where storage.Where) (int64, error) {
	return count(ctx, s.read, table, where)
}

// Exists reports whether any row matches where.
func (s *Store) Exists(ctx context.Context, table string, where storage.Where) (bool, error) {
	n, err := s.Count(ctx, table, where)
	return n > 0, err
}

// Raw runs an arbitrary query on the read pool and returns the result rows.
func (s *Store) Raw(ctx context.Context, query string, args ...any) ([]storage.Row, error) {
	return raw(ctx, s.read, query, args...)
}

// Exec runs an arbitrary statement on the writer and returns affected rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.write.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Transaction runs fn against a store handle bound to a single write
// transaction. Any error from fn rolls the transaction back; ErrRollback
// rolls back without surfacing an error.
func (s *Store) Transaction(ctx context.Context, fn func(storage.RowStore) error) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&txStore{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		if errors.Is(err, storage.ErrRollback) {
			return nil
		}
		return err
	}
	return tx.Commit()
}

// txStore adapts *sql.Tx to storage.RowStore. Nested transactions run in
// the enclosing one.
type txStore struct {
	tx *sql.Tx
}

func (t *txStore) FindOne(ctx context.Context, table string, where storage.Where) (storage.Row, error) {
	rows, err := findMany(ctx, t.tx, table, storage.Query{Where: where, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, gateway.ErrNotFound
	}
	return rows[0], nil
}

func (t *txStore) FindMany(ctx context.Context, table string, q storage.Query) ([]storage.Row, error) {
	return findMany(ctx, t.tx, table, q)
}

func (t *txStore) Create(ctx context.Context, table string, row storage.Row) error {
	return create(ctx, t.tx, table, row)
}

func (t *txStore) Update(ctx context.Context, table string, where storage.Where, patch storage.Row) (int64, error) {
	return update(ctx, t.tx, table, where, patch)
}

func (t *txStore) Delete(ctx context.Context, table string, where storage.Where) (int64, error) {
	return del(ctx, t.tx, table, where)
}

func (t *txStore) Count(ctx context.Context, table string, where storage.Where) (int64, error) {
	return count(ctx, t.tx, table, where)
}

func (t *txStore) Exists(ctx context.Context, table string, where storage.Where) (bool, error) {
	n, err := count(ctx, t.tx, table, where)
	return n > 0, err
}

func (t *txStore) Raw(ctx context.Context, query string, args ...any) ([]storage.Row, error) {
	return raw(ctx, t.tx, query, args...)
}

func (t *txStore) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *txStore) Transaction(ctx context.Context, fn func(storage.RowStore) error) error {
	return fn(t)
}

// --- SQL building ---

// validIdent guards table and column identifiers interpolated into SQL.
// Identifiers come from code, not user input; this is a backstop.
func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

func checkIdents(table string, rows ...map[string]any) error {
	if !validIdent(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	for _, m := range rows {
		for col := range m {
			if !validIdent(col) {
				return fmt.Errorf("invalid column name %q", col)
			}
		}
	}
	return nil
}

// whereClause renders a Where into "col1 = ? AND col2 = ?" with sorted
// columns for deterministic SQL, returning the clause and bind args.
// NULL values render as "col IS NULL".
func whereClause(where storage.Where) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}
	cols := make([]string, 0, len(where))
	for col := range where {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	parts := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, col := range cols {
		if where[col] == nil {
			parts = append(parts, col+" IS NULL")
			continue
		}
		parts = append(parts, col+" = ?")
		args = append(args, where[col])
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// orderClause renders Query.Order entries; a '-' prefix means descending.
func orderClause(order []string) (string, error) {
	if len(order) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(order))
	for _, o := range order {
		dir := " ASC"
		col := o
		if strings.HasPrefix(o, "-") {
			dir = " DESC"
			col = o[1:]
		}
		if !validIdent(col) {
			return "", fmt.Errorf("invalid order column %q", col)
		}
		parts = append(parts, col+dir)
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

func findMany(ctx context.Context, q querier, table string, query storage.Query) ([]storage.Row, error) {
	if err := checkIdents(table, query.Where); err != nil {
		return nil, err
	}
	where, args := whereClause(query.Where)
	order, err := orderClause(query.Order)
	if err != nil {
		return nil, err
	}

	sqlStr := "SELECT * FROM " + table + where + order
	if query.Limit > 0 {
		sqlStr += fmt.Sprintf(" LIMIT %d", query.Limit)
		if query.Offset > 0 {
			sqlStr += fmt.Sprintf(" OFFSET %d", query.Offset)
		}
	}
	return raw(ctx, q, sqlStr, args...)
}

func create(ctx context.Context, q querier, table string, row storage.Row) error {
	if err := checkIdents(table, row); err != nil {
		return err
	}
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = "?"
		args[i] = row[col]
	}
	sqlStr := "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
	_, err := q.ExecContext(ctx, sqlStr, args...)
	return err
}

func update(ctx context.Context, q querier, table string, where storage.Where, patch storage.Row) (int64, error) {
	if len(patch) == 0 {
		return 0, nil
	}
	if err := checkIdents(table, where, patch); err != nil {
		return 0, err
	}
	cols := make([]string, 0, len(patch))
	for col := range patch {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(where))
	for i, col := range cols {
		sets[i] = col + " = ?"
		args = append(args, patch[col])
	}
	clause, whereArgs := whereClause(where)
	args = append(args, whereArgs...)

	res, err := q.ExecContext(ctx, "UPDATE "+table+" SET "+strings.Join(sets, ", ")+clause, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func del(ctx context.Context, q querier, table string, where storage.Where) (int64, error) {
	if err := checkIdents(table, where); err != nil {
		return 0, err
	}
	clause, args := whereClause(where)
	res, err := q.ExecContext(ctx, "DELETE FROM "+table+clause, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func count(ctx context.Context, q querier, table string, where storage.Where) (int64, error) {
	if err := checkIdents(table, where); err != nil {
		return 0, err
	}
	clause, args := whereClause(where)
	rows, err := raw(ctx, q, "SELECT COUNT(*) AS n FROM "+table+clause, args...)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, _ := rows[0]["n"].(int64)
	return n, nil
}

func raw(ctx context.Context, q querier, query string, args ...any) ([]storage.Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []storage.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(storage.Row, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
