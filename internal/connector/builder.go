package connector

import (
	"fmt"
	"sort"
	"strings"
)

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// SelectRequest describes a record query. Where holds equality conditions;
// a nil value matches NULL.
type SelectRequest struct {
	Table  string
	Fields []string
	Where  map[string]interface{}
	Order  []Order
	Limit  int
	Offset int
}

// UpdateRequest updates rows matched by Where and/or IDs (matched on IDColumn).
type UpdateRequest struct {
	Table    string
	Record   map[string]interface{}
	Where    map[string]interface{}
	IDs      []interface{}
	IDColumn string
}

// DeleteRequest deletes rows matched by Where and/or IDs.
type DeleteRequest struct {
	Table    string
	Where    map[string]interface{}
	IDs      []interface{}
	IDColumn string
}

// ParseOrder parses "name,created_at desc" into Order terms.
func ParseOrder(s string) ([]Order, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []Order
	for _, part := range strings.Split(s, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 || len(fields) > 2 {
			return nil, fmt.Errorf("invalid order term %q", part)
		}
		o := Order{Column: fields[0]}
		if err := ValidateIdentifier(o.Column); err != nil {
			return nil, err
		}
		if len(fields) == 2 {
			switch strings.ToLower(fields[1]) {
			case "asc":
			case "desc":
				o.Desc = true
			default:
				return nil, fmt.Errorf("invalid order direction %q", fields[1])
			}
		}
		out = append(out, o)
	}
	return out, nil
}

// builder accumulates SQL and bind arguments with dialect placeholders.
type builder struct {
	d    Dialect
	b    strings.Builder
	args []interface{}
}

func (q *builder) write(s string) { q.b.WriteString(s) }

func (q *builder) bind(v interface{}) string {
	q.args = append(q.args, v)
	return q.d.Placeholder(len(q.args))
}

func (q *builder) table(schema, name string) error {
	if err := ValidateIdentifier(name); err != nil {
		return err
	}
	if schema != "" {
		q.write(q.d.Quote(schema) + ".")
	}
	q.write(q.d.Quote(name))
	return nil
}

// where renders conditions in sorted column order so output is deterministic.
func (q *builder) where(conds map[string]interface{}, ids []interface{}, idColumn string) error {
	cols := sortedKeys(conds)
	var parts []string
	for _, col := range cols {
		if err := ValidateIdentifier(col); err != nil {
			return err
		}
		if conds[col] == nil {
			parts = append(parts, q.d.Quote(col)+" IS NULL")
			continue
		}
		parts = append(parts, q.d.Quote(col)+" = "+q.bind(conds[col]))
	}
	if len(ids) > 0 {
		if idColumn == "" {
			idColumn = "id"
		}
		if err := ValidateIdentifier(idColumn); err != nil {
			return err
		}
		ph := make([]string, len(ids))
		for i, id := range ids {
			ph[i] = q.bind(id)
		}
		parts = append(parts, q.d.Quote(idColumn)+" IN ("+strings.Join(ph, ", ")+")")
	}
	if len(parts) > 0 {
		q.write(" WHERE " + strings.Join(parts, " AND "))
	}
	return nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BuildSelect renders a SELECT for d.
func BuildSelect(d Dialect, schema string, req SelectRequest) (string, []interface{}, error) {
	q := &builder{d: d}

	q.write("SELECT ")
	if len(req.Fields) == 0 {
		q.write("*")
	} else {
		for i, f := range req.Fields {
			if err := ValidateIdentifier(f); err != nil {
				return "", nil, err
			}
			if i > 0 {
				q.write(", ")
			}
			q.write(d.Quote(f))
		}
	}

	q.write(" FROM ")
	if err := q.table(schema, req.Table); err != nil {
		return "", nil, err
	}
	if err := q.where(req.Where, nil, ""); err != nil {
		return "", nil, err
	}

	if len(req.Order) > 0 {
		terms := make([]string, len(req.Order))
		for i, o := range req.Order {
			if err := ValidateIdentifier(o.Column); err != nil {
				return "", nil, err
			}
			terms[i] = d.Quote(o.Column)
			if o.Desc {
				terms[i] += " DESC"
			}
		}
		q.write(" ORDER BY " + strings.Join(terms, ", "))
	} else if d.OffsetFetch && (req.Limit > 0 || req.Offset > 0) {
		// SQL Server requires ORDER BY for OFFSET/FETCH.
		q.write(" ORDER BY (SELECT NULL)")
	}

	switch {
	case d.OffsetFetch:
		if req.Limit > 0 || req.Offset > 0 {
			q.write(" OFFSET " + q.bind(req.Offset) + " ROWS")
			if req.Limit > 0 {
				q.write(" FETCH NEXT " + q.bind(req.Limit) + " ROWS ONLY")
			}
		}
	default:
		if req.Limit > 0 {
			q.write(" LIMIT " + q.bind(req.Limit))
		}
		if req.Offset > 0 {
			if req.Limit <= 0 && d.Name == "sqlite" {
				q.write(" LIMIT -1")
			}
			q.write(" OFFSET " + q.bind(req.Offset))
		}
	}

	return q.b.String(), q.args, nil
}

// BuildCount renders SELECT COUNT(*) with the same conditions as a select.
func BuildCount(d Dialect, schema, table string, where map[string]interface{}) (string, []interface{}, error) {
	q := &builder{d: d}
	q.write("SELECT COUNT(*) FROM ")
	if err := q.table(schema, table); err != nil {
		return "", nil, err
	}
	if err := q.where(where, nil, ""); err != nil {
		return "", nil, err
	}
	return q.b.String(), q.args, nil
}

// BuildInsert renders a multi-row INSERT. Columns come from the first record
// in sorted order; later records must carry the same columns.
func BuildInsert(d Dialect, schema, table string, records []map[string]interface{}) (string, []interface{}, error) {
	if len(records) == 0 {
		return "", nil, fmt.Errorf("at least one record is required")
	}
	columns := sortedKeys(records[0])
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("record has no fields")
	}

	q := &builder{d: d}
	q.write("INSERT INTO ")
	if err := q.table(schema, table); err != nil {
		return "", nil, err
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		if err := ValidateIdentifier(c); err != nil {
			return "", nil, err
		}
		quoted[i] = d.Quote(c)
	}
	q.write(" (" + strings.Join(quoted, ", ") + ")")

	if d.InsertReturning == returningOutput {
		q.write(" OUTPUT INSERTED.*")
	}

	q.write(" VALUES ")
	for i, rec := range records {
		if len(rec) != len(columns) {
			return "", nil, fmt.Errorf("record %d has %d fields, want %d", i, len(rec), len(columns))
		}
		ph := make([]string, len(columns))
		for j, c := range columns {
			v, ok := rec[c]
			if !ok {
				return "", nil, fmt.Errorf("record %d is missing field %q", i, c)
			}
			ph[j] = q.bind(v)
		}
		if i > 0 {
			q.write(", ")
		}
		q.write("(" + strings.Join(ph, ", ") + ")")
	}

	if d.InsertReturning == returningSuffix {
		q.write(" RETURNING *")
	}
	return q.b.String(), q.args, nil
}

// BuildUpdate renders an UPDATE. A request without conditions is refused.
func BuildUpdate(d Dialect, schema string, req UpdateRequest) (string, []interface{}, error) {
	if len(req.Record) == 0 {
		return "", nil, fmt.Errorf("at least one field to update is required")
	}
	if len(req.Where) == 0 && len(req.IDs) == 0 {
		return "", nil, fmt.Errorf("filter or ids required for update (refusing to update all rows)")
	}

	q := &builder{d: d}
	q.write("UPDATE ")
	if err := q.table(schema, req.Table); err != nil {
		return "", nil, err
	}

	cols := sortedKeys(req.Record)
	sets := make([]string, len(cols))
	for i, c := range cols {
		if err := ValidateIdentifier(c); err != nil {
			return "", nil, err
		}
		sets[i] = d.Quote(c) + " = " + q.bind(req.Record[c])
	}
	q.write(" SET " + strings.Join(sets, ", "))

	if err := q.where(req.Where, req.IDs, req.IDColumn); err != nil {
		return "", nil, err
	}
	return q.b.String(), q.args, nil
}

// BuildDelete renders a DELETE. A request without conditions is refused.
func BuildDelete(d Dialect, schema string, req DeleteRequest) (string, []interface{}, error) {
	if len(req.Where) == 0 && len(req.IDs) == 0 {
		return "", nil, fmt.Errorf("filter or ids required for delete (refusing to delete all rows)")
	}

	q := &builder{d: d}
	q.write("DELETE FROM ")
	if err := q.table(schema, req.Table); err != nil {
		return "", nil, err
	}
	if err := q.where(req.Where, req.IDs, req.IDColumn); err != nil {
		return "", nil, err
	}
	return q.b.String(), q.args, nil
}
