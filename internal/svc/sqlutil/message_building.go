package sqlutil

import (
	"bytes"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
)

// Request is one JSON request to a database actor.
type Request struct {
	Op     string `json:"op"`
	SQL    string `json:"sql,omitempty"`
	Params []any  `json:"params,omitempty"`
}

// Result is the JSON reply. It always carries "ok".
type Result map[string]any

// DecodeRequest parses a request payload. Numeric parameters become int64
// when integral and float64 otherwise.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimRight(payload, "\x00")))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return Request{}, errors.Wrap(err, "sqlutil: bad request")
	}
	if req.Op == "" {
		return Request{}, errors.New("sqlutil: request without op")
	}
	for i, p := range req.Params {
		n, ok := p.(json.Number)
		if !ok {
			continue
		}
		if v, err := n.Int64(); err == nil {
			req.Params[i] = v
		} else if f, err := n.Float64(); err == nil {
			req.Params[i] = f
		} else {
			req.Params[i] = n.String()
		}
	}
	return req, nil
}

func (r Result) Encode() []byte {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(ErrorResult(errors.Wrap(err, "sqlutil: encode result")))
	}
	return b
}

func PutString(r Result, key, val string) { r[key] = val }

func PutInt(r Result, key string, val int64) { r[key] = val }

func PutBool(r Result, key string, val bool) { r[key] = val }

func PutError(r Result, key string, err error) { r[key] = err.Error() }

func Success() Result {
	return Result{"ok": true}
}

func ExecSuccessResult(result sql.Result) Result {
	r := Success()
	affected, _ := result.RowsAffected()
	PutInt(r, "rowsAffected", affected)
	if lastInsertID, err := result.LastInsertId(); err == nil && lastInsertID > 0 {
		PutInt(r, "lastInsertId", lastInsertID)
	}
	return r
}

// ExecSuccessRows reads every row into a list of column→value maps.
func ExecSuccessRows(rows *sql.Rows, mapper Mapper) Result {
	columns, err := rows.Columns()
	if err != nil {
		return ErrorResult(err)
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return ErrorResult(err)
	}

	out := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return ErrorResult(err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			var ct *sql.ColumnType
			if i < len(colTypes) {
				ct = colTypes[i]
			}
			row[col] = mapper(values[i], ct)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return ErrorResult(err)
	}
	r := Success()
	r["columns"] = columns
	r["rows"] = out
	return r
}

func ErrorResult(err error) Result {
	r := Result{}
	PutBool(r, "ok", false)
	PutError(r, "error", err)
	return r
}

func ErrorStrResult(err string) Result {
	r := Result{}
	PutBool(r, "ok", false)
	PutString(r, "error", err)
	return r
}
