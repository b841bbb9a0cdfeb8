package sqlutil

import (
	"encoding/json"
	"testing"

	"hive/internal/kernel"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Request
		wantErr bool
	}{
		{
			name:    "params keep their kinds",
			payload: `{"op":"exec","sql":"insert","params":[1, 2.5, "x", true, null, 12345678901234]}`,
			want: Request{Op: "exec", SQL: "insert",
				Params: []any{int64(1), 2.5, "x", true, nil, int64(12345678901234)}},
		},
		{name: "trailing nul", payload: "{\"op\":\"begin\"}\x00", want: Request{Op: "begin"}},
		{name: "missing op", payload: `{"sql":"select 1"}`, wantErr: true},
		{name: "not json", payload: `select 1`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRequest([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func openMemory(t *testing.T) *ConnectionState {
	t.Helper()
	sc, err := Open("sqlite3", ":memory:", nil)
	require.NoError(t, err)
	sc.DB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sc.Close() })
	return sc
}

func roundTrip(t *testing.T, sc *ConnectionState, req Request) (map[string]any, bool) {
	t.Helper()
	res, done := sc.Handle(req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Encode(), &out))
	return out, done
}

func TestHandleTransactions(t *testing.T) {
	sc := openMemory(t)

	out, _ := roundTrip(t, sc, Request{Op: "exec", SQL: "create table kv (k text primary key, v integer)"})
	require.Equal(t, true, out["ok"], out)

	out, _ = roundTrip(t, sc, Request{Op: "exec", SQL: "insert into kv values (?, ?)", Params: []any{"a", int64(1)}})
	require.Equal(t, true, out["ok"], out)
	assert.Equal(t, float64(1), out["rowsAffected"])
	assert.Equal(t, float64(1), out["lastInsertId"])

	out, _ = roundTrip(t, sc, Request{Op: "begin"})
	require.Equal(t, true, out["ok"])
	out, _ = roundTrip(t, sc, Request{Op: "begin"})
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "transaction already in progress", out["error"])

	roundTrip(t, sc, Request{Op: "exec", SQL: "insert into kv values ('b', 2)"})
	out, _ = roundTrip(t, sc, Request{Op: "rollback"})
	require.Equal(t, true, out["ok"])

	out, _ = roundTrip(t, sc, Request{Op: "query", SQL: "select k, v from kv order by k"})
	require.Equal(t, true, out["ok"], out)
	assert.Equal(t, []any{"k", "v"}, out["columns"])
	assert.Equal(t, []any{map[string]any{"k": "a", "v": float64(1)}}, out["rows"])

	out, _ = roundTrip(t, sc, Request{Op: "commit"})
	assert.Equal(t, "no transaction in progress", out["error"])

	out, _ = roundTrip(t, sc, Request{Op: "query", SQL: "select * from missing"})
	assert.Equal(t, false, out["ok"])
	assert.Contains(t, out["error"], "no such table")

	out, _ = roundTrip(t, sc, Request{Op: "drop"})
	assert.Equal(t, "unknown op drop", out["error"])

	out, done := roundTrip(t, sc, Request{Op: "close"})
	assert.True(t, done)
	assert.Equal(t, true, out["ok"])
	out, _ = roundTrip(t, sc, Request{Op: "query", SQL: "select 1"})
	assert.Equal(t, "connection closed", out["error"])
}

func TestEmptyQueryReturnsEmptyRows(t *testing.T) {
	sc := openMemory(t)
	out, _ := roundTrip(t, sc, Request{Op: "query", SQL: "select 1 as one where 0"})
	require.Equal(t, true, out["ok"], out)
	assert.Equal(t, []any{}, out["rows"])
}

func TestReleaseClosesConnection(t *testing.T) {
	sc := openMemory(t)
	roundTrip(t, sc, Request{Op: "begin"})
	require.NoError(t, sc.Dispatch(&kernel.ActCtx{}, kernel.Message{Type: kernel.MsgRelease}))
	assert.Nil(t, sc.DB)
	assert.Nil(t, sc.Tx)
	assert.NoError(t, sc.Close())
}
