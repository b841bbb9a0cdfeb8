// Package sqlutil is the request/reply core shared by the database actors.
// A client sends a Normal message holding a JSON Request; the actor answers
// with a Normal message carrying the same session and a JSON Result.
package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hive/internal/kernel"
	"hive/internal/logger"
	"hive/internal/svc"

	"github.com/pkg/errors"
)

var log = logger.NewLogger("sql", kernel.SystemLogLevel())

// Mapper turns a scanned column value into something encoding/json renders
// sensibly. ct may be nil.
type Mapper func(v any, ct *sql.ColumnType) any

const DefaultTimeout = 30 * time.Second

type ConnectionState struct {
	Driver  string
	DB      *sql.DB
	Tx      *sql.Tx
	Mapper  Mapper
	Timeout time.Duration
}

// Open opens and pings the database so a bad DSN fails registration rather
// than the first query.
func Open(driver, dsn string, mapper Mapper) (*ConnectionState, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: open", driver)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "%s: ping", driver)
	}
	if mapper == nil {
		mapper = DefaultMapper
	}
	return &ConnectionState{Driver: driver, DB: db, Mapper: mapper, Timeout: DefaultTimeout}, nil
}

func (sc *ConnectionState) Dispatch(ctx *kernel.ActCtx, msg kernel.Message) error {
	switch msg.Type {
	case kernel.MsgRelease:
		return sc.Close()
	case kernel.MsgNormal:
	default:
		return nil
	}
	req, err := DecodeRequest(msg.Payload)
	if err != nil {
		svc.Reply(ctx, msg, ErrorResult(err).Encode())
		return nil
	}
	res, done := sc.Handle(req)
	svc.Reply(ctx, msg, res.Encode())
	if done {
		return ctx.Exit()
	}
	return nil
}

// Handle runs one request. done is true once the connection is closed and
// the actor should exit.
func (sc *ConnectionState) Handle(req Request) (res Result, done bool) {
	ctx := context.Background()
	if sc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sc.Timeout)
		defer cancel()
	}
	if sc.DB == nil && req.Op != "close" {
		return ErrorStrResult("connection closed"), false
	}

	switch req.Op {
	case "query":
		var rows *sql.Rows
		var err error
		if sc.Tx != nil {
			rows, err = sc.Tx.QueryContext(ctx, req.SQL, req.Params...)
		} else {
			rows, err = sc.DB.QueryContext(ctx, req.SQL, req.Params...)
		}
		if err != nil {
			return ErrorResult(err), false
		}
		defer rows.Close()
		return ExecSuccessRows(rows, sc.Mapper), false

	case "exec":
		var result sql.Result
		var err error
		if sc.Tx != nil {
			result, err = sc.Tx.ExecContext(ctx, req.SQL, req.Params...)
		} else {
			result, err = sc.DB.ExecContext(ctx, req.SQL, req.Params...)
		}
		if err != nil {
			return ErrorResult(err), false
		}
		return ExecSuccessResult(result), false

	case "begin":
		if sc.Tx != nil {
			return ErrorStrResult("transaction already in progress"), false
		}
		// not tied to ctx: the transaction outlives this request
		tx, err := sc.DB.Begin()
		if err != nil {
			return ErrorResult(err), false
		}
		sc.Tx = tx
		return Success(), false

	case "commit":
		if sc.Tx == nil {
			return ErrorStrResult("no transaction in progress"), false
		}
		err := sc.Tx.Commit()
		sc.Tx = nil
		if err != nil {
			return ErrorResult(err), false
		}
		return Success(), false

	case "rollback":
		if sc.Tx == nil {
			return ErrorStrResult("no transaction in progress"), false
		}
		err := sc.Tx.Rollback()
		sc.Tx = nil
		if err != nil {
			return ErrorResult(err), false
		}
		return Success(), false

	case "close":
		if err := sc.Close(); err != nil {
			return ErrorResult(err), true
		}
		return Success(), true
	}
	return ErrorStrResult("unknown op " + req.Op), false
}

// Close rolls back any open transaction and closes the pool. Safe to call
// more than once.
func (sc *ConnectionState) Close() error {
	if sc.Tx != nil {
		if err := sc.Tx.Rollback(); err != nil {
			log.Warnf("%s: rollback on close: %v", sc.Driver, err)
		}
		sc.Tx = nil
	}
	if sc.DB == nil {
		return nil
	}
	err := sc.DB.Close()
	sc.DB = nil
	return err
}

// DefaultMapper keeps JSON-friendly values and stringifies the rest.
func DefaultMapper(v any, _ *sql.ColumnType) any {
	switch x := v.(type) {
	case nil, bool, int64, float64, string:
		return x
	case int:
		return int64(x)
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", v)
	}
}
