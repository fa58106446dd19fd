package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// ErrorDump flattens an error chain for structured logs.
type ErrorDump struct {
	Message string
	Code    Code
	Chain   []string
	// Driver holds sqlite_* or pg_* fields from the first database error
	// found in the chain.
	Driver map[string]string
}

// driverExtractors run in order; the first that recognises the chain wins.
var driverExtractors = []func(error) map[string]string{
	sqliteDetails,
	pgxDetails,
	pqDetails,
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}
	d := ErrorDump{Message: err.Error()}
	if typed := As(err); typed != nil {
		d.Code = typed.Code()
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}
	for _, extract := range driverExtractors {
		if details := extract(err); details != nil {
			d.Driver = details
			break
		}
	}
	return d
}

func sqliteDetails(err error) map[string]string {
	var lite sqlite3.Error
	if !errors.As(err, &lite) {
		return nil
	}
	return map[string]string{
		"sqlite_code":     lite.Code.Error(),
		"sqlite_extended": lite.ExtendedCode.Error(),
	}
}

func pgxDetails(err error) map[string]string {
	var pg *pgconn.PgError
	if !errors.As(err, &pg) {
		return nil
	}
	return pgFields(pg.Code, pg.ConstraintName, pg.TableName, pg.Detail, pg.Message)
}

func pqDetails(err error) map[string]string {
	var pg *pq.Error
	if !errors.As(err, &pg) {
		return nil
	}
	return pgFields(string(pg.Code), pg.Constraint, pg.Table, pg.Detail, pg.Message)
}

func pgFields(code, constraint, table, detail, message string) map[string]string {
	out := map[string]string{"pg_code": code}
	for k, v := range map[string]string{
		"pg_constraint": constraint,
		"pg_table":      table,
		"pg_detail":     detail,
		"pg_message":    message,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Fields renders the dump as logger fields.
func (d ErrorDump) Fields() map[string]any {
	fields := map[string]any{
		"error":       d.Message,
		"error_chain": d.Chain,
	}
	if d.Code != "" {
		fields["error_code"] = d.Code
	}
	for k, v := range d.Driver {
		fields[k] = v
	}
	return fields
}
