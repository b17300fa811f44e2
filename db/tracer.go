package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/kumo/logger"
)

// queryTracer logs every query at debug level when log_queries is enabled.
type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("executing query", "sql", data.SQL, "args", data.Args)
	return ctx
}

func (t *queryTracer) TraceQueryEnd(_ context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil {
		logger.Debug("query failed", "error", data.Err)
	}
}
