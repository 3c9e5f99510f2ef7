package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclab/internal/types"
	"github.com/mehmetymw/cdclab/internal/util"
)

// querier is satisfied by *pgx.Conn and *pgxpool.Pool.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Loader reads the current contents of source tables so a lane's snapshot phase has
// real rows to read.
type Loader struct {
	q        querier
	idColumn string
	logger   *zap.Logger
	close    func(context.Context) error
}

// Connect opens a plain connection to dsn.
func Connect(ctx context.Context, dsn, idColumn string, logger *zap.Logger) (*Loader, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	logger.Info("Connecting to PostgreSQL for seed rows",
		zap.String("host", cfg.Host),
		zap.Uint16("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.String("user", cfg.User))
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	l := NewLoader(conn, idColumn, logger)
	l.close = conn.Close
	return l, nil
}

func NewLoader(q querier, idColumn string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idColumn == "" {
		idColumn = "id"
	}
	return &Loader{q: q, idColumn: idColumn, logger: logger}
}

// Load returns every row of the given tables. Rows without a value in the id column
// are skipped.
func (l *Loader) Load(ctx context.Context, tables []string) ([]types.SeedRow, error) {
	var out []types.SeedRow
	for _, table := range tables {
		rows, err := l.loadTable(ctx, table)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (l *Loader) loadTable(ctx context.Context, table string) ([]types.SeedRow, error) {
	sql := "SELECT * FROM " + pgx.Identifier{table}.Sanitize()
	rows, err := l.q.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	images, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}

	out := make([]types.SeedRow, 0, len(images))
	skipped := 0
	for _, img := range images {
		pk := util.ToString(img[l.idColumn])
		if pk == "" {
			skipped++
			continue
		}
		out = append(out, types.SeedRow{Table: table, PrimaryKey: pk, Image: img})
	}
	l.logger.Info("Loaded seed rows",
		zap.String("table", table),
		zap.Int("rows", len(out)),
		zap.Int("skipped", skipped))
	return out, nil
}

func (l *Loader) Close(ctx context.Context) error {
	if l.close == nil {
		return nil
	}
	l.logger.Debug("Closing PostgreSQL connection")
	return l.close(ctx)
}
