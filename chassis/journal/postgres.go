package journal

import (
	"context"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Schema of the journal table.
const Schema = `
create table if not exists t_run_journal (
	id          bigserial primary key,
	dataset     text not null,
	aoi         text not null,
	attempt     int not null,
	state       text not null,
	error       text not null default '',
	started_dt  timestamp not null,
	finished_dt timestamp not null
);
create index if not exists run_journal_worker_index on t_run_journal(dataset, aoi, finished_dt desc);
`

// PGJournal - ...
type PGJournal struct {
	pool *pgxpool.Pool
}

// InitPGJournal connects and makes sure the table exists.
func InitPGJournal(ctx context.Context, dsn string) (*PGJournal, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGJournal{pool: pool}, nil
}

// Close ...
func (repo *PGJournal) Close() {
	repo.pool.Close()
}

// Record - ...
func (repo *PGJournal) Record(ctx context.Context, entry Entry) error {
	query := `
	insert into t_run_journal(dataset, aoi, attempt, state, error, started_dt, finished_dt)
	values ($1, $2, $3, $4, $5, $6, $7)`
	_, err := repo.pool.Exec(ctx, query,
		entry.Dataset,
		entry.AOI,
		entry.Attempt,
		string(entry.Status),
		entry.Error,
		entry.StartedAt,
		entry.FinishedAt,
	)
	return err
}

// Recent - ...
func (repo *PGJournal) Recent(ctx context.Context, dataset, aoi string, limit int) ([]Entry, error) {
	query := `
	select dataset, aoi, attempt, state, error, started_dt, finished_dt
	from t_run_journal
	where dataset = $1 and aoi = $2
	order by finished_dt desc
	limit nullif($3::int, 0)`
	rows, err := repo.pool.Query(ctx, query, dataset, aoi, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var state string
		if err := rows.Scan(&e.Dataset, &e.AOI, &e.Attempt, &state, &e.Error, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, err
		}
		e.Status = Status(state)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanOld ...
func (repo *PGJournal) CleanOld(ctx context.Context, expiration time.Duration) (int, error) {
	query := `
	delete from t_run_journal
	where
		state = 'SUCCESS' and
		finished_dt < $1;
	`
	cutoff := time.Now().UTC().Add(-expiration)
	var cmdTag pgconn.CommandTag
	cmdTag, err := repo.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}
