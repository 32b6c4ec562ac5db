package audit

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxBatch is a thin wrapper over pgx.Batch so flush can queue a variable
// number of inserts and execute them as one round trip.
type pgxBatch struct {
	batch pgx.Batch
}

func (b *pgxBatch) queue(sql string, args ...any) {
	b.batch.Queue(sql, args...)
}

func (b *pgxBatch) exec(ctx context.Context, pool *pgxpool.Pool) error {
	if b.batch.Len() == 0 {
		return nil
	}
	br := pool.SendBatch(ctx, &b.batch)
	defer br.Close()

	for i := 0; i < b.batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
