package destination

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ferryhq/ferry/sqlgen"
	"github.com/ferryhq/ferry/stream"
)

// sqlIntegrity verifies a write by counting the rows that landed under the
// run's batch id and comparing against the cached dataset size.
type sqlIntegrity struct {
	dest *SQLDest
}

func (c *sqlIntegrity) CheckBatchVolume(ctx context.Context, ds *stream.Dataset) error {
	var db, err = c.dest.open(ctx)
	if err != nil {
		return err
	}
	for _, st := range ds.Streams {
		// Without the batch id column there is nothing to key the count on.
		if st.Schema().Index(stream.BatchIDField) < 0 {
			log.WithField("stream", st.QualifiedName()).
				Warn("skipping integrity check: stream has no batch id column")
			continue
		}

		var target string
		if target, err = sqlgen.SafeIdentifier(st.QualifiedName()); err != nil {
			return err
		}
		var batchLit string
		if batchLit, err = sqlgen.Literal(ds.Meta.BatchID); err != nil {
			return err
		}
		var query = fmt.Sprintf("SELECT count(1) FROM %s WHERE %s = %s",
			target, stream.BatchIDField, batchLit)

		var loaded int64
		if err = db.QueryRowContext(ctx, query).Scan(&loaded); err != nil {
			return fmt.Errorf("counting batch rows in %s: %w", target, err)
		}
		var expected = int64(ds.Size(st))
		if loaded != expected {
			return &IntegrityError{Stream: st.QualifiedName(), Loaded: loaded, Expected: expected}
		}
		log.WithFields(log.Fields{
			"stream":  st.QualifiedName(),
			"records": loaded,
		}).Info("integrity check passed")
	}
	return nil
}
