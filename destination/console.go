package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ferryhq/ferry/progress"
	"github.com/ferryhq/ferry/stream"
)

const defaultConsoleLimit = 100

// Console prints records as JSON lines, capped per stream; useful for
// inspecting a transfer without a warehouse.
type Console struct {
	cfg   Config
	out   io.Writer
	limit int
}

func newConsole(cfg Config) (Destination, error) {
	var limit = cfg.Connect.Limit
	if limit <= 0 {
		limit = defaultConsoleLimit
	}
	return &Console{cfg: cfg, out: os.Stdout, limit: limit}, nil
}

// SetOutput redirects printed records, primarily for tests.
func (c *Console) SetOutput(w io.Writer) { c.out = w }

func (c *Console) Write(ctx context.Context, ds *stream.Dataset, cb progress.Callback) error {
	for _, st := range ds.Streams {
		var tracker = progress.New(
			fmt.Sprintf("destination+console://%s/%s/%s", ds.Namespace.Name, st.SchemaName, st.Name),
			int64(ds.Size(st)))
		if cb != nil {
			tracker.Subscribe(cb)
		}
		if ds.Size(st) == 0 {
			tracker.Message("no records to write")
			continue
		}
		if err := c.writeStream(ds, st, tracker); err != nil {
			return err
		}
	}
	return nil
}

func (c *Console) writeStream(ds *stream.Dataset, st *stream.Stream, tracker *progress.Tracker) error {
	var cur, err = ds.Read(st)
	if err != nil {
		return err
	}
	defer cur.Close()

	var names = st.Schema().Names()
	var printed = 0
	for cur.Next() && printed < c.limit {
		var rec = cur.Record()
		var row = make(map[string]any, len(names))
		for i, name := range names {
			row[name] = consoleValue(rec[i])
		}
		var line []byte
		if line, err = json.Marshal(row); err != nil {
			return err
		}
		fmt.Fprintln(c.out, string(line))
		printed++
		tracker.Update(1, true)
	}
	if err = cur.Err(); err != nil {
		return err
	}
	if printed == c.limit && ds.Size(st) > printed {
		fmt.Fprintf(c.out, "... %d more records in %s\n", ds.Size(st)-printed, st.QualifiedName())
	}
	return nil
}

// consoleValue renders non-JSON-native canonical values readably.
func consoleValue(v any) any {
	switch x := v.(type) {
	case time.Duration:
		return fmt.Sprintf("%02d:%02d:%02d",
			int(x.Hours()), int(x.Minutes())%60, int(x.Seconds())%60)
	case []byte:
		return fmt.Sprintf("%x", x)
	default:
		return v
	}
}

func (c *Console) Integrity() IntegrityChecker { return noopIntegrity{} }

func (c *Console) Close() error { return nil }
