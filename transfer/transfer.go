// Package transfer orchestrates one run end to end: resolve configuration
// from the control plane, read each source into a per-run cache, write the
// dataset to the destination, verify it, and record the outcome.
package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ferryhq/ferry/cache"
	"github.com/ferryhq/ferry/controlplane"
	"github.com/ferryhq/ferry/destination"
	"github.com/ferryhq/ferry/progress"
	"github.com/ferryhq/ferry/replication"
	"github.com/ferryhq/ferry/source"
	"github.com/ferryhq/ferry/stream"
)

// Command is one executable unit of work. Execute returns the result payload
// recorded on the run and printed by the CLI.
type Command interface {
	Execute(ctx context.Context) (*Result, error)
}

// Result is a command's output payload.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}

// Error cause codes not produced by a typed error.
const CauseUnknown = "UNKNOWN_ERROR"

// coded is implemented by every taxonomy error in the repo.
type coded interface {
	Code() string
}

// Cause maps an error to its taxonomy code.
func Cause(err error) string {
	if c, ok := err.(coded); ok {
		return c.Code()
	}
	return CauseUnknown
}

// retriableCauses are transient: the worker may retry runs that fail with
// one of these. Everything else is a configuration or data problem that
// retrying cannot fix.
var retriableCauses = map[string]bool{
	"SOURCE_CONNECTION_FAILED":      true,
	"DESTINATION_CONNECTION_FAILED": true,
	CauseUnknown:                    true,
}

func Retriable(cause string) bool { return retriableCauses[cause] }

// Config drives a TransferCommand.
type Config struct {
	TransferID        string
	OrganizationID    string
	ModeOverride      *replication.Mode
	ModelIDs          []string
	DropAfterComplete bool
	CacheDir          string
	ChunkSize         int
	// Queue bookkeeping, recorded in TransferRun.meta.
	ExecutionID string
	RetryCount  int
	RetryLimit  int
	// Now is the run instant; zero means time.Now. Pinned in tests and by
	// expedited runs that replay a window.
	Now time.Time
}

// override reports whether the run was started with an explicit mode or
// model list; gap checks are disabled for such runs.
func (c Config) override() bool {
	return c.ModeOverride != nil || len(c.ModelIDs) > 0
}

func (c Config) now() time.Time {
	if c.Now.IsZero() {
		return time.Now().UTC()
	}
	return c.Now.UTC()
}

// TransferCommand runs one full transfer.
type TransferCommand struct {
	API *controlplane.Client
	Cfg Config

	// newCache builds the per-source spill store; defaults to a run-scoped
	// SQLite file. Swapped in tests.
	newCache func(ns stream.Namespace) (stream.Store, error)

	mu     sync.Mutex
	caches []stream.Store
}

func NewTransferCommand(api *controlplane.Client, cfg Config) *TransferCommand {
	var cmd = &TransferCommand{API: api, Cfg: cfg}
	cmd.newCache = cmd.sqliteCache
	return cmd
}

func (c *TransferCommand) sqliteCache(ns stream.Namespace) (stream.Store, error) {
	var path = filepath.Join(c.Cfg.CacheDir, fmt.Sprintf("cache-%s.db", uuid.NewString()))
	var store, err = cache.NewSQLite(ns, cache.Config{Path: path, ChunkSize: c.Cfg.ChunkSize})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.caches = append(c.caches, store)
	c.mu.Unlock()
	return store, nil
}

// unlinkCaches removes every per-run cache file, best effort.
func (c *TransferCommand) unlinkCaches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, store := range c.caches {
		if s, ok := store.(*cache.SQLite); ok {
			if err := s.Unlink(); err != nil {
				log.WithError(err).WithField("path", s.Path()).Warn("failed to remove cache file")
			}
		} else {
			store.Close()
		}
	}
	c.caches = nil
}

// progressSink aggregates per-stream summaries and pushes them to the run
// record while the transfer is in flight.
type progressSink struct {
	mu        sync.Mutex
	summaries map[string]progress.Summary
}

func newProgressSink() *progressSink {
	return &progressSink{summaries: make(map[string]progress.Summary)}
}

func (p *progressSink) callback(s progress.Summary) {
	p.mu.Lock()
	p.summaries[s.URI] = s
	p.mu.Unlock()
}

func (p *progressSink) snapshot() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out = make(map[string]any, len(p.summaries))
	for uri, s := range p.summaries {
		out[uri] = s
	}
	return out
}

// meta is the TransferRun bookkeeping payload: queue identifiers plus the
// frozen arguments the run was started with.
func (c *TransferCommand) meta(mode *replication.Mode, models []*controlplane.Model) map[string]any {
	var ids = make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	return map[string]any{
		"execution_id":       c.Cfg.ExecutionID,
		"retry_count":        c.Cfg.RetryCount,
		"retry_max_attempts": c.Cfg.RetryLimit,
		"arguments": map[string]any{
			"type":                "transfer",
			"mode":                mode,
			"models":              ids,
			"drop_after_complete": c.Cfg.DropAfterComplete,
		},
	}
}

func (c *TransferCommand) Execute(ctx context.Context) (*Result, error) {
	var sink = newProgressSink()
	var runID string
	var output, runErr = c.run(ctx, &runID, sink)
	c.unlinkCaches()

	if runErr != nil {
		var code = Cause(runErr)
		log.WithError(runErr).WithField("error", code).Error("transfer failed")
		var failure = map[string]any{
			"cause":    runErr.Error(),
			"error":    code,
			"progress": sink.snapshot(),
		}
		// A run that failed before its record was created has nothing to
		// update; the log line above is its only trace.
		if runID != "" {
			if err := c.API.UpdateRun(ctx, runID, controlplane.StatusFailure, failure); err != nil {
				log.WithError(err).Warn("failed to record run failure")
			}
		}
		return &Result{Success: false, Message: runErr.Error(), Output: failure}, runErr
	}

	if err := c.API.UpdateRun(ctx, runID, controlplane.StatusSuccess, output); err != nil {
		log.WithError(err).Warn("failed to record run success")
	}
	return &Result{Success: true, Output: output}, nil
}

func (c *TransferCommand) run(ctx context.Context, runID *string, sink *progressSink) (map[string]any, error) {
	var dest, err = c.API.GetDestination(ctx, c.Cfg.TransferID)
	if err != nil {
		return nil, fmt.Errorf("fetching destination: %w", err)
	}
	var recipient *controlplane.Recipient
	if recipient, err = c.API.GetRecipient(ctx, dest.RecipientID); err != nil {
		return nil, fmt.Errorf("fetching recipient: %w", err)
	}

	var models []*controlplane.Model
	if models, err = c.fetchModels(ctx, dest); err != nil {
		return nil, err
	}

	var mode *replication.Mode
	if c.Cfg.ModeOverride != nil {
		mode = c.Cfg.ModeOverride
	} else if mode, err = replication.Resolve(dest.Schedule, c.Cfg.now()); err != nil {
		return nil, err
	}

	var lastRun *controlplane.TransferRun
	if lastRun, err = c.API.GetLastRun(ctx, c.Cfg.TransferID); err != nil {
		return nil, fmt.Errorf("fetching last run: %w", err)
	}

	var id string
	if id, err = c.API.CreateRun(ctx, c.Cfg.TransferID, c.meta(mode, models)); err != nil {
		return nil, fmt.Errorf("creating run record: %w", err)
	}
	*runID = id

	var lastRunAt *time.Time
	if lastRun != nil {
		lastRunAt = lastRun.CreatedAt
	}
	if err = replication.DetectRunGap(lastRunAt, mode, c.Cfg.override()); err != nil {
		return nil, err
	}

	var dst destination.Destination
	if dst, err = destination.New(destination.Config{
		Connect:           dest.ConnectionInfo,
		Mode:              mode,
		DropAfterComplete: c.Cfg.DropAfterComplete,
		ChunkSize:         c.Cfg.ChunkSize,
	}); err != nil {
		return nil, err
	}
	defer dst.Close()

	// Push intermediate progress as RUNNING updates; terminal status wins.
	var forward = func(s progress.Summary) {
		sink.callback(s)
		if err := c.API.UpdateRun(ctx, id, controlplane.StatusRunning,
			map[string]any{"progress": sink.snapshot()}); err != nil {
			log.WithError(err).Debug("failed to push progress update")
		}
	}

	for sourceID, group := range groupBySource(models) {
		if err = c.transferSource(ctx, sourceID, group, recipient, mode, dst, forward); err != nil {
			return nil, err
		}
	}

	return map[string]any{"progress": sink.snapshot()}, nil
}

func (c *TransferCommand) fetchModels(ctx context.Context, dest *controlplane.Destination) ([]*controlplane.Model, error) {
	var ids = dest.Models
	if len(c.Cfg.ModelIDs) > 0 {
		ids = c.Cfg.ModelIDs
	}
	var models = make([]*controlplane.Model, 0, len(ids))
	for _, id := range ids {
		var m, err = c.API.GetModel(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetching model %s: %w", id, err)
		}
		models = append(models, m)
	}
	return models, nil
}

func groupBySource(models []*controlplane.Model) map[string][]*controlplane.Model {
	var out = make(map[string][]*controlplane.Model)
	for _, m := range models {
		out[m.SourceID] = append(out[m.SourceID], m)
	}
	return out
}

// specFor derives the stream spec a model implies for a given recipient:
// rows are filtered to the tenant and the tenant column is stripped before
// delivery.
func specFor(m *controlplane.Model, recipient *controlplane.Recipient) source.StreamSpec {
	var spec = source.StreamSpec{
		Schema:       m.SchemaName,
		Table:        m.TableName,
		PrimaryField: m.PrimaryKeyColumn,
		CursorField:  m.LastModifiedAtColumn,
	}
	if m.TenantIDColumn != "" {
		spec.Filters = map[string]any{m.TenantIDColumn: recipient.TenantID}
		spec.DropFields = []string{m.TenantIDColumn}
	}
	return spec
}

func (c *TransferCommand) transferSource(
	ctx context.Context,
	sourceID string,
	models []*controlplane.Model,
	recipient *controlplane.Recipient,
	mode *replication.Mode,
	dst destination.Destination,
	cb progress.Callback,
) error {
	var srcRecord, err = c.API.GetSource(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("fetching source %s: %w", sourceID, err)
	}

	var specs = make([]source.StreamSpec, 0, len(models))
	for _, m := range models {
		specs = append(specs, specFor(m, recipient))
	}

	var src source.Source
	if src, err = source.New(source.Config{
		Connect:   srcRecord.ConnectionInfo,
		Mode:      mode,
		Streams:   specs,
		With:      source.WithFlags{BatchID: true, LastSync: true},
		ChunkSize: c.Cfg.ChunkSize,
		DT:        c.Cfg.now(),
	}, c.newCache); err != nil {
		return err
	}
	defer src.Close()

	log.WithFields(log.Fields{
		"source":  sourceID,
		"streams": len(specs),
	}).Info("starting source read")

	var ds *stream.Dataset
	if ds, err = src.Read(ctx, cb); err != nil {
		return err
	}
	if err = dst.Write(ctx, ds, cb); err != nil {
		return err
	}

	// A dropped target has nothing left to verify.
	if !c.Cfg.DropAfterComplete {
		if err = dst.Integrity().CheckBatchVolume(ctx, ds); err != nil {
			return err
		}
	}
	return nil
}
