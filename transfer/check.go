package transfer

import (
	"context"
	"fmt"

	"github.com/ferryhq/ferry/cache"
	"github.com/ferryhq/ferry/controlplane"
	"github.com/ferryhq/ferry/source"
	"github.com/ferryhq/ferry/stream"
)

// memoryCache is the throwaway store used by commands that never read rows.
func memoryCache(ns stream.Namespace) (stream.Store, error) {
	return cache.NewMemory(ns), nil
}

func buildSource(ctx context.Context, api *controlplane.Client, sourceID string) (source.Source, error) {
	var record, err = api.GetSource(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("fetching source %s: %w", sourceID, err)
	}
	return source.New(source.Config{Connect: record.ConnectionInfo}, memoryCache)
}

// SourceCheckCommand verifies connectivity to a configured source.
type SourceCheckCommand struct {
	API      *controlplane.Client
	SourceID string
}

func (c *SourceCheckCommand) Execute(ctx context.Context) (*Result, error) {
	var src, err = buildSource(ctx, c.API, c.SourceID)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if err = src.TestConnect(ctx); err != nil {
		return &Result{Success: false, Message: err.Error(),
			Output: map[string]any{"cause": err.Error(), "error": Cause(err)}}, err
	}
	return &Result{Success: true, Message: "connection ok"}, nil
}

// SourceInspectCommand lists the streams visible on a configured source.
type SourceInspectCommand struct {
	API      *controlplane.Client
	SourceID string
}

func (c *SourceInspectCommand) Execute(ctx context.Context) (*Result, error) {
	var src, err = buildSource(ctx, c.API, c.SourceID)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var infos []source.StreamInfo
	if infos, err = src.InspectStreams(ctx); err != nil {
		return &Result{Success: false, Message: err.Error(),
			Output: map[string]any{"cause": err.Error(), "error": Cause(err)}}, err
	}
	return &Result{Success: true, Output: map[string]any{"streams": infos}}, nil
}
