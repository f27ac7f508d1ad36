// ferry runs one transfer job (or source check/inspect) to completion and
// prints the result as JSON. It is the entrypoint the worker and operators
// both invoke; all state lives in the control plane.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/ferryhq/ferry/controlplane"
	"github.com/ferryhq/ferry/replication"
	"github.com/ferryhq/ferry/transfer"
)

type apiConfig struct {
	Endpoint string `long:"api-endpoint" env:"API_ENDPOINT" default:"http://localhost:8000" description:"Control plane base URL"`
}

func (c apiConfig) client() *controlplane.Client {
	return controlplane.NewClient(c.Endpoint)
}

func execute(cmd transfer.Command) error {
	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var result, err = cmd.Execute(ctx)
	if result != nil {
		var raw, merr = json.MarshalIndent(result, "", "  ")
		if merr != nil {
			return merr
		}
		fmt.Println(string(raw))
	}
	return err
}

type cmdTransfer struct {
	TransferID        string `long:"transfer-id" env:"TRANSFER_ID" description:"Transfer (destination) to run"`
	DestinationID     string `long:"destination-id" env:"DESTINATION_ID" description:"Alias for --transfer-id; a transfer is keyed by its destination"`
	OrganizationID    string `long:"organization-id" env:"ORGANIZATION_ID" description:"Owning organization, recorded on the run"`
	ReplicationMode   string `long:"replication-mode" env:"REPLICATION_MODE" description:"JSON replication mode override; omit to resolve from the schedule"`
	ModelIDs          string `long:"model-ids" env:"MODEL_IDS" description:"JSON list of model ids overriding the destination's models"`
	DropAfterComplete bool   `long:"drop-after-complete" env:"DROP_AFTER_COMPLETE" description:"Drop delivered tables after the run (destination tests)"`
	CacheDir          string `long:"cache-dir" env:"CACHE_DIR" default:"." description:"Directory for per-run cache files"`
	ExecutionID       string `long:"execution-id" env:"EXECUTION_ID" description:"Queue execution id, recorded in the run's meta"`
	RetryCount        int    `long:"retry-count" env:"RETRY_COUNT" description:"Retry attempt number, recorded in the run's meta"`
	RetryLimit        int    `long:"retry-limit" env:"RETRY_LIMIT" description:"Retry budget, recorded in the run's meta"`

	API apiConfig `group:"Control plane" env-namespace:"FERRY"`
	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdTransfer) Execute(_ []string) error {
	initLog(cmd.Log)
	if cmd.TransferID == "" {
		cmd.TransferID = cmd.DestinationID
	}
	if cmd.TransferID == "" {
		return fmt.Errorf("one of --transfer-id or --destination-id is required")
	}
	log.WithFields(log.Fields{
		"transfer_id":  cmd.TransferID,
		"execution_id": cmd.ExecutionID,
		"retry_count":  cmd.RetryCount,
		"retry_limit":  cmd.RetryLimit,
	}).Info("starting transfer")

	var cfg = transfer.Config{
		TransferID:        cmd.TransferID,
		OrganizationID:    cmd.OrganizationID,
		DropAfterComplete: cmd.DropAfterComplete,
		CacheDir:          cmd.CacheDir,
		ExecutionID:       cmd.ExecutionID,
		RetryCount:        cmd.RetryCount,
		RetryLimit:        cmd.RetryLimit,
	}
	if cmd.ReplicationMode != "" {
		var mode, err = replication.ParseMode([]byte(cmd.ReplicationMode))
		if err != nil {
			return err
		}
		cfg.ModeOverride = mode
	}
	if cmd.ModelIDs != "" {
		if err := json.Unmarshal([]byte(cmd.ModelIDs), &cfg.ModelIDs); err != nil {
			return fmt.Errorf("parsing model ids: %w", err)
		}
	}
	return execute(transfer.NewTransferCommand(cmd.API.client(), cfg))
}

type cmdSourceCheck struct {
	SourceID string    `long:"source-id" env:"SOURCE_ID" required:"true" description:"Source to check"`
	API      apiConfig `group:"Control plane" env-namespace:"FERRY"`
	Log      LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdSourceCheck) Execute(_ []string) error {
	initLog(cmd.Log)
	return execute(&transfer.SourceCheckCommand{API: cmd.API.client(), SourceID: cmd.SourceID})
}

type cmdSourceInspect struct {
	SourceID string    `long:"source-id" env:"SOURCE_ID" required:"true" description:"Source to inspect"`
	API      apiConfig `group:"Control plane" env-namespace:"FERRY"`
	Log      LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdSourceInspect) Execute(_ []string) error {
	initLog(cmd.Log)
	return execute(&transfer.SourceInspectCommand{API: cmd.API.client(), SourceID: cmd.SourceID})
}

func main() {
	var parser = flags.NewParser(nil, flags.Default)
	parser.LongDescription = "ferry runs multi-tenant warehouse-to-warehouse transfer jobs."

	parser.AddCommand("transfer", "Run a transfer",
		"Resolve a transfer's configuration from the control plane and run it to completion.",
		&cmdTransfer{})
	parser.AddCommand("source-check", "Check source connectivity",
		"Open and close a connection against a configured source.",
		&cmdSourceCheck{})
	parser.AddCommand("source-inspect", "List source streams",
		"List the schemas, tables and columns visible on a configured source.",
		&cmdSourceInspect{})

	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
