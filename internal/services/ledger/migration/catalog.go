package migration

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/aggregate"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/projection"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

// Built-in migration names.
const (
	RegenerateSnapshots = "snapshots.regenerate"
	RebuildReadModels   = "readmodels.rebuild"
	RepairReadModels    = "readmodels.repair"
	VerifyStreams       = "streams.verify"
)

// Request invokes a catalog migration. AggregateType and TenantID narrow
// the streams visited; each distinct scope keeps its own cursor.
type Request struct {
	Name             string
	AggregateType    event.AggregateType
	TenantID         string
	BatchSize        int
	MaxRetries       int
	MaintenanceEvery int
	Cancel           <-chan struct{}
	Rerun            bool
}

// CursorName returns the cursor name used for the request's scope.
func (r Request) CursorName() string {
	name := r.Name
	if r.AggregateType != "" {
		name += ":" + string(r.AggregateType)
	}
	if r.TenantID != "" {
		name += "@" + r.TenantID
	}
	return name
}

// Command is one named migration.
type Command struct {
	Name        string
	Description string
	process     func(ctx context.Context, head storage.StreamHead) error
}

// Dependencies are the collaborators of the built-in migrations.
type Dependencies struct {
	Events     storage.EventStore
	Repository *aggregate.Repository
	Projector  *projection.Projector
	Checker    ExistenceChecker
	Maintainer storage.Maintainer
}

// Catalog dispatches named stream migrations to a Runner.
type Catalog struct {
	runner     *Runner
	events     storage.EventStore
	maintainer storage.Maintainer
	commands   map[string]Command
}

// NewCatalog registers the built-in migrations.
func NewCatalog(runner *Runner, deps Dependencies) (*Catalog, error) {
	switch {
	case runner == nil:
		return nil, fmt.Errorf("migration runner is required")
	case deps.Events == nil:
		return nil, fmt.Errorf("event store is required")
	case deps.Repository == nil:
		return nil, fmt.Errorf("aggregate repository is required")
	case deps.Projector == nil:
		return nil, fmt.Errorf("projector is required")
	}
	checker := deps.Checker
	if checker == nil {
		checker = StoreChecker{Events: deps.Events}
	}
	c := &Catalog{
		runner:     runner,
		events:     deps.Events,
		maintainer: deps.Maintainer,
		commands:   make(map[string]Command),
	}
	builtins := []Command{
		{
			Name:        RegenerateSnapshots,
			Description: "replay every stream from its first event and store a fresh snapshot",
			process:     regenerateSnapshots(deps.Repository),
		},
		{
			Name:        RebuildReadModels,
			Description: "rebuild read models from history, skipping records whose references are gone",
			process:     rebuildReadModels(deps.Projector, checker),
		},
		{
			Name:        RepairReadModels,
			Description: "catch up or rebuild read models that drifted from their streams",
			process:     repairReadModels(deps.Projector),
		},
		{
			Name:        VerifyStreams,
			Description: "replay every stream and report gaps and undecodable events",
			process:     verifyStreams(deps.Repository),
		},
	}
	for _, cmd := range builtins {
		if err := c.Register(cmd.Name, cmd.Description, cmd.process); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds a stream migration. process runs once per stream head.
func (c *Catalog) Register(name, description string, process func(ctx context.Context, head storage.StreamHead) error) error {
	if strings.TrimSpace(name) == "" || process == nil {
		return fmt.Errorf("migration name and process are required")
	}
	if strings.ContainsAny(name, ":@") {
		return fmt.Errorf("migration name %q must not contain ':' or '@'", name)
	}
	if _, dup := c.commands[name]; dup {
		return fmt.Errorf("migration %s registered twice", name)
	}
	c.commands[name] = Command{Name: name, Description: description, process: process}
	return nil
}

// Commands lists registered migrations by name.
func (c *Catalog) Commands() []Command {
	cmds := make([]Command, 0, len(c.commands))
	for _, cmd := range c.commands {
		cmds = append(cmds, cmd)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}

// Run executes the named migration over every stream in scope.
func (c *Catalog) Run(ctx context.Context, req Request) (Result, error) {
	cmd, ok := c.commands[req.Name]
	if !ok {
		return Result{}, apperrors.WithMetadata(apperrors.CodeUnknownMigration,
			fmt.Sprintf("unknown migration %q", req.Name),
			map[string]string{"migration": req.Name})
	}
	filter := storage.StreamFilter{AggregateType: req.AggregateType, TenantID: req.TenantID}
	job := Job[storage.StreamHead]{
		Name: req.CursorName(),
		Fetch: func(ctx context.Context, after string, limit int) ([]storage.StreamHead, error) {
			key, err := event.ParseStreamKey(after)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.CodeInternal, "parse migration cursor", err)
			}
			return c.events.ListStreams(ctx, filter, key, limit)
		},
		Key:     func(head storage.StreamHead) string { return head.Key.String() },
		Process: ForEach(func(head storage.StreamHead) string { return head.Key.String() }, cmd.process),
	}
	opts := Options{
		BatchSize:        req.BatchSize,
		MaxRetries:       req.MaxRetries,
		Cancel:           req.Cancel,
		MaintenanceEvery: req.MaintenanceEvery,
		Rerun:            req.Rerun,
	}
	if c.maintainer != nil {
		opts.Maintenance = c.maintainer.Maintain
	}
	return Run(ctx, c.runner, job, opts)
}

// integrity reclassifies err as CodeDataIntegrity when it describes bad
// data in one stream rather than a failing store.
func integrity(err error, codes ...apperrors.Code) error {
	for _, code := range codes {
		if apperrors.IsCode(err, code) {
			return apperrors.Wrap(apperrors.CodeDataIntegrity, "stream data is inconsistent", err)
		}
	}
	return err
}

func regenerateSnapshots(repo *aggregate.Repository) func(context.Context, storage.StreamHead) error {
	return func(ctx context.Context, head storage.StreamHead) error {
		_, err := repo.ReplayAll(ctx, head.Key.TenantID, head.Key.AggregateID, head.AggregateType, aggregate.ReplayOptions{PersistSnapshot: true})
		return integrity(err, apperrors.CodeInvalidArgument)
	}
}

func rebuildReadModels(projector *projection.Projector, checker ExistenceChecker) func(context.Context, storage.StreamHead) error {
	check := CheckReferences(checker)
	return func(ctx context.Context, head storage.StreamHead) error {
		if !hasView(projector, head.AggregateType) {
			return nil
		}
		ok, err := checker.TenantExists(ctx, head.Key.TenantID)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.New(apperrors.CodeDataIntegrity, fmt.Sprintf("tenant %q no longer exists", head.Key.TenantID))
		}
		_, err = projector.RebuildChecked(ctx, head.Key, head.AggregateType, check)
		return err
	}
}

func repairReadModels(projector *projection.Projector) func(context.Context, storage.StreamHead) error {
	return func(ctx context.Context, head storage.StreamHead) error {
		if !hasView(projector, head.AggregateType) {
			return nil
		}
		_, err := projector.Repair(ctx, head.Key, head.AggregateType)
		return err
	}
}

func verifyStreams(repo *aggregate.Repository) func(context.Context, storage.StreamHead) error {
	return func(ctx context.Context, head storage.StreamHead) error {
		agg, err := repo.ReplayAll(ctx, head.Key.TenantID, head.Key.AggregateID, head.AggregateType, aggregate.ReplayOptions{})
		if err != nil {
			return integrity(err, apperrors.CodeCorruptEvent, apperrors.CodeInvalidArgument)
		}
		if agg.Seq < head.Seq {
			return apperrors.New(apperrors.CodeDataIntegrity, fmt.Sprintf("stream %s replays to seq %d, head is %d", head.Key, agg.Seq, head.Seq))
		}
		return nil
	}
}

func hasView(projector *projection.Projector, aggregateType event.AggregateType) bool {
	return slices.Contains(projector.Types(), aggregateType)
}
