package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/logger"
	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/hooks"
	"github.com/harun/parley/pkg/manager"
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/store"
	"github.com/harun/parley/pkg/toolchain"
	"github.com/harun/parley/pkg/toolexecutor"
)

// app holds the collaborators shared by every command of one invocation.
type app struct {
	cfgPath  string
	logLevel string

	loader  *config.Loader
	cfg     *config.Config
	log     *logger.Logger
	store   *store.ConversationStore
	tools   *toolexecutor.ToolExecutor
	mgr     *manager.Manager
	sweeper *toolchain.Sweeper
	mcp     []*toolexecutor.MCPClient
	tracing bool
	audit   bool
}

// run wraps a command body with opening and closing the app.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		if err := a.open(cmd); err != nil {
			return errors.Join(err, a.close())
		}
		defer func() {
			if cerr := a.close(); err == nil {
				err = cerr
			}
		}()
		return fn(cmd, args)
	}
}

func (a *app) open(cmd *cobra.Command) error {
	a.loader = config.NewLoader(a.cfgPath)
	cfg, err := a.loader.Load()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", a.loader.GetConfigPath(), err)
	}
	a.cfg = cfg

	a.log, err = logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		a.audit = true
	}
	if cfg.Telemetry.Tracing {
		if err := tracing.InitOpenTelemetry(tracing.Options{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			SampleRatio:    cfg.Telemetry.SampleRatio,
			Attributes:     cfg.TraceAttributes(),
		}); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		a.tracing = true
	}

	a.store, err = store.Open(cfg.Store.Backend, cfg.Store.Dir, cfg.Store.DSN)
	if err != nil {
		return err
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	a.tools, err = a.buildTools(cmd.Context())
	if err != nil {
		return err
	}

	chain, err := a.chainConfig(cmd.InOrStdin(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	dispatcher, err := hooks.NewDispatcher(cfg.HookList(), *a.log.Zerolog())
	if err != nil {
		return err
	}

	a.mgr, err = manager.New(manager.Config{
		Store:      a.store,
		Providers:  providers,
		Models:     cfg.CapabilityModels(),
		Tools:      a.tools,
		Chain:      chain,
		KeepRecent: cfg.Adapter.KeepRecent,
		Hooks:      dispatcher,
		Logger:     a.log.Component("manager"),
	})
	return err
}

func buildProviders(cfg *config.Config) (map[string]provider.Provider, error) {
	factory := &provider.Factory{}
	providers := make(map[string]provider.Provider, len(cfg.Providers))
	for _, profile := range cfg.Profiles() {
		p, err := factory.New(profile)
		if err != nil {
			return nil, err
		}
		providers[profile.ID] = p
	}
	return providers, nil
}

// buildTools registers builtins and MCP server tools before the approval and
// disabled lists apply, so both lists may name prefixed MCP tools.
func (a *app) buildTools(ctx context.Context) (*toolexecutor.ToolExecutor, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, log := a.cfg, a.log.Component("tools")
	te := toolexecutor.New()
	if cfg.Chain.ToolTimeoutSeconds > 0 {
		te.SetTimeout(time.Duration(cfg.Chain.ToolTimeoutSeconds) * time.Second)
	}
	if cfg.Tools.Builtins {
		if err := toolexecutor.RegisterBuiltins(te); err != nil {
			return nil, err
		}
	}
	for _, server := range cfg.MCPServerList() {
		client := toolexecutor.NewMCPClient(server)
		a.mcp = append(a.mcp, client)
		if _, err := te.RegisterMCPServer(ctx, client); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Tools.RequireApproval {
		def, ok := te.Get(name)
		if !ok {
			log.Warn().Str("tool", name).Msg("Cannot gate unknown tool")
			continue
		}
		def.RequiresApproval = true
		if err := te.Register(def, true); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Tools.Disabled {
		if err := te.SetActive(name, false); err != nil {
			log.Warn().Err(err).Str("tool", name).Msg("Cannot disable tool")
		}
	}
	return te, nil
}

// chainConfig maps the chain section to the engine config. Sync mode asks
// on the terminal unless auto approval is on. Async mode keeps checkpoints
// in memory for the lifetime of the process.
func (a *app) chainConfig(in io.Reader, out io.Writer) (toolchain.Config, error) {
	cc := a.cfg.Chain
	chain := toolchain.Config{
		MaxIterations:    cc.MaxIterations,
		MaxParallelTools: cc.MaxParallelTools,
		ApprovalMode:     toolchain.ApprovalMode(cc.ApprovalMode),
		CheckpointTTL:    time.Duration(cc.CheckpointTTLSeconds) * time.Second,
	}

	var handler toolexecutor.ApprovalHandler = newPromptApprover(in, out)
	if a.cfg.Tools.AutoApprove {
		handler = toolexecutor.AutoApproveHandler{}
	}
	approvals := toolexecutor.NewApprovalManager(handler)
	if cc.ApprovalTimeoutSeconds > 0 {
		approvals.SetDefaultTimeout(time.Duration(cc.ApprovalTimeoutSeconds) * time.Second)
	}
	chain.Approvals = approvals

	if chain.ApprovalMode == toolchain.ApprovalAsync {
		checkpoints := toolchain.NewMemoryCheckpointStore()
		sweeper, err := toolchain.StartSweeper(checkpoints, cc.SweepSchedule)
		if err != nil {
			return chain, err
		}
		a.sweeper = sweeper
		chain.Checkpoints = checkpoints
	}
	return chain, nil
}

func (a *app) close() error {
	var errList []error
	if a.sweeper != nil {
		a.sweeper.Stop()
		a.sweeper = nil
	}
	for _, client := range a.mcp {
		errList = append(errList, client.Close())
	}
	a.mcp = nil
	if a.store != nil {
		errList = append(errList, a.store.Close())
		a.store = nil
	}
	if a.tracing {
		errList = append(errList, tracing.ShutdownOpenTelemetry(context.Background()))
		a.tracing = false
	}
	if a.audit {
		prev := observability.SetAuditLogger(observability.NewAuditLogger(os.Stderr))
		errList = append(errList, prev.Close())
		a.audit = false
	}
	if a.log != nil {
		errList = append(errList, a.log.Close())
		a.log = nil
	}
	return errors.Join(errList...)
}
