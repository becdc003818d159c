// Command shepherd is the CLI entrypoint (§6): it loads settings and domain
// configuration, plans a route (automatic or named), expands and persists
// the resulting task chains, then runs the dispatch loop to completion.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/urfave/cli/v2"

	"github.com/wtsi-hgi/shepherd/internal/capability"
	"github.com/wtsi-hgi/shepherd/internal/config"
	"github.com/wtsi-hgi/shepherd/internal/dispatch"
	"github.com/wtsi-hgi/shepherd/internal/driver/irods"
	"github.com/wtsi-hgi/shepherd/internal/driver/posix"
	"github.com/wtsi-hgi/shepherd/internal/driver/s3"
	"github.com/wtsi-hgi/shepherd/internal/executor/local"
	"github.com/wtsi-hgi/shepherd/internal/executor/lsf"
	"github.com/wtsi-hgi/shepherd/internal/expand"
	"github.com/wtsi-hgi/shepherd/internal/fsregistry"
	"github.com/wtsi-hgi/shepherd/internal/graph"
	"github.com/wtsi-hgi/shepherd/internal/metrics"
	"github.com/wtsi-hgi/shepherd/internal/query"
	"github.com/wtsi-hgi/shepherd/internal/route"
	"github.com/wtsi-hgi/shepherd/internal/state"
	"github.com/wtsi-hgi/shepherd/internal/template"
	"github.com/wtsi-hgi/shepherd/internal/transform"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

// Exit codes, per §6.
const (
	exitSuccess         = 0
	exitUsage           = 1
	exitConfiguration   = 2
	exitUnresolvedRoute = 3
	exitPartialFailure  = 4
	exitInternal        = 5
)

// driverFactories maps a filesystem's configured `driver` to its
// constructor — the dynamic capability dispatch §9 describes.
var driverFactories = map[string]capability.DriverFactory{
	"posix": posix.New,
	"s3":    s3.New,
	"irods": irods.New,
}

// executorFactories maps the `executor.driver` config key to its Dispatcher
// constructor.
var executorFactories = map[string]capability.DispatcherFactory{
	"local": local.New,
	"lsf":   lsf.New,
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx, os.Args)
	cancel()
	os.Exit(exitCode)
}

func run(ctx context.Context, args []string) int {
	log := logger.NewLogger().Child("cmd.shepherd")
	app := newApp(log)

	if err := app.RunContext(ctx, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	return exitSuccess
}

func newApp(log logger.Logger) *cli.App {
	return &cli.App{
		Name:      "shepherd",
		Usage:     "plan and dispatch file transfers between filesystems",
		UsageText: "shepherd [OPTIONS] from FS_A to FS_B QUERY\n   shepherd [OPTIONS] through NAMED_ROUTE QUERY\n   shepherd [OPTIONS] help [SUBJECT]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "settings", Aliases: []string{"S"}, Usage: "runtime settings file (state store DSN, concurrency, ...)"},
			&cli.StringSliceFlag{Name: "config", Aliases: []string{"C"}, Usage: "domain config file or directory (repeatable; later overrides earlier)"},
			&cli.StringSliceFlag{Name: "variable", Aliases: []string{"v"}, Usage: "NAME=VALUE template variable (repeatable)"},
			&cli.StringSliceFlag{Name: "variables", Usage: "variables file, NAME=VALUE per line (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			return dispatchCommand(c, log)
		},
	}
}

func dispatchCommand(c *cli.Context, log logger.Logger) error {
	args := c.Args().Slice()
	if len(args) == 0 {
		return cli.Exit(`expected "from", "through", or "help"`, exitUsage)
	}

	switch args[0] {
	case "help":
		return runHelp(args[1:])
	case "from", "through":
		return runTransfer(c, log, args)
	default:
		return cli.Exit(fmt.Sprintf("unexpected command %q: expected \"from\", \"through\", or \"help\"", args[0]), exitUsage)
	}
}

func runHelp(subject []string) error {
	topics := map[string]string{
		"from":    `shepherd [OPTIONS] from FS_A to FS_B QUERY — plan the cheapest route from FS_A to FS_B and dispatch it.`,
		"through": `shepherd [OPTIONS] through NAMED_ROUTE QUERY — dispatch a pre-declared named route.`,
		"query":   `QUERY = "take" SOURCE ["where" EXPRESSION]; SOURCE is one or more paths, or "from PATH [compressed] [delimited by OCTET]".`,
	}
	if len(subject) == 0 {
		fmt.Println(`shepherd [OPTIONS] from FS_A to FS_B QUERY
shepherd [OPTIONS] through NAMED_ROUTE QUERY
shepherd [OPTIONS] help [SUBJECT]

Options:
  -S FILE              runtime settings file
  -C DIR|FILE          domain config file or directory (repeatable)
  -v NAME=VALUE        template variable (repeatable)
  --variables=FILE     variables file (repeatable)

Subjects: from, through, query`)
		return nil
	}
	if text, ok := topics[subject[0]]; ok {
		fmt.Println(text)
		return nil
	}
	fmt.Printf("no help available for %q\n", subject[0])
	return nil
}

func runTransfer(c *cli.Context, log logger.Logger, args []string) error {
	cliVariables, err := parseCLIVariables(c.StringSlice("variable"))
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	configPaths, err := expandConfigPaths(c.StringSlice("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	settingsPath := c.String("settings")
	if settingsPath == "" {
		return cli.Exit("-S FILE (settings) is required", exitUsage)
	}

	var sourceFSName, targetFSName, namedRouteName, queryText string
	switch args[0] {
	case "from":
		if len(args) < 4 || args[2] != "to" {
			return cli.Exit(`expected "from FS_A to FS_B QUERY"`, exitUsage)
		}
		sourceFSName = args[1]
		targetFSName = args[3]
		queryText = strings.Join(args[4:], " ")
	case "through":
		if len(args) < 3 {
			return cli.Exit(`expected "through NAMED_ROUTE QUERY"`, exitUsage)
		}
		namedRouteName = args[1]
		queryText = strings.Join(args[2:], " ")
	}
	if strings.TrimSpace(queryText) == "" {
		return cli.Exit("expected a query", exitUsage)
	}

	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return err
	}
	cfg, env, err := config.Load(configPaths, c.StringSlice("variables"), cliVariables)
	if err != nil {
		return err
	}

	return execute(c.Context, log, cfg, env, settings, sourceFSName, targetFSName, namedRouteName, queryText)
}

// execute wires the fully-loaded configuration into the planning and
// dispatch pipeline and runs one job to completion.
func execute(
	ctx context.Context,
	log logger.Logger,
	cfg *config.Config,
	env shepherdapi.Env,
	settings *config.Settings,
	sourceFSName, targetFSName, namedRouteName, queryText string,
) error {
	fsReg := fsregistry.New()
	g := graph.New()

	for _, fs := range cfg.Filesystems {
		if err := g.AddFilesystem(fs.Name); err != nil {
			return err
		}
		factory, ok := driverFactories[fs.Driver]
		if !ok {
			return shepherdapi.New(shepherdapi.KindConfiguration, "filesystem %q: unknown driver %q", fs.Name, fs.Driver)
		}
		if _, err := fsReg.Add(fs.Name, fs.Driver, fs.Options, factory, fs.MaxConcurrency); err != nil {
			return err
		}
	}

	for _, t := range cfg.Transfers {
		if err := g.AddRoute(graph.Route{
			Name:            t.Name,
			Source:          t.Source,
			Target:          t.Target,
			Transformations: t.Transformations,
			ScriptTemplate:  t.Script,
			Cost:            t.Cost,
		}); err != nil {
			return err
		}
	}

	registry := transform.NewRegistry()
	engine := template.New()
	resolver := route.NewResolver(g, engine)
	for _, nr := range cfg.NamedRoutes {
		def := route.Definition{Name: nr.Name}
		for _, h := range nr.Hops {
			def.Hops = append(def.Hops, route.Hop{
				RouteName:            h.Route,
				ExtraTransformations: h.ExtraTransformations,
				Options:              h.Options,
			})
		}
		if err := resolver.Declare(def); err != nil {
			return err
		}
	}

	var hops []expand.Hop
	var effectiveSourceFS string

	if namedRouteName != "" {
		resolved, err := resolver.Resolve(namedRouteName, env)
		if err != nil {
			return err
		}
		hops = make([]expand.Hop, len(resolved))
		for i, h := range resolved {
			hops[i] = expand.Hop{Route: h.Route, ExtraTransformations: h.ExtraTransformations}
		}
		effectiveSourceFS = hops[0].Route.Source
	} else {
		routes, err := g.Plan(sourceFSName, targetFSName)
		if err != nil {
			return err
		}
		hops = expand.FromRoutes(routes)
		effectiveSourceFS = sourceFSName
	}

	q, err := query.Parse(queryText)
	if err != nil {
		return err
	}

	sourceFS, ok := fsReg.Lookup(effectiveSourceFS)
	if !ok {
		return shepherdapi.New(shepherdapi.KindConfiguration, "source filesystem %q is not configured", effectiveSourceFS)
	}

	store, err := state.Open(settings.StateStoreDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	jobID, err := store.CreateJob(ctx, queryText, settings.MaxAttempts)
	if err != nil {
		return err
	}
	log.Infow("created job", "jobID", jobID, "query", queryText)

	for _, fs := range cfg.Filesystems {
		entry := fsReg.MustLookup(fs.Name)
		if _, err := store.AddFilesystem(ctx, jobID, entry.Name, entry.DriverKey, entry.Options, entry.MaxConcurrency); err != nil {
			return err
		}
	}

	addresses, err := collectAddresses(ctx, sourceFS.Driver, queryRootAddress(q), q)
	if err != nil {
		return err
	}

	expander := expand.New(registry, engine)
	if err := expander.Expand(ctx, jobID, hops, addresses, env, store); err != nil {
		return err
	}
	if err := store.ClosePhase(ctx, jobID, state.PhasePrepare); err != nil {
		return err
	}

	dispatcherFactory, ok := executorFactories[cfg.Executor.Driver]
	if !ok {
		return shepherdapi.New(shepherdapi.KindConfiguration, "unknown executor driver %q", cfg.Executor.Driver)
	}
	dispatcher, err := dispatcherFactory(cfg.Executor.Options)
	if err != nil {
		return err
	}

	if err := stats.Default.Start(ctx, stats.DefaultGoRoutineFactory); err != nil {
		return shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "starting stats collection")
	}
	defer stats.Default.Stop()

	resources := shepherdapi.ResourceRequest{Cores: cfg.Phase.Cores, Memory: cfg.Phase.Memory, Group: cfg.Phase.Group}
	m := metrics.New(stats.Default)
	loop := dispatch.New(store, dispatcher, resources, settings.Concurrency, m)
	if settings.PollIntervalMS > 0 {
		loop.PollInterval = time.Duration(settings.PollIntervalMS) * time.Millisecond
	}

	if err := loop.Run(ctx, jobID); err != nil {
		return err
	}
	if err := store.ClosePhase(ctx, jobID, state.PhaseTransfer); err != nil {
		return err
	}

	return checkPartialFailure(ctx, store, jobID)
}

// queryRootAddress derives the fallback `source` argument a FilesystemDriver
// receives alongside criteria: its first explicit root, or the
// file-of-filenames path, whichever the query specifies. Drivers prefer
// criteria.Source.Roots themselves when present; this only matters for
// single-root queries.
func queryRootAddress(q *query.Query) shepherdapi.Address {
	if len(q.Source.Roots) > 0 {
		return shepherdapi.Address(q.Source.Roots[0])
	}
	return shepherdapi.Address(q.Source.FromFile)
}

// collectAddresses drains a FilesystemDriver.Query call into a slice,
// failing on the first error either channel reports.
func collectAddresses(ctx context.Context, driver capability.FilesystemDriver, source shepherdapi.Address, q *query.Query) ([]shepherdapi.Address, error) {
	items, errs := driver.Query(ctx, source, q)

	var addresses []shepherdapi.Address
	for items != nil || errs != nil {
		select {
		case item, ok := <-items:
			if !ok {
				items = nil
				continue
			}
			addresses = append(addresses, item.Address)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return addresses, nil
}

// checkPartialFailure reports KindTerminalFailure if any task in jobID
// exhausted its retry budget (§6's exit code 4), after the dispatch loop has
// otherwise run the job to completion.
func checkPartialFailure(ctx context.Context, store *state.Store, jobID string) error {
	rows, err := store.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	var failed int64
	for _, r := range rows {
		failed += r.Failed
	}
	if failed > 0 {
		return shepherdapi.New(shepherdapi.KindTerminalFailure, "job %q: %d task(s) exhausted their retry budget", jobID, failed)
	}
	return nil
}

// parseCLIVariables turns repeated `-v NAME=VALUE` flag values into a map.
func parseCLIVariables(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("expected NAME=VALUE, got %q", arg)
		}
		out[strings.TrimSpace(name)] = value
	}
	return out, nil
}

// expandConfigPaths resolves each `-C` argument: a file is used as-is, a
// directory is expanded to its *.yaml/*.yml entries in sorted order, so
// a config directory behaves as a sequence of merged files (§6).
func expandConfigPaths(paths []string) ([]string, error) {
	var out []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("config path %q: %w", path, err)
		}
		if !info.IsDir() {
			out = append(out, path)
			continue
		}

		var entries []string
		for _, pattern := range []string{"*.yaml", "*.yml"} {
			matches, err := filepath.Glob(filepath.Join(path, pattern))
			if err != nil {
				return nil, fmt.Errorf("config directory %q: %w", path, err)
			}
			entries = append(entries, matches...)
		}
		sort.Strings(entries)
		out = append(out, entries...)
	}
	return out, nil
}

// exitCodeFor maps err to one of the exit codes §6 specifies, preferring an
// explicit cli.ExitCoder (from our own usage-error returns) and otherwise
// dispatching on the error's shepherdapi.Kind.
func exitCodeFor(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}

	switch shepherdapi.KindOf(err) {
	case shepherdapi.KindConfiguration, shepherdapi.KindUnresolvedVariable, shepherdapi.KindUnsupportedPredicate, shepherdapi.KindSchemaMismatch:
		return exitConfiguration
	case shepherdapi.KindNoRoute, shepherdapi.KindInvalidNamedRoute:
		return exitUnresolvedRoute
	case shepherdapi.KindTerminalFailure:
		return exitPartialFailure
	default:
		return exitInternal
	}
}
