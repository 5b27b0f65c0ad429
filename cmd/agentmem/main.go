package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/agentmem/internal/config"
	"github.com/stellarlinkco/agentmem/internal/cron"
	"github.com/stellarlinkco/agentmem/internal/gateway"
	"github.com/stellarlinkco/agentmem/internal/logging"
	"github.com/stellarlinkco/agentmem/internal/memory"
)

// Options carries the injectable dependencies of the CLI (for testing).
type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Serve replaces the blocking gateway run.
	Serve func(ctx context.Context, cfg *config.Config) error
}

type cli struct {
	opts Options

	configPath string
	dbPath     string
	output     string
	logLevel   string

	cfg    *config.Config
	engine *memory.Engine
	svc    memory.Service
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, Options{}, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run executes one CLI invocation and releases the engine it opened.
func run(ctx context.Context, opts Options, args []string) error {
	c := newCLI(opts)
	defer c.close()

	root := c.rootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newCLI(opts Options) *cli {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Serve == nil {
		opts.Serve = serveGateway
	}
	return &cli{opts: opts}
}

func (c *cli) rootCmd() *cobra.Command {
	opts := c.opts
	root := &cobra.Command{
		Use:           "agentmem",
		Short:         "agentmem - durable per-agent memory store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.loadConfig()
		},
	}
	root.SetIn(opts.Stdin)
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "config file (default ~/.agentmem/config.yaml)")
	pf.StringVar(&c.dbPath, "db", "", "database path (overrides config)")
	pf.StringVarP(&c.output, "output", "o", "json", "output format: json or yaml")
	pf.StringVar(&c.logLevel, "log-level", "", "log level (overrides config)")

	root.AddCommand(
		c.storeCmd(),
		c.getCmd(),
		c.recallCmd(),
		c.searchCmd(),
		c.stateCmd(),
		c.sessionCmd(),
		c.consolidateCmd(),
		c.statsCmd(),
		c.agentsCmd(),
		c.maintainCmd(),
		c.serveCmd(),
		c.initCmd(),
		c.statusCmd(),
	)
	return root
}

func (c *cli) loadConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	var (
		cfg *config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.LoadConfigFile(c.configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.dbPath != "" {
		cfg.DBPath = c.dbPath
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	switch c.output {
	case "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", c.output)
	}
	c.cfg = cfg
	return nil
}

// open lazily opens the engine the command operates on.
func (c *cli) open() (memory.Service, error) {
	if c.svc != nil {
		return c.svc, nil
	}
	logger, err := logging.NewWithWriter(c.opts.Stderr, c.cfg.Log.Level, c.cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	engine, err := memory.NewEngineWithOptions(c.cfg.DBPath, memory.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	c.engine = engine
	c.svc = memory.NewTracedService(engine, otel.Tracer("github.com/stellarlinkco/agentmem/cmd/agentmem"))
	return c.svc, nil
}

func (c *cli) close() error {
	if c.engine == nil {
		return nil
	}
	err := c.engine.Close()
	c.engine = nil
	c.svc = nil
	return err
}

// print writes v as indented JSON, or as YAML keyed by the JSON field names.
func (c *cli) print(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if c.output == "yaml" {
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return err
		}
		_, err = c.opts.Stdout.Write(out)
		return err
	}
	_, err = fmt.Fprintln(c.opts.Stdout, string(data))
	return err
}

// readArg returns arg, or stdin when arg is "-" or absent.
func (c *cli) readArg(args []string, i int) ([]byte, error) {
	if len(args) > i && args[i] != "-" {
		return []byte(args[i]), nil
	}
	data, err := io.ReadAll(c.opts.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return data, nil
}

func (c *cli) storeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store <agent> <kind> [payload-json|-]",
		Short: "Create or update a record",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := c.readArg(args, 2)
			if err != nil {
				return err
			}
			svc, err := c.open()
			if err != nil {
				return err
			}
			res, err := svc.Store(cmd.Context(), args[0], args[1], payload)
			if err != nil {
				return err
			}
			return c.print(res)
		},
	}
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <agent> <kind> <id>",
		Short: "Fetch one record by id",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.open()
			if err != nil {
				return err
			}
			rec, err := svc.Get(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("%s %q not found for agent %q", args[1], args[2], args[0])
			}
			return c.print(rec)
		},
	}
}

func (c *cli) recallCmd() *cobra.Command {
	var (
		filters string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "recall <agent> <kind>",
		Short: "List records of a kind, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := memory.ParseRecallFilter([]byte(filters))
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("limit") {
				limit = c.cfg.Recall.DefaultLimit
			}
			svc, err := c.open()
			if err != nil {
				return err
			}
			records, err := svc.Recall(cmd.Context(), args[0], args[1], filter, limit)
			if err != nil {
				return err
			}
			if records == nil {
				records = []memory.Record{}
			}
			return c.print(records)
		},
	}
	cmd.Flags().StringVar(&filters, "filters", "", `filter object, e.g. '{"tier":"hot"}'`)
	cmd.Flags().IntVar(&limit, "limit", config.DefaultRecallLimit, "maximum records (-1 for all)")
	return cmd
}

func (c *cli) searchCmd() *cobra.Command {
	var (
		kinds []string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "search <agent> <query...>",
		Short: "Full-text search across events, entities and lessons",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("limit") {
				limit = c.cfg.Search.DefaultLimit
			}
			svc, err := c.open()
			if err != nil {
				return err
			}
			query := strings.Join(args[1:], " ")
			results, err := svc.Search(cmd.Context(), args[0], query, kinds, limit)
			if err != nil {
				return err
			}
			if results == nil {
				results = []memory.SearchResult{}
			}
			return c.print(results)
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "restrict to kinds (event,entity,lesson)")
	cmd.Flags().IntVar(&limit, "limit", config.DefaultSearchLimit, "maximum results")
	return cmd
}

func (c *cli) stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Read or replace an agent's working state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <agent>",
		Short: "Show the working state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.open()
			if err != nil {
				return err
			}
			st, err := svc.GetState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(st)
		},
	}, &cobra.Command{
		Use:   "set <agent> [content|-]",
		Short: "Replace the working state",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := c.readArg(args, 1)
			if err != nil {
				return err
			}
			svc, err := c.open()
			if err != nil {
				return err
			}
			st, err := svc.SetState(cmd.Context(), args[0], string(content))
			if err != nil {
				return err
			}
			return c.print(st)
		},
	})
	return cmd
}

func (c *cli) sessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session <agent>",
		Short: "Print the session bootstrap bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.open()
			if err != nil {
				return err
			}
			s, err := svc.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(s)
		},
	}
}

func (c *cli) consolidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate <agent> <principle-id> <lesson-id>...",
		Short: "Mark lessons as absorbed into a principle",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.open()
			if err != nil {
				return err
			}
			n, err := svc.ConsolidateLessons(cmd.Context(), args[0], args[1], args[2:])
			if err != nil {
				return err
			}
			return c.print(map[string]any{"principle_id": args[1], "consolidated": n})
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <agent>",
		Short: "Show record counts for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.open()
			if err != nil {
				return err
			}
			st, err := svc.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(st)
		},
	}
}

func (c *cli) agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List known agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.open(); err != nil {
				return err
			}
			agents, err := c.engine.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			if agents == nil {
				agents = []memory.Agent{}
			}
			return c.print(agents)
		},
	}
}

func (c *cli) maintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "maintain [optimize|checkpoint|rebuild|verify|retier]",
		Short:     "Run storage maintenance (all scheduled jobs when no task is given)",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{cron.JobOptimize, cron.JobCheckpoint, "rebuild", cron.JobVerify, "retier"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.open(); err != nil {
				return err
			}
			logger, err := logging.NewWithWriter(c.opts.Stderr, c.cfg.Log.Level, c.cfg.Log.Format)
			if err != nil {
				return err
			}
			sched := cron.NewService(c.engine, c.cfg.Maintenance, logger)

			tasks := []string{cron.JobOptimize, cron.JobCheckpoint, cron.JobVerify}
			if len(args) == 1 {
				tasks = args
			}
			done := make([]string, 0, len(tasks))
			out := map[string]any{}
			for _, task := range tasks {
				switch task {
				case "rebuild":
					err = c.engine.RebuildIndex(cmd.Context())
				case "retier":
					// Tiering only ever runs on demand, never from the scheduler.
					var changed int64
					changed, err = c.engine.Retier(cmd.Context())
					out["retiered"] = changed
				default:
					err = sched.RunJob(task)
				}
				if err != nil {
					return fmt.Errorf("maintain %s: %w", task, err)
				}
				done = append(done, task)
			}
			out["completed"] = done
			return c.print(out)
		},
	}
}

func (c *cli) serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway and maintenance scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				c.cfg.Gateway.Port = port
			}
			return c.opts.Serve(cmd.Context(), c.cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "listen port")
	return cmd
}

func serveGateway(ctx context.Context, cfg *config.Config) error {
	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(ctx)
}

func (c *cli) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.configPath
			if path == "" {
				path = config.ConfigPath()
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintf(c.opts.Stdout, "Config already exists: %s\n", path)
				return nil
			}
			if err := config.SaveConfigFile(path, c.cfg); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(c.opts.Stdout, "Created config: %s\n", path)
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agentmem status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := c.opts.Stdout
			path := c.configPath
			if path == "" {
				path = config.ConfigPath()
			}
			fmt.Fprintf(out, "Config: %s\n", path)
			fmt.Fprintf(out, "Database: %s\n", c.cfg.DBPath)
			fmt.Fprintf(out, "Gateway: %s:%d\n", c.cfg.Gateway.Host, c.cfg.Gateway.Port)
			fmt.Fprintf(out, "Maintenance: enabled=%v\n", c.cfg.Maintenance.Enabled)

			if _, err := os.Stat(c.cfg.DBPath); err != nil {
				fmt.Fprintln(out, "Store: not created")
				return nil
			}
			if _, err := c.open(); err != nil {
				fmt.Fprintf(out, "Store: error (%v)\n", err)
				return nil
			}
			agents, err := c.engine.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Agents: %d\n", len(agents))
			if err := c.engine.VerifyIndex(cmd.Context()); err != nil {
				fmt.Fprintf(out, "Index: %v\n", err)
			} else {
				fmt.Fprintln(out, "Index: ok")
			}
			return nil
		},
	}
}
