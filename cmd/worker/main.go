package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"scanline/internal/backend"
	"scanline/internal/config"
	"scanline/internal/daemon"
	"scanline/internal/db"
	"scanline/internal/engine"
	"scanline/internal/jobs"
	"scanline/internal/key"
	"scanline/internal/migrate"
	"scanline/internal/notify"
	"scanline/internal/pipeline"
	"scanline/internal/server"
	"scanline/internal/stage"
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Scanline pipeline worker",
	Long: `Scanline runs an incremental two-photon processing pipeline.
Each stage stores its results per key; a stage's pending work is the keys its
upstream stages have finished that it has not. Workers reserve keys before
computing them, so any number of workers can share one workspace database.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SCANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(populateCmd())
	rootCmd.AddCommand(insertCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(errorsCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	b, err := loadBackend(cfg, workspace)
	if err != nil {
		return err
	}
	reg := stage.NewRegistry()
	if err := pipeline.Register(reg, b); err != nil {
		return err
	}
	if err := reg.Finalize(); err != nil {
		return err
	}
	e := engine.New(conn, reg, cfg)
	if cfg.Notify.WebhookURL != "" {
		e.Notifier = notify.NewWebhook(cfg.Notify.WebhookURL, cfg.NotifyTimeout())
	}
	if err := e.Init(ctx); err != nil {
		return err
	}
	return fn(ctx, e)
}

// loadBackend reads the scan manifest. A missing manifest is fine until a
// compute actually needs scan metadata, so it degrades to an empty backend.
func loadBackend(cfg *config.Config, workspace string) (*backend.Local, error) {
	path := cfg.ManifestPath(workspace)
	b, err := backend.LoadLocal(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return backend.NewLocal(backend.Manifest{})
		}
		return nil, err
	}
	return b, nil
}

func resolveStages(e *engine.Engine, csv string) ([]*stage.Stage, error) {
	var out []*stage.Stage
	for _, id := range strings.Split(csv, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		st, err := e.Registry.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no stages given")
	}
	return out, nil
}

func populateCmd() *cobra.Command {
	var daemonMode bool
	var tMin, tMax int
	cmd := &cobra.Command{
		Use:   "populate <stage[,stage...]>",
		Short: "Compute pending keys of the given stages",
		Long: `Computes every pending key of each listed stage, in the order given.
With --daemon the worker keeps polling, sleeping a uniformly random interval
between t_min and t_max seconds whenever a full pass finds no work.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stages, err := resolveStages(e, args[0])
				if err != nil {
					return err
				}
				for _, st := range stages {
					if st.Manual() {
						return fmt.Errorf("stage %s is manual and cannot be populated", st.ID)
					}
				}
				lo, hi := e.Config.Daemon.TMin, e.Config.Daemon.TMax
				if cmd.Flags().Changed("t_min") {
					lo = tMin
				}
				if cmd.Flags().Changed("t_max") {
					hi = tMax
				}
				w := daemon.New(e, stages, time.Duration(lo)*time.Second, time.Duration(hi)*time.Second, daemonMode)
				err = w.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&daemonMode, "daemon", false, "poll forever instead of a single pass")
	cmd.Flags().IntVar(&tMin, "t_min", 0, "minimum idle sleep, seconds (default from config)")
	cmd.Flags().IntVar(&tMax, "t_max", 0, "maximum idle sleep, seconds (default from config)")
	return cmd
}

func insertCmd() *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:   "insert <stage> attr=value...",
		Short: "Insert a row into a manual stage",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.Registry.Get(args[0])
				if err != nil {
					return err
				}
				if !st.Manual() {
					return fmt.Errorf("stage %s is computed; its rows come from populate", st.ID)
				}
				k, err := key.Parse(args[1:])
				if err != nil {
					return err
				}
				values := stage.Row{}
				for _, s := range sets {
					name, value, ok := strings.Cut(s, "=")
					if !ok {
						return fmt.Errorf("--set %q: want field=value", s)
					}
					values[name] = value
				}
				if err := e.Store.InsertRow(ctx, st, k, values); err != nil {
					return err
				}
				fmt.Printf("inserted %s %s\n", st.ID, k)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "non-key field, field=value (repeatable)")
	return cmd
}

func deleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <stage> [attr=value...]",
		Short: "Delete matching rows and everything computed from them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.Registry.Get(args[0])
				if err != nil {
					return err
				}
				restriction, err := key.Parse(args[1:])
				if err != nil {
					return err
				}
				counts, err := e.Delete(ctx, st, restriction)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				for _, s := range e.Registry.Stages() {
					if n, ok := counts[s.ID]; ok && n > 0 {
						fmt.Printf("%s: %d rows\n", s.ID, n)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [stage[,stage...]]",
		Short: "Show todo/done/error counts per stage",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stages := e.Registry.Stages()
				if len(args) == 1 {
					var err error
					stages, err = resolveStages(e, args[0])
					if err != nil {
						return err
					}
				}
				type row struct {
					Stage  string `json:"stage"`
					Kind   string `json:"kind"`
					Done   int    `json:"done"`
					Todo   int    `json:"todo"`
					Errors int    `json:"errors"`
				}
				var out []row
				for _, st := range stages {
					todo, done, err := e.Progress(ctx, st)
					if err != nil {
						return err
					}
					errored, err := e.Errors(ctx, st.ID)
					if err != nil {
						return err
					}
					kind := "computed"
					if st.Manual() {
						kind = "manual"
					}
					out = append(out, row{Stage: st.ID, Kind: kind, Done: done, Todo: todo, Errors: len(errored)})
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Kind", "Done", "Todo", "Errors"})
				for _, r := range out {
					tw.AppendRow(table.Row{r.Stage, r.Kind, r.Done, r.Todo, r.Errors})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func errorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors [stage]",
		Short: "List errored jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stages := e.Registry.Stages()
				if len(args) == 1 {
					st, err := e.Registry.Get(args[0])
					if err != nil {
						return err
					}
					stages = []*stage.Stage{st}
				}
				var recs []jobs.Record
				for _, st := range stages {
					r, err := e.Errors(ctx, st.ID)
					if err != nil {
						return err
					}
					recs = append(recs, r...)
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Key", "Owner", "Updated", "Detail"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.StageID, r.Key.String(), r.Owner, r.UpdatedAt.Format(time.RFC3339), r.ErrorDetail})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func stagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "List pipeline stages in dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stages := e.Registry.Stages()
				if viper.GetBool("json") {
					type row struct {
						ID       string   `json:"id"`
						Schema   []string `json:"schema"`
						Upstream []string `json:"upstream,omitempty"`
						Manual   bool     `json:"manual"`
					}
					out := make([]row, 0, len(stages))
					for _, st := range stages {
						out = append(out, row{ID: st.ID, Schema: st.Schema, Upstream: st.Upstream, Manual: st.Manual()})
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Schema", "Upstream", "Manual"})
				for _, st := range stages {
					tw.AppendRow(table.Row{st.ID, strings.Join(st.Schema, ","), strings.Join(st.Upstream, ","), st.Manual()})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				evts, err := e.Events.Recent(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				for _, evt := range evts {
					fmt.Printf("%s %-16s %s %s %s\n", evt.TS, evt.Type, evt.StageID, evt.KeyText, evt.Payload)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if addr == "" {
					addr = e.Config.API.Addr
				}
				secret := e.Config.API.JWTSecret
				if env := os.Getenv("SCANLINE_JWT_SECRET"); env != "" {
					secret = env
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving scanline API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
