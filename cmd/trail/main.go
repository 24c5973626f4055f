package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"trail/internal/app"
	"trail/internal/closure"
	"trail/internal/config"
	"trail/internal/db"
	"trail/internal/domain"
	"trail/internal/gateway"
	"trail/internal/policy"
	"trail/internal/proof"
	"trail/internal/repo"
	"trail/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "trail",
	Short: "Trail CLI",
	Long: `Trail keeps a tamper-evident ledger of delivery evidence per task and closes
tasks optimistically once a workspace policy is satisfied.
- Evidence: normalized facts from providers (pr_merged, ci_passed, ...) appended to a hash-chained ledger.
- Policy: the workspace's definition of done (required and excluded event types, approvals).
- Closure job: a proposal that fires after a veto window unless someone vetoes it.
- Proof packet: the sealed record of a closed task, pinned to the ledger's hash-chain root.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureDataDir(viper.GetString("data-dir"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRAIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("data-dir", "d", ".", "data directory (holds trail.yml and .trail/)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runOnceCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(packetCmd())
	rootCmd.AddCommand(notifyCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage trail.yml",
		Long:  "trail.yml holds policy tiers, workspace bindings, closure timing and notification targets. Without a file the built-in defaults apply.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default trail.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("data-dir"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				if viper.GetBool("json") {
					return printJSON(ac.Config)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Tier", "Require", "Exclude", "Cleared By", "Approvals", "Delay"})
				for _, name := range ac.Config.TierNames() {
					p, err := ac.Config.Tier(name)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{name, joinTypes(p.RequiredEventTypes), joinTypes(p.ExcludedEventTypes), cures(p), p.MinApprovals, p.Delay()})
				}
				tw.Render()
				fmt.Printf("default tier: %s\n", ac.Config.Policies.DefaultTier)
				for ws, tier := range ac.Config.Policies.Workspaces {
					fmt.Printf("  workspace %s -> %s\n", ws, tier)
				}
				return nil
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate trail.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("data-dir"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, closure runner and notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: allowActorHeader,
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("TRAIL_JWT_SECRET is required when --allow-actor-header=false")
				}
				handler, err := server.New(server.Config{Engine: ac.Engine, BasePath: basePath, Auth: authCfg, Share: ac.Share})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error { return ignoreCanceled(ac.Runner.Run(gctx)) })
				g.Go(func() error { return ignoreCanceled(ac.Dispatcher.Run(gctx)) })
				fmt.Printf("Serving Trail API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if len(ac.Share.Secret) == 0 {
					log.Printf("server: TRAIL_SHARE_SECRET not set; share links are disabled")
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", true, "accept X-Actor-Id as actor identity")
	return cmd
}

func runOnceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Fire due closure jobs and attempt due notifications once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				fired, err := ac.Runner.RunOnce(ctx)
				if err != nil {
					return err
				}
				sent, err := ac.Dispatcher.RunOnce(ctx)
				if err != nil {
					return err
				}
				out := map[string]int{"jobs_due": fired, "notifications_attempted": sent}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("jobs due: %d, notifications attempted: %d\n", fired, sent)
				return nil
			})
		},
	}
	return cmd
}

func eventCmd() *cobra.Command {
	ev := &cobra.Command{Use: "event", Short: "Append and inspect ledger events"}
	ev.AddCommand(eventAppendCmd())
	ev.AddCommand(eventListCmd())
	return ev
}

func eventAppendCmd() *cobra.Command {
	var workspace, eventType, provider, providerEventID, payload, expectedPrior string
	cmd := &cobra.Command{
		Use:   "append <task-id>",
		Short: "Ingest one piece of evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &body); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				res, err := ac.Engine.Ingest(ctx, gateway.Evidence{
					TaskID:            args[0],
					WorkspaceID:       workspace,
					Provider:          provider,
					ProviderEventID:   providerEventID,
					EventType:         domain.EventType(eventType),
					Payload:           body,
					ActorID:           viper.GetString("actor-id"),
					ExpectedPriorHash: expectedPrior,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Duplicate {
					fmt.Printf("duplicate of event %s (seq %d)\n", res.Event.ID, res.Event.Sequence)
				} else {
					fmt.Printf("appended %s seq %d hash %s\n", res.Event.Type, res.Event.Sequence, shortHash(res.Event.SelfHash))
				}
				fmt.Printf("verdict: %s (%s)\n", res.Verdict.Kind, res.Verdict.Reason)
				switch {
				case res.Proposed && res.Job != nil:
					fmt.Printf("closure proposed: job %s fires at %s\n", res.Job.ID, res.Job.FireAt.Format(time.RFC3339))
				case res.Cancelled:
					fmt.Println("active closure cancelled")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&eventType, "type", "", "event type (e.g. pr_merged)")
	cmd.Flags().StringVar(&provider, "provider", "cli", "evidence provider")
	cmd.Flags().StringVar(&providerEventID, "provider-event-id", "", "provider delivery id used for dedup")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON object payload")
	cmd.Flags().StringVar(&expectedPrior, "expected-prior-hash", "", "fail unless the task's chain head equals this hash")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func eventListCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List a task's ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				f.TaskID = args[0]
				events, err := ac.Engine.Repo.QueryEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Seq", "Type", "Actor", "Hash", "Prior", "Created"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.Sequence, ev.Type, ev.ActorID, shortHash(ev.SelfHash), shortHash(ev.PriorHash), ev.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().Int64Var(&f.AfterSequence, "after", 0, "only events after this sequence")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max events")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskVerifyCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				tasks, err := ac.Engine.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Task", "Workspace", "State", "Seq", "Head", "Updated"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.WorkspaceID, t.LifecycleState, t.HeadSequence, shortHash(t.HeadHash), t.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkspaceID, "workspace", "", "workspace filter")
	cmd.Flags().StringVar(&f.State, "state", "", "lifecycle state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task's verdict, active job and packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				st, err := ac.Engine.TaskStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Task: %s (workspace %s, %s)\n", st.Task.ID, st.Task.WorkspaceID, st.Task.LifecycleState)
				fmt.Printf("Policy: %s, verdict %s: %s\n", st.Policy.Name, st.Verdict.Kind, st.Verdict.Reason)
				if st.ActiveJob != nil {
					fmt.Printf("Closure: job %s fires at %s\n", st.ActiveJob.ID, st.ActiveJob.FireAt.Format(time.RFC3339))
				} else {
					fmt.Println("Closure: none scheduled")
				}
				if st.Packet != nil {
					fmt.Printf("Packet: %s (%s)", st.Packet.ID, st.Packet.Status)
					if st.Packet.HashChainRoot != "" {
						fmt.Printf(" root %s@%d", shortHash(st.Packet.HashChainRoot), st.Packet.RootSequence)
					}
					fmt.Println()
				}
				fmt.Printf("Events: %d, head %s\n", len(st.Events), shortHash(st.Task.HeadHash))
				return nil
			})
		},
	}
	return cmd
}

func taskVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <task-id>",
		Short: "Recompute the hash chain and check the packet root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				rep, err := ac.Engine.VerifyTask(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(rep); err != nil {
						return err
					}
				} else {
					fmt.Printf("chain: %d events, valid=%t %s\n", rep.EventCount, rep.ChainValid, rep.ChainError)
					if rep.PacketID != "" {
						fmt.Printf("packet %s: valid=%t %s\n", rep.PacketID, rep.PacketValid, rep.PacketError)
					}
				}
				if !rep.ChainValid {
					return fmt.Errorf("ledger for %s failed verification", rep.TaskID)
				}
				if rep.PacketRoot != "" && !rep.PacketValid {
					return fmt.Errorf("packet %s failed verification", rep.PacketID)
				}
				return nil
			})
		},
	}
	return cmd
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{Use: "job", Short: "Inspect, veto and fire closure jobs"}
	j.AddCommand(jobListCmd())
	j.AddCommand(jobVetoCmd())
	j.AddCommand(jobFireCmd())
	return j
}

func jobListCmd() *cobra.Command {
	var f closure.JobFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List closure jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				jobs, err := ac.Engine.Scheduler.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Job", "Task", "Status", "Fire At", "Resolved By", "Reason"})
				for _, j := range jobs {
					reason := j.ResolutionReason
					if reason == "" {
						reason = j.Reason
					}
					tw.AppendRow(table.Row{j.ID, j.TaskID, j.Status, j.FireAt.Format(time.RFC3339), j.ResolvedBy, reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.WorkspaceID, "workspace", "", "workspace filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (scheduled, fired, cancelled)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max jobs")
	return cmd
}

func jobVetoCmd() *cobra.Command {
	var taskID, reason string
	cmd := &cobra.Command{
		Use:   "veto [job-id]",
		Short: "Veto a scheduled closure by job id or --task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && taskID == "" {
				return fmt.Errorf("job id or --task required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				actor := viper.GetString("actor-id")
				var job domain.ClosureJob
				var err error
				if len(args) == 1 {
					job, err = ac.Engine.Veto(ctx, args[0], actor, reason)
				} else {
					job, err = ac.Engine.VetoTask(ctx, taskID, actor, reason)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(job)
				}
				fmt.Printf("job %s %s by %s\n", job.ID, job.Status, job.ResolvedBy)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "veto the task's active job")
	cmd.Flags().StringVar(&reason, "reason", "", "veto reason")
	return cmd
}

func jobFireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fire <job-id>",
		Short: "Fire a due closure job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				res, err := ac.Engine.Scheduler.Fire(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("job %s: %s\n", res.Job.ID, res.Outcome)
				if res.Outcome == closure.OutcomeCancelled {
					fmt.Printf("  %s\n", res.Verdict.Reason)
				}
				if res.Packet != nil {
					fmt.Printf("  packet %s root %s@%d\n", res.Packet.ID, shortHash(res.Packet.HashChainRoot), res.Packet.RootSequence)
				}
				return nil
			})
		},
	}
	return cmd
}

func packetCmd() *cobra.Command {
	p := &cobra.Command{Use: "packet", Short: "Manage proof packets"}
	p.AddCommand(packetListCmd())
	p.AddCommand(packetShowCmd())
	p.AddCommand(packetDraftCmd())
	p.AddCommand(packetSummaryCmd())
	p.AddCommand(packetExportCmd())
	p.AddCommand(packetShareCmd())
	return p
}

func packetListCmd() *cobra.Command {
	var f proof.Filter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proof packets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				items, err := ac.Engine.Packets.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Packet", "Task", "Workspace", "Status", "Root", "Warning"})
				for _, p := range items {
					root := ""
					if p.HashChainRoot != "" {
						root = fmt.Sprintf("%s@%d", shortHash(p.HashChainRoot), p.RootSequence)
					}
					tw.AppendRow(table.Row{p.ID, p.TaskID, p.WorkspaceID, p.Status, root, p.DeliveryWarning})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkspaceID, "workspace", "", "workspace filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (draft, pending, finalized, exported)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max packets")
	return cmd
}

func packetShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <packet-id>",
		Short: "Show a proof packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				p, err := ac.Engine.Packets.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func packetDraftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft <task-id>",
		Short: "Create the task's draft packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				p, err := ac.Engine.DraftPacket(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("packet %s (%s)\n", p.ID, p.Status)
				return nil
			})
		},
	}
	return cmd
}

func packetSummaryCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "summary <packet-id>",
		Short: "Attach a narrative summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("--text required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				return ac.Engine.Packets.SetSummary(ctx, args[0], text)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "summary text")
	return cmd
}

func packetExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <packet-id>",
		Short: "Export a finalized packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				p, err := ac.Engine.Packets.Export(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func packetShareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share <packet-id>",
		Short: "Mint an expiring share link (needs TRAIL_SHARE_SECRET)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				p, err := ac.Engine.Packets.Get(ctx, args[0])
				if err != nil {
					return err
				}
				link, err := ac.Share.Sign(p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(link)
				}
				fmt.Printf("/v1/share/%s\nexpires %s\n", link.Token, link.ExpiresAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	return cmd
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Inspect outbound notifications"}
	n.AddCommand(notifyListCmd())
	return n
}

func notifyListCmd() *cobra.Command {
	var status, taskID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				items, err := ac.Engine.Outbox.List(ctx, status, taskID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Kind", "Task", "Status", "Attempts", "Next Attempt", "Last Error"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.Kind, n.TaskID, n.Status, n.Attempts, n.NextAttemptAt.Format(time.RFC3339), n.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, delivered, dead)")
	cmd.Flags().StringVar(&taskID, "task", "", "task filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max notifications")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	ac, err := app.Open(ctx, app.Options{
		DataDir:     viper.GetString("data-dir"),
		ShareSecret: viper.GetString("share-secret"),
	})
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, ac)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func joinTypes(types []domain.EventType) string {
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, string(t))
	}
	return strings.Join(parts, ",")
}

func cures(p policy.Policy) string {
	parts := make([]string, 0, len(p.ExcludedEventTypes))
	for _, ex := range p.ExcludedEventTypes {
		if cure, ok := p.CureFor(ex); ok {
			parts = append(parts, fmt.Sprintf("%s<-%s", ex, cure))
		}
	}
	return strings.Join(parts, ",")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
