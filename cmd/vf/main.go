package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"veriflow/internal/app"
	"veriflow/internal/config"
	"veriflow/internal/db"
	"veriflow/internal/engine"
	"veriflow/internal/filestore"
	"veriflow/internal/migrate"
	"veriflow/internal/repo"
	"veriflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vf",
	Short: "Veriflow CLI",
	Long: `Veriflow runs approval workflows for regulated compliance test cycles.
Core concepts:
- Workspace: the .veriflow directory holding the database; configs are stored in the DB and imported explicitly.
- Cycle: a test cycle that owns reports, phases, versions, and the audit log.
- Phases: per-report workflow stages instantiated from the template catalog, each with ordered activities and dependency gates.
- Versions: numbered deliverable snapshots per phase; only one draft or pending version may be open at a time.
- Items: the records inside a version; each needs a tester decision then a report-owner decision before the version can settle.
- SLA: phases arm a deadline when work starts; the tracker warns, breaches, and escalates on a schedule.
- Assignments: role-to-role handoffs with a full field-level change history.
- Event log: the audit trail, view with 'vf log tail'.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VERIFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Int64("cycle", 0, "cycle id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("cycle", rootCmd.PersistentFlags().Lookup("cycle"))
}

func registerCommands() {
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(sourceCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(authzCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func cycleCmd() *cobra.Command {
	c := &cobra.Command{Use: "cycle", Short: "Manage test cycles"}
	c.AddCommand(cycleInitCmd())
	c.AddCommand(cycleListCmd())
	c.AddCommand(cycleShowCmd())
	c.AddCommand(cycleStatusCmd())
	c.AddCommand(cycleConfigCmd())
	return c
}

func cycleInitCmd() *cobra.Command {
	var id int64
	var name, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == 0 {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default(id)
			}
			cfg.Cycle.ID = id
			e := engine.New(conn, cfg)
			c, err := e.InitCycle(cmd.Context(), id, name, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "cycle id")
	cmd.Flags().StringVar(&name, "name", "", "cycle name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func cycleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCycles(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func cycleShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCycle(ctx, e.Config.Cycle.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func cycleStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cycle status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cycleID := e.Config.Cycle.ID
				c, err := e.Repo.GetCycle(ctx, cycleID)
				if err != nil {
					return err
				}
				open, err := e.Repo.ListOpenPhases(ctx, cycleID)
				if err != nil {
					return err
				}
				violations, err := e.Repo.ListViolations(ctx, cycleID, true)
				if err != nil {
					return err
				}
				out := map[string]any{
					"cycle_id":         c.ID,
					"status":           c.Status,
					"phases_in_flight": len(open),
					"open_violations":  len(violations),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Cycle: %d (%s)\n", c.ID, c.Status)
				fmt.Printf("Phases in flight: %d\n", len(open))
				for _, p := range open {
					fmt.Printf("  %s report=%d %s/%s %d%%\n", p.Name, p.ReportID, p.State, p.ScheduleStatus, p.ProgressPct)
				}
				fmt.Printf("Open SLA violations: %d\n", len(violations))
				return nil
			})
		},
	}
	return cmd
}

func cycleConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage cycle config"}
	cfg.AddCommand(cycleConfigShowCmd())
	cfg.AddCommand(cycleConfigImportCmd())
	cfg.AddCommand(cycleConfigValidateCmd())
	cfg.AddCommand(cycleConfigInitCmd())
	return cfg
}

func cycleConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show cycle config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func cycleConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import cycle config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cycleID := cfg.Cycle.ID
				if cycleID == 0 {
					cycleID = e.Config.Cycle.ID
				}
				if err := e.Repo.UpsertCycleConfig(ctx, cycleID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func cycleConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
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

func cycleConfigInitCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter veriflow.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 1, "cycle id for the generated config")
	return cmd
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{Use: "report", Short: "Manage reports in cycle scope"}
	rep.AddCommand(reportAddCmd())
	rep.AddCommand(reportListCmd())
	rep.AddCommand(reportShowCmd())
	return rep
}

func reportAddCmd() *cobra.Command {
	var id int64
	var name, lob, ownerID string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a report to the cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == 0 || name == "" {
				return fmt.Errorf("--id and --name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.AddReport(ctx, e.Config.Cycle.ID, id, name, lob, ownerID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "report id")
	cmd.Flags().StringVar(&name, "name", "", "report name")
	cmd.Flags().StringVar(&lob, "lob", "", "line of business")
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "report owner user id")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func reportListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListReports(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "LOB", "Owner", "Created"})
				for _, rep := range items {
					tw.AppendRow(table.Row{rep.ID, rep.Name, rep.LineOfBusiness, rep.OwnerID, rep.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reportShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rep, err := r.GetReport(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "report id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func sourceCmd() *cobra.Command {
	src := &cobra.Command{Use: "source", Short: "Manage report data sources"}
	src.AddCommand(sourceRegisterCmd())
	src.AddCommand(sourceValidateCmd())
	src.AddCommand(sourceListCmd())
	return src
}

func sourceRegisterCmd() *cobra.Command {
	var reportID int64
	var sourceType, connRef string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a data source for a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RegisterDataSource(ctx, e.Config.Cycle.ID, reportID, sourceType, connRef, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().Int64Var(&reportID, "report", 0, "report id")
	cmd.Flags().StringVar(&sourceType, "type", "", "source type")
	cmd.Flags().StringVar(&connRef, "connection-ref", "", "connection reference")
	_ = cmd.MarkFlagRequired("report")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func sourceValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <id>",
		Short: "Mark a data source validated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ValidateDataSource(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sourceListCmd() *cobra.Command {
	var reportID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List data sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDataSources(ctx, e.Config.Cycle.ID, reportID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().Int64Var(&reportID, "report", 0, "report id filter")
	return cmd
}

func phaseCmd() *cobra.Command {
	ph := &cobra.Command{
		Use:   "phase",
		Short: "Manage phases",
		Long:  "Phases are per-report workflow stages from the template catalog. Activities inside a phase gate on dependencies; versioned phases also need an approved version before completion.",
	}
	ph.AddCommand(phaseInitCmd())
	ph.AddCommand(phaseListCmd())
	ph.AddCommand(phaseShowCmd())
	ph.AddCommand(phaseCompleteCmd())
	ph.AddCommand(phaseResetCmd())
	ph.AddCommand(phaseOverrideCmd())
	return ph
}

func phaseInitCmd() *cobra.Command {
	var reportID int64
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a phase from the template catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, acts, err := e.InitializePhase(ctx, e.Config.Cycle.ID, reportID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"phase": p, "activities": acts})
			})
		},
	}
	cmd.Flags().Int64Var(&reportID, "report", 0, "report id")
	cmd.Flags().StringVar(&name, "name", "", "phase template name")
	_ = cmd.MarkFlagRequired("report")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func phaseListCmd() *cobra.Command {
	var reportID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPhases(ctx, e.Config.Cycle.ID, reportID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Report", "Name", "State", "Schedule", "Progress", "Deadline"})
				for _, p := range items {
					deadline := ""
					if p.SLADeadline != nil {
						deadline = *p.SLADeadline
					}
					tw.AppendRow(table.Row{p.ID, p.ReportID, p.Name, p.State, p.ScheduleStatus, fmt.Sprintf("%d%%", p.ProgressPct), deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&reportID, "report", 0, "report id filter")
	return cmd
}

func phaseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a phase and its activities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPhase(ctx, args[0])
				if err != nil {
					return err
				}
				acts, err := e.Repo.ListActivities(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"phase": p, "activities": acts})
			})
		},
	}
	return cmd
}

func phaseCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CompletePhase(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func phaseResetCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reset <id>",
		Short: "Reset phase activities (privileged)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ResetPhaseActivities(ctx, args[0], reason, viper.GetString("actor-id")); err != nil {
					return err
				}
				acts, err := e.Repo.ListActivities(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(acts)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reset reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func phaseOverrideCmd() *cobra.Command {
	var state, schedule, reason string
	cmd := &cobra.Command{
		Use:   "override <id>",
		Short: "Force phase state or schedule status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if state == "" && schedule == "" {
				return fmt.Errorf("--state or --schedule required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				var p any
				if state != "" {
					res, err := e.OverridePhaseState(ctx, args[0], state, reason, actor)
					if err != nil {
						return err
					}
					p = res
				}
				if schedule != "" {
					res, err := e.OverrideScheduleStatus(ctx, args[0], schedule, reason, actor)
					if err != nil {
						return err
					}
					p = res
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "new state")
	cmd.Flags().StringVar(&schedule, "schedule", "", "new schedule status")
	cmd.Flags().StringVar(&reason, "reason", "", "override reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{Use: "activity", Short: "Manage phase activities"}
	act.AddCommand(activityListCmd())
	act.AddCommand(activityAdvanceCmd())
	return act
}

func activityListCmd() *cobra.Command {
	var phaseID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activities for a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActivities(ctx, phaseID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Depends On", "Retries"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Status, strings.Join(a.DependsOn, ","), a.RetryCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func activityAdvanceCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AdvanceActivity(ctx, args[0], status, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status")
	cmd.Flags().StringVar(&reason, "reason", "", "reason (required for BLOCKED, REVISION_REQUESTED, non-optional SKIPPED)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func versionCmd() *cobra.Command {
	ver := &cobra.Command{
		Use:   "version",
		Short: "Manage phase versions",
		Long:  "Versions are numbered deliverable snapshots: open a draft, add items, submit for approval, then resolve once decisions land. Approving a version supersedes the prior approved one.",
	}
	ver.AddCommand(versionOpenCmd())
	ver.AddCommand(versionListCmd())
	ver.AddCommand(versionShowCmd())
	ver.AddCommand(versionSubmitCmd())
	ver.AddCommand(versionResolveCmd())
	ver.AddCommand(versionLineageCmd())
	return ver
}

func versionOpenCmd() *cobra.Command {
	var phaseID string
	var carryForward bool
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open the next draft version for a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.OpenVersion(ctx, engine.OpenVersionOptions{
					PhaseID:      phaseID,
					ActorID:      viper.GetString("actor-id"),
					CarryForward: carryForward,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id")
	cmd.Flags().BoolVar(&carryForward, "carry-forward", false, "copy rejected items from the parent version")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func versionListCmd() *cobra.Command {
	var phaseID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List versions for a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListVersions(ctx, phaseID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "#", "Status", "Total", "Approved", "Rejected", "Pending"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.ID, v.VersionNumber, v.Status, v.TotalCount, v.ApprovedCount, v.RejectedCount, v.PendingCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func versionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Repo.GetVersion(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func versionSubmitCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a draft version for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.SubmitVersion(ctx, args[0], viper.GetString("actor-id"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "submission notes")
	return cmd
}

func versionResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Recompute aggregates and settle version status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ResolveVersion(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func versionLineageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lineage <id>",
		Short: "Walk the supersession chain back to the root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				chain, err := e.GetLineage(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(chain)
				}
				for i, v := range chain {
					marker := "└──"
					if i == 0 {
						marker = "   "
					}
					fmt.Printf("%s v%d %s (%s)\n", marker, v.VersionNumber, v.ID, v.Status)
				}
				return nil
			})
		},
	}
	return cmd
}

func itemCmd() *cobra.Command {
	it := &cobra.Command{Use: "item", Short: "Manage version items"}
	it.AddCommand(itemAddCmd())
	it.AddCommand(itemListCmd())
	it.AddCommand(itemDecideCmd())
	it.AddCommand(itemReviseCmd())
	return it
}

func itemAddCmd() *cobra.Command {
	var versionID, payloadJSON, filePath string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an item to a draft version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.AddItemOptions{
					VersionID:   versionID,
					PayloadJSON: payloadJSON,
					ActorID:     viper.GetString("actor-id"),
				}
				if filePath != "" {
					store, err := filestore.NewLocal(viper.GetString("workspace"))
					if err != nil {
						return err
					}
					f, err := os.Open(filePath)
					if err != nil {
						return err
					}
					defer f.Close()
					ref, sha, _, err := store.Put(f)
					if err != nil {
						return err
					}
					opts.FileRef = ref
					opts.FileSHA256 = sha
				}
				item, err := e.AddItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "version id")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "item payload JSON")
	cmd.Flags().StringVar(&filePath, "file", "", "evidence file to attach (stored content-addressed)")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func itemListCmd() *cobra.Command {
	var versionID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items in a version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListItems(ctx, versionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tester", "Owner", "Final", "Rev"})
				for _, i := range items {
					tw.AppendRow(table.Row{i.ID, deref(i.TesterDecision), deref(i.OwnerDecision), i.FinalStatus, i.Revision})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "version id")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func itemDecideCmd() *cobra.Command {
	var role, decision, notes, overrideReason string
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Record a tester or report-owner decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.RecordItemDecision(ctx, engine.DecisionOptions{
					ItemID:         args[0],
					Role:           role,
					Decision:       decision,
					Notes:          notes,
					OverrideReason: overrideReason,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "tester or report_owner")
	cmd.Flags().StringVar(&decision, "decision", "", "decision value")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	cmd.Flags().StringVar(&overrideReason, "override-reason", "", "required for override decisions")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func itemReviseCmd() *cobra.Command {
	var payloadJSON string
	cmd := &cobra.Command{
		Use:   "revise <id>",
		Short: "Edit an item after rejection, clearing decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.ReviseItem(ctx, args[0], payloadJSON, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "replacement payload JSON")
	return cmd
}

func assignCmd() *cobra.Command {
	as := &cobra.Command{Use: "assign", Short: "Manage assignments"}
	as.AddCommand(assignCreateCmd())
	as.AddCommand(assignListCmd())
	as.AddCommand(assignUpdateCmd())
	as.AddCommand(assignHistoryCmd())
	return as
}

func assignCreateCmd() *cobra.Command {
	var opts engine.AssignmentCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a role-to-role assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.CycleID == 0 {
					opts.CycleID = e.Config.Cycle.ID
				}
				a, err := e.CreateAssignment(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "", "assignment type")
	cmd.Flags().StringVar(&opts.PhaseID, "phase", "", "phase id anchor")
	cmd.Flags().StringVar(&opts.VersionID, "version", "", "version id anchor")
	cmd.Flags().StringVar(&opts.FromRole, "from-role", "", "originating role")
	cmd.Flags().StringVar(&opts.ToRole, "to-role", "", "target role")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee user id")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (RFC3339)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("from-role")
	_ = cmd.MarkFlagRequired("to-role")
	return cmd
}

func assignListCmd() *cobra.Command {
	var status, toRole string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAssignments(ctx, e.Config.Cycle.ID, status, toRole)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "From", "To", "Assignee", "Status", "Due"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Type, a.FromRole, a.ToRole, deref(a.AssigneeID), a.Status, deref(a.DueDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&toRole, "to-role", "", "target role filter")
	return cmd
}

func assignUpdateCmd() *cobra.Command {
	var opts engine.AssignmentUpdateOptions
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change assignment status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.AssignmentID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAssignment(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "new status")
	cmd.Flags().StringVar(&opts.EscalatedTo, "escalated-to", "", "escalation target (required for escalated)")
	cmd.Flags().StringVar(&opts.DelegatedTo, "delegated-to", "", "delegation target (required for delegated)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func assignHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show field-level assignment history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAssignmentHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func slaCmd() *cobra.Command {
	sla := &cobra.Command{
		Use:   "sla",
		Short: "SLA tracking",
		Long:  "Phases arm an SLA deadline when work starts. 'vf sla evaluate' runs one tick: warn approaching deadlines, mark breaches, and escalate per the configured ladder.",
	}
	sla.AddCommand(slaEvaluateCmd())
	sla.AddCommand(slaViolationsCmd())
	sla.AddCommand(slaResolveCmd())
	return sla
}

func slaEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run one SLA evaluation tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.EvaluateSLA(ctx, e.Config.Cycle.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func slaViolationsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "violations",
		Short: "List SLA violation tracking rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListViolations(ctx, e.Config.Cycle.ID, !all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Unit", "Due", "Violated", "Level", "Resolved"})
				for _, v := range items {
					violated := ""
					if v.ViolatedAt != nil {
						violated = *v.ViolatedAt
					}
					resolved := ""
					if v.ResolvedAt != nil {
						resolved = *v.ResolvedAt
					}
					tw.AppendRow(table.Row{v.ID, v.UnitKind + "/" + v.UnitID, v.DueDate, violated, v.EscalationLevel, resolved})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved violations")
	return cmd
}

func slaResolveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve an SLA violation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ResolveViolation(ctx, args[0], notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func authzCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "authz", Short: "Role grants"}
	cmd.AddCommand(authzWhoamiCmd())
	cmd.AddCommand(authzGrantCmd())
	cmd.AddCommand(authzRevokeCmd())
	return cmd
}

func authzWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				roles, err := e.Authz.Roles(ctx, e.Config.Cycle.ID, actor)
				if err != nil {
					return err
				}
				perms, err := e.Authz.Permissions(ctx, e.Config.Cycle.ID, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"actor_id": actor, "roles": roles, "permissions": perms})
			})
		},
	}
	return cmd
}

func authzGrantCmd() *cobra.Command {
	var user, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || role == "" {
				return fmt.Errorf("--user and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, e.Config.Cycle.ID, user, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func authzRevokeCmd() *cobra.Command {
	var user, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || role == "" {
				return fmt.Errorf("--user and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, e.Config.Cycle.ID, user, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API key management"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, raw, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": raw})
				}
				fmt.Printf("Created key %s (%s)\n", key.ID, key.Name)
				fmt.Println("Secret (shown once):", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.DeleteAPIKey(ctx, tx, args[0]); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Cycle.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveCycleAndConfig(cmd.Context(), workspace, viper.GetInt64("cycle"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("VERIFLOW_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("VERIFLOW_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Veriflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveCycleAndConfig(ctx, workspace, viper.GetInt64("cycle"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
