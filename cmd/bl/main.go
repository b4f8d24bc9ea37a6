package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bulkline/internal/config"
	"bulkline/internal/db"
	"bulkline/internal/domain"
	"bulkline/internal/engine"
	"bulkline/internal/migrate"
	"bulkline/internal/queue"
	"bulkline/internal/remote"
	"bulkline/internal/repo"
	"bulkline/internal/server"
	"bulkline/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bulkline CLI",
	Long: `Bulkline runs bulk messaging operations through a durable job queue.
Jobs (send-messages, join-communities, add-members, extract-and-add,
send-login-codes, confirm-login-codes) are executed by a worker pool with
per-account safety limits; everything is persisted in the .bulkline
workspace database.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

// dialer is replaced at build time by the transport integration; the
// default refuses to dial so misconfiguration fails loudly.
var dialer remote.Dialer = remote.DialerFunc(func(ctx context.Context, creds remote.Credentials) (remote.Client, error) {
	return nil, errors.New("remote transport not configured")
})

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
	viper.SetEnvPrefix("BULKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
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
			fmt.Printf("Initialized workspace: %s (db at %s)\n", path, db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue and account status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				counts, err := e.Queue.CountByState(ctx)
				if err != nil {
					return err
				}
				accounts, err := e.Repo.ListAccounts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"jobs": counts, "accounts": accounts})
				}
				fmt.Println("Jobs:")
				for _, s := range []domain.JobState{domain.StateWaiting, domain.StateActive, domain.StateCompleted, domain.StateFailed, domain.StateCancelled} {
					fmt.Printf("  %s: %d\n", s, counts[s])
				}
				fmt.Printf("Accounts: %d\n", len(accounts))
				for _, a := range accounts {
					flag := ""
					if a.IsRestricted {
						flag = " [restricted]"
					}
					fmt.Printf("  %s sent_today=%d/%d%s\n", a.ID, a.SentToday, a.DailyLimit, flag)
				}
				return nil
			})
		},
	}
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
		Long:  "Jobs are durable units of bulk work. They flow waiting -> active -> completed (or failed/cancelled), retry with exponential backoff, and report progress 0-100.",
	}
	job.AddCommand(jobSubmitCmd())
	job.AddCommand(jobStatusCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobCancelCmd())
	return job
}

func jobSubmitCmd() *cobra.Command {
	var jobType, payload, payloadFile string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(payload)
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				raw = data
			}
			if len(raw) == 0 {
				return fmt.Errorf("--payload or --payload-file required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := e.Queue.Enqueue(ctx, domain.JobType(jobType), raw)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type")
	cmd.Flags().StringVar(&payload, "payload", "", "payload JSON")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "path to payload JSON file")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func jobStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := e.Queue.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobListCmd() *cobra.Command {
	var state string
	var start, end int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var states []domain.JobState
				for _, s := range strings.Split(state, ",") {
					if s = strings.TrimSpace(s); s != "" {
						states = append(states, domain.JobState(s))
					}
				}
				jobs, err := e.Queue.List(ctx, states, start, end)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "State", "Progress", "Attempts", "Created"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Type, j.State, fmt.Sprintf("%d%%", j.Progress), fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts), j.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "comma-separated state filter")
	cmd.Flags().IntVar(&start, "start", 0, "range start")
	cmd.Flags().IntVar(&end, "end", 50, "range end (exclusive)")
	return cmd
}

func jobCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Request job cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Queue.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				if !res.Found {
					return fmt.Errorf("job %s not found", args[0])
				}
				if res.Cancelled {
					fmt.Println("cancelled")
				} else {
					fmt.Println("cancellation requested; the job stops at its next safe point")
				}
				return nil
			})
		},
	}
	return cmd
}

func accountCmd() *cobra.Command {
	acc := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
		Long:  "Accounts hold encrypted session credentials and per-day send limits. Restricted accounts are excluded until manually cleared.",
	}
	acc.AddCommand(accountAddCmd())
	acc.AddCommand(accountListCmd())
	acc.AddCommand(accountRemoveCmd())
	acc.AddCommand(accountResetDailyCmd())
	return acc
}

func accountAddCmd() *cobra.Command {
	var id, phone, session, apiID, apiHash string
	var dailyLimit int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cipher, err := e.Pool.Box.Seal(session)
				if err != nil {
					return err
				}
				a := domain.Account{
					ID:            id,
					Phone:         phone,
					SessionCipher: cipher,
					APIID:         apiID,
					APIHash:       apiHash,
					DailyLimit:    dailyLimit,
					CreatedAt:     time.Now().UTC().Format(time.RFC3339),
				}
				if a.ID == "" {
					a.ID = uuid.New().String()
				}
				if err := e.Repo.InsertAccount(ctx, a); err != nil {
					return err
				}
				fmt.Printf("Added account %s\n", a.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "account id (optional)")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&session, "session", "", "session credential")
	cmd.Flags().StringVar(&apiID, "api-id", "", "application id")
	cmd.Flags().StringVar(&apiHash, "api-hash", "", "application hash")
	cmd.Flags().IntVar(&dailyLimit, "daily-limit", 0, "max sends per day (0 = unlimited)")
	_ = cmd.MarkFlagRequired("phone")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func accountListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListAccounts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Phone", "Sent Today", "Limit", "Restricted"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Phone, a.SentToday, a.DailyLimit, a.IsRestricted})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func accountRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeleteAccount(ctx, args[0])
			})
		},
	}
	return cmd
}

func accountResetDailyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-daily",
		Short: "Reset sent_today counters (run from a daily cron)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.Repo.ResetDailyCounters(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Reset %d account(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				raw := "bk_" + strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
				k := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				fmt.Printf("Created key %s\n", k.ID)
				fmt.Printf("Secret (store it now, it is not retrievable): %s\n", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "activity",
		Short: "Activity log",
		Long:  "Per-item outcomes of executed jobs: what was sent, invited, or joined, and how each attempt ended.",
	}
	act.AddCommand(activityTailCmd())
	return act
}

func activityTailCmd() *cobra.Command {
	var follow bool
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cursor, err := e.Repo.LatestActivityID(ctx)
				if err != nil {
					return err
				}
				if int64(limit) < cursor {
					cursor -= int64(limit)
				} else {
					cursor = 0
				}
				for {
					entries, err := e.Repo.ActivityAfter(ctx, limit, cursor)
					if err != nil {
						return err
					}
					for _, entry := range entries {
						status := "ok"
						if !entry.OK {
							status = "fail:" + entry.ErrorKind
						}
						fmt.Printf("%s %-14s %s %s %s\n", entry.TS, entry.Kind, entry.Target, status, entry.JobID)
						cursor = entry.ID
					}
					if !follow {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(2 * time.Second):
					}
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep tailing")
	cmd.Flags().IntVar(&limit, "limit", 100, "entries per fetch")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, cfg, err := openWorkspace(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			e, q, err := buildEngine(conn, cfg)
			if err != nil {
				return err
			}
			defer e.Pool.CloseAll()

			jwtSecret := cfg.Server.JWTSecret
			if env := os.Getenv("BULKLINE_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" {
				return fmt.Errorf("jwt secret required: set server.jwt_secret or BULKLINE_JWT_SECRET")
			}
			if addr == "" {
				addr = cfg.Server.Listen
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			handler, err := server.New(ctx, server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret},
			})
			if err != nil {
				return err
			}
			if !noWorkers {
				pool := worker.New(q, e, cfg)
				go pool.Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving Bulkline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API without the worker pool")
	return cmd
}

func openWorkspace(workspace string) (*sql.DB, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}

func buildEngine(conn *sql.DB, cfg *config.Config) (*engine.Engine, *queue.Queue, error) {
	box, err := repo.NewCredentialBox(cfg.CredentialKey())
	if err != nil {
		return nil, nil, err
	}
	q := queue.New(conn)
	q.MaxAttempts = cfg.Queue.MaxAttempts
	q.BackoffBase = time.Duration(cfg.Queue.BackoffBaseSeconds) * time.Second
	pool := remote.NewPool(dialer, repo.Repo{DB: conn}, box)
	return engine.New(conn, cfg, q, pool), q, nil
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, cfg, err := openWorkspace(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	e, _, err := buildEngine(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e)
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
