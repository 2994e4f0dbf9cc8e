package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/docflow/internal/config"
	"github.com/dharsanguruparan/docflow/internal/database"
	"github.com/dharsanguruparan/docflow/internal/logging"
	"github.com/dharsanguruparan/docflow/internal/model"
	"github.com/dharsanguruparan/docflow/internal/queue"
	"github.com/dharsanguruparan/docflow/internal/repository"
	"github.com/dharsanguruparan/docflow/internal/worker"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "docflow: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docflow",
		Short: "docflow operator CLI",
		Long: `docflow inspects and nudges the document pipeline: show a record, republish
its processing or validation event, list and redrive dead letters, or run the
binaries directly during development.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file (defaults to $"+config.EnvConfigFile+")")
	cmd.AddCommand(
		newShowCmd(),
		newReprocessCmd(),
		newRevalidateCmd(),
		newDeadLettersCmd(),
		newRedriveCmd(),
		newInitDBCmd(),
		newRunCmd(),
	)
	return cmd
}

// env holds the connections a command opened. close releases all of them.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	pool   *pgxpool.Pool
	client *asynq.Client
}

func (e *env) close() {
	if e.client != nil {
		e.client.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
}

func (e *env) redis() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     e.cfg.RedisAddr,
		Password: e.cfg.RedisPassword,
		DB:       e.cfg.RedisDB,
	}
}

func (e *env) routes() queue.Routes {
	return queue.Routes{Processing: e.cfg.ProcessingQueue, Validation: e.cfg.ValidationQueue}
}

func (e *env) repo(ctx context.Context) (*repository.DocumentRepository, error) {
	if e.pool == nil {
		pool, err := database.Connect(ctx, e.cfg.DatabaseURL, e.cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		e.pool = pool
	}
	return repository.NewDocumentRepository(e.pool), nil
}

func (e *env) publisher() queue.Publisher {
	if e.client == nil {
		e.client = asynq.NewClient(e.redis())
	}
	return queue.NewAsynqPublisher(e.client, e.routes(), e.cfg.MaxRetry)
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:    cfg,
		logger: logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat),
	}, nil
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a document record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			repo, err := e.repo(cmd.Context())
			if err != nil {
				return err
			}
			doc, err := repo.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), doc)
		},
	}
}

func newReprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <id>",
		Short: "Publish a fresh processing event for a finished or stuck document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return retry(cmd, args[0], worker.Reprocess, queue.KindProcessing)
		},
	}
}

func newRevalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revalidate <id>",
		Short: "Publish a validation event to re-check a finished document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return retry(cmd, args[0], worker.Revalidate, queue.KindValidation)
		},
	}
}

type retryFunc func(ctx context.Context, store worker.Getter, pub queue.Publisher, id string) (*model.Document, error)

func retry(cmd *cobra.Command, id string, fn retryFunc, kind queue.Kind) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	repo, err := e.repo(cmd.Context())
	if err != nil {
		return err
	}
	doc, err := fn(cmd.Context(), repo, e.publisher(), id)
	if err != nil {
		return err
	}
	e.logger.Info("event published", "event", kind, "document_id", id, "status", doc.Status)
	fmt.Fprintf(cmd.OutOrStdout(), "%s event published for %s (was %s)\n", kind, id, doc.Status)
	return nil
}

// queuesFor returns the named queue, or both pipeline queues when args is empty.
func queuesFor(args []string, routes queue.Routes) []string {
	if len(args) > 0 {
		return args[:1]
	}
	return []string{routes.Processing, routes.Validation}
}

func newDeadLettersCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters [queue]",
		Short: "List events that exhausted their retries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			inspector := queue.NewInspector(e.redis())
			defer inspector.Close()

			var all []queue.DeadLetter
			for _, q := range queuesFor(args, e.routes()) {
				dls, err := inspector.DeadLetters(q, limit)
				if err != nil {
					return err
				}
				all = append(all, dls...)
			}
			return printDeadLetters(cmd.OutOrStdout(), all)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries per queue")
	return cmd
}

func printDeadLetters(w io.Writer, dls []queue.DeadLetter) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tID\tDOCUMENT\tATTEMPTS\tFAILED AT\tLAST ERROR")
	for _, dl := range dls {
		failed := "-"
		if !dl.FailedAt.IsZero() {
			failed = dl.FailedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", dl.Queue, dl.ID, dl.Event.DocumentID, dl.Attempts, failed, dl.LastError)
	}
	return tw.Flush()
}

func newRedriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redrive [queue]",
		Short: "Move dead-lettered events back onto their queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			inspector := queue.NewInspector(e.redis())
			defer inspector.Close()
			for _, q := range queuesFor(args, e.routes()) {
				n, err := inspector.Redrive(q)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d event(s) redriven\n", q, n)
			}
			return nil
		},
	}
}

func newInitDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the documents table if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			if _, err := e.repo(cmd.Context()); err != nil {
				return err
			}
			if err := database.EnsureSchema(cmd.Context(), e.pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema ready")
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run individual Go binaries directly",
	}
	cmd.AddCommand(
		newServiceRunner("api", "./cmd/api"),
		newServiceRunner("worker", "./cmd/worker"),
		newServiceRunner("server", "./cmd/server"),
	)
	return cmd
}

func newServiceRunner(name, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("go run %s", path),
		RunE: func(cmd *cobra.Command, args []string) error {
			goArgs := []string{"run", path}
			goArgs = append(goArgs, args...)
			return runCommand(cmd.Context(), "go", goArgs...)
		},
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	if configPath != "" {
		execCmd.Env = append(os.Environ(), config.EnvConfigFile+"="+configPath)
	}
	return execCmd.Run()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
