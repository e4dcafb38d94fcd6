package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"driveup/internal/app"
	"driveup/internal/config"
	"driveup/internal/mirror"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var verbose bool

// newApp reads the config and creates an App. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Sync", "History").
func newApp(operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	a, err := app.NewApp(cfg, operation, app.Options{
		Console:      os.Stderr,
		ConsoleLevel: level,
		Passphrase:   passphrase,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "driveup",
	Short:        "Mirror local directories to a remote drive",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("Set auth.client_id and auth.client_secret, then run 'driveup auth set'.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:    %s\n", cfg.HostID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Remote:     %s\n", cfg.Remote.Type)
		fmt.Printf("Chunk Size: %s\n", humanize.IBytes(uint64(cfg.Transfer.ChunkSize)))
		fmt.Printf("Threshold:  %s\n", humanize.IBytes(uint64(cfg.Transfer.LargeFileThreshold)))
		if proxy := cfg.Proxy.URL(); proxy != "" {
			fmt.Printf("Proxy:      %s:%d\n", cfg.Proxy.Host, cfg.Proxy.Port)
		}
		if len(cfg.Jobs) > 0 {
			fmt.Println("\nJobs:")
			for _, job := range cfg.Jobs {
				dest := job.Destination
				if job.DestinationID != "" {
					dest = "id:" + job.DestinationID
				}
				fmt.Printf("  %-15s  %s -> %s\n", job.Name, job.Source, dest)
			}
		}
		if err := cfg.Validate(); err != nil {
			fmt.Printf("\nWarning: %v\n", err)
		}
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync [SOURCE DESTINATION]",
	Short: "Mirror a local directory into a remote folder",
	Long: `Mirror a local directory into a remote folder.

DESTINATION is the title of a folder under the remote root; it is created
when missing. Use --dest-id to target an existing folder by id instead, or
--job/--all to run jobs from the config file.

Press Ctrl-C once to stop after the current file, twice to abort.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		jobName, _ := cmd.Flags().GetString("job")
		destID, _ := cmd.Flags().GetString("dest-id")
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		a, err := newApp("Sync")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		stop := &mirror.StopFlag{}
		release := watchInterrupts(cancel, stop)
		defer release()

		var ops []*app.SyncOperation
		switch {
		case all:
			if len(args) > 0 || jobName != "" {
				return errors.New("--all takes no arguments and cannot be combined with --job")
			}
			ops, err = a.SyncAll(ctx, stop, func(job config.JobConfig) mirror.ProgressSink {
				return newConsoleProgress(os.Stdout, job.Name)
			})
		default:
			job, jerr := resolveJob(a.Config(), jobName, destID, overwrite, args)
			if jerr != nil {
				return jerr
			}
			var op *app.SyncOperation
			op, err = a.Sync(ctx, job, stop, newConsoleProgress(os.Stdout, ""))
			ops = []*app.SyncOperation{op}
		}

		failed := printResults(ops)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		if failed > 0 {
			return fmt.Errorf("%d job(s) finished with errors", failed)
		}
		return nil
	},
}

// resolveJob builds the job to run from --job or from the positional arguments.
func resolveJob(cfg *config.Config, name, destID string, overwrite bool, args []string) (config.JobConfig, error) {
	if name != "" {
		if len(args) > 0 {
			return config.JobConfig{}, errors.New("--job takes no arguments")
		}
		job, ok := cfg.Job(name)
		if !ok {
			return config.JobConfig{}, fmt.Errorf("no job named %q in config", name)
		}
		if overwrite {
			job.Overwrite = true
		}
		return job, nil
	}

	job := config.JobConfig{Name: "adhoc", DestinationID: destID, Overwrite: overwrite}
	switch {
	case destID != "" && len(args) == 1:
		job.Source = args[0]
	case destID == "" && len(args) == 2:
		job.Source, job.Destination = args[0], args[1]
	default:
		return config.JobConfig{}, errors.New("usage: driveup sync SOURCE DESTINATION, or SOURCE --dest-id ID")
	}
	return job, nil
}

func printResults(ops []*app.SyncOperation) int {
	failed := 0
	for _, op := range ops {
		if op == nil {
			continue
		}
		fmt.Printf("%s: %s\n", op.Key(), op.Status())
		if op.Result == nil {
			continue
		}
		for _, path := range op.Result.ErrorPaths() {
			fmt.Printf("  error    %s: %v\n", path, op.Result.Errors[path])
		}
		for _, path := range op.Result.WarningPaths() {
			fmt.Printf("  warning  %s: %s\n", path, op.Result.Warnings[path])
		}
		if op.Status() == mirror.StatusError {
			failed++
		}
	}
	return failed
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history [RUN_ID]",
	Short: "View sync run history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("History")
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			var id int64
			if _, err := fmt.Sscan(args[0], &id); err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}
			return printRun(a, id)
		}

		runs, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No sync runs recorded.")
			return nil
		}

		for _, run := range runs {
			duration := ""
			if run.FinishedAt != nil {
				duration = run.FinishedAt.Sub(run.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-12s  %s  %-9s  %-10s  %s -> %s\n",
				run.ID,
				run.Job,
				run.StartedAt.Local().Format("2006-01-02 15:04:05"),
				run.Status,
				duration,
				run.Source,
				run.Destination,
			)
		}
		return nil
	},
}

func printRun(a *app.App, id int64) error {
	run, items, err := a.RunItems(id)
	if err != nil {
		return err
	}
	fmt.Printf("Run #%d (%s)\n", run.ID, run.Job)
	fmt.Printf("  %s -> %s\n", run.Source, run.Destination)
	fmt.Printf("  started %s, status %s\n", humanize.Time(run.StartedAt), run.Status)
	if len(items) == 0 {
		return nil
	}
	fmt.Println()
	for _, item := range items {
		fmt.Printf("  %-7s  %s: %s\n", item.Kind, item.Path, item.Message)
	}
	return nil
}

// checkpoints command
var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List or clear interrupted uploads",
	RunE: func(cmd *cobra.Command, args []string) error {
		clearAll, _ := cmd.Flags().GetBool("clear")

		a, err := newApp("Checkpoints")
		if err != nil {
			return err
		}
		defer a.Close()

		if clearAll {
			n, err := a.ClearCheckpoints()
			if err != nil {
				return err
			}
			fmt.Printf("Cleared %d checkpoint(s)\n", n)
			return nil
		}

		entries, err := a.Checkpoints()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No interrupted uploads.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%-40s  %s  %s\n",
				strings.TrimSuffix(e.Key, ".tmp"),
				e.Checkpoint.Fingerprint[:min(12, len(e.Checkpoint.Fingerprint))],
				humanize.Time(e.ModTime),
			)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show debug logs on the console")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// auth subcommands
	authCmd.AddCommand(authSetCmd)
	authCmd.AddCommand(authInitKeyCmd)
	authCmd.AddCommand(authVerifyCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().Bool("overwrite", false, "Replace remote files whose content differs")
	syncCmd.Flags().String("dest-id", "", "Id of an existing remote folder to mirror into")
	syncCmd.Flags().String("job", "", "Run the named job from the config file")
	syncCmd.Flags().Bool("all", false, "Run every job from the config file")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.Flags().Bool("clear", false, "Delete checkpoints that are not in use")
}
