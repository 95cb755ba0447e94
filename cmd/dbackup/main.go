package main

import (
	"fmt"
	"os"
	"time"

	"dbackup/internal/app"
	"dbackup/internal/backup"
	"dbackup/internal/config"
	"dbackup/internal/store"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config from its default (or env-overridden) path.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp creates a fully wired App for the given CLI operation.
// The caller must defer a.Close().
func newApp(cmd *cobra.Command, cfg *config.Config, operation string) (*app.App, error) {
	a, err := app.NewApp(cmd.Context(), cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// promptPassword asks for the source password on the terminal when the
// config leaves it empty, so credentials need not live on disk.
func promptPassword(cfg *config.Config, sourceName string) error {
	src := cfg.FindSource(sourceName)
	if src == nil || src.Password != "" {
		return nil
	}

	fmt.Fprintf(os.Stderr, "Password for %s@%s/%s: ", src.Username, src.Host, src.Database)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	src.Password = string(pw)
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "dbackup",
	Short: "Database backup orchestration and retention",
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

		cfg := config.NewConfig(defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
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
		fmt.Printf("Database:    %s\n", cfg.Database.Path)
		fmt.Printf("Staging Dir: %s\n", cfg.Staging.Dir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Sources:     %d\n", len(cfg.Sources))
		fmt.Printf("Destinations: %d\n", len(cfg.Destinations))
		return nil
	},
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending metadata database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.NewSQLiteStore(cfg.Database.Path, backup.RealClock{}, backup.UUIDGenerator{})
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()

		if err := st.MigrateUp(); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}

		fmt.Println("Migrations applied.")
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage backups",
}

var backupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a backup for a source now",
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceName, _ := cmd.Flags().GetString("source")
		if sourceName == "" {
			return fmt.Errorf("--source is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := promptPassword(cfg, sourceName); err != nil {
			return err
		}

		a, err := newApp(cmd, cfg, "BackupRun")
		if err != nil {
			return err
		}
		defer a.Close()

		a.StartWorker(cmd.Context())

		record, err := a.RunBackup(cmd.Context(), sourceName)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}

		fmt.Printf("Backup %s finished: %s\n", record.ID, record.Status)
		if record.Size != nil {
			fmt.Printf("Artifact size: %d bytes\n", *record.Size)
		}
		for _, e := range record.Errors {
			fmt.Printf("error: %s\n", e.Message)
		}
		for _, w := range record.Warnings {
			fmt.Printf("warning: %s\n", w.Message)
		}

		if record.Status != backup.StatusCompleted {
			return fmt.Errorf("backup finished with status %s", record.Status)
		}
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceName, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := newApp(cmd, cfg, "BackupList")
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.Service().ListBackups(cmd.Context(), sourceName, limit)
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No backups recorded.")
			return nil
		}

		for _, r := range records {
			duration := ""
			if r.CompletedAt != nil {
				duration = r.CompletedAt.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			locked := ""
			if r.Locked {
				locked = "  [locked]"
			}
			fmt.Printf("%s  %-12s  %s  %-24s  %s%s\n",
				r.ID,
				r.SourceID,
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.Status,
				duration,
				locked,
			)
		}
		return nil
	},
}

var backupTimelineCmd = &cobra.Command{
	Use:   "timeline BACKUP_ID",
	Short: "View a backup's status timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := newApp(cmd, cfg, "BackupTimeline")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.Service().GetTimeline(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No timeline entries.")
			return nil
		}

		for _, e := range entries {
			fmt.Printf("%s  %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Status)
			if e.Payload.BackupReady != nil {
				fmt.Printf("    destinations: %v\n", e.Payload.BackupReady.DestinationIDs)
			}
			for id, p := range e.Payload.Destinations {
				outcome := "in progress"
				switch {
				case p.Succeeded != nil && *p.Succeeded:
					outcome = "succeeded"
				case p.RetryScheduled:
					outcome = fmt.Sprintf("retry in %ds", p.RetryDelaySecs)
				case p.Succeeded != nil:
					outcome = "failed"
				}
				fmt.Printf("    %s: attempt %d, %s\n", id, p.Attempt+1, outcome)
			}
			if e.Payload.Failure != nil {
				fmt.Printf("    failure: %s\n", e.Payload.Failure.Message)
			}
		}
		return nil
	},
}

var backupLockCmd = &cobra.Command{
	Use:   "lock BACKUP_ID",
	Short: "Protect a backup from retention deletion",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setLocked(cmd, args[0], true) },
}

var backupUnlockCmd = &cobra.Command{
	Use:   "unlock BACKUP_ID",
	Short: "Remove a backup's retention protection",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setLocked(cmd, args[0], false) },
}

func setLocked(cmd *cobra.Command, backupID string, locked bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cmd, cfg, "BackupLock")
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Service().SetLocked(cmd.Context(), backupID, locked); err != nil {
		return err
	}

	if locked {
		fmt.Printf("Backup %s locked.\n", backupID)
	} else {
		fmt.Printf("Backup %s unlocked.\n", backupID)
	}
	return nil
}

// cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Apply retention policy and delete expired backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceName, _ := cmd.Flags().GetString("source")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := newApp(cmd, cfg, "Cleanup")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RunCleanup(cmd.Context(), sourceName); err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}

		fmt.Println("Cleanup finished.")
		return nil
	},
}

// worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background job worker until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := newApp(cmd, cfg, "Worker")
		if err != nil {
			return err
		}
		defer a.Close()

		a.StartWorker(cmd.Context())
		fmt.Println("Worker running. Ctrl-C to stop.")
		<-cmd.Context().Done()
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	backupCmd.AddCommand(backupRunCmd)
	backupRunCmd.Flags().StringP("source", "s", "", "Source name to back up")
	backupCmd.AddCommand(backupListCmd)
	backupListCmd.Flags().StringP("source", "s", "", "Filter by source name")
	backupListCmd.Flags().IntP("limit", "n", 50, "Maximum number of backups to show")
	backupCmd.AddCommand(backupTimelineCmd)
	backupCmd.AddCommand(backupLockCmd)
	backupCmd.AddCommand(backupUnlockCmd)

	cleanupCmd.Flags().StringP("source", "s", "", "Only clean this source")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(workerCmd)
}
