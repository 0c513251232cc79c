package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jobsift/crawler/internal/config"
	"github.com/jobsift/crawler/internal/logging"
	"github.com/jobsift/crawler/internal/schedule"
	"github.com/jobsift/crawler/internal/scrape"
	"github.com/jobsift/crawler/internal/store/postgres"
)

func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Print schedule eligibility for every site",
		Long: `Reports, for each registered site, whether it is due to run right
now and why not if it isn't. Reads the store only; nothing is leased
or mutated.`,
		RunE: runAudit,
	}
}

func runAudit(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required for audit")
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	store, err := postgres.NewStore(cmd.Context(), postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	auditor := schedule.NewAuditor(store, scrape.SystemClock{}, logger)
	verdicts, err := auditor.Report(cmd.Context())
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(verdicts)
}
