package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/walwatch/walwatch/internal/clock"
	"github.com/walwatch/walwatch/internal/collector"
	"github.com/walwatch/walwatch/internal/config"
	"github.com/walwatch/walwatch/internal/connection"
	"github.com/walwatch/walwatch/internal/model"
	"github.com/walwatch/walwatch/internal/secrets"
	"github.com/walwatch/walwatch/internal/store"
)

var checkOpts struct {
	targetID      string
	host          string
	port          int
	database      string
	user          string
	credentialRef string
	tlsMode       string
	collect       bool
	jsonOutput    bool
	timeout       time.Duration
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Test connectivity to a PostgreSQL server and optionally collect once",
	Long: `Open a single session to the given server (or a target from the config file),
ping it and report the latency. With --collect, run one full collection cycle
and print the resulting snapshot.`,
	RunE: runCheck,
}

func init() {
	f := checkCmd.Flags()
	f.StringVar(&checkOpts.targetID, "target", "", "Check a target defined in the config file")
	f.StringVar(&checkOpts.host, "host", "localhost", "Server host name, IP address or socket directory")
	f.IntVarP(&checkOpts.port, "port", "p", 5432, "Server port")
	f.StringVarP(&checkOpts.database, "database", "d", "postgres", "Database to connect to")
	f.StringVarP(&checkOpts.user, "user", "U", "postgres", "Role to connect as")
	f.StringVar(&checkOpts.credentialRef, "credential-ref", "", "Password reference: env:WALWATCH_SECRET_NAME or file:/path under secrets.allowed_dir")
	f.StringVar(&checkOpts.tlsMode, "tls-mode", "prefer", "libpq sslmode")
	f.BoolVar(&checkOpts.collect, "collect", false, "Run one collection cycle after connecting")
	f.BoolVar(&checkOpts.jsonOutput, "json", false, "Print the snapshot as JSON")
	f.DurationVar(&checkOpts.timeout, "timeout", 30*time.Second, "Overall deadline")
}

func checkTarget(cfg *config.Config) (model.Target, error) {
	if checkOpts.targetID != "" {
		i := slices.IndexFunc(cfg.Targets, func(t model.Target) bool { return t.ID == checkOpts.targetID })
		if i < 0 {
			return model.Target{}, fmt.Errorf("target %q is not defined in the configuration", checkOpts.targetID)
		}
		return cfg.Targets[i], nil
	}

	t := model.Target{
		ID:            "check",
		Host:          checkOpts.host,
		Port:          checkOpts.port,
		Database:      checkOpts.database,
		Username:      checkOpts.user,
		CredentialRef: checkOpts.credentialRef,
		TLSMode:       model.TLSMode(checkOpts.tlsMode),
	}
	if err := model.ValidateTarget(t); err != nil {
		return model.Target{}, err
	}
	return t, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	target, err := checkTarget(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), checkOpts.timeout)
	defer cancel()

	logger := config.NewLogger(os.Stderr, slog.LevelWarn, "text")
	mgr := connection.NewManager(cfg.Connection.Connector(), secrets.NewResolver(cfg.Secrets.Policy()), cfg.Connection.Manager(), logger)
	defer mgr.Close()

	out := cmd.OutOrStdout()
	latency, err := mgr.Test(ctx, target)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "connected to %s:%d/%s as %s in %s\n",
		target.Host, target.Port, target.Database, target.Username, latency.Round(time.Microsecond))

	if !checkOpts.collect {
		return nil
	}

	if err := mgr.Register(target); err != nil {
		return err
	}
	assembler := collector.NewAssembler(collector.FromManager(mgr), store.New(1), clock.Real{}, logger, collector.Config{
		QueryTimeout: cfg.Connection.QueryTimeout(),
		Thresholds:   cfg.Thresholds.Health(),
	})
	snap := assembler.Collect(ctx, target)

	if checkOpts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	printSnapshot(out, snap)
	return nil
}

func printSnapshot(w io.Writer, snap *model.WalSnapshot) {
	ov := snap.Overview(snap.CollectedAt, time.Hour)
	if ov.ConnectionProblem != "" {
		fmt.Fprintf(w, "connection problem: %s\n", ov.ConnectionProblem)
	}
	fmt.Fprintf(w, "role:          %s\n", ov.ServerRole)
	fmt.Fprintf(w, "current lsn:   %s (%s)\n", ov.CurrentLSN, ov.CurrentWalFile)
	fmt.Fprintf(w, "wal directory: %s\n", ov.WalDirSize)
	fmt.Fprintf(w, "archive mode:  %s\n", ov.ArchiveMode)

	dims := snap.Health.Dimensions()
	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "%-13s  %s\n", name+":", dims[name])
	}
	fmt.Fprintf(w, "overall:       %s\n", snap.Health.Overall)
}
