package serve

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/umit/resql/internal/wire"
	"github.com/umit/resql/pkg/logger"
	"github.com/umit/resql/raft"
	"github.com/umit/resql/server"
)

var (
	serveOpts   = server.Options{}
	serveNodeID int64

	ServeCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start a resql node",
		Long: `Start one node of a resql cluster. Configuration can be set via command
line flags or environment variables of the form RESQL_<flag>
(e.g. RESQL_DATA_DIR=/var/lib/resql).`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	ServeCmd.PersistentFlags().Int64("node-id", 0, "Unique numeric id of this node within the cluster (required)")
	ServeCmd.PersistentFlags().String("data-dir", "data", "Directory for the write-ahead log, snapshots and the SQL engine file")
	ServeCmd.PersistentFlags().String("listen", "0.0.0.0:7600", "Address served for both cluster peers and clients")
	ServeCmd.PersistentFlags().String("cluster-members", "", "Comma-separated initial voters in the format '1=host:port,2=host:port,...'. Used only when the data directory is empty; restarts recover membership from disk")
	ServeCmd.PersistentFlags().String("monitoring", "", "Optional address for the /status and /metrics HTTP endpoints")
	ServeCmd.PersistentFlags().String("log-level", "prod", "Logging profile (prod, dev, staging)")
	ServeCmd.PersistentFlags().Duration("election-timeout", 0, "Override the base election timeout (0 keeps the default)")
	ServeCmd.PersistentFlags().Duration("heartbeat-timeout", 0, "Override the leader heartbeat interval (0 keeps the default)")
	ServeCmd.PersistentFlags().Duration("session-timeout", 0, "Override the client session inactivity timeout (0 keeps the default)")
	ServeCmd.PersistentFlags().Int64("snapshot-threshold", 0, "Override the log size in bytes that triggers a snapshot (0 keeps the default)")
}

// processConfig reads the configuration from the command line flags and
// environment variables and converts them to node options.
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveNodeID = viper.GetInt64("node-id")
	if serveNodeID <= 0 {
		return fmt.Errorf("node-id is required and must be positive")
	}

	cfg := raft.DefaultConfig()
	switch viper.GetString("log-level") {
	case "prod":
		cfg.Log.Env = logger.Prod
	case "dev":
		cfg.Log.Env = logger.Dev
	case "staging":
		cfg.Log.Env = logger.Staging
	default:
		return fmt.Errorf("invalid log-level %q (expected prod, dev or staging)", viper.GetString("log-level"))
	}
	cfg.MonitoringAddr = viper.GetString("monitoring")
	if d := viper.GetDuration("election-timeout"); d > 0 {
		cfg.Timings.ElectionTimeoutBase = d
		cfg.Timings.ElectionTimeoutRandomDelta = d
	}
	if d := viper.GetDuration("heartbeat-timeout"); d > 0 {
		cfg.Timings.HeartbeatTimeout = d
	}
	if d := viper.GetDuration("session-timeout"); d > 0 {
		cfg.Sessions.InactivityTimeout = d
	}
	if n := viper.GetInt64("snapshot-threshold"); n > 0 {
		cfg.Snapshots.ThresholdBytes = n
	}

	members, err := parseMembers(viper.GetString("cluster-members"))
	if err != nil {
		return err
	}

	serveOpts = server.Options{
		DataDir:    viper.GetString("data-dir"),
		ListenAddr: viper.GetString("listen"),
		Bootstrap:  members,
		Config:     cfg,
	}
	return nil
}

// parseMembers parses '1=host:port,2=host:port' into a voter list.
func parseMembers(s string) ([]wire.Member, error) {
	if s == "" {
		return nil, fmt.Errorf("cluster-members is required (a single-node cluster is '1=host:port')")
	}
	var members []wire.Member
	seen := make(map[int64]bool)
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid cluster member %q (expected ID=host:port)", part)
		}
		id, err := strconv.ParseInt(kv[0], 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid member id %q", kv[0])
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate member id %d", id)
		}
		seen[id] = true
		members = append(members, wire.Member{ID: id, Addr: kv[1], Voter: true})
	}
	return members, nil
}

// run starts the node and blocks until a termination signal arrives.
func run(_ *cobra.Command, _ []string) error {
	n, err := server.NewNode(serveNodeID, serveOpts)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	done := make(chan error, 1)
	go func() { done <- n.Stop() }()
	select {
	case err := <-done:
		return err
	case <-time.After(serveOpts.Config.Timings.ShutdownTimeout + 2*time.Second):
		return fmt.Errorf("shutdown timed out")
	}
}

// initConfig reads in ENV variables and optional .env files.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("resql")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
