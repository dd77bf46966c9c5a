package sql

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/umit/resql/client"
	"github.com/umit/resql/internal/wire"
	"github.com/umit/resql/pkg/logger"
)

var (
	// ClientCommands represents the sql command group
	ClientCommands = &cobra.Command{
		Use:   "sql",
		Short: "Run statements and manage membership on a resql cluster",
	}

	execCmd = &cobra.Command{
		Use:   "exec <statement> [statement...]",
		Short: "Execute statements as one transaction",
		Long:  `Execute one or more SQL statements as a single atomic batch. Either every statement commits or none do.`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExec,
	}

	queryCmd = &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a linearizable read",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}

	memberCmd = &cobra.Command{
		Use:   "member",
		Short: "Single-member cluster configuration changes",
	}

	memberAddCmd = &cobra.Command{
		Use:   "add <id> <host:port>",
		Short: "Add a node as a non-voting learner",
		Args:  cobra.ExactArgs(2),
		RunE:  changeConfigCmd(wire.ConfigAddLearner, true),
	}

	memberPromoteCmd = &cobra.Command{
		Use:   "promote <id>",
		Short: "Promote a caught-up learner to voter",
		Args:  cobra.ExactArgs(1),
		RunE:  changeConfigCmd(wire.ConfigPromoteVoter, false),
	}

	memberRemoveCmd = &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a member from the cluster",
		Args:  cobra.ExactArgs(1),
		RunE:  changeConfigCmd(wire.ConfigRemoveMember, false),
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	ClientCommands.PersistentFlags().String("endpoints", "127.0.0.1:7600", "Comma-separated node addresses to try")
	ClientCommands.PersistentFlags().String("name", "", "Session name; defaults to resql-cli-<hostname>")
	ClientCommands.PersistentFlags().Duration("timeout", 15*time.Second, "Overall deadline for the operation")

	memberCmd.AddCommand(memberAddCmd)
	memberCmd.AddCommand(memberPromoteCmd)
	memberCmd.AddCommand(memberRemoveCmd)

	ClientCommands.AddCommand(execCmd)
	ClientCommands.AddCommand(queryCmd)
	ClientCommands.AddCommand(memberCmd)
}

// dial builds a connected client from the persistent flags.
func dial(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, nil, nil, err
	}

	name := viper.GetString("name")
	if name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		name = "resql-cli-" + host
	}
	endpoints := strings.Split(viper.GetString("endpoints"), ",")
	for i := range endpoints {
		endpoints[i] = strings.TrimSpace(endpoints[i])
	}

	c, err := client.New(name, endpoints, client.WithLogger(logger.NewLogger(logger.Prod, false)))
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
	if err := c.Connect(ctx); err != nil {
		cancel()
		c.Close()
		return nil, nil, nil, err
	}
	return c, ctx, cancel, nil
}

func runExec(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := dial(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	res, err := c.Exec(ctx, args...)
	var sqlErr *client.SQLError
	if errors.As(err, &sqlErr) {
		return fmt.Errorf("batch rolled back: %s", sqlErr.Msg)
	}
	if err != nil {
		return err
	}
	fmt.Printf("OK: %d row(s) affected, last insert id %d\n", res.RowsAffected, res.LastInsertID)
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := dial(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	res, err := c.Query(ctx, args[0])
	if err != nil {
		return err
	}
	printRows(res)
	return nil
}

// printRows renders a result set as a tab-aligned table.
func printRows(res *wire.CommandResult) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
	for _, row := range res.Rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	fmt.Printf("(%d row(s))\n", len(res.Rows))
}

// changeConfigCmd builds a RunE proposing one membership change.
func changeConfigCmd(op wire.ConfigChangeOp, withAddr bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid member id %q", args[0])
		}
		change := wire.ConfigChange{Op: op, ID: id}
		if withAddr {
			change.Addr = args[1]
		}

		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		if err := c.ChangeConfig(ctx, change); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	}
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("resql")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
