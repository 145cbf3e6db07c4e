package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/auth"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/queue"
)

var deadLetterCount int64

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the warehouse schema and sentinel rows",
	Args:  cobra.NoArgs,
	RunE:  runProvision,
}

var genTokenCmd = &cobra.Command{
	Use:   "gen-token",
	Short: "Print a random webhook secret or API key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := auth.GenerateToken()
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List job events moved to the dead-letter stream",
	Args:  cobra.NoArgs,
	RunE:  runDeadLetters,
}

func init() {
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(genTokenCmd)
	rootCmd.AddCommand(deadLettersCmd)

	deadLettersCmd.Flags().Int64Var(&deadLetterCount, "count", 50, "maximum entries to list")
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt, err := newRuntime(ctx, "provision")
	if err != nil {
		return err
	}
	defer rt.shutdown.Shutdown()

	if err := rt.store.Provision(ctx); err != nil {
		return err
	}
	counts, err := rt.store.Counts(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Table", "Rows")
	for _, name := range sortedTables(counts) {
		table.Append([]string{name, strconv.FormatInt(counts[name], 10)})
	}
	table.Render()
	return nil
}

func runDeadLetters(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	q, err := queue.NewRedisQueue(ctx, cfg.Queue())
	if err != nil {
		return err
	}
	defer q.Close()

	entries, err := q.DeadLetters(ctx, deadLetterCount)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No dead letters")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Moved At", "Reason", "Payload")
	for _, e := range entries {
		payload := string(e.Payload)
		if len(payload) > 60 {
			payload = payload[:57] + "..."
		}
		table.Append([]string{e.ID, e.MovedAt.Format(time.RFC3339), e.Reason, payload})
	}
	table.Render()
	return nil
}

func sortedTables(counts map[string]int64) []string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
