package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/warehouse"
)

var (
	processProject int64
	processJSON    bool
)

var processCmd = &cobra.Command{
	Use:   "process <job-id>",
	Short: "Load one job synchronously",
	Long: `Fetches a finished job from GitLab and loads it into the warehouse without going
through the queue. The job's pipeline comes from GitLab. Loading a job that is
already present changes nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().Int64Var(&processProject, "project", 0, "GitLab project id")
	processCmd.Flags().BoolVar(&processJSON, "json", false, "print the loaded rows as JSON")
	processCmd.MarkFlagRequired("project")
}

func runProcess(cmd *cobra.Command, args []string) error {
	jobID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || jobID <= 0 {
		return fmt.Errorf("invalid job id %q", args[0])
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt, err := newRuntime(ctx, "process")
	if err != nil {
		return err
	}
	defer rt.shutdown.Shutdown()

	proc, err := rt.processor()
	if err != nil {
		return err
	}

	result, err := proc.Process(ctx, &models.JobEvent{
		ObjectKind: "build",
		BuildID:    jobID,
		ProjectID:  processProject,
	})
	if err != nil {
		return err
	}

	if processJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	printLoadResult(result)
	return nil
}

func printLoadResult(result *warehouse.LoadResult) {
	jd := result.JobData
	fact := result.Fact

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")

	table.Append([]string{"Job ID", strconv.FormatInt(jd.JobID, 10)})
	table.Append([]string{"Name", jd.Name})
	table.Append([]string{"Status", colorStatus(jd.Status)})
	table.Append([]string{"Attempt", fmt.Sprintf("%d (retry: %t, manual: %t, final: %t)", jd.AttemptNumber, jd.IsRetry, jd.IsManualRetry, jd.FinalAttempt)})
	if jd.ErrorTaxonomy != nil {
		table.Append([]string{"Error Class", fmt.Sprintf("%s (taxonomy %s)", colorClass(*jd.ErrorTaxonomy), jd.ErrorTaxonomyVersion)})
	}
	if jd.PodName != "" {
		table.Append([]string{"Pod", jd.PodName})
	}
	table.Append([]string{"Runner Version", orDash(jd.GitlabRunnerVersion)})
	table.Append([]string{"Fact ID", strconv.FormatInt(fact.ID, 10)})
	table.Append([]string{"New Fact", strconv.FormatBool(result.FactCreated)})
	table.Append([]string{"Duration", fmt.Sprintf("%.1fs", fact.DurationSeconds)})
	table.Append([]string{"Cost", formatOptional(fact.Cost, "$%.4f")})
	table.Append([]string{"Node Occupancy", formatOptional(fact.PodNodeOccupancy, "%.3f")})
	table.Append([]string{"Build Timers", fmt.Sprintf("%d (%d phases)", result.Timers.Timers, result.Timers.Phases)})

	table.Render()
}

func formatOptional(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
