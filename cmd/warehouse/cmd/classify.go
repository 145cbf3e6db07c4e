package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/taxonomy"
)

var (
	classifyTaxonomy      string
	classifyFailureReason string
)

var classifyCmd = &cobra.Command{
	Use:   "classify <log-file>",
	Short: "Classify a job log against the error taxonomy",
	Long: `Prints the error class a failed job with this log would be assigned, along with
every class whose patterns matched.`,
	Args: cobra.ExactArgs(1),
	RunE: runClassify,
}

func init() {
	rootCmd.AddCommand(classifyCmd)

	classifyCmd.Flags().StringVar(&classifyTaxonomy, "taxonomy", "", "taxonomy file (default from config, else the built-in taxonomy)")
	classifyCmd.Flags().StringVar(&classifyFailureReason, "failure-reason", "", "platform failure reason of the job")
}

func runClassify(cmd *cobra.Command, args []string) error {
	path := classifyTaxonomy
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Taxonomy.Path
	}

	tax, err := taxonomy.LoadOrDefault(path)
	if err != nil {
		return err
	}
	classifier, err := taxonomy.NewClassifier(tax)
	if err != nil {
		return err
	}

	log, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}

	result := classifier.ClassifyJob(string(log), classifyFailureReason)
	matches := classifier.Matches(string(log))
	if len(matches) == 0 {
		matches = []string{"-"}
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append([]string{"Class", colorClass(result.Class)})
	table.Append([]string{"Taxonomy Version", result.Version})
	table.Append([]string{"Matched Classes", strings.Join(matches, ", ")})
	table.Render()
	return nil
}
