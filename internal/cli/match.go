package cli

import (
	"encoding/json"
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/knoguchi/conceptindex/internal/app"
	"github.com/knoguchi/conceptindex/internal/dictionary"
	"github.com/knoguchi/conceptindex/internal/service"
)

var (
	matchFile             string
	matchVariableField    string
	matchDescriptionField string
	matchTerminology      string
	matchModel            string
	matchLimit            int
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Suggest concepts for every row of a data dictionary",
	Long: `Match a data dictionary (CSV, TSV, Excel or JSON) against stored mappings and
print the results as JSON, one entry per row in input order.

Examples:
  indexctl match --file cohort.csv
  indexctl match --file cohort.xlsx --terminology OHDSI --limit 3`,
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)
	matchCmd.Flags().StringVarP(&matchFile, "file", "f", "", "data dictionary file (required)")
	matchCmd.Flags().StringVar(&matchVariableField, "variable-field", dictionary.DefaultVariableColumn, "variable column name")
	matchCmd.Flags().StringVar(&matchDescriptionField, "description-field", dictionary.DefaultDescriptionColumn, "description column name")
	matchCmd.Flags().StringVar(&matchTerminology, "terminology", "", "terminology name (default DEFAULT_TERMINOLOGY)")
	matchCmd.Flags().StringVarP(&matchModel, "model", "m", "", "embedding model (default MODEL_NAME)")
	matchCmd.Flags().IntVarP(&matchLimit, "limit", "k", 1, "matches per row")
	matchCmd.MarkFlagRequired("file")
}

func runMatch(cmd *cobra.Command, args []string) error {
	entries, err := dictionary.Load(matchFile, matchVariableField, matchDescriptionField)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(len(entries),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("Matching"),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(cmd.ErrOrStderr())
		}),
	)

	results := make([]service.DictionaryResult, 0, len(entries))
	err = withComponents(cmd.Context(), func(c *app.Components) error {
		return c.Mappings.StreamDictionary(cmd.Context(), entries, matchTerminology, matchModel, matchLimit, func(r service.DictionaryResult) error {
			results = append(results, r)
			return bar.Add(1)
		})
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
