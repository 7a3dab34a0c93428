package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/knoguchi/conceptindex/internal/app"
	"github.com/knoguchi/conceptindex/internal/repository"
)

var (
	importType     string
	importOntology string
	importName     string
	importModel    string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load terminologies, concepts and mappings",
}

var importJSONLCmd = &cobra.Command{
	Use:   "jsonl FILE",
	Short: "Import a JSONL dump of one object type",
	Long: `Import a JSONL file with one object per line.

Object types:
  terminology  {"id", "name"}
  concept      {"concept_identifier", "pref_label", "terminology_id"}
  mapping      {"concept_identifier", "text", "sentence_embedder", "embedding"}`,
	Args: cobra.ExactArgs(1),
	RunE: runImportJSONL,
}

var importOLSCmd = &cobra.Command{
	Use:   "ols",
	Short: "Import an ontology from the Ontology Lookup Service",
	Long: `Import every term of an OLS ontology as a concept with one mapping (its label).

Examples:
  indexctl import ols --ontology efo
  indexctl import ols --ontology snomed --name "SNOMED CT" --model nomic-embed-text`,
	RunE: runImportOLS,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.AddCommand(importJSONLCmd)
	importCmd.AddCommand(importOLSCmd)

	importJSONLCmd.Flags().StringVarP(&importType, "type", "t", "", "object type: terminology, concept or mapping (required)")
	importJSONLCmd.MarkFlagRequired("type")

	importOLSCmd.Flags().StringVar(&importOntology, "ontology", "", "OLS ontology id (required)")
	importOLSCmd.Flags().StringVar(&importName, "name", "", "terminology name (default is the ontology id)")
	importOLSCmd.Flags().StringVarP(&importModel, "model", "m", "", "embedding model (default MODEL_NAME)")
	importOLSCmd.MarkFlagRequired("ontology")
}

func runImportJSONL(cmd *cobra.Command, args []string) error {
	objectType, err := repository.ParseObjectType(importType)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	return withComponents(cmd.Context(), func(c *app.Components) error {
		if err := c.Importer.ImportJSONL(cmd.Context(), data, objectType); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %s objects from %s\n", objectType, args[0])
		return nil
	})
}

func runImportOLS(cmd *cobra.Command, args []string) error {
	return withComponents(cmd.Context(), func(c *app.Components) error {
		if err := c.Importer.ImportTerminology(cmd.Context(), importOntology, importName, importModel); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported ontology %s\n", importOntology)
		return nil
	})
}
