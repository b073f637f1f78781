package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-harvester/internal/stage"
)

// newStagesCmd creates the 'stages' subcommand. It needs no configuration.
func newStagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "stages",
		Short:       "Lists the pipeline stages in order",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tKIND\tDESCRIPTION")
			for _, info := range stage.Catalog {
				kind := "offline"
				if info.Fetch {
					kind = "fetch"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", info.Name, kind, info.Description)
			}
			return w.Flush()
		},
	}
}
