package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "列出已配置的模型",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tNAME\tCONTEXT\tDEFAULT")
		for _, spec := range modelSpecs(cfg.LLM) {
			def := ""
			if spec.Key == cfg.LLM.DefaultModel {
				def = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", spec.Key, spec.Name, spec.ContextSize, def)
		}
		return w.Flush()
	},
}
