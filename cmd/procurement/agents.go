package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/procurement-engine/agent"
	"github.com/songzhibin97/procurement-engine/gate"
	"github.com/songzhibin97/procurement-engine/rules"
)

var agentsJSON bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the configured agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		registry, err := agent.NewRegistry(gate.NewPolicy(rules.NewExprEvaluator()), cfg.Definitions()...)
		if err != nil {
			return err
		}
		defs := registry.List()

		if agentsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(defs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIER\tCATEGORY\tTHRESHOLD\tTOOLS")
		for _, d := range defs {
			tools := make([]string, len(d.Tools))
			for i, k := range d.Tools {
				tools[i] = string(k)
			}
			threshold := "-"
			if d.Gate.Threshold > 0 {
				threshold = fmt.Sprintf("%.2f", d.Gate.Threshold)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", d.ID, d.Tier, d.Category, threshold, strings.Join(tools, ","))
		}
		return w.Flush()
	},
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "output as JSON")
}
