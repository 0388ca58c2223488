package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"FlowPilot/internal/matcher"
)

func newMatchCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "match <text>",
		Short: "Dry-run the matcher and print the candidate ranking",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if len(cfg.Log.OutputPaths) == 0 {
				cfg.Log.OutputPaths = []string{"stderr"}
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.matcher.Match(cmd.Context(), strings.Join(args, " "), nil)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printMatch(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw match result as JSON")
	return cmd
}

func printMatch(out io.Writer, res *matcher.Result) {
	if !res.IntentDetected {
		color.New(color.FgYellow).Fprintln(out, "no automation intent detected")
		return
	}
	title := color.New(color.Bold)
	title.Fprintf(out, "category: %s", res.Category)
	if res.AdHoc {
		fmt.Fprint(out, " (ad hoc)")
	}
	fmt.Fprintln(out)
	for i, c := range res.Candidates {
		fmt.Fprintf(out, "%d. %-24s score=%.3f overlap=%.3f boost=%.3f  %s\n",
			i+1, c.TemplateID, c.Score, c.Overlap, c.Boost, c.Reason)
	}
	if len(res.Extracted) > 0 {
		title.Fprintln(out, "extracted:")
		for _, k := range slices.Sorted(maps.Keys(res.Extracted)) {
			fmt.Fprintf(out, "  %s = %s\n", k, res.Extracted[k])
		}
	}
	if len(res.Missing) > 0 {
		color.New(color.FgYellow).Fprintf(out, "missing: %s\n", strings.Join(res.Missing, ", "))
	}
}
