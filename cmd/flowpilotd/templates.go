package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"FlowPilot/internal/template"
)

func newTemplatesCommand(opts *rootOptions) *cobra.Command {
	var category, keyword string
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List the workflow template library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			lib, err := loadLibrary(cfg.Templates)
			if err != nil {
				return err
			}
			return listTemplates(cmd, lib, template.Filter{Category: category, Keyword: keyword}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only show templates in this category")
	cmd.Flags().StringVar(&keyword, "keyword", "", "only show templates with this keyword")
	return cmd
}

func listTemplates(cmd *cobra.Command, src template.Source, filter template.Filter, out io.Writer) error {
	tpls, err := src.Templates(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if len(tpls) == 0 {
		fmt.Fprintln(out, "no templates")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCATEGORY\tSTEPS\tREQUIRED\tNAME")
	for _, tpl := range tpls {
		required := strings.Join(tpl.Required(), ",")
		if required == "" {
			required = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", tpl.ID, tpl.Category, len(tpl.Steps), required, tpl.Name)
	}
	return w.Flush()
}
