package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/carverauto/serviceradar/srql/internal/parser"
)

type ParseCmd struct{}

func NewParseCmd() *ParseCmd {
	return &ParseCmd{}
}

func (c *ParseCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse <query>",
		Short: "Parse a query and print its normalized form",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			showClauses, err := cmd.Flags().GetBool("clauses")
			if err != nil {
				return fmt.Errorf("failed to get clauses flag: %w", err)
			}

			q, err := parser.Parse(strings.Join(args, " "))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, parser.Format(q))
			if !showClauses {
				return nil
			}

			rows := make([][]string, 0, len(q.Clauses))
			for _, cl := range q.Clauses {
				rows = append(rows, []string{clauseKind(cl), parser.Format(&parser.Query{Clauses: []parser.Clause{cl}})})
			}
			renderTable(out, []string{"Clause", "Text"}, rows)
			return nil
		},
	}

	cmd.Flags().Bool("clauses", false, "print each clause on its own row")

	return cmd
}

func clauseKind(c parser.Clause) string {
	switch c := c.(type) {
	case parser.In:
		return "in"
	case parser.Filter:
		if c.Negated {
			return "filter (negated)"
		}
		return "filter"
	case parser.TimeWindow:
		return "time"
	case parser.Sort:
		return "sort"
	case parser.Limit:
		return "limit"
	case parser.RollupStat:
		return "rollup_stats"
	case parser.Cursor:
		return "cursor"
	case parser.Stats:
		return "stats"
	}
	return fmt.Sprintf("%T", c)
}
