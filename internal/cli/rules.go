package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/hermes-sync/internal/trigger"
)

// RulesOptions configures the rules command.
type RulesOptions struct {
	At string
}

type ruleStatus struct {
	ID        string `json:"id"`
	PeriodKey string `json:"period_key"`
	Due       bool   `json:"due"`
}

// NewRulesCommand creates the rules command.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RulesOptions{}
	cmd := &cobra.Command{
		Use:   "rules <rules.yaml>",
		Short: "Check trigger rules and show which are due",
		Long: `Load a rules file, report errors and print each rule's period key and
whether it would fire at --at (RFC 3339, default now). Nothing is recorded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := trigger.LoadRulesFile(args[0])
			if err != nil {
				return err
			}
			at := time.Now()
			if opts.At != "" {
				at, err = time.Parse(time.RFC3339, opts.At)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}
			return runRules(rules, at, cmd.OutOrStdout(), rootOpts.Format)
		},
	}
	cmd.Flags().StringVar(&opts.At, "at", "", "evaluation instant in RFC 3339")
	return cmd
}

func runRules(rules []trigger.Rule, at time.Time, out io.Writer, format string) error {
	statuses := make([]ruleStatus, 0, len(rules))
	for _, r := range rules {
		statuses = append(statuses, ruleStatus{ID: r.ID(), PeriodKey: r.PeriodKey(at), Due: r.ShouldFire(at)})
	}
	if format == "json" {
		return writeJSON(out, statuses)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tPERIOD\tDUE")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", s.ID, s.PeriodKey, s.Due)
	}
	return tw.Flush()
}
