package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/example/hermes-sync/internal/allocation"
	"github.com/example/hermes-sync/internal/types"
)

// AllocateOptions configures the allocate command.
type AllocateOptions struct {
	Pool string
}

type goalsFile struct {
	Pool  string     `yaml:"pool"`
	Goals []goalSpec `yaml:"goals"`
}

type goalSpec struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	Target   string `yaml:"target"`
}

// NewAllocateCommand creates the allocate command.
func NewAllocateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AllocateOptions{}
	cmd := &cobra.Command{
		Use:   "allocate <goals.yaml>",
		Short: "Distribute a savings pool across goals by priority",
		Long: `Read goals from a YAML file and print how much of the pool each goal
receives. The pool comes from --pool or the file's pool field.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open goals: %w", err)
			}
			defer f.Close()
			return runAllocate(f, cmd.OutOrStdout(), rootOpts.Format, *opts)
		},
	}
	cmd.Flags().StringVar(&opts.Pool, "pool", "", "pool amount, overrides the file")
	return cmd
}

func runAllocate(in io.Reader, out io.Writer, format string, opts AllocateOptions) error {
	var file goalsFile
	if err := yaml.NewDecoder(in).Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode goals: %w", err)
	}

	rawPool := file.Pool
	if opts.Pool != "" {
		rawPool = opts.Pool
	}
	pool := decimal.Zero
	if rawPool != "" {
		p, err := decimal.NewFromString(rawPool)
		if err != nil {
			return fmt.Errorf("invalid pool %q: %w", rawPool, err)
		}
		pool = p
	}

	goals := make([]allocation.Goal, 0, len(file.Goals))
	for _, g := range file.Goals {
		target, err := decimal.NewFromString(g.Target)
		if err != nil {
			return fmt.Errorf("goal %q: invalid target %q: %w", g.ID, g.Target, err)
		}
		goals = append(goals, allocation.Goal{
			ID:       types.DocumentID(g.ID),
			Name:     g.Name,
			Priority: g.Priority,
			Target:   target,
		})
	}

	summary := allocation.Summarize(goals, pool)
	if format == "json" {
		return writeJSON(out, summary)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tGOAL\tTARGET\tALLOCATED")
	for _, g := range summary.Goals {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", g.Priority, g.Name, g.Target.StringFixed(2), g.Current.StringFixed(2))
	}
	fmt.Fprintf(tw, "\tpool\t%s\t%s\n", summary.Pool.StringFixed(2), summary.Allocated.StringFixed(2))
	fmt.Fprintf(tw, "\tremaining\t\t%s\n", summary.Remaining.StringFixed(2))
	return tw.Flush()
}
