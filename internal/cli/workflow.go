package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/intake/model"
)

func newTransitionCmd(rt *runtime) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "transition <id> <status>",
		Short: "Move a submission to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := model.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return rt.run(cmd, func(ctx context.Context, e *env) error {
				sub, err := e.dashboard.Transition(ctx, args[0], to, comment)
				if err != nil {
					return err
				}
				return e.printSubmission(sub)
			})
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "Comment stored with the history entry")
	return cmd
}

func newBuildCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "build <id>",
		Short: "Request a site build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.run(cmd, func(ctx context.Context, e *env) error {
				sub, err := e.dashboard.Build(ctx, args[0])
				if err != nil {
					return err
				}
				return e.printSubmission(sub)
			})
		},
	}
}

func (e *env) printSubmission(sub model.Submission) error {
	if e.format == formatJSON {
		return e.printJSON(sub)
	}
	_, err := fmt.Fprintf(e.out, "%s is now %s\n", sub.ID, sub.Status)
	return err
}
