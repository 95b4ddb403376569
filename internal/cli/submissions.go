package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/intake/internal/transport"
	"github.com/pitabwire/intake/model"
)

func newCreateCmd(rt *runtime) *cobra.Command {
	var vertical string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a submission and print its intake link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := model.ParseVertical(vertical)
			if err != nil {
				return err
			}
			return rt.run(cmd, func(ctx context.Context, e *env) error {
				sub, err := e.store.CreateSubmission(ctx, v)
				if err != nil {
					return err
				}
				url := transport.IntakeURL(e.cfg.Server.PublicURL, sub.AccessToken)
				if e.format == formatJSON {
					return e.printJSON(map[string]string{
						"id":         sub.ID,
						"token":      sub.AccessToken,
						"intake_url": url,
					})
				}
				fmt.Fprintf(e.out, "created %s (%s)\n%s\n", sub.ID, sub.Vertical, url)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&vertical, "vertical", "", "Business vertical (default home_services)")
	return cmd
}

func newListCmd(rt *runtime) *cobra.Command {
	var (
		status string
		search string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filters := model.SubmissionFilters{Search: search, Limit: limit, Offset: offset}
			if status != "" {
				s, err := model.ParseStatus(status)
				if err != nil {
					return err
				}
				filters.Status = s
			}
			return rt.run(cmd, func(ctx context.Context, e *env) error {
				listing, err := e.dashboard.List(ctx, filters)
				if err != nil {
					return err
				}
				if e.format == formatJSON {
					return e.printJSON(listing)
				}
				c := listing.Counts
				fmt.Fprintf(e.out, "total %d  submitted %d  in progress %d  published %d\n\n",
					c.Total, c.Submitted, c.InProgress, c.Published)
				tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tBUSINESS\tVERTICAL\tUPDATED")
				for _, s := range listing.Submissions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						s.ID, s.Status, orDash(s.BusinessName), s.Vertical, s.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only submissions in this status")
	cmd.Flags().StringVarP(&search, "search", "s", "", "Match business name or email")
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "Max results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Rows to skip")
	return cmd
}

func newShowCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a submission with its collections and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.run(cmd, func(ctx context.Context, e *env) error {
				d, err := e.dashboard.Detail(ctx, args[0])
				if err != nil {
					return err
				}
				if e.format == formatJSON {
					return e.printJSON(d)
				}
				a := d.Attributes
				fmt.Fprintf(e.out, "%s  %s  %s\n", d.ID, d.Status, d.Vertical)
				fmt.Fprintf(e.out, "business: %s\n", orDash(deref(a.BusinessName)))
				fmt.Fprintf(e.out, "email:    %s\n", orDash(deref(a.Email)))
				fmt.Fprintf(e.out, "services %d  testimonials %d  hours %d\n",
					len(d.Services), len(d.Testimonials), len(d.Hours))
				if len(d.History) > 0 {
					fmt.Fprintln(e.out, "\nhistory:")
					for _, ev := range d.History {
						fmt.Fprintf(e.out, "  %s  %s -> %s  by %s\n",
							ev.Timestamp.Format(time.RFC3339), ev.From, ev.To, ev.Actor)
					}
				}
				if len(d.QuickActions) > 0 {
					fmt.Fprintf(e.out, "\nnext: %v\n", d.QuickActions)
				}
				return nil
			})
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
