package cli

import (
	"context"
	"fmt"
	"strings"

	"militext/internal/api"
	"militext/internal/models"

	"github.com/spf13/cobra"
)

func groupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Create and manage group chats",
	}
	cmd.AddCommand(
		groupAction("create <name> <user-id> <user-id>...", "Create a group with at least two other users", cobra.MinimumNArgs(3),
			func(ctx context.Context, c *api.Client, args []string) (models.GroupChat, error) {
				return c.CreateGroup(ctx, args[0], args[1:])
			}),
		groupAction("info <chat-id>", "Show a group and its participants", cobra.ExactArgs(1),
			func(ctx context.Context, c *api.Client, args []string) (models.GroupChat, error) {
				return c.Group(ctx, args[0])
			}),
		groupAction("rename <chat-id> <name>...", "Rename a group (admins only)", cobra.MinimumNArgs(2),
			func(ctx context.Context, c *api.Client, args []string) (models.GroupChat, error) {
				return c.RenameGroup(ctx, args[0], strings.Join(args[1:], " "))
			}),
		groupAction("add <chat-id> <user-id>", "Add a participant (admins only)", cobra.ExactArgs(2),
			func(ctx context.Context, c *api.Client, args []string) (models.GroupChat, error) {
				return c.AddParticipant(ctx, args[0], args[1])
			}),
		groupAction("remove <chat-id> <user-id>", "Remove a participant (admins only)", cobra.ExactArgs(2),
			func(ctx context.Context, c *api.Client, args []string) (models.GroupChat, error) {
				return c.RemoveParticipant(ctx, args[0], args[1])
			}),
		groupLeaveCommand(),
	)
	return cmd
}

// groupAction is a group subcommand that prints the group it gets back.
func groupAction(use, short string, args cobra.PositionalArgs,
	fn func(ctx context.Context, c *api.Client, args []string) (models.GroupChat, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.restore(ctx); err != nil {
					return err
				}
				g, err := fn(ctx, rt.client, args)
				if err != nil {
					return err
				}
				rt.printerFor(cmd.OutOrStdout()).group(g)
				return nil
			})
		},
	}
}

func groupLeaveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <chat-id>",
		Short: "Leave a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.restore(ctx); err != nil {
					return err
				}
				if err := rt.client.LeaveGroup(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "left %s\n", args[0])
				return nil
			})
		},
	}
}
