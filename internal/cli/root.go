// Package cli is the militext terminal client.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"militext/internal/models"
	"militext/internal/utils"

	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "militext",
		Short:        "Terminal client for militext chats",
		SilenceUsage: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		registerCommand(),
		loginCommand(),
		logoutCommand(),
		whoamiCommand(),
		chatsCommand(),
		directCommand(),
		historyCommand(),
		chatCommand(),
		groupCommand(),
	)
	return root
}

// withRuntime loads configuration, opens the credential store and runs fn
// with a context cancelled on interrupt.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	utils.LoadEnv()
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, rt)
}

func (rt *runtime) printerFor(out io.Writer) *printer {
	me := ""
	if u := rt.refresher.User(); u != nil {
		me = u.ID
	}
	return newPrinter(out, rt.cfg.Colours, me)
}

// readPassword takes the password from the flag or the first line of in.
func readPassword(cmd *cobra.Command, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func registerCommand() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "register <username> <email>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				pw, err := readPassword(cmd, password)
				if err != nil {
					return err
				}
				user, err := rt.anonymous.Register(ctx, models.RegisterRequest{
					Username: args[0], Email: args[1], Password: pw,
				})
				if err != nil {
					return fmt.Errorf("register: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s, now run: militext login %s\n", user.Username, user.Username)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (read from stdin when empty)")
	return cmd
}

func loginCommand() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Log in and remember the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				pw, err := readPassword(cmd, password)
				if err != nil {
					return err
				}
				res, err := rt.anonymous.Login(ctx, args[0], pw)
				if err != nil {
					return fmt.Errorf("login: %w", err)
				}
				if err := rt.refresher.Login(ctx, res); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", res.User.Username)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (read from stdin when empty)")
	return cmd
}

func logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.restore(ctx); err != nil {
					return err
				}
				utils.LogError(rt.log, rt.client.Logout(ctx), "Server logout failed")
				return rt.refresher.Logout(ctx)
			})
		},
	}
}

func whoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.restore(ctx); err != nil {
					return err
				}
				user, err := rt.client.CurrentUser(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", user.ID, user.Username, user.Email)
				return nil
			})
		},
	}
}

func chatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.restore(ctx); err != nil {
					return err
				}
				list, err := rt.client.Chats(ctx)
				if err != nil {
					return err
				}
				rt.printerFor(cmd.OutOrStdout()).chats(list)
				return nil
			})
		},
	}
}

func directCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "direct <user-id>",
		Short: "Open or create the direct chat with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.restore(ctx); err != nil {
					return err
				}
				res, err := rt.client.DirectChat(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.RoomID)
				return nil
			})
		},
	}
}

func historyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <chat-id>",
		Short: "Print the latest messages of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.restore(ctx); err != nil {
					return err
				}
				page, err := rt.client.FetchBefore(ctx, args[0], "", rt.cfg.PageSize)
				if err != nil {
					return err
				}
				p := rt.printerFor(cmd.OutOrStdout())
				if page.HasMore {
					p.notice("(older messages available in: militext chat %s, then /older)", args[0])
				}
				p.rows(page.Messages)
				return nil
			})
		},
	}
}

func chatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <chat-id>",
		Short: "Join a chat and talk",
		Long: `Join a chat and talk. Lines are sent as messages. Commands:
  /older                 load older messages
  /edit <id> [text]      edit one of your messages
  /reply <id> [text]     answer a message
  /delete <id>...        delete your messages
  /attach <path>         attach a file to the next message
  /detach <n>            drop the n-th attached file
  /retry                 send the kept draft again
  /cancel                drop the draft, the reply or the edit
  /quit                  leave`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.restore(ctx); err != nil {
					return err
				}
				return runChat(ctx, rt, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
}
