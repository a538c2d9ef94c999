package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vango-go/voice-orchestrator/pkg/csvio"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/auth"
	"github.com/vango-go/voice-orchestrator/pkg/store"
)

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage dashboard accounts",
	}
	cmd.AddCommand(
		newUserAddCmd(a),
		newUserListCmd(a),
		newUserPasswdCmd(a),
		newUserMakeAdminCmd(a),
		newUserLockCmd(a),
		newUserDeleteCmd(a),
		newUserSetConfigCmd(a),
		newUserImportCmd(a),
		newUserExportCmd(a),
	)
	return cmd
}

// withStore opens the store for one maintenance command.
func withStore(cmd *cobra.Command, a *app, fn func(context.Context, store.Store) error) error {
	st, err := openStoreFor(cmd.Context(), a)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cmd.Context(), st)
}

// readSecret prompts without echo on a terminal and otherwise reads one
// line from stdin.
func (a *app) readSecret(prompt string) (string, error) {
	if f, ok := a.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(a.stderr, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(a.stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := a.lines().ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func lookupUser(ctx context.Context, st store.Store, username string) (store.User, error) {
	u, err := st.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("no user named %q", username)
	}
	return u, err
}

func newUserAddCmd(a *app) *cobra.Command {
	var admin bool
	cmd := &cobra.Command{
		Use:   "add USERNAME",
		Short: "Create an account; the password is read from the terminal or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := store.NormalizeUsername(args[0])
			if err != nil {
				return err
			}
			pw, err := a.readSecret("Password: ")
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}
			return withStore(cmd, a, func(ctx context.Context, st store.Store) error {
				u, err := st.CreateUser(ctx, name, hash, admin)
				if errors.Is(err, store.ErrConflict) {
					return fmt.Errorf("username %q is already taken", name)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "created user %s (id %d, admin=%t)\n", u.Username, u.ID, u.IsAdmin)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin rights")
	return cmd
}

func newUserListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, a, func(ctx context.Context, st store.Store) error {
				users, err := st.ListUsers(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tUSERNAME\tADMIN\tLOCKED\tCREATED")
				for _, u := range users {
					fmt.Fprintf(tw, "%d\t%s\t%t\t%t\t%s\n", u.ID, u.Username, u.IsAdmin, u.IsLocked, u.CreatedAt.UTC().Format(time.DateOnly))
				}
				return tw.Flush()
			})
		},
	}
}

func newUserPasswdCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd USERNAME",
		Short: "Set a new password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := a.readSecret("New password: ")
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}
			return withStore(cmd, a, func(ctx context.Context, st store.Store) error {
				u, err := lookupUser(ctx, st, args[0])
				if err != nil {
					return err
				}
				if _, err := st.UpdateUser(ctx, u.ID, store.UserPatch{PasswordHash: &hash}); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "password updated for %s\n", u.Username)
				return nil
			})
		},
	}
}

func newUserMakeAdminCmd(a *app) *cobra.Command {
	var revoke bool
	cmd := &cobra.Command{
		Use:   "make-admin USERNAME",
		Short: "Grant (or with --revoke remove) admin rights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, a, func(ctx context.Context, st store.Store) error {
				u, err := lookupUser(ctx, st, args[0])
				if err != nil {
					return err
				}
				admin := !revoke
				u, err = st.UpdateUser(ctx, u.ID, store.UserPatch{IsAdmin: &admin})
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%s admin=%t\n", u.Username, u.IsAdmin)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&revoke, "revoke", false, "remove admin rights instead")
	return cmd
}

func newUserLockCmd(a *app) *cobra.Command {
	var unlock bool
	cmd := &cobra.Command{
		Use:   "lock USERNAME",
		Short: "Lock (or with --unlock re-enable) an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, a, func(ctx context.Context, st store.Store) error {
				u, err := lookupUser(ctx, st, args[0])
				if err != nil {
					return err
				}
				locked := !unlock
				u, err = st.UpdateUser(ctx, u.ID, store.UserPatch{IsLocked: &locked})
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%s locked=%t\n", u.Username, u.IsLocked)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unlock, "unlock", false, "unlock instead")
	return cmd
}

func newUserDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete USERNAME",
		Short: "Delete an account and its settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, a, func(ctx context.Context, st store.Store) error {
				u, err := lookupUser(ctx, st, args[0])
				if err != nil {
					return err
				}
				if err := st.DeleteUser(ctx, u.ID); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "deleted %s\n", u.Username)
				return nil
			})
		},
	}
}

func newUserSetConfigCmd(a *app) *cobra.Command {
	var apiKey, voiceAgent, chatAgent, webhookURL, webhookKey string
	cmd := &cobra.Command{
		Use:   "set-config USERNAME",
		Short: "Update agent and webhook settings; only the flags given change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, a, func(ctx context.Context, st store.Store) error {
				u, err := lookupUser(ctx, st, args[0])
				if err != nil {
					return err
				}
				cfg, err := st.GetConfig(ctx, u.ID)
				if err != nil {
					return err
				}
				flags := cmd.Flags()
				for name, pair := range map[string]struct{ dst, src *string }{
					"api-key":         {&cfg.APIKey, &apiKey},
					"voice-agent":     {&cfg.VoiceAgentID, &voiceAgent},
					"chat-agent":      {&cfg.ChatAgentID, &chatAgent},
					"webhook-url":     {&cfg.WebhookURL, &webhookURL},
					"webhook-api-key": {&cfg.WebhookAPIKey, &webhookKey},
				} {
					if flags.Changed(name) {
						*pair.dst = *pair.src
					}
				}
				cfg.UserID = u.ID
				cfg.Normalize()
				if err := cfg.Validate(); err != nil {
					return err
				}
				if err := st.PutConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "settings updated for %s\n", u.Username)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&apiKey, "api-key", "", "ElevenLabs API key (empty selects public agents)")
	f.StringVar(&voiceAgent, "voice-agent", "", "voice agent id")
	f.StringVar(&chatAgent, "chat-agent", "", "chat agent id")
	f.StringVar(&webhookURL, "webhook-url", "", "automation webhook URL")
	f.StringVar(&webhookKey, "webhook-api-key", "", "automation webhook API key")
	return cmd
}

func newUserImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Create or update accounts from a CSV file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = a.lines()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			return withStore(cmd, a, func(ctx context.Context, st store.Store) error {
				res, err := csvio.Importer{Store: st}.Import(ctx, r)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "created %d, updated %d, failed %d\n", len(res.Created), len(res.Updated), len(res.Errors))
				for _, e := range res.Errors {
					fmt.Fprintf(a.stderr, "  %s\n", e.Error())
				}
				if len(res.Errors) > 0 {
					return fmt.Errorf("%d rows failed", len(res.Errors))
				}
				return nil
			})
		},
	}
}

func newUserExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export [FILE]",
		Short: "Write all accounts and settings as CSV (stdout by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, a, func(ctx context.Context, st store.Store) error {
				users, err := st.ListUsers(ctx)
				if err != nil {
					return err
				}
				records := make([]csvio.ExportRecord, 0, len(users))
				for _, u := range users {
					cfg, err := st.GetConfig(ctx, u.ID)
					if err != nil {
						return err
					}
					records = append(records, csvio.ExportRecord{User: u, Config: cfg})
				}
				if len(args) == 0 || args[0] == "-" {
					return csvio.Export(a.stdout, records)
				}
				f, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return err
				}
				if err := csvio.Export(f, records); err != nil {
					_ = f.Close()
					return err
				}
				return f.Close()
			})
		},
	}
}
