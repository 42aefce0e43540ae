package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

const minPasswordLen = 8

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin users",
		Long:  "Create and list the admins who register services and mint API keys through the admin API.",
	}

	cmd.AddCommand(newAdminCreateCmd())
	cmd.AddCommand(newAdminListCmd())

	return cmd
}

// ---------- admin create ----------

func newAdminCreateCmd() *cobra.Command {
	var (
		email    string
		password string
		name     string
		super    bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new admin user",
		Long:  "Create an admin account. The first admin is always a super admin.",
		Example: `  keygate admin create --email admin@example.com --password secret123
  keygate admin create --email admin@example.com  # prompts for password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			email = strings.TrimSpace(email)
			if !strings.Contains(email, "@") {
				return fmt.Errorf("invalid email address: %q", email)
			}

			if password == "" {
				var err error
				if password, err = promptPassword(); err != nil {
					return err
				}
			}
			if len(password) < minPasswordLen {
				return fmt.Errorf("password must be at least %d characters", minPasswordLen)
			}

			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			if _, err := store.GetAdminByEmail(ctx, email); err == nil {
				return fmt.Errorf("admin %q already exists", email)
			}
			hasAdmin, err := store.HasAnyAdmin(ctx)
			if err != nil {
				return err
			}

			hash, err := service.HashPassword(password)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			admin := &model.Admin{
				Email:        email,
				PasswordHash: hash,
				Name:         name,
				IsActive:     true,
				IsSuperAdmin: super || !hasAdmin,
			}
			if err := store.CreateAdmin(ctx, admin); err != nil {
				return fmt.Errorf("create admin: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created admin user %q\n", email)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Admin email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Admin password (prompted if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Admin display name")
	cmd.Flags().BoolVar(&super, "super", false, "Grant super admin")
	cmd.MarkFlagRequired("email")

	return cmd
}

func promptPassword() (string, error) {
	fmt.Print("Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}

	if string(pw) != string(confirm) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(pw), nil
}

// ---------- admin list ----------

func newAdminListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List admin users",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			admins, err := store.ListAdmins(context.Background())
			if err != nil {
				return fmt.Errorf("list admins: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if admins == nil {
					admins = []model.Admin{}
				}
				return printJSON(out, admins)
			}

			if len(admins) == 0 {
				fmt.Fprintln(out, "No admin users configured. Use 'keygate admin create' to create one.")
				return nil
			}

			fmt.Fprintf(out, "%-5s %-30s %-24s %-6s %-6s\n", "ID", "EMAIL", "NAME", "SUPER", "ACTIVE")
			fmt.Fprintf(out, "%-5s %-30s %-24s %-6s %-6s\n", "--", "-----", "----", "-----", "------")
			for _, a := range admins {
				fmt.Fprintf(out, "%-5d %-30s %-24s %-6s %-6s\n", a.ID, a.Email, a.Name, yesNo(a.IsSuperAdmin), yesNo(a.IsActive))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
