package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list and revoke the service-scoped API keys that authenticate data API requests, and inspect their usage.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyUsageCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		serviceName string
		name        string
		owner       string
		perHour     int
		expiresIn   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Mint an API key bound to one service. The plaintext key is shown once and cannot be retrieved again.",
		Example: `  keygate key create --service orders --name "CI pipeline"
  keygate key create --service orders --rate-limit 6000 --expires-in 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			req := service.KeyRequest{
				Name:             name,
				ServiceName:      serviceName,
				RateLimitPerHour: perHour,
			}
			if owner != "" {
				admin, err := store.GetAdminByEmail(ctx, owner)
				if err != nil {
					return fmt.Errorf("owner %q: %w", owner, err)
				}
				req.OwnerID = admin.ID
			}
			if expiresIn > 0 {
				at := time.Now().Add(expiresIn).UTC()
				req.ExpiresAt = &at
			}

			keys := service.NewKeyService(store, cfg.RateLimit.DefaultPerHour)
			key, plaintext, err := keys.CreateKey(ctx, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "API key created:")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  Key:        %s\n", plaintext)
			fmt.Fprintf(out, "  ID:         %d\n", key.ID)
			fmt.Fprintf(out, "  Service:    %s\n", key.ServiceName)
			fmt.Fprintf(out, "  Rate limit: %d/hour\n", key.RateLimitPerHour)
			if key.ExpiresAt != nil {
				fmt.Fprintf(out, "  Expires:    %s\n", key.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
			fmt.Fprintln(out, "  Send it as: Authorization: Bearer <key>")
			return nil
		},
	}

	cmd.Flags().StringVar(&serviceName, "service", "", "Service the key is scoped to (required)")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable label for the key")
	cmd.Flags().StringVar(&owner, "owner", "", "Email of the admin who owns the key")
	cmd.Flags().IntVar(&perHour, "rate-limit", 0, "Requests per hour (default rate_limit.default_per_hour)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire the key after this duration (e.g. 720h)")
	cmd.MarkFlagRequired("service")

	return cmd
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		jsonOutput  bool
		serviceName string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := store.ListAPIKeys(context.Background())
			if err != nil {
				return fmt.Errorf("list api keys: %w", err)
			}
			keys := all[:0]
			for _, k := range all {
				if serviceName == "" || k.ServiceName == serviceName {
					keys = append(keys, k)
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if keys == nil {
					keys = []model.APIKey{}
				}
				return printJSON(out, keys)
			}

			if len(keys) == 0 {
				fmt.Fprintln(out, "No API keys found. Use 'keygate key create' to create one.")
				return nil
			}

			fmt.Fprintf(out, "%-5s %-18s %-16s %-20s %-10s %-6s\n", "ID", "PREFIX", "SERVICE", "NAME", "PER-HOUR", "ACTIVE")
			fmt.Fprintf(out, "%-5s %-18s %-16s %-20s %-10s %-6s\n", "--", "------", "-------", "----", "--------", "------")
			for _, k := range keys {
				fmt.Fprintf(out, "%-5d %-18s %-16s %-20s %-10d %-6s\n",
					k.ID, k.KeyPrefix, k.ServiceName, k.Name, k.RateLimitPerHour, yesNo(k.IsActive))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&serviceName, "service", "", "Only list keys scoped to this service")

	return cmd
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id|prefix>",
		Short: "Revoke an API key by ID or display prefix",
		Long:  "Deactivate an API key. Requests made with it fail authentication from then on; its usage history is kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			if id, convErr := strconv.ParseInt(args[0], 10, 64); convErr == nil {
				if _, err := store.GetAPIKey(ctx, id); err != nil {
					return keyLookupError(args[0], err)
				}
				err = store.DeactivateAPIKey(ctx, id)
			} else {
				err = store.DeactivateAPIKeyByPrefix(ctx, args[0])
			}
			if err != nil {
				return keyLookupError(args[0], err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Revoked API key %s\n", args[0])
			return nil
		},
	}

	return cmd
}

func keyLookupError(ref string, err error) error {
	if errors.Is(err, config.ErrNotFound) {
		return fmt.Errorf("no active API key matches %q", ref)
	}
	return err
}

// ---------- key usage ----------

func newKeyUsageCmd() *cobra.Command {
	var (
		jsonOutput bool
		recent     int
	)

	cmd := &cobra.Command{
		Use:   "usage <id>",
		Short: "Show the usage ledger for an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}

			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := service.NewKeyService(store, 0).Usage(context.Background(), id, recent)
			if err != nil {
				return keyLookupError(args[0], err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, summary)
			}

			fmt.Fprintf(out, "Key %d: %d/hour (%d/minute)\n", summary.APIKeyID, summary.RateLimitPerHour, summary.PerMinuteLimit)
			fmt.Fprintf(out, "  last minute: %d\n", summary.LastMinute)
			fmt.Fprintf(out, "  last hour:   %d\n", summary.LastHour)
			fmt.Fprintf(out, "  last day:    %d\n", summary.LastDay)
			if len(summary.Recent) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintf(out, "%-20s %-7s %-32s %-6s %s\n", "TIME", "METHOD", "ENDPOINT", "STATUS", "MS")
				for _, r := range summary.Recent {
					fmt.Fprintf(out, "%-20s %-7s %-32s %-6d %d\n",
						r.CreatedAt.Format("2006-01-02 15:04:05"), r.Method, r.Endpoint, r.StatusCode, r.ResponseTimeMs)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().IntVar(&recent, "recent", 20, "Number of recent requests to show")

	return cmd
}
