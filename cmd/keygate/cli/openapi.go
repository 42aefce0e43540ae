package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keygate/keygate/internal/connector"
	"github.com/keygate/keygate/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var (
		outputFile string
		baseURL    string
		offline    bool
	)

	cmd := &cobra.Command{
		Use:   "openapi [service]",
		Short: "Generate the OpenAPI specification",
		Long: `Generate the OpenAPI 3.1 document for the key-gated data API of one or all
active services. Services are connected to list their tables unless --offline
is given, in which case a generic table path is emitted.`,
		Example: `  keygate openapi                  # all services
  keygate openapi orders -o spec.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			only := ""
			if len(args) > 0 {
				only = args[0]
			}

			store, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			services, err := store.ListServices(ctx)
			if err != nil {
				return fmt.Errorf("list services: %w", err)
			}

			var specs []openapi.ServiceSpec
			for i := range services {
				svc := &services[i]
				if !svc.IsActive || (only != "" && svc.Name != only) {
					continue
				}
				spec := openapi.ServiceSpec{
					Name:     svc.Name,
					Label:    svc.Label,
					Driver:   svc.Driver,
					ReadOnly: svc.ReadOnly,
				}
				if !offline {
					if conn, err := connector.Open(ctx, connectionConfig(svc)); err == nil {
						spec.Tables, _ = conn.TableNames(ctx)
						conn.Close()
					} else {
						fmt.Fprintf(os.Stderr, "warning: %s: %v\n", svc.Name, err)
					}
				}
				specs = append(specs, spec)
			}
			if only != "" && len(specs) == 0 {
				return fmt.Errorf("no active service named %q", only)
			}

			doc := openapi.Generate(specs, baseURL, versionString())
			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("encode spec: %w", err)
			}

			if outputFile != "" {
				if err := os.WriteFile(outputFile, data, 0644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d services)\n", outputFile, len(specs))
				return nil
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write spec to file instead of stdout")
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "Server URL recorded in the document")
	cmd.Flags().BoolVar(&offline, "offline", false, "Do not connect to services to list tables")

	return cmd
}
