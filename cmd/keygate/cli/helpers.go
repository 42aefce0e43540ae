package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/connector"
	"github.com/keygate/keygate/internal/model"
)

// resolveDataDir returns the data directory from --data-dir,
// KEYGATE_DATA_DIR, or ~/.keygate as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("KEYGATE_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keygate")
}

// openConfigStore opens the control-plane store selected by store.driver.
func openConfigStore() (*config.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cfg.Store)
}

func openStore(sc config.StoreConfig) (*config.Store, error) {
	store, err := config.NewStore(config.Options{
		Driver:  sc.Driver,
		DSN:     sc.DSN,
		DataDir: resolveDataDir(),
	})
	if err != nil {
		return nil, fmt.Errorf("open config store: %w", err)
	}
	return store, nil
}

// connectServices opens a pool for every active service. Failures are
// logged and skipped so one unreachable database does not block startup.
func connectServices(ctx context.Context, store *config.Store, registry *connector.Registry, logger *slog.Logger) {
	services, err := store.ListServices(ctx)
	if err != nil {
		logger.Warn("failed to load services", "error", err)
		return
	}
	for i := range services {
		svc := &services[i]
		if !svc.IsActive {
			continue
		}
		if err := registry.Connect(ctx, svc.Name, connectionConfig(svc)); err != nil {
			logger.Error("failed to connect service", "service", svc.Name, "error", err)
			continue
		}
		logger.Info("connected service", "service", svc.Name, "driver", svc.Driver)
	}
}

func connectionConfig(svc *model.ServiceConfig) connector.ConnectionConfig {
	return connector.ConnectionConfig{
		Driver:          svc.Driver,
		DSN:             svc.DSN,
		SchemaName:      svc.Schema,
		MaxOpenConns:    svc.Pool.MaxOpenConns,
		MaxIdleConns:    svc.Pool.MaxIdleConns,
		ConnMaxLifetime: svc.Pool.ConnMaxLifetime,
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
