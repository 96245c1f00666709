// Command deployproxy serves the deploy proxy and manages its local state.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raysh454/deployproxy/internal/app"
	"github.com/raysh454/deployproxy/internal/logging"
	"github.com/raysh454/deployproxy/internal/registry"
	"github.com/raysh454/deployproxy/internal/server"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configPath string

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "deployproxy", "config.toml")
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist.
func loadConfig() (*app.Config, error) {
	cfg, err := app.ReadFromFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = app.DefaultConfig()
	} else if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp reads the config and wires the application. The caller must
// Shutdown it.
func newApp(component string) (*app.Application, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.NewApplication(cfg, app.ResolveCredentials(cfg, os.Getenv), logging.NewStdoutLogger(component))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "deployproxy",
	Short:        "Deploy proxy between a headless CMS and a static hosting provider",
	SilenceUsage: true,
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("app")
		if err != nil {
			return err
		}
		if err := a.Start(); err != nil {
			_ = a.Shutdown(context.Background())
			return err
		}

		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = a.Config.ListenAddr
		}
		srv, err := server.NewServer(server.Config{
			ListenAddr:        listen,
			Namespace:         a.Config.Namespace,
			JWTSecret:         a.Config.Auth.JWTSecret,
			AdditionalRoleIDs: a.Config.Auth.AdditionalRoleIDs,
			Metrics:           a.Metrics.Handler(),
			Logger:            logging.NewStdoutLogger("server"),
		}, a.Orch)
		if err != nil {
			_ = a.Shutdown(context.Background())
			return err
		}
		httpSrv := srv.HTTPServer()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			a.Logger.Info("listening", logging.Field{Key: "addr", Value: httpSrv.Addr})
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		var serveErr error
		select {
		case <-ctx.Done():
		case serveErr = <-errCh:
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("http shutdown", logging.Field{Key: "error", Value: err.Error()})
		}
		return errors.Join(serveErr, a.Shutdown(shutdownCtx))
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.Init(configPath, app.DefaultConfig()); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		fmt.Printf("Configuration initialized at %s\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		creds := app.ResolveCredentials(cfg, os.Getenv)
		shown := *cfg
		shown.Provider.Token = ""
		shown.Activity.ConsoleToken = ""
		if shown.Webhook.CallbackToken != "" {
			shown.Webhook.CallbackToken = "********"
		}
		if shown.Auth.JWTSecret != "" {
			shown.Auth.JWTSecret = "********"
		}

		fmt.Printf("# Configuration from %s\n", configPath)
		fmt.Printf("# provider token: %s, site: %s (%s)\n\n", creds.TokenSource, creds.SiteName, creds.SiteSource)
		return app.Write(os.Stdout, &shown)
	},
}

// sites command
var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "Manage locally built sites",
}

// withRegistry opens the settings database for the duration of fn.
func withRegistry(fn func(ctx context.Context, reg *registry.Registry) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, db, err := app.OpenRegistry(cfg, logging.Nop{})
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(context.Background(), reg)
}

var sitesAddCmd = &cobra.Command{
	Use:   "add NAME PATH",
	Short: "Register a site",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		command, _ := cmd.Flags().GetString("command")
		url, _ := cmd.Flags().GetString("url")
		path, err := filepath.Abs(args[1])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}
		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			site, err := reg.SaveSite(ctx, registry.NewSite{Name: args[0], Path: path, Command: command, URL: url})
			if err != nil {
				return err
			}
			fmt.Printf("Added site %d: %s (%s)\n", site.ID, site.Name, site.Path)
			return nil
		})
	},
}

var sitesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sites",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			sites, err := reg.GetSites(ctx)
			if err != nil {
				return err
			}
			if len(sites) == 0 {
				fmt.Println("No sites registered.")
				return nil
			}
			for _, s := range sites {
				var built string
				if s.Timestamp > 0 {
					built = time.UnixMilli(s.Timestamp).Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%-4d %-20s %-10s %-19s %s\n", s.ID, s.Name, s.Status, built, s.Path)
			}
			return nil
		})
	},
}

var sitesRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id int64
		if _, err := fmt.Sscan(args[0], &id); err != nil || id <= 0 {
			return fmt.Errorf("invalid site id %q", args[0])
		}
		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			if err := reg.RemoveSite(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Removed site %d\n", id)
			return nil
		})
	},
}

// hook command
var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Manage the provider deploy notification",
}

var hookStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the notification hook is registered",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("hook")
		if err != nil {
			return err
		}
		defer a.Shutdown(context.Background())

		exists, err := a.Orch.HookExists(cmd.Context())
		if err != nil {
			return err
		}
		if exists {
			fmt.Println("Hook registered.")
		} else {
			fmt.Println("Hook not registered.")
		}
		return nil
	},
}

var hookRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the notification hook if it is missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("hook")
		if err != nil {
			return err
		}
		defer a.Shutdown(context.Background())

		hook, state, err := a.Orch.RegisterHook(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Hook %s: %s\n", hook.ID, state)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the configuration file")

	serveCmd.Flags().String("listen", "", "Listen address (overrides listen_addr)")
	rootCmd.AddCommand(serveCmd)

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)

	// sites subcommands
	sitesAddCmd.Flags().String("command", "build", "Build script or command line")
	sitesAddCmd.Flags().String("url", "", "Public URL of the built site")
	sitesCmd.AddCommand(sitesAddCmd)
	sitesCmd.AddCommand(sitesListCmd)
	sitesCmd.AddCommand(sitesRemoveCmd)
	rootCmd.AddCommand(sitesCmd)

	// hook subcommands
	hookCmd.AddCommand(hookStatusCmd)
	hookCmd.AddCommand(hookRegisterCmd)
	rootCmd.AddCommand(hookCmd)
}
