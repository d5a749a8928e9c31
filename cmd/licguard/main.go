// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/autobrr/licguard/internal/api"
	"github.com/autobrr/licguard/internal/api/handlers"
	"github.com/autobrr/licguard/internal/auth"
	"github.com/autobrr/licguard/internal/authority"
	"github.com/autobrr/licguard/internal/banner"
	"github.com/autobrr/licguard/internal/config"
	"github.com/autobrr/licguard/internal/database"
	"github.com/autobrr/licguard/internal/domain"
	"github.com/autobrr/licguard/internal/guard"
	"github.com/autobrr/licguard/internal/metrics"
	"github.com/autobrr/licguard/internal/models"
	"github.com/autobrr/licguard/internal/poller"
	"github.com/autobrr/licguard/internal/services"
	"github.com/autobrr/licguard/internal/web/swagger"
)

var Version = "dev"

func main() {
	var rootCmd = &cobra.Command{
		Use:   "licguard",
		Short: "License status guard for a License Authority",
		Long: `licguard - caches, throttles and deduplicates license status checks
against a License Authority and tells operators when the license runs out.`,
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd.Version = Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunCreateUserCommand())
	rootCmd.AddCommand(RunChangePasswordCommand())
	rootCmd.AddCommand(RunStatusCommand())
	rootCmd.AddCommand(RunActivateCommand())
	rootCmd.AddCommand(RunMachineIDCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/licguard/ or %APPDATA%\\licguard\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stderr)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "enable pprof server on :6060")

	command.RunE = func(cmd *cobra.Command, args []string) error {
		app := NewApplication(Version, configDir, dataDir, logPath, pprofFlag)
		return app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of licguard",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/licguard/config.toml
- Windows: %APPDATA%\licguard\config.toml

You can specify either a directory path or a direct file path:
- Directory: licguard generate-config --config-dir /path/to/config/
- File: licguard generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigFile(configDir)

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func resolveConfigFile(configDir string) string {
	if configDir == "" {
		return filepath.Join(config.GetDefaultConfigDir(), "config.toml")
	}
	if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
		return configDir
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir
	}
	return filepath.Join(configDir, "config.toml")
}

func readSecret(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print(prompt)
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return string(secret), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	var secret string
	if _, err := fmt.Scanln(&secret); err != nil {
		return "", fmt.Errorf("failed to read input from stdin: %w", err)
	}
	return secret, nil
}

// openDatabase loads the config and opens the database next to it.
func openDatabase(configDir, dataDir string) (*config.AppConfig, *database.DB, error) {
	cfg, err := config.New(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return cfg, db, nil
}

func RunCreateUserCommand() *cobra.Command {
	var configDir, dataDir, username, password, role string

	command := &cobra.Command{
		Use:   "create-user",
		Short: "Create a user account",
		Long: `Create a user account without starting the server.

The first account is always an administrator. Later accounts get the role
given with --role, "user" by default.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/licguard/config.toml
- Windows: %APPDATA%\licguard\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openDatabase(configDir, dataDir)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := context.Background()
			authService := auth.NewService(db.Conn(), cfg.Config.SessionSecret, cfg.GetEncryptionKey())

			complete, err := authService.IsSetupComplete(ctx)
			if err != nil {
				return fmt.Errorf("failed to check setup status: %w", err)
			}

			if username == "" {
				fmt.Print("Enter username: ")
				if _, err := fmt.Scanln(&username); err != nil {
					return fmt.Errorf("failed to read username: %w", err)
				}
			}

			username = strings.TrimSpace(username)
			if username == "" {
				return errors.New("username cannot be empty")
			}

			if _, err := authService.Users().GetByUsername(ctx, username); err == nil {
				cmd.Printf("User '%s' already exists.\n", username)
				return nil
			}

			if password == "" {
				password, err = readSecret("Enter password: ")
				if err != nil {
					return err
				}
			}

			var user *models.User
			if complete {
				user, err = authService.CreateUser(ctx, username, password, role)
			} else {
				user, err = authService.SetupUser(ctx, username, password)
			}
			if err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}

			kind := "user"
			if models.IsAdmin(user) {
				kind = "admin"
			}
			cmd.Printf("User '%s' created successfully as %s with ID: %d\n", user.Username, kind, user.ID)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().StringVar(&username, "username", "",
		"username for the new account")
	command.Flags().StringVar(&password, "password", "",
		"password for the new account (will prompt if not provided)")
	command.Flags().StringVar(&role, "role", models.UserRoleName,
		"role for accounts after the first one (admin or user)")

	return command
}

func RunChangePasswordCommand() *cobra.Command {
	var configDir, dataDir, username, newPassword string

	command := &cobra.Command{
		Use:   "change-password",
		Short: "Change the password of an existing user",
		Long: `Change the password of an existing user account without knowing the old one.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/licguard/config.toml
- Windows: %APPDATA%\licguard\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			if dataDir != "" {
				cfg.SetDataDir(dataDir)
			}

			dbPath := cfg.GetDatabasePath()
			if _, err := os.Stat(dbPath); os.IsNotExist(err) {
				return fmt.Errorf("database not found at %s. Create a user first with 'create-user' command", dbPath)
			}

			db, err := database.New(dbPath)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer db.Close()

			ctx := context.Background()
			authService := auth.NewService(db.Conn(), cfg.Config.SessionSecret, cfg.GetEncryptionKey())

			if username == "" {
				fmt.Print("Enter username: ")
				if _, err := fmt.Scanln(&username); err != nil {
					return fmt.Errorf("failed to read username: %w", err)
				}
			}

			user, err := authService.Users().GetByUsername(ctx, username)
			if err != nil {
				if errors.Is(err, models.ErrUserNotFound) {
					return fmt.Errorf("username '%s' not found", username)
				}
				return fmt.Errorf("failed to verify username: %w", err)
			}

			if newPassword == "" {
				newPassword, err = readSecret("Enter new password: ")
				if err != nil {
					return err
				}
			}

			if err := authService.ChangePassword(ctx, user.Username, "", newPassword); err != nil {
				return fmt.Errorf("failed to update password: %w", err)
			}

			cmd.Printf("Password changed successfully for user '%s'\n", user.Username)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().StringVar(&username, "username", "",
		"username of the account")
	command.Flags().StringVar(&newPassword, "new-password", "",
		"new password (will prompt if not provided)")

	return command
}

type Application struct {
	version   string
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(version, configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		version:   version,
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

// newAuthorityClient builds the authority client from the [authority] section.
func newAuthorityClient(cfg *domain.Config) (*authority.Client, error) {
	return authority.NewClient(cfg.Authority.URL,
		authority.WithTimeout(cfg.Authority.Timeout),
		authority.WithTokenSource(authority.StaticToken(cfg.Authority.Token)),
	)
}

func newGuard(cfg *domain.Config, fetcher guard.StatusFetcher) *guard.Guard {
	return guard.New(fetcher,
		guard.WithThrottle(cfg.Guard.ThrottleInterval),
		guard.WithRequestTimeout(cfg.Guard.RequestTimeout),
	)
}

func (app *Application) runServer() error {
	log.Info().Str("version", app.version).Msg("Starting licguard")

	cfg, err := config.New(app.configDir)
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}

	if app.dataDir != "" {
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		cfg.Config.LogPath = app.logPath
	}

	if err := cfg.ApplyLogConfig(); err != nil {
		return err
	}

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	authService := auth.NewService(db.Conn(), cfg.Config.SessionSecret, cfg.GetEncryptionKey())

	authorityClient, err := newAuthorityClient(cfg.Config)
	if err != nil {
		return fmt.Errorf("failed to initialize license authority client: %w", err)
	}
	defer authorityClient.Close()

	licenseGuard := newGuard(cfg.Config, authorityClient)

	history := services.NewHistoryService(licenseGuard, models.NewLicenseCheckStore(db.Conn()), cfg.Config.Guard.HistoryRetention)
	history.Start()
	defer history.Stop()

	hub := handlers.NewStreamHub()
	hub.Attach(licenseGuard)
	defer hub.Close()

	// server side notifications address the operator
	watcher := banner.NewWatcher(licenseGuard, banner.StaticAdmin(true), cfg.Config.Banner.NotifyDuration, banner.LogSink{}, hub)
	watcher.Start()
	defer watcher.Stop()

	licensePoller, err := poller.New(licenseGuard, cfg.Config.Guard.PollSchedule)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := licensePoller.Start(ctx); err != nil {
		return err
	}
	defer licensePoller.Stop()

	var metricsManager *metrics.Manager
	if cfg.Config.MetricsEnabled {
		metricsManager = metrics.NewManager(licenseGuard, authorityClient)
		log.Info().Msg("Prometheus metrics enabled at /metrics endpoint")
	}

	docs, err := swagger.NewHandler(cfg.Config.BaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load API documentation")
	}

	deps := &api.Dependencies{
		DB:             db,
		AuthService:    authService,
		Guard:          licenseGuard,
		Authority:      authorityClient,
		Banner:         watcher,
		History:        history,
		Stream:         hub,
		MetricsManager: metricsManager,
		Swagger:        docs,
	}

	router := api.NewRouter(deps)

	var handler http.Handler = router
	if cfg.Config.BaseURL != "" && cfg.Config.BaseURL != "/" {
		parentRouter := chi.NewRouter()
		mountPath := strings.TrimSuffix(cfg.Config.BaseURL, "/")
		parentRouter.Mount(mountPath, router)
		parentRouter.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, cfg.Config.BaseURL, http.StatusMovedPermanently)
		})
		handler = parentRouter
	}

	cfg.OnChange(func(c *domain.Config) {
		log.Debug().Str("logLevel", c.LogLevel).Msg("Applied config change")
	})
	cfg.Watch()

	srv := newHTTPServer(cfg.Config, handler)

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", srv.Addr).
			Str("authority", cfg.Config.Authority.URL).
			Dur("readTimeout", srv.ReadTimeout).
			Dur("writeTimeout", srv.WriteTimeout).
			Dur("idleTimeout", srv.IdleTimeout).
			Msg("Starting HTTP server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if app.pprofFlag {
		go func() {
			log.Info().Msg("Starting pprof server on :6060")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("Server stopped")
	return nil
}

func newHTTPServer(cfg *domain.Config, handler http.Handler) *http.Server {
	readTimeout := time.Duration(cfg.HTTPTimeouts.ReadTimeout) * time.Second
	writeTimeout := time.Duration(cfg.HTTPTimeouts.WriteTimeout) * time.Second
	idleTimeout := time.Duration(cfg.HTTPTimeouts.IdleTimeout) * time.Second

	if readTimeout == 0 {
		readTimeout = 60 * time.Second
	}
	if writeTimeout == 0 {
		writeTimeout = 120 * time.Second
	}
	if idleTimeout == 0 {
		idleTimeout = 180 * time.Second
	}

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}
