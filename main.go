package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"go-proctoring-server/admin"
	"go-proctoring-server/autorecord"
	"go-proctoring-server/evidence"
	"go-proctoring-server/inference"
	"go-proctoring-server/logging"
	"go-proctoring-server/verification"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
)

var (
	configPath string
	config     Config
)

var rootCmd = &cobra.Command{
	Use:   "proctoring-server",
	Short: "Verification gate and auto-recording backend for proctored exams",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			return fmt.Errorf("please provide a config path using the --config flag")
		}
		var err error
		config, err = loadConfig(configPath)
		if err != nil {
			return err
		}
		if config.LogFile != "" {
			logging.InitFileLogger(config.LogLevel, config.LogFile)
		} else {
			logging.InitLogger(config.LogLevel)
		}
		slog.Info("Using config", "path", configPath)
		return nil
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path for the config.json to use")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(adminCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Hosting", "host", config.ServerConfig.Host, "port", config.ServerConfig.Port)

	state, cleanup, err := buildServerState(ctx, &config)
	if err != nil {
		return err
	}
	defer cleanup()

	server, err := NewServer(state, config.ServerConfig)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to listen and serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
		return server.Stop()
	}
}

// buildServerState connects every collaborator named in the config. The returned
// cleanup closes them in reverse order.
func buildServerState(ctx context.Context, config *Config) (*ServerState, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*ServerState, func(), error) {
		cleanup()
		return nil, nil, err
	}

	location, err := config.Location()
	if err != nil {
		return fail(fmt.Errorf("invalid timezone: %w", err))
	}

	stores, err := createStorage(config)
	if err != nil {
		return fail(fmt.Errorf("failed to instantiate storage: %w", err))
	}

	profileStore, closeProfiles, err := createProfileStore(ctx, config)
	if err != nil {
		return fail(fmt.Errorf("failed to instantiate profile storage: %w", err))
	}
	closers = append(closers, closeProfiles)

	timeout := millis(config.Inference.TimeoutMs, 30*time.Second)
	vision := inference.NewHTTPClient(config.Inference.URL, timeout)

	uploader, err := evidence.NewCloudinaryUploader(config.Cloudinary, timeout)
	if err != nil {
		return fail(fmt.Errorf("failed to instantiate evidence uploader: %w", err))
	}

	recorder, inspector, err := createRecorder(config)
	if err != nil {
		return fail(fmt.Errorf("failed to instantiate recorder: %w", err))
	}

	adminTokens, err := NewAdminTokenIssuer(config.Admin.JwtSecret, config.Admin.Issuer)
	if err != nil {
		return fail(err)
	}

	recordStore := stores.records
	monitor := admin.NewMonitor(recordStore, location, time.Now)
	if err := monitor.Start(ctx); err != nil {
		return fail(fmt.Errorf("failed to start admin monitor: %w", err))
	}
	closers = append(closers, monitor.Close)

	state := &ServerState{
		tokenStorage: stores.tokens,
		records:      recordStore,
		vision:       vision,
		validate:     validator.New(),
		verificationDeps: verification.Deps{
			Vision:     vision,
			Records:    recordStore,
			Uploader:   uploader,
			References: verification.NewReferenceResolver(profileStore, vision, timeout),
		},
		faceConfig:     config.Verification.Face(),
		gestureConfig:  config.Verification.Gesture(),
		originPatterns: config.Verification.AllowedOrigins,
		violations:     stores.violations,
		presenceConfig: config.Presence.Monitor(),
		recorder:       recorder,
		inspector:      inspector,
		monitor:        monitor,
		adminTokens:    adminTokens,
		staticPath:     config.StaticPath,
		location:       location,
		now:            time.Now,
	}

	if config.LiveKit.URL != "" && config.LiveKit.APIKey != "" {
		counter, err := autorecord.NewLiveKitCounter(config.LiveKit)
		if err != nil {
			return fail(fmt.Errorf("failed to instantiate room service: %w", err))
		}
		state.registry = autorecord.NewRegistry(recorder, recordStore, counter, config.AutoRecord(location))
		state.webhook = autorecord.NewWebhookHandler(state.registry, config.LiveKit.APIKey, config.LiveKit.APISecret)
		closers = append(closers, state.registry.Close)
		slog.Info("Auto-record enabled")
	} else {
		slog.Warn("LiveKit is not configured, auto-record is disabled")
	}

	return state, cleanup, nil
}

// openStorage connects to the stores only, for the admin commands.
func openStorage(config *Config) (storage, *time.Location, error) {
	location, err := config.Location()
	if err != nil {
		return storage{}, nil, fmt.Errorf("invalid timezone: %w", err)
	}
	stores, err := createStorage(config)
	if err != nil {
		return storage{}, nil, fmt.Errorf("failed to instantiate storage: %w", err)
	}
	return stores, location, nil
}
