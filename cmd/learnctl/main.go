package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/learnauth/pkg/credentials"
	"github.com/tyemirov/learnauth/pkg/identity"
	"github.com/tyemirov/learnauth/pkg/sessionclient"
	"go.uber.org/zap"
)

const (
	configCodeMissingBaseURL          = "config.missing_base_url"
	configCodeMissingStore            = "config.missing_store"
	configCodeInvalidRequestTimeout   = "config.invalid_request_timeout"
	configCodeInvalidRefreshWindow    = "config.invalid_refresh_window"
	configCodeUninitializedClientConf = "config.uninitialized_client_config"

	defaultStateDirectory = "learnctl"
)

var errNotSignedIn = errors.New("learnctl.not_signed_in: no active session; run learnctl login")

type contextKey string

const clientConfigContextKey contextKey = "clientConfig"

// clientConfig is the validated CLI configuration.
type clientConfig struct {
	BaseURL        string
	StoreURL       string
	CookieFile     string
	RequestTimeout time.Duration
	RefreshWindow  time.Duration
	Verbose        bool
}

var userConfigDir = os.UserConfigDir

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	settings := viper.New()
	rootCmd := &cobra.Command{
		Use:          "learnctl",
		Short:        "Sign in to the learning platform and manage the current session",
		SilenceUsage: true,
		PersistentPreRunE: func(command *cobra.Command, arguments []string) error {
			return prepareClientConfig(command, settings)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("base_url", "", "API base URL, e.g. https://learn.example.com")
	flags.String("store", "", "Credential store URL (file://, sqlite://, postgres://, redis://, memory://); defaults to a file in the user config directory")
	flags.String("cookie_file", "", "File that keeps the refresh cookie between runs; defaults next to the default store")
	flags.Duration("request_timeout", 30*time.Second, "Timeout for a single API request")
	flags.Duration("refresh_window", 30*time.Second, "Renew the access token ahead of time when it expires within this window")
	flags.Bool("verbose", false, "Log session events to stderr")
	for _, flagName := range []string{"base_url", "store", "cookie_file", "request_timeout", "refresh_window", "verbose"} {
		_ = settings.BindPFlag(flagName, flags.Lookup(flagName))
	}

	settings.SetEnvPrefix("LEARNCTL")
	settings.AutomaticEnv()

	rootCmd.AddCommand(
		newLoginCommand(settings),
		newSignupCommand(settings),
		newLogoutCommand(),
		newWhoAmICommand(),
		newCanCommand(),
		newProfileCommand(),
		newUploadCommand(),
		newDeleteArtifactCommand(),
	)
	return rootCmd
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func prepareClientConfig(command *cobra.Command, settings *viper.Viper) error {
	configuration, loadErr := LoadClientConfig(settings)
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, clientConfigContextKey, configuration))
	return nil
}

// LoadClientConfig reads flags and LEARNCTL_* environment variables.
func LoadClientConfig(settings *viper.Viper) (clientConfig, error) {
	baseURL := strings.TrimSpace(settings.GetString("base_url"))
	if baseURL == "" {
		return clientConfig{}, configError(configCodeMissingBaseURL, "base_url must be provided")
	}

	requestTimeout := settings.GetDuration("request_timeout")
	if requestTimeout < 0 {
		return clientConfig{}, configError(configCodeInvalidRequestTimeout, "request_timeout must not be negative")
	}
	refreshWindow := settings.GetDuration("refresh_window")
	if refreshWindow < 0 {
		return clientConfig{}, configError(configCodeInvalidRefreshWindow, "refresh_window must not be negative")
	}

	storeURL := strings.TrimSpace(settings.GetString("store"))
	cookieFile := strings.TrimSpace(settings.GetString("cookie_file"))
	if storeURL == "" || cookieFile == "" {
		configDirectory, dirErr := userConfigDir()
		if dirErr != nil {
			return clientConfig{}, configError(configCodeMissingStore, "store and cookie_file must be provided when the user config directory is unknown")
		}
		stateDirectory := filepath.Join(configDirectory, defaultStateDirectory)
		if storeURL == "" {
			storeURL = (&url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(stateDirectory, "session.json"))}).String()
		}
		if cookieFile == "" {
			cookieFile = filepath.Join(stateDirectory, "cookies.json")
		}
	}

	return clientConfig{
		BaseURL:        baseURL,
		StoreURL:       storeURL,
		CookieFile:     cookieFile,
		RequestTimeout: requestTimeout,
		RefreshWindow:  refreshWindow,
		Verbose:        settings.GetBool("verbose"),
	}, nil
}

// cliSession is one run's view of the persisted session.
type cliSession struct {
	manager *sessionclient.Manager
	jar     *persistentJar
	logger  *zap.Logger
}

func openSession(command *cobra.Command) (*cliSession, error) {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(clientConfigContextKey)
	}
	configuration, ok := contextValue.(clientConfig)
	if !ok {
		return nil, configError(configCodeUninitializedClientConf, "client configuration not prepared; PersistentPreRunE must execute before RunE")
	}

	logger := zap.NewNop()
	if configuration.Verbose {
		developmentLogger, loggerErr := zap.NewDevelopment()
		if loggerErr != nil {
			return nil, loggerErr
		}
		logger = developmentLogger
	}

	store, storeErr := credentials.Open(commandContext, configuration.StoreURL)
	if storeErr != nil {
		return nil, storeErr
	}
	jar, jarErr := newPersistentJar(configuration.CookieFile)
	if jarErr != nil {
		return nil, jarErr
	}
	client, clientErr := sessionclient.NewClient(sessionclient.Config{
		BaseURL:                configuration.BaseURL,
		HTTPClient:             &http.Client{Jar: jar, Timeout: configuration.RequestTimeout},
		Store:                  store,
		Logger:                 logger,
		RequestTimeout:         configuration.RequestTimeout,
		ProactiveRefreshWindow: configuration.RefreshWindow,
	})
	if clientErr != nil {
		return nil, clientErr
	}
	errorOutput := command.ErrOrStderr()
	manager := sessionclient.NewManager(client, sessionclient.ManagerConfig{
		Navigator: sessionclient.NavigatorFunc(func(path string) {
			fmt.Fprintf(errorOutput, "session ended; sign in again with learnctl login (%s)\n", path)
		}),
	})
	return &cliSession{manager: manager, jar: jar, logger: logger}, nil
}

// restore loads the persisted session and waits for the server to confirm it.
func (session *cliSession) restore(ctx context.Context, errorOutput io.Writer) (*identity.Identity, error) {
	optimistic, revalidated := session.manager.Bootstrap(ctx)
	if !optimistic.Success {
		return nil, errNotSignedIn
	}
	select {
	case outcome := <-revalidated:
		if outcome.Identity == nil {
			if outcome.Message != "" {
				return nil, fmt.Errorf("%w (%s)", errNotSignedIn, outcome.Message)
			}
			return nil, errNotSignedIn
		}
		if !outcome.Success {
			fmt.Fprintf(errorOutput, "warning: could not confirm the session with the server: %s\n", outcome.Message)
		}
		return outcome.Identity, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finish reports cookie persistence failures and flushes the logger.
func (session *cliSession) finish() error {
	_ = session.logger.Sync()
	return session.jar.Err()
}
