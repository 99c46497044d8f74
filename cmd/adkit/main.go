// Package main provides the adkit command line tool. It drives the
// browser-based authorization flow for the advertising API, inspects
// authentication state, and clears stored credentials.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/adkit-go/adkit/internal/auth/lwa"
	"github.com/adkit-go/adkit/internal/browser"
	"github.com/adkit-go/adkit/internal/config"
	"github.com/adkit-go/adkit/internal/logging"
	"github.com/adkit-go/adkit/sdk/adsauth"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
}

func main() {
	var (
		configPath   string
		login        bool
		logout       bool
		status       bool
		regionName   string
		noBrowser    bool
		callbackPort int
	)

	flag.StringVar(&configPath, "config", "", "path to the configuration file")
	flag.BoolVar(&login, "login", false, "run the browser authorization flow")
	flag.BoolVar(&logout, "logout", false, "remove stored credentials for the region")
	flag.BoolVar(&status, "status", false, "report authentication state for the region")
	flag.StringVar(&regionName, "region", "na", "advertising API region (na, eu, fe)")
	flag.BoolVar(&noBrowser, "no-browser", false, "print the authorization URL instead of opening a browser")
	flag.IntVar(&callbackPort, "callback-port", 0, "override the configured OAuth callback port")
	flag.Parse()

	// Environment variables from a .env file are optional.
	_ = godotenv.Load()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logging.SetDebug(cfg.Debug)
	if cfg.LoggingToFile {
		if err = logging.EnableFileLogging(filepath.Join(cfg.AuthDir, "logs")); err != nil {
			log.Warnf("file logging disabled: %v", err)
		}
		defer logging.CloseFileLogging()
	}

	region, err := adsauth.ParseRegion(regionName)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		log.Fatal("client-id and client-secret must be set in the config file or through ADKIT_CLIENT_ID / ADKIT_CLIENT_SECRET")
	}

	client, err := lwa.NewClient(cfg.ClientID, cfg.ClientSecret, cfg.ProxyURL)
	if err != nil {
		log.Fatalf("failed to create OAuth client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := adsauth.NewFileTokenStore(cfg.AuthDir)
	if err = store.Watch(ctx); err != nil {
		log.Debugf("auth dir watcher unavailable: %v", err)
	}
	tokens := adsauth.NewTokenManager(store, client)

	switch {
	case login:
		port := cfg.CallbackPort
		if callbackPort > 0 {
			port = callbackPort
		}
		runLogin(ctx, cfg, client, tokens, region, port, noBrowser)
	case logout:
		if err = tokens.Logout(ctx, region); err != nil {
			log.Fatalf("logout failed: %v", err)
		}
		fmt.Printf("Credentials removed for region %s\n", region)
	case status:
		if tokens.IsAuthenticated(ctx, region) {
			fmt.Printf("Region %s: authenticated\n", region)
		} else {
			fmt.Printf("Region %s: not authenticated\n", region)
		}
	default:
		fmt.Printf("adkit Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)
		flag.Usage()
	}
}

// loadConfig resolves the configuration file. An explicit path must exist; an
// implicit one may be absent, in which case defaults apply.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadConfig(path)
	}

	home, err := os.UserHomeDir()
	if err == nil {
		implicit := filepath.Join(home, ".adkit", "config.yaml")
		if _, errStat := os.Stat(implicit); errStat == nil {
			return config.LoadConfig(implicit)
		}
	}
	return config.DefaultConfig(), nil
}

// runLogin drives one authorization flow to completion.
func runLogin(ctx context.Context, cfg *config.Config, client *lwa.Client, tokens *adsauth.TokenManager, region adsauth.Region, port int, noBrowser bool) {
	authorizer := adsauth.NewAuthorizer(tokens, client, cfg.Scopes,
		adsauth.WithCallbackPort(port),
		adsauth.WithAuthTimeout(time.Duration(cfg.AuthTimeoutSeconds)*time.Second),
	)

	authURL, err := authorizer.InitiateAuthorization(region)
	if err != nil {
		log.Fatalf("failed to start authorization: %v", err)
	}
	defer authorizer.CancelAuthorization(region)

	fmt.Printf("Open the following URL to authorize access for region %s:\n\n%s\n\n", region, authURL)
	if !noBrowser {
		if err = browser.OpenURL(authURL); err != nil {
			log.Warnf("could not open browser automatically: %v", err)
			fmt.Println("Please open the URL manually.")
		}
	}

	err = authorizer.AwaitCompletion(ctx, region)
	switch {
	case err == nil:
		fmt.Printf("Authorization complete. Region %s is ready to use.\n", region)
	case errors.Is(err, context.Canceled):
		fmt.Println("Authorization cancelled.")
	case errors.Is(err, context.DeadlineExceeded):
		log.Fatalf("authorization timed out after %d seconds", cfg.AuthTimeoutSeconds)
	default:
		var oauthErr *lwa.OAuthError
		if errors.As(err, &oauthErr) && oauthErr.Description != "" {
			log.Fatalf("authorization failed: %s (%s)", oauthErr.Code, oauthErr.Description)
		}
		log.Fatalf("authorization failed: %v", err)
	}
}
