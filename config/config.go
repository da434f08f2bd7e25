package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/compute/metadata"
	firebase "firebase.google.com/go/v4"
	"github.com/caarlos0/env/v11"
	"google.golang.org/api/option"
)

const (
	StoreFirestore = "firestore"
	StoreMemory    = "memory"
)

// Firebase holds the web app settings the front-end used to pass to initializeApp.
type Firebase struct {
	APIKey            string `env:"ELM_APP_API_KEY"`
	AuthDomain        string `env:"ELM_APP_AUTH_DOMAIN"`
	DatabaseURL       string `env:"ELM_APP_DATABASE_URL"`
	ProjectID         string `env:"ELM_APP_PROJECT_ID"`
	StorageBucket     string `env:"ELM_APP_STORAGE_BUCKET"`
	MessagingSenderID string `env:"ELM_APP_MESSAGING_SENDER_ID"`
	AppID             string `env:"ELM_APP_APP_ID"`
}

type GoogleOAuth struct {
	ClientID     string `env:"GOOGLE_OAUTH_CLIENT_ID"`
	ClientSecret string `env:"GOOGLE_OAUTH_CLIENT_SECRET"`
	RedirectAddr string `env:"GOOGLE_OAUTH_REDIRECT_ADDR" envDefault:"127.0.0.1:0"`
	// RedirectURL is the public URL of the Port function. The HTTP port needs it to
	// receive Google's redirect; the stdio host uses the loopback RedirectAddr.
	RedirectURL string `env:"GOOGLE_OAUTH_REDIRECT_URL"`
}

type Bridge struct {
	Heartbeat         bool          `env:"BRIDGE_HEARTBEAT" envDefault:"false"`
	HeartbeatInterval time.Duration `env:"BRIDGE_HEARTBEAT_INTERVAL" envDefault:"1s"`
	Store             string        `env:"BRIDGE_STORE" envDefault:"firestore"`
}

type Config struct {
	Firebase    Firebase
	GoogleOAuth GoogleOAuth
	Bridge      Bridge
}

// Load reads the configuration from the environment. Missing values are not an error.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// LogPresence reports which settings are defined without validating them.
func (c *Config) LogPresence(ctx context.Context, logger *slog.Logger) {
	logger.DebugContext(ctx, "firebase config",
		slog.Bool("apiKeyDefined", c.Firebase.APIKey != ""),
		slog.Bool("projectIDDefined", c.Firebase.ProjectID != ""),
		slog.Bool("oauthClientDefined", c.GoogleOAuth.ClientID != ""),
	)
}

// ProjectID returns the configured project id, falling back to the GCE metadata server.
func (c *Config) ProjectID(ctx context.Context) (string, error) {
	if c.Firebase.ProjectID != "" {
		return c.Firebase.ProjectID, nil
	}
	if !metadata.OnGCE() {
		return "", fmt.Errorf("project id not configured")
	}
	return metadata.ProjectIDWithContext(ctx)
}

// FirebaseApp initializes the Admin SDK app for the configured project. Credentials come
// from opts or, when none are given, from Application Default Credentials.
func (c *Config) FirebaseApp(ctx context.Context, opts ...option.ClientOption) (*firebase.App, error) {
	projectID, err := c.ProjectID(ctx)
	if err != nil {
		return nil, err
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:     projectID,
		DatabaseURL:   c.Firebase.DatabaseURL,
		StorageBucket: c.Firebase.StorageBucket,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	return app, nil
}
