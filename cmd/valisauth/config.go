package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/valisauth/internal/logger"
)

// Credential store backends
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

const (
	defaultListenAddr   = "localhost:8000"
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvProduction
	defaultSiteURL      = "http://localhost:8000"
	defaultStore        = StoreFile
)

type Config struct {
	// Default logging level
	LogLevel string

	// Environment
	Environment string

	// Identity provider origin, e.g. https://project.supabase.co
	AuthURL string

	// Public (anon) API key sent with every provider call
	APIKey string

	// Origin the provider redirects back to after third party sign in
	SiteURL string

	// Where credentials are persisted: memory, file, postgres or redis
	CredentialStore string

	// Credentials file for the file store, defaults to the user config dir
	CredentialFile string

	// Database to connect to for the postgres store
	DatabaseDSN string

	// Redis address for the redis store
	RedisAddr string

	// Address on which the session API is served
	ListenAddr string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:        defaultLoggingLevel,
		Environment:     defaultEnvironment,
		SiteURL:         defaultSiteURL,
		CredentialStore: defaultStore,
		ListenAddr:      defaultListenAddr,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		c.LoadEnv(func(key string) string {
			return envMap[key]
		})
		return nil
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) {
		return func(value string) {
			if value != "" {
				*o = value
			}
		}
	}

	envMap := map[string]func(string){
		"VALIS_AUTH_URL":   setString(&c.AuthURL),
		"VALIS_API_KEY":    setString(&c.APIKey),
		"VALIS_SITE_URL":   setString(&c.SiteURL),
		"LOG_LEVEL":        setString(&c.LogLevel),
		"ENVIRONMENT":      setString(&c.Environment),
		"CREDENTIAL_STORE": setString(&c.CredentialStore),
		"CREDENTIAL_FILE":  setString(&c.CredentialFile),
		"DATABASE_URI":     setString(&c.DatabaseDSN),
		"REDIS_ADDR":       setString(&c.RedisAddr),
		"RUN_ADDRESS":      setString(&c.ListenAddr),
	}

	for key, parseFn := range envMap {
		parseFn(getenv(key))
	}
}

// ParseFlags parses options and returns the remaining positional arguments
func (c *Config) ParseFlags(args []string) ([]string, error) {
	fs := pflag.NewFlagSet("valisauth", pflag.ContinueOnError)
	fs.SetInterspersed(false)

	fs.StringVarP(&c.AuthURL, "auth-url", "u", c.AuthURL, "Identity provider URL")
	fs.StringVarP(&c.APIKey, "api-key", "k", c.APIKey, "Identity provider API key")
	fs.StringVar(&c.SiteURL, "site-url", c.SiteURL, "Application origin for provider redirects")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVarP(&c.CredentialStore, "store", "s", c.CredentialStore, "Credential store (memory, file, postgres, redis)")
	fs.StringVarP(&c.CredentialFile, "credential-file", "f", c.CredentialFile, "Credentials file for the file store")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string for the postgres store")
	fs.StringVarP(&c.RedisAddr, "redis", "r", c.RedisAddr, "Redis address for the redis store")
	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs.Args(), nil
}

// Validate checks that the options the selected backends need are set
func (c *Config) Validate() error {
	var errs []error

	if c.AuthURL == "" {
		errs = append(errs, errors.New("identity provider url is required (VALIS_AUTH_URL)"))
	}
	if c.APIKey == "" {
		errs = append(errs, errors.New("identity provider api key is required (VALIS_API_KEY)"))
	}

	stores := []string{StoreMemory, StoreFile, StorePostgres, StoreRedis}
	switch {
	case !slices.Contains(stores, c.CredentialStore):
		errs = append(errs, fmt.Errorf("unknown credential store %q, want one of %v", c.CredentialStore, stores))
	case c.CredentialStore == StorePostgres && c.DatabaseDSN == "":
		errs = append(errs, errors.New("postgres store needs a database connection string (DATABASE_URI)"))
	case c.CredentialStore == StoreRedis && c.RedisAddr == "":
		errs = append(errs, errors.New("redis store needs an address (REDIS_ADDR)"))
	}

	return errors.Join(errs...)
}
