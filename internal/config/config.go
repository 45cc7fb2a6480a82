// Package config parses and validates the execution config document
// handed to the worker on its input channel. One invocation consumes
// exactly one JSON document; there is no config file and no flag
// override layer.
package config

import (
	"fmt"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Supported database types. Anything else is rejected by the mediator
// before a connection is attempted, not here: an unknown type is a
// well-formed config and must surface as UnsupportedDatabaseType, not
// ConfigError.
const (
	DatabasePostgres = "postgresql"
	DatabaseMongo    = "mongodb"
)

// Instance describes the database instance to connect to. Either
// host/port/user/password (Postgres) or uri/connectionString (Mongo)
// is populated. CredentialsEnvPrefix switches credential sourcing to
// environment variables provisioned by the host.
type Instance struct {
	ID                   string `koanf:"id"`
	Host                 string `koanf:"host"`
	Port                 int    `koanf:"port"`
	User                 string `koanf:"user"`
	Password             string `koanf:"password"`
	URI                  string `koanf:"uri"`
	ConnectionString     string `koanf:"connectionString"`
	CredentialsEnvPrefix string `koanf:"credentialsEnvPrefix"`
}

// ExecutionConfig is the single input document for one script
// execution. TimeoutMillis is informational only: deadline enforcement
// belongs to the process supervisor, never to the worker.
type ExecutionConfig struct {
	ScriptContent string   `koanf:"scriptContent"`
	DatabaseType  string   `koanf:"databaseType"`
	Instance      Instance `koanf:"instance"`
	DatabaseName  string   `koanf:"databaseName"`
	TimeoutMillis int      `koanf:"timeoutMillis"`
	Readonly      bool     `koanf:"readonly"`
}

// Parse loads an ExecutionConfig from one raw JSON document, applies
// env-sourced credentials, and validates required fields. All failures
// here map to the ConfigError kind.
func Parse(doc []byte) (*ExecutionConfig, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(doc), kjson.Parser()); err != nil {
		return nil, fmt.Errorf("invalid JSON config: %w", err)
	}

	var cfg ExecutionConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("invalid config document: %w", err)
	}

	if err := cfg.resolveEnvCredentials(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveEnvCredentials overlays credentials from {PREFIX}_USER,
// {PREFIX}_PASSWORD and {PREFIX}_CONNECTION_STRING when the instance
// names a credentialsEnvPrefix. Unset variables leave the inline
// values untouched.
func (c *ExecutionConfig) resolveEnvCredentials() error {
	prefix := c.Instance.CredentialsEnvPrefix
	if prefix == "" {
		return nil
	}

	k := koanf.New(".")
	// Transform: MYDB_CONNECTION_STRING -> connection_string
	if err := k.Load(env.Provider(prefix+"_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, prefix+"_"))
	}), nil); err != nil {
		return fmt.Errorf("failed to load env credentials: %w", err)
	}

	if v := k.String("user"); v != "" {
		c.Instance.User = v
	}
	if v := k.String("password"); v != "" {
		c.Instance.Password = v
	}
	if v := k.String("connection_string"); v != "" {
		c.Instance.ConnectionString = v
	}
	return nil
}

// Validate checks that the fields every execution needs are present.
func (c *ExecutionConfig) Validate() error {
	if strings.TrimSpace(c.ScriptContent) == "" {
		return fmt.Errorf("scriptContent is required")
	}
	if c.DatabaseType == "" {
		return fmt.Errorf("databaseType is required")
	}
	if c.DatabaseName == "" {
		return fmt.Errorf("databaseName is required")
	}
	return nil
}

// MongoURI returns the connection URI for a Mongo instance, preferring
// the explicit uri over connectionString, with the conventional local
// default.
func (c *ExecutionConfig) MongoURI() string {
	if c.Instance.URI != "" {
		return c.Instance.URI
	}
	if c.Instance.ConnectionString != "" {
		return c.Instance.ConnectionString
	}
	return "mongodb://localhost:27017"
}
