package options

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BindMethod selects how the daemon authenticates its LDAP connection.
type BindMethod string

const (
	// BindSimple authenticates with a DN and password.
	BindSimple BindMethod = "simple"
	// BindAnonymous performs an anonymous bind.
	BindAnonymous BindMethod = "anonymous"
	// BindGSSAPI requests a SASL GSSAPI bind.
	BindGSSAPI BindMethod = "gssapi"
)

// Opts holds the process-level configuration for the daemon: logging, the
// LDAP connection, the status listener and the rules file location.
type Opts struct {
	LogLevel zerolog.Level

	LDAPURI      string
	BindMethod   BindMethod
	BindDN       string
	BindPassword string

	// StatusAddr is the listen address of the HTTP status endpoint; empty
	// disables the listener.
	StatusAddr string

	// RulesPath locates the YAML helper rules file.
	RulesPath string
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

func envStringOrDefault(name, d string) string {
	if v, exists := os.LookupEnv(name); exists && v != "" {
		return v
	}

	return d
}

func envLogLevelOrDefault(name string, d zerolog.Level) (zerolog.Level, error) {
	raw := envStringOrDefault(name, d.String())

	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		return d, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as log level: %v", raw, err),
		}
	}

	return level, nil
}

func envBindMethodOrDefault(name string, d BindMethod) (BindMethod, error) {
	raw := envStringOrDefault(name, string(d))

	switch BindMethod(raw) {
	case BindSimple, BindAnonymous, BindGSSAPI:
		return BindMethod(raw), nil
	}

	return d, ValidationError{
		Field:   name,
		Message: fmt.Sprintf("%q is not one of simple, anonymous, gssapi", raw),
	}
}

// Parse reads environment variables (after loading .env files when
// present) and validates the resulting configuration.
func Parse() (*Opts, error) {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil {
			log.Debug().Err(err).Str("file", file).Msg("no .env file loaded")
		}
	}

	logLevel, err := envLogLevelOrDefault("LOG_LEVEL", zerolog.InfoLevel)
	if err != nil {
		return nil, err
	}

	bindMethod, err := envBindMethodOrDefault("LDAP_BIND_METHOD", BindSimple)
	if err != nil {
		return nil, err
	}

	opts := &Opts{
		LogLevel:     logLevel,
		LDAPURI:      envStringOrDefault("LDAP_URI", ""),
		BindMethod:   bindMethod,
		BindDN:       envStringOrDefault("LDAP_BIND_DN", ""),
		BindPassword: envStringOrDefault("LDAP_BIND_PASSWORD", ""),
		StatusAddr:   envStringOrDefault("STATUS_ADDR", ""),
		RulesPath:    envStringOrDefault("RULES_FILE", "ldap-distd.yaml"),
	}

	if opts.LDAPURI == "" {
		return nil, ValidationError{Field: "LDAP_URI", Message: "this option is required"}
	}
	if opts.BindMethod == BindSimple && opts.BindDN != "" && opts.BindPassword == "" {
		return nil, ValidationError{Field: "LDAP_BIND_PASSWORD", Message: "a bind DN requires a password; use LDAP_BIND_METHOD=anonymous for anonymous binds"}
	}

	return opts, nil
}
