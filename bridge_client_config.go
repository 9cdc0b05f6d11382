package relay

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// VariableNotFound is returned when a referenced variable is not present.
type VariableNotFound struct {
	VariableName string
}

func (e *VariableNotFound) Error() string {
	return fmt.Sprintf(
		"variable %q referenced in bridge configuration not found; "+
			"add it to the environment or to the client configuration",
		e.VariableName,
	)
}

// VariablesConfig is the interface for any variable-loading strategy.
type VariablesConfig interface {
	// Load returns all variables available from this source.
	Load() (map[string]string, error)
	// Get returns a single variable value or an error if not present.
	Get(key string) (string, error)
}

// DotEnv implements VariablesConfig by loading a .env file.
type DotEnv struct {
	EnvFilePath string
}

func NewDotEnv(path string) *DotEnv {
	return &DotEnv{EnvFilePath: path}
}

// Load reads the .env file and returns a map of key to value.
func (d *DotEnv) Load() (map[string]string, error) {
	return godotenv.Read(d.EnvFilePath)
}

// Get loads the file and looks up a single key.
func (d *DotEnv) Get(key string) (string, error) {
	vars, err := d.Load()
	if err != nil {
		return "", err
	}
	if val, ok := vars[key]; ok {
		return val, nil
	}
	return "", &VariableNotFound{VariableName: key}
}

// BridgeClientConfig configures one bridge client. Every field is
// defaulted by NewBridgeClientConfig; the struct is validated once when
// the client is built and must not be mutated afterwards.
type BridgeClientConfig struct {
	// BaseURL is the relay's HTTP(S) base; the WebSocket URL and the
	// credential validation endpoint are derived from it. Supports
	// ${VAR}/$VAR substitution.
	BaseURL string
	AppID   string
	UserID  string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	ConnectTimeout       time.Duration

	// FastReconnect replaces the backoff delay with a fixed millisecond.
	// Test affordance only; never enable in production.
	FastReconnect bool

	// Variables explicitly passed in (take precedence over loaders and
	// the environment).
	Variables map[string]string
	// LoadVariablesFrom lists variable sources (e.g. a .env file).
	LoadVariablesFrom []VariablesConfig

	TokenSupplier TokenSupplier
	SocketFactory SocketFactory
	HTTPClient    *http.Client
	Logger        func(format string, args ...interface{})
}

// NewBridgeClientConfig constructs a config with sensible defaults.
func NewBridgeClientConfig() *BridgeClientConfig {
	return &BridgeClientConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		ReconnectInterval:    time.Second,
		ConnectTimeout:       10 * time.Second,
		Variables:            make(map[string]string),
		SocketFactory:        defaultSocketFactory(),
		HTTPClient:           &http.Client{Timeout: 30 * time.Second},
		Logger:               func(format string, args ...interface{}) {},
	}
}

// fileConfig is the file-facing shape; pointer fields distinguish "absent"
// from zero so defaults survive partial files.
type fileConfig struct {
	BaseURL              string            `json:"baseUrl" yaml:"baseUrl"`
	AppID                string            `json:"appId" yaml:"appId"`
	UserID               string            `json:"userId" yaml:"userId"`
	AutoReconnect        *bool             `json:"autoReconnect" yaml:"autoReconnect"`
	MaxReconnectAttempts *int              `json:"maxReconnectAttempts" yaml:"maxReconnectAttempts"`
	ReconnectIntervalMS  *int              `json:"reconnectIntervalMs" yaml:"reconnectIntervalMs"`
	ConnectTimeoutMS     *int              `json:"connectTimeoutMs" yaml:"connectTimeoutMs"`
	Variables            map[string]string `json:"variables" yaml:"variables"`
}

// LoadBridgeClientConfig reads a YAML or JSON config file on top of the
// defaults. Function-valued fields (token supplier, socket factory,
// logger) must still be set by the caller.
func LoadBridgeClientConfig(path string) (*BridgeClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %q: %w", path, err)
	}
	var fc fileConfig
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("invalid YAML in config file %q: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("invalid JSON in config file %q: %w", path, err)
		}
	}

	cfg := NewBridgeClientConfig()
	cfg.BaseURL = fc.BaseURL
	cfg.AppID = fc.AppID
	cfg.UserID = fc.UserID
	if fc.AutoReconnect != nil {
		cfg.AutoReconnect = *fc.AutoReconnect
	}
	if fc.MaxReconnectAttempts != nil {
		cfg.MaxReconnectAttempts = *fc.MaxReconnectAttempts
	}
	if fc.ReconnectIntervalMS != nil {
		cfg.ReconnectInterval = time.Duration(*fc.ReconnectIntervalMS) * time.Millisecond
	}
	if fc.ConnectTimeoutMS != nil {
		cfg.ConnectTimeout = time.Duration(*fc.ConnectTimeoutMS) * time.Millisecond
	}
	for k, v := range fc.Variables {
		cfg.Variables[k] = v
	}
	return cfg, nil
}

var varPattern = regexp.MustCompile(`\$\{(\w+)\}|\$(\w+)`)

// expandVariables does ${VAR}/$VAR substitution in s. Unknown variables
// are left as-is.
func (c *BridgeClientConfig) expandVariables(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		g := varPattern.FindStringSubmatch(match)
		name := g[1]
		if name == "" {
			name = g[2]
		}
		val, err := c.getVariable(name)
		if err != nil {
			return match
		}
		return val
	})
}

// getVariable checks inline variables, then loaders, then the environment.
func (c *BridgeClientConfig) getVariable(key string) (string, error) {
	if v, ok := c.Variables[key]; ok {
		return v, nil
	}
	for _, loader := range c.LoadVariablesFrom {
		if val, err := loader.Get(key); err == nil && val != "" {
			return val, nil
		}
	}
	if env := os.Getenv(key); env != "" {
		return env, nil
	}
	return "", &VariableNotFound{VariableName: key}
}

// validate resolves variables into the string fields and checks the
// config once. Called by NewBridgeClient.
func (c *BridgeClientConfig) validate() error {
	c.BaseURL = c.expandVariables(c.BaseURL)
	c.AppID = c.expandVariables(c.AppID)
	c.UserID = c.expandVariables(c.UserID)

	if c.BaseURL == "" {
		return fmt.Errorf("config: BaseURL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("config: invalid BaseURL %q: %w", c.BaseURL, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("config: BaseURL must use http or https, got %q", u.Scheme)
	}
	if c.AppID == "" {
		return fmt.Errorf("config: AppID is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("config: UserID is required")
	}
	if c.TokenSupplier == nil {
		return fmt.Errorf("config: TokenSupplier is required")
	}
	if c.SocketFactory == nil {
		return fmt.Errorf("config: SocketFactory is required")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("config: MaxReconnectAttempts must not be negative")
	}
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("config: ReconnectInterval must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("config: ConnectTimeout must be positive")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = func(format string, args ...interface{}) {}
	}
	return nil
}
