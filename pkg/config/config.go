package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".luadbg"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// ConnectRetries is the number of connection attempts made against the
	// debuggee before giving up.
	ConnectRetries *int `yaml:"connect-retries,omitempty"`
	// ConnectRetryDelayMs is the delay between connection attempts, in
	// milliseconds.
	ConnectRetryDelayMs *int `yaml:"connect-retry-delay-ms,omitempty"`
	// SettleDelayMs is how long to wait after injection before the first
	// connection attempt, in milliseconds. The injected library needs time
	// to start its listener and there is no readiness signal.
	SettleDelayMs *int `yaml:"settle-delay-ms,omitempty"`

	// ToolPath is the directory containing the injection helper tool and
	// its companion library.
	ToolPath string `yaml:"tool-path"`
	// ToolArgs are extra arguments passed to the helper tool, as a single
	// string split with shell quoting rules.
	ToolArgs string `yaml:"tool-args"`
	// CaptureLog makes the injected library forward the debuggee's print
	// output over the debug connection.
	CaptureLog bool `yaml:"capture-log"`

	// SourceRoots are workspace directories used to resolve chunk names
	// reported by the debuggee to local files.
	SourceRoots []string `yaml:"source-roots"`
	// SourceExtensions are the file extensions recognized as debuggable
	// sources.
	SourceExtensions []string `yaml:"source-extensions"`

	// Aliases are console command aliases.
	Aliases map[string][]string `yaml:"aliases"`
}

const (
	defaultConnectRetries      = 15
	defaultConnectRetryDelayMs = 2000
	defaultSettleDelayMs       = 500
)

// ConnectRetriesOrDefault returns the configured retry count or the default.
func (c *Config) ConnectRetriesOrDefault() int {
	if c.ConnectRetries == nil || *c.ConnectRetries <= 0 {
		return defaultConnectRetries
	}
	return *c.ConnectRetries
}

// ConnectRetryDelayOrDefault returns the configured inter-attempt delay in
// milliseconds or the default.
func (c *Config) ConnectRetryDelayOrDefault() int {
	if c.ConnectRetryDelayMs == nil || *c.ConnectRetryDelayMs <= 0 {
		return defaultConnectRetryDelayMs
	}
	return *c.ConnectRetryDelayMs
}

// SettleDelayOrDefault returns the configured post-injection settle delay in
// milliseconds or the default.
func (c *Config) SettleDelayOrDefault() int {
	if c.SettleDelayMs == nil || *c.SettleDelayMs < 0 {
		return defaultSettleDelayMs
	}
	return *c.SettleDelayMs
}

// ExtensionsOrDefault returns the configured source extensions or the
// default set.
func (c *Config) ExtensionsOrDefault() []string {
	if len(c.SourceExtensions) == 0 {
		return []string{"lua", "lua.txt", "lua.bytes"}
	}
	return c.SourceExtensions
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the luadbg debugger.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Number of connection attempts made against the debuggee before giving up,
# and the delay between attempts. These are tuned for the helper tool's
# startup latency; raise them for slow targets.
# connect-retries: 15
# connect-retry-delay-ms: 2000

# How long to wait after injection before the first connection attempt.
# settle-delay-ms: 500

# Directory containing the injection helper tool and its companion library.
# tool-path: /usr/local/lib/luadbg

# Extra arguments passed to the helper tool (split with shell quoting rules).
# tool-args: ""

# Forward the debuggee's print output over the debug connection.
# capture-log: false

# Workspace directories used to resolve chunk names reported by the debuggee.
# source-roots: ["."]

# File extensions recognized as debuggable sources.
# source-extensions: ["lua", "lua.txt", "lua.bytes"]

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
