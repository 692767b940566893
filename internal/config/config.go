// Package config loads relaydesk's daemon configuration via viper, the way
// the upstream router loads its own YAML config: defaults are registered
// first, then an optional file on disk overrides them.
package config

import (
	"os"
	"path/filepath"

	"github.com/relaydesk/relaydesk/internal/logging"
	"github.com/samber/oops"
	"github.com/spf13/viper"
)

var log = logging.GetLogger()

// CfgFile, when set (typically via a --config flag), overrides the default
// config file lookup.
var CfgFile string

// BaseDirName is the directory under the user's home directory where
// relaydesk stores its config file when none is specified explicitly.
const BaseDirName = ".relaydesk"

// RelayConfig holds the settings the relay daemon reads at startup.
type RelayConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	BufferSizeKiB int    `mapstructure:"buffer_size_kib"`
}

// ClientConfig holds the settings the client authenticator reads at
// startup.
type ClientConfig struct {
	ServerAddress   string `mapstructure:"server_address"`
	UserName        string `mapstructure:"username"`
	PeerPublicKeyB64 string `mapstructure:"peer_public_key"`
	SessionType     uint32 `mapstructure:"session_type"`
}

// BaseDir returns $HOME/.relaydesk. It does not create the directory.
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", oops.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, BaseDirName), nil
}

// Init wires viper's config file search path and defaults. It does not
// require a config file to exist; missing values fall back to the
// registered defaults.
func Init() error {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		dir, err := BaseDir()
		if err != nil {
			return err
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return oops.Errorf("reading config file: %w", err)
		}
		log.Debug("config: no config file found, using defaults")
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("relay.listen_address", "0.0.0.0:8765")
	viper.SetDefault("relay.buffer_size_kib", 32)
	viper.SetDefault("client.session_type", 1)
}

// Relay returns the current relay daemon configuration.
func Relay() RelayConfig {
	var cfg RelayConfig
	if err := viper.UnmarshalKey("relay", &cfg); err != nil {
		log.WithError(err).Warn("config: failed to unmarshal relay config, using defaults")
		return RelayConfig{ListenAddress: "0.0.0.0:8765", BufferSizeKiB: 32}
	}
	return cfg
}

// Client returns the current client configuration.
func Client() ClientConfig {
	var cfg ClientConfig
	if err := viper.UnmarshalKey("client", &cfg); err != nil {
		log.WithError(err).Warn("config: failed to unmarshal client config, using defaults")
		return ClientConfig{SessionType: 1}
	}
	return cfg
}
