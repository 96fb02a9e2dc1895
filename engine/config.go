package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

type Config struct {
	EngineDebug    bool   `yaml:"EngineDebug"`
	MuteDhtLog     bool   `yaml:"MuteDhtLog"`
	ListenPort     int    `yaml:"ListenPort"` // UDP port for the DHT node
	NodeID         string `yaml:"NodeID"`     // hex, random when empty
	BootstrapNode  string `yaml:"BootstrapNode"`
	WatchDirectory string `yaml:"WatchDirectory"`
	DownloadRate   string `yaml:"DownloadRate"`
	MaxPeers       int    `yaml:"MaxPeers"` // per swarm
	MaxSwarms      int    `yaml:"MaxSwarms"`
}

func InitConf(specPath string) (*Config, error) {

	viper.SetConfigName("torrentdam")
	viper.AddConfigPath("/etc/torrentdam/")
	viper.AddConfigPath("/etc/")
	viper.AddConfigPath("$HOME/.torrentdam")
	viper.AddConfigPath(".")

	viper.SetDefault("ListenPort", 50007)
	viper.SetDefault("BootstrapNode", "router.bittorrent.com:6881")
	viper.SetDefault("WatchDirectory", "./torrents")
	viper.SetDefault("DownloadRate", "")
	viper.SetDefault("MaxPeers", 30)
	viper.SetDefault("MaxSwarms", 5)

	// user specific config path
	if stat, err := os.Stat(specPath); stat != nil && err == nil {
		viper.SetConfigFile(specPath)
	}

	configExists := true
	if err := viper.ReadInConfig(); err != nil {
		if strings.Contains(err.Error(), "Not Found") {
			configExists = false
			if specPath == "" {
				specPath = "./torrentdam.yaml"
			}
			viper.SetConfigFile(specPath)
		} else {
			return nil, err
		}
	}

	c := &Config{}
	viper.Unmarshal(c)

	dirChanged, err := c.NormalizeWatchDir()
	if err != nil {
		return nil, err
	}
	if dirChanged {
		viper.Set("WatchDirectory", c.WatchDirectory)
	}

	cf := viper.ConfigFileUsed()
	log.Println("[config] selected config file: ", cf)
	if !configExists || dirChanged {
		c.WriteYaml()
		log.Println("[config] config file written: ", cf, "exists:", configExists, "dirchanged", dirChanged)
	}

	return c, nil
}

func (c *Config) NormalizeWatchDir() (bool, error) {
	var changed bool
	if c.WatchDirectory != "" {
		wdir, err := filepath.Abs(c.WatchDirectory)
		if err != nil {
			return false, fmt.Errorf("invalid path %s, %w", c.WatchDirectory, err)
		}
		if c.WatchDirectory != wdir {
			changed = true
			c.WatchDirectory = wdir
		}
	}
	return changed, nil
}

func (c *Config) WriteYaml() error {
	cf := viper.ConfigFileUsed()
	if cf == "" {
		return nil
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(cf, b, 0644)
}

func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port (%d)", c.ListenPort)
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("invalid max peers (%d)", c.MaxPeers)
	}
	return nil
}
