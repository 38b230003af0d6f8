package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/forumfed/forum-ap-bridge/bridge"
	"github.com/forumfed/forum-ap-bridge/types"
)

type Config struct {
	ApConfig types.ApConfig          `yaml:"apConfig"`
	Server   Server                  `yaml:"server"`
	NodeInfo types.NodeInfo          `yaml:"nodeInfo"`
	Models   []bridge.SQLModelConfig `yaml:"models"`
}

type Server struct {
	Dsn           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
	AdminToken    string `yaml:"adminToken"`
	InboxRateMin  int    `yaml:"inboxRatePerMinute"`
	InboxBurst    int    `yaml:"inboxBurst"`
}

// LoadConfig reads the listed yaml files in order, later files overriding
// earlier ones field by field.
func LoadConfig(paths []string) (Config, error) {
	var config Config
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}
	return config, nil
}
