package config

import (
	"encoding/json"
	"os"

	"github.com/pg-distributed/xcpool/pkg/xclog"
)

const (
	defaultBufferSize    = 16 * 1024
	defaultMaxMessageLen = 1024 * 1024
	defaultPoolerPort    = 6667
)

type PoolerCfg struct {
	LogLevel string `json:"log_level" toml:"log_level" yaml:"log_level"`

	SocketDir  string `json:"socket_dir" toml:"socket_dir" yaml:"socket_dir"`
	PoolerPort int    `json:"pooler_port" toml:"pooler_port" yaml:"pooler_port"`

	// optional TCP listener serving abort/result-only traffic
	ControlAddr string `json:"control_addr" toml:"control_addr" yaml:"control_addr"`
	ReusePort   bool   `json:"reuse_port" toml:"reuse_port" yaml:"reuse_port"`

	BufferSize    int `json:"buffer_size" toml:"buffer_size" yaml:"buffer_size"`
	MaxMessageLen int `json:"max_message_len" toml:"max_message_len" yaml:"max_message_len"`

	// number of datanodes in the cluster, drives activation table sizing
	NodeCount int `json:"node_count" toml:"node_count" yaml:"node_count"`

	Nodes []NodeCfg `json:"nodes" toml:"nodes" yaml:"nodes"`

	ConnectRetries int `json:"connect_retries" toml:"connect_retries" yaml:"connect_retries"`
}

var cfgPooler PoolerCfg

func LoadPoolerCfg(cfgPath string) error {
	file, err := os.Open(cfgPath)
	if err != nil {
		return err
	}
	defer func(file *os.File) {
		if err := file.Close(); err != nil {
			xclog.Zero.Error().Err(err).Msg("failed to close config file")
		}
	}(file)

	if err := initConfig(file, &cfgPooler); err != nil {
		return err
	}

	cfgPooler.Defaultify()

	configBytes, err := json.MarshalIndent(cfgPooler, "", "  ")
	if err != nil {
		return err
	}

	xclog.Zero.Log().Msg("Running config:" + string(configBytes))
	return nil
}

func (c *PoolerCfg) Defaultify() {
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxMessageLen == 0 {
		c.MaxMessageLen = defaultMaxMessageLen
	}
	if c.PoolerPort == 0 {
		c.PoolerPort = defaultPoolerPort
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = 3
	}
	if c.NodeCount == 0 {
		c.NodeCount = len(c.Nodes)
	}
}

func PoolerConfig() *PoolerCfg {
	return &cfgPooler
}
