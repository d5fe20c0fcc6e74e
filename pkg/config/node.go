package config

// NodeCfg describes one datanode the pooler can hand out connections
// to. The position in the list is the node index the protocol speaks
// in.
type NodeCfg struct {
	Name string `json:"name" toml:"name" yaml:"name"`
	Addr string `json:"addr" toml:"addr" yaml:"addr"`
}
