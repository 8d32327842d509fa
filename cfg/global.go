package cfg

// GlobalOptions are options to be applied globally and set at the root of the config.
type GlobalOptions struct {
	LogLevel   string `yaml:"log_level" cli:"level" desc:"log level (trace, debug, info, warn, error)"`
	DataDir    string `yaml:"data_dir" cli:"datadir" desc:"directory for chain and shard storage"`
	ConfigFile string `cli:"config" desc:"path to a YAML config file"`
}
