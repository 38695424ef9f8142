package tools

// ToolServerConfig describes an MCP tool server binary.
type ToolServerConfig struct {
	Binary   string            `mapstructure:"binary"`
	Args     []string          `mapstructure:"args"`
	Env      map[string]string `mapstructure:"env"`
	Enabled  bool              `mapstructure:"enabled"`
	Language string            `mapstructure:"language"` // language of the server's descriptions
}
