package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"

	"github.com/kubescape/cgrules-agent/pkg/procconnector"
)

type Config struct {
	RulesConfigPath          string        `mapstructure:"rulesConfigPath"`
	CgroupRoot               string        `mapstructure:"cgroupRoot"`
	ProcRoot                 string        `mapstructure:"procRoot"`
	LogFilePath              string        `mapstructure:"logFilePath"`
	LogLevel                 string        `mapstructure:"logLevel"`
	LogToFile                bool          `mapstructure:"logToFileEnabled"`
	ReceiveBufferSize        int           `mapstructure:"receiveBufferSize"`
	RuleCacheSize            int           `mapstructure:"ruleCacheSize"`
	RuleCacheTTL             time.Duration `mapstructure:"ruleCacheTTL"`
	EnablePrometheusExporter bool          `mapstructure:"prometheusExporterEnabled"`
}

// LoadConfig reads configuration from file or environment variables. A
// missing config file is not an error; the defaults describe a standard
// host install.
func LoadConfig(path string) (Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("rulesConfigPath", "/etc/cgrules.conf")
	viper.SetDefault("cgroupRoot", "/sys/fs/cgroup")
	viper.SetDefault("procRoot", "/proc")
	viper.SetDefault("logFilePath", "/var/log/cgrules-agent.log")
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("receiveBufferSize", procconnector.DefaultBufferSize)
	viper.SetDefault("ruleCacheSize", 4096)
	viper.SetDefault("ruleCacheTTL", 5*time.Minute)

	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	var config Config
	err = viper.Unmarshal(&config)
	return config, err
}
