package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Cfg 全局可访问的配置实例
var Cfg *Config

// LoadConfig 从文件加载配置并填充到 Cfg
func LoadConfig() error {
	cfg, err := Load("./configs")
	if err != nil {
		return err
	}
	Cfg = cfg
	return nil
}

// Load 读取指定目录下的 config.yaml，环境变量 KAARIGAR_* 优先
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("KAARIGAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.slow_threshold", 200)

	v.SetDefault("partitions.customer.url", "mongodb://localhost:27017")
	v.SetDefault("partitions.customer.database", "kaarigar_customers")
	v.SetDefault("partitions.provider.url", "mongodb://localhost:27017")
	v.SetDefault("partitions.provider.database", "kaarigar_tradesmen")
	v.SetDefault("partitions.admin.url", "mongodb://localhost:27017")
	v.SetDefault("partitions.admin.database", "kaarigar_admin")
	v.SetDefault("partitions.relationship.url", "mongodb://localhost:27017")
	v.SetDefault("partitions.relationship.database", "kaarigar")
	v.SetDefault("partitions.dial_timeout", 10)
	v.SetDefault("partitions.op_timeout", 3000)

	v.SetDefault("identity.probe_timeout", 800)

	v.SetDefault("migration.lock_ttl", 60)
	v.SetDefault("migration.stale_after", 300)
	v.SetDefault("migration.recovery_spec", "0 */5 * * * *")
	v.SetDefault("migration.recovery_batch", 50)
	v.SetDefault("migration.events_topic", "kaarigar.account.events")
	v.SetDefault("migration.messages_topic", "kaarigar.message.events")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "kaarigar")
	v.SetDefault("kafka.producer.timeout", 5)
	v.SetDefault("kafka.producer.retries", 3)
}
