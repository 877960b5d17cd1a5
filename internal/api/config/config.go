package config

// Config 配置主体
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	DB         DBConfig         `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Partitions PartitionsConfig `mapstructure:"partitions"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Migration  MigrationConfig  `mapstructure:"migration"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Logstash   LogstashConfig   `mapstructure:"logstash"`
}

// ServerConfig Server配置
type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// DBConfig 数据库配置 (迁移流水表)
type DBConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxIdle     int    `mapstructure:"max_idle"`
	MaxOpen     int    `mapstructure:"max_open"`
	MaxLifetime int    `mapstructure:"max_lifetime"`
	// 慢查询阈值，毫秒
	SlowThreshold int `mapstructure:"slow_threshold"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// PartitionsConfig 分区配置，每个分区对应一个独立的 MongoDB 连接
type PartitionsConfig struct {
	Customer     MongoConfig `mapstructure:"customer"`
	Provider     MongoConfig `mapstructure:"provider"`
	Admin        MongoConfig `mapstructure:"admin"`
	Relationship MongoConfig `mapstructure:"relationship"`
	DialTimeout  int         `mapstructure:"dial_timeout"` // 秒
	OpTimeout    int         `mapstructure:"op_timeout"`   // 毫秒
}

type MongoConfig struct {
	URL      string `mapstructure:"url"`
	Database string `mapstructure:"database"`
}

// IdentityConfig 身份解析配置
type IdentityConfig struct {
	ProbeTimeout int `mapstructure:"probe_timeout"` // 毫秒
}

// MigrationConfig 账号迁移配置
type MigrationConfig struct {
	LockTTL       int    `mapstructure:"lock_ttl"`    // 秒
	StaleAfter    int    `mapstructure:"stale_after"` // 秒
	RecoverySpec  string `mapstructure:"recovery_spec"`
	RecoveryBatch int    `mapstructure:"recovery_batch"`
	EventsTopic   string `mapstructure:"events_topic"`
	MessagesTopic string `mapstructure:"messages_topic"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type KafkaConfig struct {
	Brokers  []string       `mapstructure:"brokers"`
	Sasl     SaslConfig     `mapstructure:"sasl"`
	Producer ProducerConfig `mapstructure:"producer"`
}

type SaslConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type ProducerConfig struct {
	Timeout int `mapstructure:"timeout"` // 秒
	Retries int `mapstructure:"retries"`
}

type LogstashConfig struct {
	Address string `mapstructure:"address"`
	Index   string `mapstructure:"index"`
	Token   string `mapstructure:"token"`
}
