package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	// DSN 为空时使用内存存储
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	// Addrs 为空时不记录在线状态；多个地址时按集群连接
	Redis struct {
		Addrs       []string      `mapstructure:"addrs"`
		Password    string        `mapstructure:"password"`
		PresenceTTL time.Duration `mapstructure:"presenceTTL"`
	} `mapstructure:"Redis"`
	// Brokers 为空时不投递事件
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"Kafka"`
	// 三选一：JWTSecret 本地验签；Path 调用 auth 服务校验；都为空时为开发模式
	Auth struct {
		Path      string `mapstructure:"path"`
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"Auth"`
	Collab struct {
		HistoryCap      int           `mapstructure:"historyCap"`
		SendQueue       int           `mapstructure:"sendQueue"`
		WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
		PongWait        time.Duration `mapstructure:"pongWait"`
		OpTimeout       time.Duration `mapstructure:"opTimeout"`
		MaxConcurrentOp int           `mapstructure:"maxConcurrentOp"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"Collab"`
	Client ClientConfig `mapstructure:"Client"`
}

type ClientConfig struct {
	Server    string        `mapstructure:"server"`
	Token     string        `mapstructure:"token"`
	UserID    string        `mapstructure:"userId"`
	HostID    string        `mapstructure:"hostId"`
	BatchIdle time.Duration `mapstructure:"batchIdle"`
	DraftPath string        `mapstructure:"draftPath"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Running.Port", 8082)
	// 空字符串默认值也要登记，否则环境变量覆盖不到
	v.SetDefault("Mysql.dsn", "")
	v.SetDefault("Redis.password", "")
	v.SetDefault("Auth.path", "")
	v.SetDefault("Auth.jwtSecret", "")
	v.SetDefault("Redis.presenceTTL", 600*time.Second)
	v.SetDefault("Kafka.topic", "file-ops")
	v.SetDefault("Kafka.queueSize", 10_000)
	v.SetDefault("Kafka.workers", 4)
	v.SetDefault("Kafka.maxRetry", 3)
	v.SetDefault("Kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("Kafka.maxBackoff", time.Second)
	v.SetDefault("Collab.historyCap", 0)
	v.SetDefault("Collab.sendQueue", 256)
	v.SetDefault("Collab.writeTimeout", 5*time.Second)
	v.SetDefault("Collab.pongWait", 60*time.Second)
	v.SetDefault("Collab.opTimeout", 200*time.Millisecond)
	v.SetDefault("Collab.maxConcurrentOp", 100)
	v.SetDefault("Collab.shutdownTimeout", 10*time.Second)
	v.SetDefault("Client.server", "ws://127.0.0.1:8082/collab/ws")
	v.SetDefault("Client.token", "")
	v.SetDefault("Client.userId", "")
	v.SetDefault("Client.hostId", "")
	v.SetDefault("Client.batchIdle", time.Second)
	v.SetDefault("Client.draftPath", "collab_drafts.db")
}

// Load 读取 collabConfig.yaml；找不到配置文件时只用默认值和环境变量
// 环境变量形如 COLLAB_MYSQL_DSN、COLLAB_CLIENT_TOKEN
func Load(v *viper.Viper) (*CollabConfig, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &CollabConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
