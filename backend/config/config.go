package config

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Live struct {
		// debounce 静默窗口（毫秒）
		QuietWindowMs int `mapstructure:"quietWindowMs"`
		// 提交等块互斥区的上限（毫秒），超过回 BUSY
		LockTimeoutMs int `mapstructure:"lockTimeoutMs"`
		// 空闲监控条目回收 TTL（秒）
		MonitorTTLSeconds int `mapstructure:"monitorTtlSeconds"`
		// redis presence 心跳 TTL（秒）
		PresenceTTLSeconds int `mapstructure:"presenceTtlSeconds"`
		// 外部快照回调地址，留空关闭
		SnapshotURL   string `mapstructure:"snapshotUrl"`
		SnapshotLabel string `mapstructure:"snapshotLabel"`
	} `mapstructure:"live"`
}
