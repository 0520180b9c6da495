package shared

type ServerConfig struct {
	Vigil  VigilConfig  `mapstructure:"vigil" validate:"required"`
	Store  StoreConfig  `mapstructure:"store" validate:"required"`
	Twilio TwilioConfig `mapstructure:"twilio"`
	Google GoogleConfig `mapstructure:"google"`
}

type VigilConfig struct {
	PrivateKeyPem string         `mapstructure:"privateKeyPem" validate:"required"`
	Cron          CronConfig     `mapstructure:"cron" validate:"required"`
	Listener      ListenerConfig `mapstructure:"listener" validate:"required"`

	// PublicURL is the externally reachable base URL, used to validate
	// signed SMS webhooks
	PublicURL string `mapstructure:"publicUrl"`

	// MinCheckInInterval is the floor(in seconds) applied to every
	// user supplied check-in interval
	MinCheckInInterval int    `mapstructure:"minCheckInInterval"`
	SweepSchedule      string `mapstructure:"sweepSchedule"`
}

type StoreConfig struct {
	Backend string       `mapstructure:"backend" validate:"required,oneof=memory sqlite redis"`
	Sqlite  SqliteConfig `mapstructure:"sqlite" validate:"required_if=Backend sqlite"`
	Redis   RedisConfig  `mapstructure:"redis" validate:"required_if=Backend redis"`
}

type SqliteConfig struct {
	File       string `mapstructure:"file"`
	PassPhrase string `mapstructure:"passPhrase"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TwilioConfig struct {
	AccountSid          string `mapstructure:"accountSid"`
	AuthToken           string `mapstructure:"authToken"`
	MessagingServiceSid string `mapstructure:"messagingServiceSid"`
}

type GoogleConfig struct {
	ApplicationCredentials string        `mapstructure:"applicationCredentials"`
	Storage                StorageConfig `mapstructure:"storage"`
}

type CronConfig struct {
	TimeZone string `mapstructure:"timeZone" validate:"required"`
}

type ListenerConfig struct {
	Port int `mapstructure:"port" validate:"required"`
}

type StorageConfig struct {
	Bucket                   string      `mapstructure:"bucket" validate:"required_with=EnableStoreBackupAndSync"`
	Prefix                   string      `mapstructure:"prefix" validate:"required_with=EnableStoreBackupAndSync"`
	StoreBackupSchedule      string      `mapstructure:"storeBackupSchedule" validate:"required_with=EnableStoreBackupAndSync"`
	EnableStoreBackupAndSync interface{} `mapstructure:"enableStoreBackupAndSync" validate:"omitempty,bool"`
}
