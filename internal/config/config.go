package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Timezone    string `mapstructure:"timezone"` // IANA zone used by scans, cron and reminder text
	Log         struct {
		File LogFileConfig `mapstructure:"file"`
	} `mapstructure:"log"`
	Server struct {
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"readTimeout"`
		WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"server"`
	Transport string `mapstructure:"transport"` // "nats" or "inline"
	NATS      struct {
		URL                 string             `mapstructure:"url"`
		Jobs                ConsumerNatsConfig `mapstructure:"jobs"`
		DLQStream           string             `mapstructure:"dlqStream"`
		DLQSubject          string             `mapstructure:"dlqSubject"` // base subject, client id is appended
		DLQWorkers          int                `mapstructure:"dlqWorkers"`
		DLQBaseDelayMinutes int                `mapstructure:"dlqBaseDelayMinutes"`
		DLQMaxDelayMinutes  int                `mapstructure:"dlqMaxDelayMinutes"`
		DLQMaxAgeDays       int                `mapstructure:"dlqMaxAgeDays"`
		DLQMaxDeliver       int                `mapstructure:"dlqMaxDeliver"`
		DLQAckWait          time.Duration      `mapstructure:"dlqAckWait"`
		DLQMaxAckPending    int                `mapstructure:"dlqMaxAckPending"`
	} `mapstructure:"nats"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
		Schema              string `mapstructure:"schema"`
	} `mapstructure:"database"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	WorkerPools struct {
		Flush WorkerPoolConfig `mapstructure:"flush"`
	} `mapstructure:"workerPools"`
	Debounce     DebounceConfig     `mapstructure:"debounce"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Nudge        NudgeConfig        `mapstructure:"nudge"`
	MorningSweep MorningSweepConfig `mapstructure:"morningSweep"`
	Reminder     ReminderConfig     `mapstructure:"reminder"`
	Campaign     CampaignConfig     `mapstructure:"campaign"`
	Schedules    SchedulesConfig    `mapstructure:"schedules"`
	WhatsApp     WhatsAppConfig     `mapstructure:"whatsapp"`
	OpenAI       OpenAIConfig       `mapstructure:"openai"`
}

// LogFileConfig enables lumberjack file rotation when Path is set.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
	Compress   bool   `mapstructure:"compress"`
}

// WorkerPoolConfig holds configuration for an ants worker pool
type WorkerPoolConfig struct {
	PoolSize   int           `mapstructure:"poolSize"`
	QueueSize  int           `mapstructure:"queueSize"`  // max tasks blocked waiting for a worker
	ExpiryTime time.Duration `mapstructure:"expiryTime"` // idle worker expiry
}

// ConsumerNatsConfig holds configuration specific to a NATS consumer
type ConsumerNatsConfig struct {
	MaxAge       int64         `mapstructure:"maxAge"` // days
	Stream       string        `mapstructure:"stream"`
	Consumer     string        `mapstructure:"consumer"` // durable name
	QueueGroup   string        `mapstructure:"group"`
	SubjectList  []string      `mapstructure:"subjectList"`
	MaxDeliver   int           `mapstructure:"maxDeliver"`
	NakBaseDelay time.Duration `mapstructure:"nakBaseDelay"`
	NakMaxDelay  time.Duration `mapstructure:"nakMaxDelay"`
	AckWait      time.Duration `mapstructure:"ackWait"`
	// JobWorkers bounds how many scheduled jobs run at once off the callback goroutine.
	JobWorkers int `mapstructure:"jobWorkers"`
}

type DebounceConfig struct {
	Window time.Duration `mapstructure:"window"`
	// MergeMessages dispatches one merged turn per flush instead of one per message.
	MergeMessages bool `mapstructure:"mergeMessages"`
	// FlushOnShutdown dispatches pending buffers when the process stops.
	FlushOnShutdown bool `mapstructure:"flushOnShutdown"`
}

type ConversationConfig struct {
	HistoryLimit int           `mapstructure:"historyLimit"`
	SegmentDelay time.Duration `mapstructure:"segmentDelay"`
	SystemPrompt string        `mapstructure:"systemPrompt"` // used when the client has none
}

type NudgeConfig struct {
	Intervals       []int  `mapstructure:"intervals"`       // minutes, nudge 1..len
	DefaultInterval int    `mapstructure:"defaultInterval"` // minutes, every later nudge
	HistoryLimit    int    `mapstructure:"historyLimit"`
	FallbackText    string `mapstructure:"fallbackText"`
	BusinessHours   struct {
		Enabled   bool `mapstructure:"enabled"`
		StartHour int  `mapstructure:"startHour"`
		EndHour   int  `mapstructure:"endHour"`
	} `mapstructure:"businessHours"`
}

type MorningSweepConfig struct {
	CutoffHour   int    `mapstructure:"cutoffHour"` // yesterday's hour from which outbound counts
	FallbackText string `mapstructure:"fallbackText"`
}

type ReminderConfig struct {
	LeadWindow    time.Duration `mapstructure:"leadWindow"` // lembrete_1h horizon
	TodayTemplate string        `mapstructure:"todayTemplate"`
	HourTemplate  string        `mapstructure:"hourTemplate"`
}

type CampaignConfig struct {
	Pacing     time.Duration `mapstructure:"pacing"`
	MaxRetries uint64        `mapstructure:"maxRetries"`
}

type SchedulesConfig struct {
	NudgeScan     string `mapstructure:"nudgeScan"`
	MorningSweep  string `mapstructure:"morningSweep"`
	ReminderScan  string `mapstructure:"reminderScan"`
	ReminderReset string `mapstructure:"reminderReset"`
}

type WhatsAppConfig struct {
	BaseURL     string        `mapstructure:"baseURL"`
	APIVersion  string        `mapstructure:"apiVersion"`
	AccessToken string        `mapstructure:"accessToken"` // default token for clients without one
	VerifyToken string        `mapstructure:"verifyToken"`
	AppSecret   string        `mapstructure:"appSecret"` // empty disables signature checks
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  uint64        `mapstructure:"maxRetries"`
}

type OpenAIConfig struct {
	APIKey             string        `mapstructure:"apiKey"`
	BaseURL            string        `mapstructure:"baseURL"`
	Model              string        `mapstructure:"model"`
	VisionModel        string        `mapstructure:"visionModel"`
	TranscriptionModel string        `mapstructure:"transcriptionModel"`
	Temperature        float32       `mapstructure:"temperature"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// Location resolves Timezone, falling back to UTC when it is empty or unknown.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("timezone", "America/Sao_Paulo")
	v.SetDefault("log.file.maxSizeMB", 100)
	v.SetDefault("log.file.maxBackups", 3)
	v.SetDefault("log.file.maxAgeDays", 28)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 10*time.Second)
	v.SetDefault("server.writeTimeout", 10*time.Second)
	v.SetDefault("server.shutdownTimeout", 30*time.Second)
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("transport", "nats")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.jobs.stream", "sdr_jobs")
	v.SetDefault("nats.jobs.consumer", "sdr-engine")
	v.SetDefault("nats.jobs.group", "sdr-engine")
	v.SetDefault("nats.jobs.subjectList", []string{"v1.inbound.>", "v1.jobs.>"})
	v.SetDefault("nats.jobs.maxAge", 7)
	v.SetDefault("nats.jobs.maxDeliver", 5)
	v.SetDefault("nats.jobs.nakBaseDelay", time.Second)
	v.SetDefault("nats.jobs.nakMaxDelay", time.Minute)
	v.SetDefault("nats.jobs.ackWait", 2*time.Minute)
	v.SetDefault("nats.jobs.jobWorkers", 4)
	v.SetDefault("nats.dlqStream", "sdr_dlq")
	v.SetDefault("nats.dlqSubject", "v1.dlq")
	v.SetDefault("nats.dlqWorkers", 4)
	v.SetDefault("nats.dlqBaseDelayMinutes", 1)
	v.SetDefault("nats.dlqMaxDelayMinutes", 15)
	v.SetDefault("nats.dlqMaxAgeDays", 7)
	v.SetDefault("nats.dlqMaxDeliver", 5)
	v.SetDefault("nats.dlqAckWait", 30*time.Second)
	v.SetDefault("nats.dlqMaxAckPending", 100)

	v.SetDefault("database.postgresAutoMigrate", true)
	v.SetDefault("database.schema", "sdr")

	v.SetDefault("workerPools.flush.poolSize", 16)
	v.SetDefault("workerPools.flush.queueSize", 1000)
	v.SetDefault("workerPools.flush.expiryTime", time.Minute)

	v.SetDefault("debounce.window", 25*time.Second)
	v.SetDefault("debounce.mergeMessages", false)
	v.SetDefault("debounce.flushOnShutdown", true)

	v.SetDefault("conversation.historyLimit", 20)
	v.SetDefault("conversation.segmentDelay", time.Second)
	v.SetDefault("conversation.systemPrompt", "You are a friendly sales development representative. Keep replies short and natural.")

	v.SetDefault("nudge.intervals", []int{10, 10, 20, 20, 30, 30})
	v.SetDefault("nudge.defaultInterval", 60)
	v.SetDefault("nudge.historyLimit", 20)
	v.SetDefault("nudge.fallbackText", "Just checking you got my last message 🙂")
	v.SetDefault("nudge.businessHours.enabled", true)
	v.SetDefault("nudge.businessHours.startHour", 8)
	v.SetDefault("nudge.businessHours.endHour", 20)

	v.SetDefault("morningSweep.cutoffHour", 20)
	v.SetDefault("morningSweep.fallbackText", "Good morning! Picking up where we left off yesterday.")

	v.SetDefault("reminder.leadWindow", time.Hour)
	v.SetDefault("reminder.todayTemplate", "Hi {{name}}! Just a reminder that our meeting is today at {{time}}.")
	v.SetDefault("reminder.hourTemplate", "Hi {{name}}! Our meeting starts in about an hour, at {{time}}.")

	v.SetDefault("campaign.pacing", time.Second)
	v.SetDefault("campaign.maxRetries", 3)

	v.SetDefault("schedules.nudgeScan", "*/5 * * * *")
	v.SetDefault("schedules.morningSweep", "50 7 * * *")
	v.SetDefault("schedules.reminderScan", "*/10 * * * *")
	v.SetDefault("schedules.reminderReset", "1 0 * * *")

	v.SetDefault("whatsapp.baseURL", "https://graph.facebook.com")
	v.SetDefault("whatsapp.apiVersion", "v20.0")
	v.SetDefault("whatsapp.timeout", 15*time.Second)
	v.SetDefault("whatsapp.maxRetries", 3)

	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.visionModel", "gpt-4o-mini")
	v.SetDefault("openai.transcriptionModel", "whisper-1")
	v.SetDefault("openai.temperature", 0.6)
	v.SetDefault("openai.timeout", 60*time.Second)
}

// LoadConfig reads configuration from .env, the default yaml file and
// environment variables, in increasing order of precedence.
func LoadConfig(path string) (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("default")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.sdr-lifecycle-engine")
	v.AddConfigPath("/etc/sdr-lifecycle-engine")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, Config{})

	// Critical values read directly from ENV
	for env, key := range map[string]string{
		"POSTGRES_DSN":          "database.postgresDSN",
		"LOG_LEVEL":             "logLevel",
		"NATS_URL":              "nats.url",
		"OPENAI_API_KEY":        "openai.apiKey",
		"OPENAI_BASE_URL":       "openai.baseURL",
		"WHATSAPP_ACCESS_TOKEN": "whatsapp.accessToken",
		"WHATSAPP_VERIFY_TOKEN": "whatsapp.verifyToken",
		"WHATSAPP_APP_SECRET":   "whatsapp.appSecret",
		"TZ_ENGINE":             "timezone",
	} {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.Transport != "nats" && c.Transport != "inline" {
		return fmt.Errorf("invalid transport %q: must be nats or inline", c.Transport)
	}
	if c.Debounce.Window <= 0 {
		return fmt.Errorf("debounce.window must be positive")
	}
	if c.Nudge.DefaultInterval <= 0 {
		return fmt.Errorf("nudge.defaultInterval must be positive")
	}
	for i, m := range c.Nudge.Intervals {
		if m <= 0 {
			return fmt.Errorf("nudge.intervals[%d] must be positive", i)
		}
	}
	bh := c.Nudge.BusinessHours
	if bh.Enabled && (bh.StartHour < 0 || bh.EndHour > 24 || bh.StartHour >= bh.EndHour) {
		return fmt.Errorf("nudge.businessHours must satisfy 0 <= startHour < endHour <= 24")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
	}
	return nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(append([]string{}, parts...), tag)
		key := strings.Join(path, ".")

		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}
		_ = v.BindEnv(key)
	}
}
