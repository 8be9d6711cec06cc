package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/EternisAI/silo-control/internal/api/http"
	"github.com/EternisAI/silo-control/internal/db"
	"github.com/EternisAI/silo-control/internal/jobs"
	"github.com/EternisAI/silo-control/internal/status"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log    LogConfig     `mapstructure:"log"`
	Http   http.Config   `mapstructure:"http"`
	Grpc   GrpcConfig    `mapstructure:"grpc"`
	DB     db.Config     `mapstructure:"db"`
	Nats   NatsConfig    `mapstructure:"nats"`
	Jobs   jobs.Config   `mapstructure:"jobs"`
	Status status.Config `mapstructure:"status"`
}

type GrpcConfig struct {
	Port int       `mapstructure:"port"`
	TLS  TLSConfig `mapstructure:"tls"`
}

// TLSConfig secures the agent listener. With AutoGenerate the CA and server
// certificate are created on first start and agent certificates can be
// issued through the admin API.
type TLSConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	CAFile       string `mapstructure:"ca_file"`
	CAKeyFile    string `mapstructure:"ca_key_file"`
	ClientAuth   string `mapstructure:"client_auth"`
	DomainNames  string `mapstructure:"domain_names"`
	IPAddresses  string `mapstructure:"ip_addresses"`
}

// NatsConfig enables lifecycle event publishing when URL is set.
type NatsConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

var config Config

func ParseCommaSeparated(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-control-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("db.url", "DATABASE_URL")
	_ = viper.BindEnv("http.admin_api_key", "ADMIN_API_KEY")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	initLogger(config.Log)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		if redacted.Http.AdminAPIKey != "" {
			redacted.Http.AdminAPIKey = "***"
		}
		if redacted.DB.Url != "" {
			redacted.DB.Url = "***"
		}
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
