package shared

import (
	"encoding/json"
	"github.com/tailscale/hujson"
	"log"
	"os"
)

const (
	configVarName  = "CONFIG"                      // If set, will load config.json from this path and not from devConfigPath
	secretsVarName = "SECRETS"                     // If set, will load secrets.json from this path and not from devSecretsPath
	devConfigPath  = "../../dev/config.dev.jsonc"  // Path to config.json in development environment
	devSecretsPath = "../../dev/secrets.dev.jsonc" // Path to secrets.json in development environment
)

type Config struct {
	Secrets               Secrets `json:"-"`
	LogFile               string  `json:"log_file"`
	LogLevel              string  `json:"log_level"`
	ServicePort           uint    `json:"service_port"`
	Host                  string  `json:"host"`
	DbFile                string  `json:"db_file"`
	DevMode               bool    `json:"dev_mode"`
	PageSize              uint    `json:"page_size"`
	MaxParallelDeliveries int     `json:"max_parallel_deliveries"`
	DeliveryTimeoutSec    int     `json:"delivery_timeout_sec"`
	RetrySweepSec         int     `json:"retry_sweep_sec"`
	MaxDeliveryAttempts   int     `json:"max_delivery_attempts"`
	DedupRetentionDays    int     `json:"dedup_retention_days"`
	DedupSweepMinutes     int     `json:"dedup_sweep_minutes"`
}

type Secrets struct {
	PrivKeyPass string   `json:"privkey_passphrase"`
	ApiKeys     []string `json:"api_keys"`
	MetricsAuth string   `json:"metrics_auth"`
}

func LoadConfig() *Config {

	// Where are our config and secrets files?
	cfgPath := os.Getenv(configVarName)
	if len(cfgPath) == 0 {
		cfgPath = devConfigPath
	}
	secretsPath := os.Getenv(secretsVarName)
	if len(secretsPath) == 0 {
		secretsPath = devSecretsPath
	}

	// Read config file
	var config Config
	mustDeserializeFile(cfgPath, &config)
	// Read secrets member from secrets file
	mustDeserializeFile(secretsPath, &config.Secrets)

	applyDefaults(&config)

	return &config
}

func applyDefaults(config *Config) {
	if config.PageSize == 0 {
		config.PageSize = 20
	}
	if config.MaxParallelDeliveries == 0 {
		config.MaxParallelDeliveries = 5
	}
	if config.DeliveryTimeoutSec == 0 {
		config.DeliveryTimeoutSec = 30
	}
	if config.RetrySweepSec == 0 {
		config.RetrySweepSec = 60
	}
	if config.MaxDeliveryAttempts == 0 {
		config.MaxDeliveryAttempts = 10
	}
	if config.DedupRetentionDays == 0 {
		config.DedupRetentionDays = 30
	}
	if config.DedupSweepMinutes == 0 {
		config.DedupSweepMinutes = 60
	}
}

func mustDeserializeFile[T any](fileName string, obj *T) {
	var err error
	var cfgJson []byte
	cfgJson, err = os.ReadFile(fileName)
	if err != nil {
		log.Fatal(err)
	}
	// JSONC => JSON
	cfgJson, err = standardizeJSON(cfgJson)
	if err != nil {
		log.Fatal(err)
	}
	// Parse
	if err := json.Unmarshal(cfgJson, obj); err != nil {
		log.Fatal(err)
	}
}

func standardizeJSON(b []byte) ([]byte, error) {
	ast, err := hujson.Parse(b)
	if err != nil {
		return b, err
	}
	ast.Standardize()
	return ast.Pack(), nil
}
