package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Settings are the process level settings of the txservice binary. Chain
// configuration lives in the file named by ChainsFile.
type Settings struct {
	ChainsFile       string
	PrivateKey       string
	KeystoreDir      string
	KeystoreAddress  string
	KeystorePassword string
	LogLevel         string
	MetricsAddr      string
	LedgerDir        string
	KafkaBrokers     []string
	KafkaTopicPrefix string
	OtelEndpoint     string
}

type EnvSource interface {
	Lookup(key string) (string, bool)
}

type EnvMap map[string]string

func (e EnvMap) Lookup(key string) (string, bool) {
	value, ok := e[key]
	return value, ok
}

func FromEnviron() EnvSource {
	env := make(EnvMap)
	for _, entry := range os.Environ() {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

// Load reads Settings from source. A signing key is required, either as a
// hex private key or as a keystore directory and account address.
func Load(source EnvSource) (Settings, error) {
	if source == nil {
		return Settings{}, errors.New("env source is required")
	}
	get := func(key string) string {
		value, _ := source.Lookup(key)
		return strings.TrimSpace(value)
	}

	settings := Settings{
		ChainsFile:       get("TXSERVICE_CHAINS_FILE"),
		PrivateKey:       get("TXSERVICE_PRIVATE_KEY"),
		KeystoreDir:      get("TXSERVICE_KEYSTORE_DIR"),
		KeystoreAddress:  get("TXSERVICE_KEYSTORE_ADDRESS"),
		KeystorePassword: get("TXSERVICE_KEYSTORE_PASSWORD"),
		LogLevel:         get("TXSERVICE_LOG_LEVEL"),
		MetricsAddr:      get("TXSERVICE_METRICS_ADDR"),
		LedgerDir:        get("TXSERVICE_LEDGER_DIR"),
		KafkaBrokers:     parseList(get("TXSERVICE_KAFKA_BROKERS")),
		KafkaTopicPrefix: get("TXSERVICE_KAFKA_TOPIC"),
		OtelEndpoint:     get("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if settings.ChainsFile == "" {
		settings.ChainsFile = "chains.json"
	}
	if settings.LogLevel == "" {
		settings.LogLevel = "info"
	}
	if settings.PrivateKey == "" && (settings.KeystoreDir == "" || settings.KeystoreAddress == "") {
		return Settings{}, errors.New("TXSERVICE_PRIVATE_KEY or TXSERVICE_KEYSTORE_DIR and TXSERVICE_KEYSTORE_ADDRESS are required")
	}
	return settings, nil
}

func parseList(raw string) []string {
	var values []string
	for _, item := range strings.Split(raw, ",") {
		if value := strings.TrimSpace(item); value != "" {
			values = append(values, value)
		}
	}
	return values
}
