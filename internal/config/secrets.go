package config

import (
	"slices"

	"github.com/alanyoungcy/signaltrader/internal/crypto"
)

// RedactedConfig returns a copy of cfg with secrets replaced by "***", for
// logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Exchange.APIKey)
	redact(&out.Exchange.SecretKey)
	redact(&out.Exchange.SecretPassword)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	return out
}

// ExchangeSecret resolves the API secret from secret_key or the encrypted
// secret file.
func (c *Config) ExchangeSecret() (string, error) {
	return crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:     c.Exchange.SecretKey,
		EncryptedPath: c.Exchange.EncryptedSecretPath,
		Password:      c.Exchange.SecretPassword,
	})
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
