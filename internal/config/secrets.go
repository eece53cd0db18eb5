package config

import "net/url"

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Wallet
	out.Wallet = cfg.Wallet
	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)

	// RPC URLs frequently embed provider API keys in the path.
	out.Primary = cfg.Primary
	redactURL(&out.Primary.RPCURL)
	redactURL(&out.Primary.WSURL)
	out.Automation = cfg.Automation
	redactURL(&out.Automation.RPCURL)

	// Supabase
	out.Supabase = cfg.Supabase
	redact(&out.Supabase.DSN)
	redact(&out.Supabase.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// S3
	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Server
	out.Server = cfg.Server
	redact(&out.Server.APIKey)
	redact(&out.Server.HMACSecret)

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactURL keeps the scheme and host of an endpoint and hides credentials,
// path and query.
func redactURL(s *string) {
	if *s == "" {
		return
	}
	u, err := url.Parse(*s)
	if err != nil || u.Host == "" {
		*s = redacted
		return
	}
	hidden := u.Path != "" && u.Path != "/"
	u.User = nil
	u.RawQuery, u.Fragment = "", ""
	u.Path, u.RawPath = "", ""
	*s = u.String()
	if hidden {
		*s += "/" + redacted
	}
}
