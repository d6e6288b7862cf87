package di

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/synclune/api/internal/platform/secrets"
)

// NewSecretFetcher builds the Secret Manager fetcher from raw environment values. It runs before
// configuration is loaded because configuration values may be secret references.
func NewSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_PUBSUB_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(project),
	}
	if path := lookup("API_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if pins := parseKeyValueList(lookup("API_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentials := lookup("API_GOOGLE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// RequiredSecrets lists the configuration fields that must resolve to a value. Payment
// credentials are optional in the local environment; broker credentials only when a broker is set.
func RequiredSecrets(env map[string]string) []string {
	var required []string
	switch strings.ToLower(strings.TrimSpace(env["API_ENVIRONMENT"])) {
	case "", "local", "test":
	default:
		required = append(required, "PSP.StripeAPIKey", "PSP.StripeWebhookSecret")
	}
	if strings.TrimSpace(env["API_DB_DSN"]) == "" {
		required = append(required, "Database.Password")
	} else {
		required = append(required, "Database.DSN")
	}
	if strings.TrimSpace(env["API_NOTIFY_AMQP_URL"]) != "" {
		required = append(required, "Notifications.AMQPURL")
	}
	return uniqueStrings(required)
}

// parseKeyValueList reads "a=1,b=2". Entries without a key or value are skipped.
func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
