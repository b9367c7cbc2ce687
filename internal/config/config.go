package config

import (
	"encoding/json"
	"strings"

	"github.com/catalystcommunity/app-utils-go/env"
)

var (
	// Port is the worker-facing API HTTP port
	Port int

	// SubmitPort is the user-facing (submit) API HTTP port
	SubmitPort int

	// Filesystem selects the file broker backend: "local" or "s3"
	Filesystem = env.GetEnvOrDefault("FILESYSTEM", "local")

	// S3 backend configuration. Endpoint and static keys are for
	// S3-compatible services; empty values fall back to the default AWS chain.
	S3Bucket    = env.GetEnvOrDefault("S3_BUCKET", "")
	S3Region    = env.GetEnvOrDefault("S3_REGION", "")
	S3Endpoint  = env.GetEnvOrDefault("S3_ENDPOINT", "")
	S3AccessKey = env.GetEnvOrDefault("S3_ACCESS_KEY", "")
	S3SecretKey = Secret(env.GetEnvOrDefault("S3_SECRET_KEY", ""))

	// UserDataRootPath is the read/write root of the local backend
	UserDataRootPath = env.GetEnvOrDefault("USER_DATA_ROOT_PATH", "")

	// Queue behavior
	MaxRetries     = env.GetEnvAsIntOrDefault("MAX_RETRIES", "2")
	TimeoutFailure = env.GetEnvAsIntOrDefault("TIMEOUT_FAILURE", "300")
	RetryDifferent = env.GetEnvAsBoolOrDefault("RETRY_DIFFERENT", "1")

	// QueueDbURL is the queue database connection string, with any {}
	// placeholder filled from the managed QUEUE_DB_SECRET payload
	QueueDbURL = FillSecret(env.GetEnvOrDefault("QUEUE_DB_URL", ""), env.GetEnvOrDefault("QUEUE_DB_SECRET", ""))

	// UserfacingAPIURL is the base URL of the submit API (job tracking callbacks)
	UserfacingAPIURL = env.GetEnvOrDefault("USERFACING_API_URL", "")

	// InternalAPIKeySecret gates the private endpoints between the two services
	InternalAPIKeySecret = Secret(env.GetEnvOrDefault("INTERNAL_API_KEY_SECRET", ""))

	// Cognito identity provider
	CognitoUserPoolID = env.GetEnvOrDefault("COGNITO_USER_POOL_ID", "")
	CognitoClientID   = env.GetEnvOrDefault("COGNITO_CLIENT_ID", "")
	CognitoRegion     = env.GetEnvOrDefault("COGNITO_REGION", "")

	// Submit API
	ApplicationConfigFile = env.GetEnvOrDefault("APPLICATION_CONFIG_FILE", "application_config.yaml")
	OutputsRootPath       = env.GetEnvOrDefault("OUTPUTS_ROOT_PATH", "")
	DatabaseURL           = FillSecret(env.GetEnvOrDefault("DATABASE_URL", ""), env.GetEnvOrDefault("DATABASE_SECRET", ""))

	// WorkerAPIURL is where the submit API posts new jobs
	WorkerAPIURL = env.GetEnvOrDefault("WORKER_API_URL", "http://localhost:8000")
)

// Secret dereferences a managed-secret payload: values that parse as JSON with
// a "password" field (AWS Secrets Manager style) resolve to that field, any
// other value is returned verbatim.
func Secret(raw string) string {
	var payload struct {
		Password *string `json:"password"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err == nil && payload.Password != nil {
		return *payload.Password
	}
	return raw
}

// FillSecret substitutes the dereferenced secret into the {} placeholder of a
// connection string template. Without a secret or placeholder the template is
// returned as is.
func FillSecret(template, rawSecret string) string {
	if rawSecret == "" {
		return template
	}
	return strings.Replace(template, "{}", Secret(rawSecret), 1)
}
