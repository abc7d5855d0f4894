package config

const (
	EnvPrefix = "SPPIX"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv        = "SPPIX_APP_ENV"
	EnvPort          = "SPPIX_APP_PORT"
	EnvPublicBaseURL = "SPPIX_PUBLIC_BASE_URL"

	EnvDBDSN  = "SPPIX_DB_DSN"
	EnvDBHost = "SPPIX_DB_HOST"
	EnvDBUser = "SPPIX_DB_USER"
	EnvDBName = "SPPIX_DB_NAME"

	EnvRedisURL = "SPPIX_REDIS_URL"

	EnvJWTSecret = "SPPIX_JWT_SECRET"
	EnvJWTIssuer = "SPPIX_JWT_ISSUER"

	EnvGatewaySecretKey     = "SPPIX_GATEWAY_SECRET_KEY"
	EnvGatewaySigningSecret = "SPPIX_GATEWAY_SIGNING_SECRET"

	EnvChatPassphrase = "SPPIX_CHAT_PASSPHRASE"
	EnvBusURL         = "SPPIX_BUS_URL"

	EnvGCPProjectID   = "SPPIX_GCP_PROJECT_ID"
	EnvLifecycleTopic = "SPPIX_PUBSUB_LIFECYCLE_TOPIC"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
