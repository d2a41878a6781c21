package envvar

const (
	// DeployrtEnv is the environment variable used to determine the environment
	DeployrtEnv = "DEPLOYRT_ENV"

	// DeployrtLogLevel is the environment variable used to override the log level
	DeployrtLogLevel = "DEPLOYRT_LOG_LEVEL"

	// DeployrtCacheDir is the environment variable used to override the artifact cache directory
	DeployrtCacheDir = "DEPLOYRT_CACHE_DIR"

	// S3 credentials for s3:// artifact and dataset URIs
	DeployrtS3Endpoint  = "DEPLOYRT_S3_ENDPOINT"
	DeployrtS3AccessKey = "DEPLOYRT_S3_ACCESS_KEY"
	DeployrtS3SecretKey = "DEPLOYRT_S3_SECRET_KEY"
	DeployrtS3UseSSL    = "DEPLOYRT_S3_USE_SSL"
	DeployrtS3Region    = "DEPLOYRT_S3_REGION"
)
