package cfg

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"pastelite/pkg/kms"
	"pastelite/svc/util"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

type Cfg struct {
	Port        string
	Environment string
	LogLevel    string
	BaseURL     string
	TrustProxy  bool
	ConfigFile  string

	StorageDriver   string
	DatabasePath    string
	DatabaseDSN     Secret
	DBMaxOpenConns  int
	DBMaxIdleConns  int
	DBQueryTimeout  time.Duration
	DBResponseFloor time.Duration

	RedisURL       string
	RedisTLS       bool
	RedisHostname  string
	RedisCACert    string
	RedisUsername  string
	RedisPassword  Secret
	RedisTimeout   time.Duration
	RedisKeyPrefix string

	TombstoneCacheSize int
	MaxPasteSize       int64
	IDLength           int
	ContextTimeout     time.Duration
	AllowedOrigins     []string
	MetricsUser        string
	MetricsPass        Secret

	EncryptAtRest     bool
	KEKCacheTTL       time.Duration
	KMSLocalKey       Secret
	KMSLocalKeySecret string
	KMSRequirePrimary bool
	KMSFailClosed     bool
	VaultAddr         string
	VaultToken        Secret
	VaultTokenFile    string
	VaultMountPath    string
	VaultKeyID        string
	AWSRegion         string
	KMSMasterKeyID    string
}

// Load reads the environment, falling back to CONFIG_FILE (YAML) and then
// to built-in defaults.
func Load() (*Cfg, error) {
	l := &loader{}
	if path := l.get("CONFIG_FILE", ""); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		l.file = file
	}
	c := &Cfg{}
	c.ConfigFile = l.get("CONFIG_FILE", "")
	c.Port = l.get("PORT", "8080")
	c.Environment = l.get("ENVIRONMENT", "development")
	c.LogLevel = l.get("LOG_LEVEL", "info")
	c.BaseURL = strings.TrimRight(l.get("BASE_URL", ""), "/")
	c.TrustProxy = l.getBool("TRUST_PROXY", false)

	c.StorageDriver = strings.ToLower(l.get("STORAGE_DRIVER", DriverSQLite))
	c.DatabasePath = l.get("DATABASE_PATH", "pastelite.db")
	c.DatabaseDSN = NewSecret(l.get("DATABASE_DSN", ""))
	var err error
	if c.DBMaxOpenConns, err = l.getInt("DB_MAX_OPEN_CONNS", 25); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = l.getInt("DB_MAX_IDLE_CONNS", 10); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = l.getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.DBResponseFloor, err = l.getDuration("DB_RESPONSE_FLOOR", 0); err != nil {
		return nil, err
	}

	c.RedisURL = l.get("REDIS_URL", "")
	c.RedisTLS = l.getBool("REDIS_TLS", false)
	c.RedisHostname = l.get("REDIS_HOSTNAME", "")
	c.RedisCACert = l.get("REDIS_TLS_CA_CERT", "")
	c.RedisUsername = l.get("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(l.get("REDIS_PASSWORD", ""))
	if c.RedisTimeout, err = l.getDuration("REDIS_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	c.RedisKeyPrefix = l.get("REDIS_KEY_PREFIX", "pastelite")

	if c.TombstoneCacheSize, err = l.getInt("TOMBSTONE_CACHE_SIZE", 10000); err != nil {
		return nil, err
	}
	if c.MaxPasteSize, err = l.getInt64("MAX_PASTE_SIZE", 512*1024); err != nil {
		return nil, err
	}
	if c.IDLength, err = l.getInt("ID_LENGTH", 10); err != nil {
		return nil, err
	}
	if c.ContextTimeout, err = l.getDuration("CONTEXT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	c.AllowedOrigins = l.getSlice("ALLOWED_ORIGINS", []string{})
	c.MetricsUser = l.get("METRICS_USER", "")
	c.MetricsPass = NewSecret(l.get("METRICS_PASS", ""))

	c.EncryptAtRest = l.getBool("ENCRYPT_AT_REST", false)
	if c.KEKCacheTTL, err = l.getDuration("KEK_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	c.KMSLocalKey = NewSecret(l.get("KMS_LOCAL_KEY", ""))
	c.KMSLocalKeySecret = l.get("KMS_LOCAL_KEY_SECRET_ID", "")
	c.KMSRequirePrimary = l.getBool("KMS_REQUIRE_PRIMARY", false)
	c.KMSFailClosed = l.getBool("KMS_FAIL_CLOSED", true)
	c.VaultAddr = l.get("VAULT_ADDR", "")
	c.VaultToken = NewSecret(l.get("VAULT_TOKEN", ""))
	c.VaultTokenFile = l.get("VAULT_TOKEN_FILE", "")
	c.VaultMountPath = l.get("VAULT_MOUNT_PATH", "transit")
	c.VaultKeyID = l.get("VAULT_KEY_ID", "pastelite-master")
	c.AWSRegion = l.get("AWS_REGION", "")
	c.KMSMasterKeyID = l.get("KMS_MASTER_KEY_ID", "alias/pastelite-master")
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("BASE_URL must be an absolute http(s) URL")
		}
	}
	switch c.StorageDriver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseDSN.Value() == "" {
			return errors.New("DATABASE_DSN is required for the postgres driver")
		}
	case DriverRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis driver")
		}
	case DriverMemory:
		if c.Environment == "production" {
			return errors.New("the memory driver is not durable and cannot run in production")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
		if c.RedisTLS && c.RedisHostname == "" {
			return errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
		}
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}
	if c.DBResponseFloor < 0 || c.DBResponseFloor > time.Second {
		return errors.New("DB_RESPONSE_FLOOR must be between 0 and 1s")
	}
	if c.TombstoneCacheSize < 0 || c.TombstoneCacheSize > 1000000 {
		return errors.New("TOMBSTONE_CACHE_SIZE must be between 0 and 1000000")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.IDLength < 6 || c.IDLength > 32 {
		return errors.New("ID_LENGTH must be between 6 and 32")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if c.EncryptAtRest {
		if c.VaultAddr == "" && c.AWSRegion == "" && c.KMSLocalKey.Value() == "" {
			return errors.New("ENCRYPT_AT_REST needs VAULT_ADDR, AWS_REGION or KMS_LOCAL_KEY")
		}
		if c.KMSLocalKeySecret != "" && c.AWSRegion == "" {
			return errors.New("KMS_LOCAL_KEY_SECRET_ID needs AWS_REGION")
		}
		if c.KEKCacheTTL < time.Minute {
			return errors.New("KEK_CACHE_TTL must be at least 1 minute")
		}
		if c.KEKCacheTTL > time.Hour {
			return errors.New("KEK_CACHE_TTL should not exceed 1 hour")
		}
	}
	return nil
}

// KMS maps the key-management settings onto the adapter config.
func (c *Cfg) KMS() kms.Config {
	return kms.Config{
		LocalKey:       c.KMSLocalKey.Value(),
		LocalKeySecret: c.KMSLocalKeySecret,
		RequirePrimary: c.KMSRequirePrimary,
		FailClosed:     c.KMSFailClosed,
		VaultAddr:      c.VaultAddr,
		VaultToken:     c.VaultToken.Value(),
		VaultTokenFile: c.VaultTokenFile,
		VaultMountPath: c.VaultMountPath,
		VaultKeyID:     c.VaultKeyID,
		AWSRegion:      c.AWSRegion,
		AWSKeyID:       c.KMSMasterKeyID,
	}
}

// StorageTarget describes where the configured driver stores pastes, with
// credentials masked so it can be logged.
func (c *Cfg) StorageTarget() string {
	switch c.StorageDriver {
	case DriverSQLite:
		return c.DatabasePath
	case DriverPostgres:
		return util.RedactSecret(c.DatabaseDSN.Value())
	case DriverRedis:
		return util.RedactSecret(c.RedisURL)
	}
	return c.StorageDriver
}

func (c *Cfg) Wipe() {
	c.DatabaseDSN.Wipe()
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.KMSLocalKey.Wipe()
	c.VaultToken.Wipe()
}
