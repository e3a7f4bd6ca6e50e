package kms

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrNoProvider          = errors.New("no KMS providers available (checked Vault, AWS KMS, local key)")
)

// EncryptionContext is bound to the ciphertext as associated data.
type EncryptionContext map[string]string

// Provider wraps and unwraps data keys.
type Provider interface {
	Name() string
	EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error)
	DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error)
}

type Config struct {
	LocalKey       string
	// LocalKeySecret names an AWS Secrets Manager secret holding the local
	// key. It is read once at startup when LocalKey is empty.
	LocalKeySecret string
	RequirePrimary bool
	FailClosed     bool
	VaultAddr      string
	VaultToken     string
	VaultTokenFile string
	VaultMountPath string
	VaultKeyID     string
	AWSRegion      string
	AWSKeyID       string
}

// Adapter tries the primary provider (Vault, then AWS) and, unless
// fail-closed, falls back to the local key.
type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

func NewAdapter(ctx context.Context, c Config) (*Adapter, error) {
	var primary, fallback Provider
	if c.VaultAddr != "" {
		if vp, err := newVaultProvider(ctx, c); err == nil {
			primary = vp
		}
	}
	if primary == nil && c.AWSRegion != "" {
		if ap, err := newAWSProvider(ctx, c); err == nil {
			primary = ap
		}
	}
	if c.LocalKey == "" && c.LocalKeySecret != "" && c.AWSRegion != "" {
		key, err := fetchLocalKey(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("failed to load local key from secrets manager: %w", err)
		}
		c.LocalKey = key
	}
	if !c.RequirePrimary && c.LocalKey != "" {
		lp, err := newLocalProvider(c.LocalKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local provider: %w", err)
		}
		fallback = lp
	}
	if primary == nil && fallback == nil {
		if c.RequirePrimary {
			return nil, fmt.Errorf("KMS_REQUIRE_PRIMARY=true but no primary provider available")
		}
		return nil, ErrNoProvider
	}
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     c.FailClosed,
		requirePrimary: c.RequirePrimary,
	}, nil
}

// Provider names the provider that will serve the next call.
func (a *Adapter) Provider() string {
	if a.primary != nil {
		return a.primary.Name()
	}
	if a.fallback != nil {
		return a.fallback.Name()
	}
	return "none"
}

func (a *Adapter) Encrypt(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	return a.call(func(p Provider) ([]byte, error) {
		return p.EncryptWithContext(ctx, plaintext, aad)
	})
}

func (a *Adapter) Decrypt(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	return a.call(func(p Provider) ([]byte, error) {
		return p.DecryptWithContext(ctx, ciphertext, aad)
	})
}

func (a *Adapter) call(fn func(Provider) ([]byte, error)) ([]byte, error) {
	if a.primary != nil {
		out, err := fn(a.primary)
		if err == nil {
			return out, nil
		}
		if a.requirePrimary {
			return nil, fmt.Errorf("primary KMS %s failed (KMS_REQUIRE_PRIMARY=true): %w", a.primary.Name(), err)
		}
		if a.failClosed || a.fallback == nil {
			return nil, fmt.Errorf("kms %s failed (fail-closed): %w", a.primary.Name(), err)
		}
	}
	if a.fallback != nil {
		return fn(a.fallback)
	}
	return nil, ErrProviderUnavailable
}

func serializeEncryptionContext(ctx EncryptionContext) []byte {
	if len(ctx) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ctx[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}

type vaultProvider struct {
	client    *vault.Client
	mountPath string
	keyID     string
}

func newVaultProvider(ctx context.Context, c Config) (*vaultProvider, error) {
	vc := vault.DefaultConfig()
	vc.Address = c.VaultAddr
	vc.Timeout = 5 * time.Second
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, err
	}
	if c.VaultTokenFile != "" {
		tokenBytes, err := os.ReadFile(c.VaultTokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if c.VaultToken != "" {
		client.SetToken(c.VaultToken)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultProvider{
		client:    client,
		mountPath: c.VaultMountPath,
		keyID:     c.VaultKeyID,
	}, nil
}

func (v *vaultProvider) Name() string { return "vault" }

func (v *vaultProvider) EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/encrypt/%s", v.mountPath, v.keyID)
	data := map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	if len(encContext) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(encContext)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, err
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext not found")
	}
	return []byte(ciphertext), nil
}

func (v *vaultProvider) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/decrypt/%s", v.mountPath, v.keyID)
	data := map[string]interface{}{
		"ciphertext": string(ciphertext),
	}
	if len(encContext) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(encContext)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, err
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext not found")
	}
	return base64.StdEncoding.DecodeString(plaintextB64)
}

func fetchLocalKey(ctx context.Context, c Config) (string, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(c.AWSRegion))
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := secretsmanager.NewFromConfig(awsCfg).GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &c.LocalKeySecret,
	})
	if err != nil {
		return "", err
	}
	if out.SecretString == nil {
		return "", errors.New("secret has no string value")
	}
	return strings.TrimSpace(*out.SecretString), nil
}

type awsProvider struct {
	client *kms.Client
	keyID  string
}

func newAWSProvider(ctx context.Context, c Config) (*awsProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(c.AWSRegion))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		client: kms.NewFromConfig(awsCfg),
		keyID:  c.AWSKeyID,
	}, nil
}

func (a *awsProvider) Name() string { return "aws-kms" }

func (a *awsProvider) EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error) {
	input := &kms.EncryptInput{
		KeyId:     &a.keyID,
		Plaintext: plaintext,
	}
	if len(encContext) > 0 {
		input.EncryptionContext = map[string]string{
			"context": base64.StdEncoding.EncodeToString(encContext),
		}
	}
	result, err := a.client.Encrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("aws kms encrypt failed: %w", err)
	}
	return result.CiphertextBlob, nil
}

func (a *awsProvider) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error) {
	input := &kms.DecryptInput{
		CiphertextBlob: ciphertext,
	}
	if len(encContext) > 0 {
		input.EncryptionContext = map[string]string{
			"context": base64.StdEncoding.EncodeToString(encContext),
		}
	}
	result, err := a.client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("aws kms decrypt failed: %w", err)
	}
	return result.Plaintext, nil
}

// localProvider wraps keys with AES-256-GCM under a key from configuration.
type localProvider struct {
	aead cipher.AEAD
}

func newLocalProvider(key string) (*localProvider, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("KMS_LOCAL_KEY must be base64-encoded: %w", err)
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("KMS_LOCAL_KEY must be exactly 32 bytes when decoded (got %d bytes)", len(decoded))
	}
	block, err := aes.NewCipher(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &localProvider{aead: aead}, nil
}

func (l *localProvider) Name() string { return "local" }

func (l *localProvider) EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return l.aead.Seal(nonce, nonce, plaintext, encContext), nil
}

func (l *localProvider) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonceSize := l.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	return l.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], encContext)
}
