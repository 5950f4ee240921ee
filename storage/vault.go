package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/ruteri/enclave-secure-channel/interfaces"
)

const vaultContentField = "content"

// VaultConfig selects a KV v2 mount and a path under it.
type VaultConfig struct {
	// Address is the Vault server URL, e.g. https://vault:8200.
	Address string
	Mount   string
	Path    string

	// Token authenticates requests. When empty, VAULT_TOKEN applies.
	Token string
}

// VaultBackend keeps blobs as KV v2 secrets, base64 encoded in a single field.
type VaultBackend struct {
	kv   *vault.KVv2
	sys  *vault.Sys
	cfg  VaultConfig
	log  *slog.Logger
	host string
}

func NewVaultBackend(cfg VaultConfig, log *slog.Logger) (*VaultBackend, error) {
	clientCfg := vault.DefaultConfig()
	clientCfg.Address = cfg.Address
	clientCfg.Timeout = 30 * time.Second

	client, err := vault.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	u, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	cfg.Mount = strings.Trim(cfg.Mount, "/")
	cfg.Path = strings.Trim(cfg.Path, "/")
	return &VaultBackend{
		kv:   client.KVv2(cfg.Mount),
		sys:  client.Sys(),
		cfg:  cfg,
		log:  log.With(slog.String("backend", "vault"), slog.String("mount", cfg.Mount)),
		host: u.Host,
	}, nil
}

func (b *VaultBackend) secretPath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(b.cfg.Path, contentType.String(), id.String())
}

func (b *VaultBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	secret, err := b.kv.Get(ctx, b.secretPath(id, contentType))
	if errors.Is(err, vault.ErrSecretNotFound) {
		return nil, interfaces.ErrContentNotFound
	} else if err != nil {
		b.log.Error("Vault read failed", slog.String("contentID", id.String()), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	encoded, ok := secret.Data[vaultContentField].(string)
	if !ok {
		return nil, fmt.Errorf("vault secret %s has no %q field", id, vaultContentField)
	}
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault secret %s is not base64: %w", id, err)
	}
	if err := verifyContent(id, content); err != nil {
		return nil, err
	}
	return content, nil
}

func (b *VaultBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	_, err := b.kv.Put(ctx, b.secretPath(id, contentType), map[string]interface{}{
		vaultContentField: base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		b.log.Error("Vault write failed", slog.String("contentID", id.String()), "err", err)
		return id, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	b.log.Debug("Stored content", slog.String("contentID", id.String()), slog.String("type", contentType.String()))
	return id, nil
}

// Available reports whether Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.sys.HealthWithContext(ctx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

func (b *VaultBackend) Name() string {
	return "vault-" + b.cfg.Mount
}

// LocationURI omits the token.
func (b *VaultBackend) LocationURI() string {
	return fmt.Sprintf("vault://%s/%s/%s", b.host, b.cfg.Mount, b.cfg.Path)
}
