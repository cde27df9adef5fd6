package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/corestream/eventcore/pkg/cipher"
	"github.com/corestream/eventcore/pkg/compressor"
	"github.com/corestream/eventcore/pkg/mapper"
	"github.com/corestream/eventcore/pkg/security/credentials"
)

// MapperOptions resolves cfg's state-pipeline fields (CompressorTopic,
// CipherTopic, CipherKey) into mapper.Options, so a caller builds its
// *mapper.Mapper as mapper.New(registry, topics, cfg.MapperOptions(ctx)...)
// instead of hand-wiring compressor/cipher construction itself.
//
// CompressorTopic non-empty enables compression with the pack's default
// Zlib compressor. CipherTopic non-empty enables encryption, with the key
// material resolved from CipherKey by ResolveCipherKey. Both topics exist
// as config fields only to signal "enabled" — the pipeline itself runs
// over every event regardless of topic, so neither value is consulted
// again after this call.
func (cfg DatastoreConfig) MapperOptions(ctx context.Context) ([]mapper.Option, error) {
	var opts []mapper.Option

	if cfg.CompressorTopic != "" {
		opts = append(opts, mapper.WithCompressor(compressor.NewZlib(0)))
	}

	if cfg.CipherTopic != "" {
		keyMaterial, err := ResolveCipherKey(ctx, cfg.CipherKey)
		if err != nil {
			return nil, fmt.Errorf("config: resolve cipher key: %w", err)
		}
		c, err := cipher.NewAESGCM(keyMaterial, nil, []byte(cfg.CipherTopic))
		if err != nil {
			return nil, fmt.Errorf("config: construct cipher: %w", err)
		}
		opts = append(opts, mapper.WithCipher(c))
	}

	return opts, nil
}

// ResolveCipherKey turns a CIPHER_KEY value into key material for
// cipher.NewAESGCM. A value containing "://" is treated as a
// gocloud.dev/secrets URL and resolved through
// credentials.NewSecretProvider, expecting a token-type credential; any
// other value is used as literal key material directly.
func ResolveCipherKey(ctx context.Context, cipherKey string) ([]byte, error) {
	if cipherKey == "" {
		return nil, fmt.Errorf("config: CIPHER_KEY is required when CIPHER_TOPIC is set")
	}

	if !strings.Contains(cipherKey, "://") {
		return []byte(cipherKey), nil
	}

	provider, err := credentials.NewSecretProvider(ctx, cipherKey)
	if err != nil {
		return nil, fmt.Errorf("open secret provider: %w", err)
	}
	defer provider.Close()

	creds, err := provider.GetCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("load secret: %w", err)
	}
	if creds.Token == "" {
		return nil, fmt.Errorf("secret at %s has no token credential", cipherKey)
	}
	return []byte(creds.Token), nil
}
