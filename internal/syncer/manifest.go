package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/okatkov/relaysync/internal/common"
	"github.com/okatkov/relaysync/internal/cryptox"
	"github.com/okatkov/relaysync/internal/models"
	"github.com/okatkov/relaysync/internal/relay"
	"github.com/okatkov/relaysync/internal/repositories/syncstate"
)

// manifestFile is the relay wire form of the manifest. Salt and the KDF
// iteration count stay cleartext: a joining device needs them to derive the
// key before it can decrypt anything. Everything else lives in the sealed
// body.
type manifestFile struct {
	Salt          []byte `json:"salt"`
	KDFIterations int    `json:"kdf_iterations"`
	Nonce         []byte `json:"nonce"`
	Body          []byte `json:"body"`
	MAC           []byte `json:"mac"`
}

type manifestBody struct {
	Devices   []models.DeviceRecord `json:"devices"`
	CreatedAt int64                 `json:"created_at"`
}

func encodeManifest(m *models.Manifest, k *cryptox.Keys) ([]byte, error) {
	plain, err := json.Marshal(manifestBody{Devices: m.Devices, CreatedAt: m.CreatedAt})
	if err != nil {
		return nil, err
	}
	nonce, ciphertext, mac, err := cryptox.Seal(plain, k)
	if err != nil {
		return nil, err
	}
	return json.Marshal(manifestFile{
		Salt:          m.Salt,
		KDFIterations: m.KDFIterations,
		Nonce:         nonce,
		Body:          ciphertext,
		MAC:           mac,
	})
}

// decodeManifestHeader extracts the cleartext KDF parameters without keys.
func decodeManifestHeader(data []byte) (salt []byte, iterations int, err error) {
	var f manifestFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, 0, fmt.Errorf("malformed manifest: %w", err)
	}
	if len(f.Salt) == 0 {
		return nil, 0, fmt.Errorf("malformed manifest: empty salt")
	}
	return f.Salt, f.KDFIterations, nil
}

// decodeManifest verifies and decrypts the manifest body. A MAC mismatch
// here almost always means the wrong passphrase (the keys do not match the
// salt), so it surfaces as ErrAuthentication rather than ErrIntegrity.
func decodeManifest(data []byte, k *cryptox.Keys) (*models.Manifest, error) {
	var f manifestFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed manifest: %w", err)
	}

	plain, err := cryptox.Open(f.Nonce, f.Body, f.MAC, k)
	if err != nil {
		if errors.Is(err, common.ErrIntegrity) {
			return nil, common.ErrAuthentication
		}
		return nil, err
	}

	var body manifestBody
	if err := json.Unmarshal(plain, &body); err != nil {
		return nil, fmt.Errorf("malformed manifest body: %w", err)
	}
	return &models.Manifest{
		Salt:          f.Salt,
		KDFIterations: f.KDFIterations,
		Devices:       body.Devices,
		CreatedAt:     body.CreatedAt,
	}, nil
}

// fetchManifest downloads the raw manifest blob with retry.
func (s *Service) fetchManifest(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.relay.Get(ctx, relay.ManifestName)
		return err
	})
	return data, err
}

// saveManifest encrypts and uploads the in-memory manifest.
func (s *Service) saveManifest(ctx context.Context) error {
	data, err := encodeManifest(s.manifest, s.keys)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.relay.Put(ctx, relay.ManifestName, data)
	})
}

// Setup initializes this device. On an empty relay it creates a fresh
// manifest with a new salt; on a populated one it joins, which requires the
// passphrase to match (wrong passphrase → ErrAuthentication, and no local
// state is written).
func (s *Service) Setup(ctx context.Context, passphrase []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := syncstate.NewSQLiteRepository(s.db).Get(ctx); err == nil {
		return fmt.Errorf("device already configured")
	} else if !errors.Is(err, common.ErrNotFound) {
		return err
	}

	data, err := s.fetchManifest(ctx)
	switch {
	case err == nil:
		salt, iterations, err := decodeManifestHeader(data)
		if err != nil {
			return err
		}
		keys, err := cryptox.DeriveKeys(passphrase, salt, iterations)
		if err != nil {
			return err
		}
		m, err := decodeManifest(data, keys)
		if err != nil {
			return err
		}
		s.keys, s.salt, s.manifest = keys, salt, m

	case errors.Is(err, common.ErrNotFound):
		salt, err := cryptox.NewSalt()
		if err != nil {
			return err
		}
		keys, err := cryptox.DeriveKeys(passphrase, salt, s.cfg.KDFIterations)
		if err != nil {
			return err
		}
		s.keys, s.salt = keys, salt
		s.manifest = &models.Manifest{
			Salt:          salt,
			KDFIterations: s.cfg.KDFIterations,
			CreatedAt:     s.now().UnixMilli(),
		}

	default:
		return fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}

	// Relay first, identity second: a failed upload leaves nothing local to
	// clean up, while a ghost device record in the manifest is harmless.
	deviceID := uuid.NewString()
	s.manifest.UpsertDevice(models.DeviceRecord{
		DeviceID:    deviceID,
		DisplayName: s.cfg.DisplayName,
		LastSeen:    s.now().UnixMilli(),
	})
	if err := s.saveManifest(ctx); err != nil {
		return err
	}
	if err := syncstate.NewSQLiteRepository(s.db).Init(ctx, deviceID, s.cfg.DisplayName); err != nil {
		return err
	}

	s.logger.Info(ctx, "device configured",
		"device", deviceID, "display_name", s.cfg.DisplayName,
		"devices", len(s.manifest.Devices))
	return nil
}

// Open unlocks an already-configured device for this session: it derives
// keys from the passphrase against the relay manifest and verifies them.
func (s *Service) Open(ctx context.Context, passphrase []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := syncstate.NewSQLiteRepository(s.db).Get(ctx)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.ErrNotConfigured
		}
		return err
	}

	data, err := s.fetchManifest(ctx)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("manifest missing from relay: %w", err)
		}
		return fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}

	salt, iterations, err := decodeManifestHeader(data)
	if err != nil {
		return err
	}
	keys, err := cryptox.DeriveKeys(passphrase, salt, iterations)
	if err != nil {
		return err
	}
	m, err := decodeManifest(data, keys)
	if err != nil {
		return err
	}
	s.keys, s.salt, s.manifest = keys, salt, m

	// Re-register if another device rewrote the manifest without us (a key
	// rotation does this).
	if m.Device(state.DeviceID) == nil {
		m.UpsertDevice(models.DeviceRecord{
			DeviceID:      state.DeviceID,
			DisplayName:   state.DisplayName,
			LastSeen:      s.now().UnixMilli(),
			LastPushedSeq: state.PushedSeq,
		})
		if err := s.saveManifest(ctx); err != nil {
			return err
		}
	}
	return nil
}
