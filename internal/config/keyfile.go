package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/ioustamora/datamesh/internal/cryptoutil"
	"github.com/ioustamora/datamesh/internal/dmerrors"
	"github.com/ioustamora/datamesh/internal/domain"
)

// KeyManager owns read-only access to key material on disk (§3: "Key
// material is owned by the key manager; other components hold shared
// read-only handles.").
type KeyManager struct {
	keysDir string
}

// NewKeyManager builds a manager rooted at keysDir, creating it if absent.
func NewKeyManager(keysDir string) (*KeyManager, error) {
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating keys dir: %w", err)
	}
	return &KeyManager{keysDir: keysDir}, nil
}

func (m *KeyManager) path(name string) string {
	return filepath.Join(m.keysDir, name+".key")
}

// Generate creates a fresh keypair and persists it as <name>.key.
func (m *KeyManager) Generate(name string) (domain.KeyFile, error) {
	priv, pub, err := cryptoutil.GenerateKeypair()
	if err != nil {
		return domain.KeyFile{}, dmerrors.Wrap(dmerrors.KindCrypto, err)
	}
	kf := domain.KeyFile{
		Name:          name,
		CreatedAt:     cryptoutil.Now(),
		PublicKeyHex:  cryptoutil.EncodeHex(pub[:]),
		PrivateKeyHex: cryptoutil.EncodeHex(priv[:]),
	}
	if err := m.Save(kf); err != nil {
		return domain.KeyFile{}, err
	}
	return kf, nil
}

// Save writes a key file as TOML in the layout of §6.
func (m *KeyManager) Save(kf domain.KeyFile) error {
	data, err := toml.Marshal(kf)
	if err != nil {
		return fmt.Errorf("marshalling key file: %w", err)
	}
	if err := os.WriteFile(m.path(kf.Name), data, 0o600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

// Load reads a named key file back from disk.
func (m *KeyManager) Load(name string) (domain.KeyFile, error) {
	data, err := os.ReadFile(m.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.KeyFile{}, dmerrors.ErrUnknownName
		}
		return domain.KeyFile{}, fmt.Errorf("reading key file: %w", err)
	}
	var kf domain.KeyFile
	if err := toml.Unmarshal(data, &kf); err != nil {
		return domain.KeyFile{}, dmerrors.Wrap(dmerrors.KindCrypto, dmerrors.ErrBadKeyFormat)
	}
	return kf, nil
}

// Delete removes a key file by explicit user action (§3 lifecycle).
func (m *KeyManager) Delete(name string) error {
	if err := os.Remove(m.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting key file: %w", err)
	}
	return nil
}

// PublicKey loads a key file and decodes just its public point, for callers
// that only need the recipient key (e.g. `store --recipient`).
func (m *KeyManager) PublicKey(name string) (cryptoutil.PublicKey, error) {
	kf, err := m.Load(name)
	if err != nil {
		return cryptoutil.PublicKey{}, err
	}
	return cryptoutil.DecodePublicKeyHex(kf.PublicKeyHex)
}

// PrivateKey loads a key file and decodes its private scalar.
func (m *KeyManager) PrivateKey(name string) (cryptoutil.PrivateKey, error) {
	kf, err := m.Load(name)
	if err != nil {
		return cryptoutil.PrivateKey{}, err
	}
	return cryptoutil.DecodePrivateKeyHex(kf.PrivateKeyHex)
}
