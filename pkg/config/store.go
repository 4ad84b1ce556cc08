package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"example.com/NullTerm/pkg/crypto"
	"example.com/NullTerm/pkg/models"
)

type Store interface {
	Load() (*Configuration, error)
	Save(cfg *Configuration) error
}

type defaultStore struct {
	Path    string
	Crypter *crypto.Crypter // 用于加解密配置文件中的敏感字段
}

func NewDefaultStore(path string, crypter *crypto.Crypter) Store {
	return &defaultStore{
		Path:    path,
		Crypter: crypter,
	}
}

// Load 读取并解析配置文件，同时解密 Identity 中的敏感字段
// 文件不存在时返回一个空的 Configuration
func (s *defaultStore) Load() (*Configuration, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyConfiguration(), nil
		}
		return nil, err
	}

	var config Configuration
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config '%s': %w", s.Path, err)
	}
	if config.Identities == nil {
		config.Identities = make(map[string]models.Identity)
	}
	if config.Hosts == nil {
		config.Hosts = make(map[string]models.Host)
	}
	if config.Nodes == nil {
		config.Nodes = make(map[string]models.Node)
	}

	for name, identity := range config.Identities {
		decrypted, err := s.decryptIdentity(identity)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt identity '%s': %w", name, err)
		}
		config.Identities[name] = decrypted
	}
	return &config, nil
}

// Save 加密敏感字段后写入文件，权限 0600
func (s *defaultStore) Save(cfg *Configuration) error {
	out := Configuration{
		Identities: make(map[string]models.Identity, len(cfg.Identities)),
		Hosts:      cfg.Hosts,
		Nodes:      cfg.Nodes,
	}
	for name, identity := range cfg.Identities {
		encrypted, err := s.encryptIdentity(identity)
		if err != nil {
			return fmt.Errorf("failed to encrypt identity '%s': %w", name, err)
		}
		out.Identities[name] = encrypted
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0700); err != nil {
		return err
	}
	return os.WriteFile(s.Path, data, 0600)
}

func (s *defaultStore) encryptIdentity(identity models.Identity) (models.Identity, error) {
	var err error
	if identity.Password != "" && !crypto.IsEncrypted(identity.Password) {
		identity.Password, err = s.Crypter.Encrypt(identity.Password)
		if err != nil {
			return identity, err
		}
	}
	if identity.Passphrase != "" && !crypto.IsEncrypted(identity.Passphrase) {
		identity.Passphrase, err = s.Crypter.Encrypt(identity.Passphrase)
		if err != nil {
			return identity, err
		}
	}
	return identity, nil
}

func (s *defaultStore) decryptIdentity(identity models.Identity) (models.Identity, error) {
	var err error
	if crypto.IsEncrypted(identity.Password) {
		identity.Password, err = s.Crypter.Decrypt(identity.Password)
		if err != nil {
			return identity, err
		}
	}
	if crypto.IsEncrypted(identity.Passphrase) {
		identity.Passphrase, err = s.Crypter.Decrypt(identity.Passphrase)
		if err != nil {
			return identity, err
		}
	}
	return identity, nil
}

func emptyConfiguration() *Configuration {
	return &Configuration{
		Identities: make(map[string]models.Identity),
		Hosts:      make(map[string]models.Host),
		Nodes:      make(map[string]models.Node),
	}
}
