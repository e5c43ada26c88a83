// Package settings loads the coordinator's configuration. It is the
// "settings loading" collaborator §1 names as out of scope for the core;
// the Coordinator receives a Settings value through its job context and
// never sees this package's TOML/box internals.
package settings

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/nacl/box"
)

// Digest selects the content-hash algorithm Prepare-Hash Worker uses.
type Digest string

const (
	DigestSHA512 Digest = "sha512" // default, §4.3
	DigestSHA256 Digest = "sha256" // legacy, §4.3
)

// TransferMode selects how file content moves off the client: a plain
// full-file pull, or a blockhash diff against the last backup's copy
// (spec §4.1 step 1).
type TransferMode string

const (
	TransferFull      TransferMode = "full"      // default
	TransferBlockhash TransferMode = "blockhash" // hashed/incremental transfer
)

type Settings struct {
	BackupFolder      string        `toml:"backup_folder"`
	Digest            Digest        `toml:"digest"`
	UseSnapshots      bool          `toml:"use_snapshots"`
	UseReflink        bool          `toml:"use_reflink"`
	UseTmpfiles       bool          `toml:"use_tmpfiles"`
	WindowsTarget     bool          `toml:"windows_target"`
	CaseInsensitive   bool          `toml:"case_insensitive_target"`
	MaxHardlinks      int           `toml:"max_hardlinks"`
	LocalTransferMode TransferMode  `toml:"local_incr_file_transfer_mode"`
	NetTransferMode   TransferMode  `toml:"internet_incr_file_transfer_mode"`
	InternetMode      bool          `toml:"internet_mode_enabled"`
	FilelistReadTO    time.Duration `toml:"-"`
	FilelistOverallTO time.Duration `toml:"-"`
	ServerIdentity    string        `toml:"server_identity"`
	ServerTokenSealed string        `toml:"server_token_sealed"`
	AdminEmail        string        `toml:"admin_email"`
	SMTPAddr          string        `toml:"smtp_addr"`

	FilelistReadTimeoutSeconds    int `toml:"filelist_read_timeout_seconds"`
	FilelistOverallTimeoutSeconds int `toml:"filelist_overall_timeout_seconds"`
}

// Provider is the contract the Coordinator depends on. Nothing outside
// this package needs to know settings come from a TOML file.
type Provider interface {
	Current() Settings
}

type fileProvider struct {
	path string
	s    Settings
}

func Load(path string) (Provider, error) {
	var s Settings
	if _, err := toml.DecodeFile(path, &s); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("settings: decode %s: %w", path, err)
		}
		s = defaults()
	}
	applyDefaults(&s)
	return &fileProvider{path: path, s: s}, nil
}

func defaults() Settings {
	return Settings{
		BackupFolder:                  "/var/backups/urbackup",
		Digest:                        DigestSHA512,
		UseSnapshots:                  false,
		UseReflink:                    false,
		UseTmpfiles:                   true,
		MaxHardlinks:                  1000,
		LocalTransferMode:             TransferFull,
		NetTransferMode:               TransferFull,
		FilelistReadTimeoutSeconds:    60,
		FilelistOverallTimeoutSeconds: 120,
	}
}

func applyDefaults(s *Settings) {
	if s.Digest == "" {
		s.Digest = DigestSHA512
	}
	if s.MaxHardlinks == 0 {
		s.MaxHardlinks = 1000
	}
	if s.LocalTransferMode == "" {
		s.LocalTransferMode = TransferFull
	}
	if s.NetTransferMode == "" {
		s.NetTransferMode = TransferFull
	}
	if s.FilelistReadTimeoutSeconds == 0 {
		s.FilelistReadTimeoutSeconds = 60
	}
	if s.FilelistOverallTimeoutSeconds == 0 {
		s.FilelistOverallTimeoutSeconds = 120
	}
	s.FilelistReadTO = time.Duration(s.FilelistReadTimeoutSeconds) * time.Second
	s.FilelistOverallTO = time.Duration(s.FilelistOverallTimeoutSeconds) * time.Second
}

func (f *fileProvider) Current() Settings {
	return f.s
}

// Hashed reports whether file content should move as a blockhash diff
// against the client's prior copy rather than a plain full-file pull,
// mirroring FileBackup::doBackup's with_hashes derivation: the local
// mode alone can turn it on, the internet mode only counts when
// internet_mode_enabled is set.
func (s Settings) Hashed() bool {
	if s.LocalTransferMode == TransferBlockhash {
		return true
	}
	if s.InternetMode && s.NetTransferMode == TransferBlockhash {
		return true
	}
	return false
}

// SealToken seals the plaintext server token with a nacl/box keypair
// stored alongside the settings file, the same self-sealed idiom the
// teacher uses in internal/store/database/secrets/box.go.
func SealToken(keyPath, plaintext string) (string, error) {
	pub, priv, err := loadOrCreateKey(keyPath)
	if err != nil {
		return "", err
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := box.Seal(nonce[:], []byte(plaintext), &nonce, pub, priv)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func UnsealToken(keyPath, sealed string) (string, error) {
	pub, priv, err := loadOrCreateKey(keyPath)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	if len(data) < 24 {
		return "", errors.New("settings: sealed token too short")
	}
	var nonce [24]byte
	copy(nonce[:], data[:24])
	out, ok := box.Open(nil, data[24:], &nonce, pub, priv)
	if !ok {
		return "", errors.New("settings: failed to open sealed token")
	}
	return string(out), nil
}

func loadOrCreateKey(path string) (*[32]byte, *[32]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) == 64 {
		pub, priv := new([32]byte), new([32]byte)
		copy(pub[:], data[:32])
		copy(priv[:], data[32:])
		return pub, priv, nil
	}

	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	keyData := append(append([]byte{}, pub[:]...), priv[:]...)
	if err := os.WriteFile(path, keyData, 0600); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}
