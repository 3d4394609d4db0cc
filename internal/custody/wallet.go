// Package custody manages the service signing keypair. The private key is
// never written to disk in plaintext: a password-derived scrypt key drives
// AES-256-GCM, and the stored blob keeps ciphertext, IV, salt, and the GCM
// auth tag separately. A failed tag check surfaces as an Authentication
// fault and never yields partial key material.
package custody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/loanlife/loanledger/internal/fault"
)

// WalletVersion is written into every persisted wallet file.
const WalletVersion = "1.0"

// scrypt parameters. Interactive-grade work factor.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
	gcmTagLen    = 16
)

// EncryptedKey is the at-rest form of the private key.
type EncryptedKey struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Salt       string `json:"salt"`
	AuthTag    string `json:"authTag"`
}

// EncryptedWallet is the persisted wallet artifact.
type EncryptedWallet struct {
	Address             string       `json:"address"`
	EncryptedPrivateKey EncryptedKey `json:"encryptedPrivateKey"`
	CreatedAt           time.Time    `json:"createdAt"`
	Version             string       `json:"version"`
}

// DeriveAddress maps an ed25519 public key to its account address:
// "0x" + the first 20 bytes of SHA-256(pubkey), hex-encoded.
func DeriveAddress(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "0x" + hex.EncodeToString(sum[:20])
}

// encryptKey seals priv under a password-derived key. A fresh salt and IV
// are generated per call.
func encryptKey(priv ed25519.PrivateKey, password string) (EncryptedKey, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return EncryptedKey{}, fmt.Errorf("generate salt: %w", err)
	}

	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return EncryptedKey{}, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return EncryptedKey{}, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return EncryptedKey{}, fmt.Errorf("init gcm: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return EncryptedKey{}, fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, priv, nil)
	// Seal appends the tag; store it separately per the wallet format.
	ct := sealed[:len(sealed)-gcmTagLen]
	tag := sealed[len(sealed)-gcmTagLen:]

	return EncryptedKey{
		Ciphertext: hex.EncodeToString(ct),
		IV:         hex.EncodeToString(iv),
		Salt:       hex.EncodeToString(salt),
		AuthTag:    hex.EncodeToString(tag),
	}, nil
}

// decryptKey opens ek with password. Any tampering or a wrong password
// fails the GCM tag check and returns an Authentication fault.
func decryptKey(ek EncryptedKey, password string) (ed25519.PrivateKey, error) {
	salt, err := hex.DecodeString(ek.Salt)
	if err != nil {
		return nil, fault.Wrap(fault.KindAuthentication, "malformed wallet salt", err)
	}
	iv, err := hex.DecodeString(ek.IV)
	if err != nil {
		return nil, fault.Wrap(fault.KindAuthentication, "malformed wallet iv", err)
	}
	ct, err := hex.DecodeString(ek.Ciphertext)
	if err != nil {
		return nil, fault.Wrap(fault.KindAuthentication, "malformed wallet ciphertext", err)
	}
	tag, err := hex.DecodeString(ek.AuthTag)
	if err != nil {
		return nil, fault.Wrap(fault.KindAuthentication, "malformed wallet auth tag", err)
	}

	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	plain, err := gcm.Open(nil, iv, append(append([]byte{}, ct...), tag...), nil)
	if err != nil {
		return nil, fault.New(fault.KindAuthentication, "wallet decryption failed: wrong password or corrupted file")
	}
	if len(plain) != ed25519.PrivateKeySize {
		return nil, fault.Newf(fault.KindAuthentication, "decrypted key has wrong size %d", len(plain))
	}
	return ed25519.PrivateKey(plain), nil
}
