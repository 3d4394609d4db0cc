package custody

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loanlife/loanledger/internal/fault"
)

const walletFile = "wallet.json"

// Custodian holds the in-memory signing key and manages the encrypted
// wallet file. It creates a wallet on first run and reloads it on
// subsequent starts.
type Custodian struct {
	dir     string
	address string
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
}

// NewCustodian returns a Custodian that stores the wallet file in dir.
// Call LoadOrCreate before signing.
func NewCustodian(dir string) *Custodian {
	return &Custodian{dir: dir}
}

// LoadOrCreate loads the wallet from disk if it exists; otherwise it
// generates a new keypair and persists it encrypted under password.
func (c *Custodian) LoadOrCreate(password string) error {
	if _, err := os.Stat(filepath.Join(c.dir, walletFile)); err == nil {
		return c.Load(password)
	}
	return c.Create(password)
}

// Create generates a fresh ed25519 keypair and writes the encrypted
// wallet file with 0600 permissions.
func (c *Custodian) Create(password string) error {
	if password == "" {
		return fault.New(fault.KindValidation, "wallet password must not be empty")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	c.pub = pub
	c.priv = priv
	c.address = DeriveAddress(pub)

	w, err := c.Export(password)
	if err != nil {
		return err
	}
	return c.writeWallet(w)
}

// Load reads and decrypts the wallet file. A wrong password surfaces as
// an Authentication fault; the custodian stays unusable in that case.
func (c *Custodian) Load(password string) error {
	raw, err := os.ReadFile(filepath.Join(c.dir, walletFile))
	if err != nil {
		return fmt.Errorf("read wallet file: %w", err)
	}
	var w EncryptedWallet
	if err := json.Unmarshal(raw, &w); err != nil {
		return fmt.Errorf("parse wallet file: %w", err)
	}
	return c.adopt(&w, password)
}

// Import decrypts an externally supplied wallet, verifies its address,
// and persists it as this custodian's wallet.
func (c *Custodian) Import(w *EncryptedWallet, password string) error {
	if err := c.adopt(w, password); err != nil {
		return err
	}
	return c.writeWallet(w)
}

// Export re-encrypts the current private key for backup. The returned
// wallet decrypts with the given password only.
func (c *Custodian) Export(password string) (*EncryptedWallet, error) {
	if c.priv == nil {
		return nil, fault.New(fault.KindState, "wallet not initialized")
	}
	ek, err := encryptKey(c.priv, password)
	if err != nil {
		return nil, err
	}
	return &EncryptedWallet{
		Address:             c.address,
		EncryptedPrivateKey: ek,
		CreatedAt:           time.Now().UTC(),
		Version:             WalletVersion,
	}, nil
}

func (c *Custodian) adopt(w *EncryptedWallet, password string) error {
	priv, err := decryptKey(w.EncryptedPrivateKey, password)
	if err != nil {
		return err
	}
	pub := priv.Public().(ed25519.PublicKey)
	addr := DeriveAddress(pub)
	if !strings.EqualFold(addr, w.Address) {
		return fault.Newf(fault.KindIntegrity, "wallet address mismatch: derived %s, stored %s", addr, w.Address)
	}
	c.priv = priv
	c.pub = pub
	c.address = w.Address
	return nil
}

func (c *Custodian) writeWallet(w *EncryptedWallet) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("create wallet dir %q: %w", c.dir, err)
	}
	raw, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wallet: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, walletFile), raw, 0o600); err != nil {
		return fmt.Errorf("write wallet file: %w", err)
	}
	return nil
}

// Address returns the account address, empty until LoadOrCreate succeeds.
func (c *Custodian) Address() string { return c.address }

// PublicKey returns the signing public key.
func (c *Custodian) PublicKey() ed25519.PublicKey { return c.pub }

// PrivateKey returns the in-memory private key. Used by the identity
// token issuer; never persisted by callers.
func (c *Custodian) PrivateKey() ed25519.PrivateKey { return c.priv }

// Signature is the result of SignMessage.
type Signature struct {
	Message     string `json:"message"`
	MessageHash string `json:"messageHash"`
	Signature   string `json:"signature"`
	Address     string `json:"address"`
}

// SignMessage signs the SHA-256 digest envelope of message with the
// custodian key.
func (c *Custodian) SignMessage(message string) (*Signature, error) {
	if c.priv == nil {
		return nil, fault.New(fault.KindState, "wallet not initialized")
	}
	digest := messageDigest(message)
	sig := ed25519.Sign(c.priv, digest)
	return &Signature{
		Message:     message,
		MessageHash: hex.EncodeToString(digest),
		Signature:   hex.EncodeToString(sig),
		Address:     c.address,
	}, nil
}

// VerifySignature checks sigHex over message against pub and confirms the
// signer address derived from pub equals expectedAddress, compared
// case-insensitively. Returns false for any malformed input.
func VerifySignature(message, sigHex string, pub ed25519.PublicKey, expectedAddress string) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	if !strings.EqualFold(DeriveAddress(pub), expectedAddress) {
		return false
	}
	return ed25519.Verify(pub, messageDigest(message), sig)
}

// messageDigest hashes the message under a fixed domain prefix so signed
// governance messages can never collide with other signed payloads.
func messageDigest(message string) []byte {
	prefixed := fmt.Sprintf("\x19LoanLedger Signed Message:\n%d%s", len(message), message)
	sum := sha256.Sum256([]byte(prefixed))
	return sum[:]
}
