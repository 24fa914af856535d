package wallet

import (
	"github.com/tolelom/modality/contract"
	"github.com/tolelom/modality/crypto"
)

// Wallet holds a key pair and provides contract-commit-signing helpers.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// PubKey returns the hex-encoded ed25519 public key.
func (w *Wallet) PubKey() string {
	return w.pub.Hex()
}

// PeerID returns the base58-encoded public key, the identity string the
// mining, DAG, and contract layers all key authorship by.
func (w *Wallet) PeerID() string {
	return w.pub.PeerID()
}

// Sign produces a single-signature Signature for c, computed over its
// signing bytes with this wallet's key.
func (w *Wallet) Sign(c contract.Commit) contract.Signature {
	return contract.Signature{
		PubKeyHex: w.pub.Hex(),
		SigHex:    crypto.Sign(w.priv, c.SigningBytes()),
	}
}

// SignCommit attaches this wallet's signature to c and fills in its hash,
// leaving any existing signatures in place (multi-signature commits call
// SignCommit once per signer before submission).
func (w *Wallet) SignCommit(c *contract.Commit) {
	c.Signatures = append(c.Signatures, w.Sign(*c))
	c.Hash = c.ComputeHash()
}
