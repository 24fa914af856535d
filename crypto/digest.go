package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// DAGDigest returns a domain-separated BLAKE2b-256 digest of data, hex
// encoded. The DAG (headers, votes, certificates) uses a distinct digest
// function from the mining chain and contract commits (both SHA-256) so a
// digest's prefix alone is never mistaken for the wrong object type when it
// shows up in logs or persisted keys.
func DAGDigest(data []byte) string {
	h, err := blake2b.New256([]byte("tolchain-dag"))
	if err != nil {
		panic("crypto: blake2b init: " + err.Error()) // only fails on bad key size, which is constant here
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
