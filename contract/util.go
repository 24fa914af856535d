package contract

import "github.com/tolelom/modality/crypto"

func sha256OfString(s string) string {
	return crypto.Hash([]byte(s))
}
