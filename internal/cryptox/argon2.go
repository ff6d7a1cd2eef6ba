package cryptox

import "golang.org/x/crypto/argon2"

// argon2id parameters: 64 MiB memory, 1 pass, 4 lanes, 32-byte key.
func deriveArgon2id(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}
