// Package adaptive implements a cipher abstraction that selects an
// encryption algorithm based on the target architecture, used for
// optional at-rest encryption of snapshots and the command log.
//
// Supported Algorithms:
//
//   - AES-GCM (AES-128, -192 or -256 by key length): chosen by New on
//     amd64 and arm64
//   - ChaCha20-Poly1305: chosen by New on other architectures
//
// Usage:
//
//	cipher, err := adaptive.New(key)
//	encrypted, err := cipher.Encrypt(plaintext, aad)
//	plaintext, err := cipher.Decrypt(encrypted, aad)
package adaptive
