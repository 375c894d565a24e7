// Package crypto implements the per-packet authenticated encryption used on
// the voice media path.
//
// The voice server offers a set of XSalsa20-Poly1305 secretbox variants that
// differ only in how the 24-byte nonce is constructed:
//
//   - xsalsa20_poly1305: the nonce is the 12-byte RTP header, zero padded
//   - xsalsa20_poly1305_suffix: a random nonce is appended to the packet
//   - xsalsa20_poly1305_lite: a 32-bit big-endian counter is appended
//
// The session secret key is negotiated over the signaling channel and is
// immutable for the lifetime of an Encryptor/Decryptor pair. In lite mode the
// nonce counter is strictly increasing and is never reused under the same
// key; reuse would void the AEAD guarantees.
package crypto
