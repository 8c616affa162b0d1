package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Blobs written by the legacy web client use the OpenSSL "Salted__" envelope:
// base64("Salted__" || salt[8] || AES-256-CBC(PKCS#7)), key and IV from EVP_BytesToKey
// with a single MD5 iteration.

var opensslMagic = []byte("Salted__")

// openSSLPrefix is base64("Salted__") without the trailing partial group
const openSSLPrefix = "U2FsdGVkX1"

// IsOpenSSLBlob reports whether blob looks like an OpenSSL salted envelope
func IsOpenSSLBlob(blob string) bool {
	return strings.HasPrefix(blob, openSSLPrefix)
}

func decryptOpenSSL(blob, passphrase string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(raw) < 16+aes.BlockSize || !bytes.Equal(raw[:8], opensslMagic) {
		return nil, errors.New("not an OpenSSL salted envelope")
	}

	salt, ciphertext := raw[8:16], raw[16:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a whole number of blocks")
	}

	key, iv := evpBytesToKey([]byte(passphrase), salt, 32, aes.BlockSize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher block: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func evpBytesToKey(passphrase, salt []byte, keyLen, ivLen int) ([]byte, []byte) {
	var derived, prev []byte
	for len(derived) < keyLen+ivLen {
		h := md5.New()
		h.Write(prev)
		h.Write(passphrase)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:keyLen], derived[keyLen : keyLen+ivLen]
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
