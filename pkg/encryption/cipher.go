package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/medrex/emr-ledger/pkg/types"
)

const (
	// BlobPrefix tags payloads produced by RecordCipher
	BlobPrefix = "mrx1."

	saltSize = 16
	keySize  = 32
)

var errMalformedBlob = errors.New("malformed ciphertext blob")

// RecordCipher encrypts record payloads with AES-256-GCM under a per-record key.
// The key is derived with HKDF-SHA256 from the master secret, a random salt stored in
// the blob and the patient address, so a blob only opens for the patient it was
// written for.
type RecordCipher struct {
	master           []byte
	legacyPassphrase string
}

// NewRecordCipher creates a cipher from the configured master secret. legacyPassphrase
// enables reading blobs written by the legacy web client and may be empty.
func NewRecordCipher(masterSecret, legacyPassphrase string) (*RecordCipher, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("master secret is required")
	}

	return &RecordCipher{
		master:           []byte(masterSecret),
		legacyPassphrase: legacyPassphrase,
	}, nil
}

// Encrypt marshals and seals a record for the given patient
func (c *RecordCipher) Encrypt(record types.DecryptedRecord, patient types.Identity) (string, error) {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := c.aead(salt, patient)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// salt || nonce || ciphertext+tag
	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, []byte(patient.Hex()))

	return BlobPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a blob and returns the record along with the format it was read from.
// Any failure, including a body that is not a record, is a DecryptFailure.
func (c *RecordCipher) Decrypt(blob string, patient types.Identity) (*types.DecryptedRecord, types.PayloadFormat, error) {
	if strings.HasPrefix(blob, BlobPrefix) {
		plaintext, err := c.open(strings.TrimPrefix(blob, BlobPrefix), patient)
		if err != nil {
			return nil, "", types.NewDecryptFailureError("failed to decrypt record", err)
		}
		record, err := unmarshalRecord(plaintext)
		if err != nil {
			return nil, "", types.NewDecryptFailureError("decrypted payload is not a record", err)
		}
		return record, types.FormatEncrypted, nil
	}

	if c.legacyPassphrase != "" && IsOpenSSLBlob(blob) {
		plaintext, err := decryptOpenSSL(blob, c.legacyPassphrase)
		if err != nil {
			return nil, "", types.NewDecryptFailureError("failed to decrypt legacy record", err)
		}
		// The legacy client sealed whatever field names it used at the time
		record, err := ParseLegacyPlaintext(string(plaintext))
		if err != nil {
			return nil, "", types.NewDecryptFailureError("legacy payload is not a record", err)
		}
		return record, types.FormatLegacyEncrypted, nil
	}

	return nil, "", types.NewDecryptFailureError("unrecognised ciphertext format", errMalformedBlob)
}

func (c *RecordCipher) open(encoded string, patient types.Identity) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(raw) < saltSize {
		return nil, errMalformedBlob
	}

	salt, rest := raw[:saltSize], raw[saltSize:]
	gcm, err := c.aead(salt, patient)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize+gcm.Overhead() {
		return nil, errMalformedBlob
	}

	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(patient.Hex()))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

func (c *RecordCipher) aead(salt []byte, patient types.Identity) (cipher.AEAD, error) {
	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, c.master, salt, []byte("medrex/record/v1/"+patient.Hex()))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive record key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher block: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}

func unmarshalRecord(plaintext []byte) (*types.DecryptedRecord, error) {
	var record types.DecryptedRecord
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ParseLegacyPlaintext reads a document body that was stored as raw JSON before
// client-side encryption existed. Older writers used "volume" and "doctorNotes".
func ParseLegacyPlaintext(body string) (*types.DecryptedRecord, error) {
	var legacy struct {
		BloodType     string `json:"bloodType"`
		Quantity      string `json:"quantity"`
		Volume        string `json:"volume"`
		BloodPressure string `json:"bloodPressure"`
		Notes         string `json:"notes"`
		DoctorNotes   string `json:"doctorNotes"`
	}

	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("legacy payload is not a JSON object")
	}
	if err := json.Unmarshal([]byte(trimmed), &legacy); err != nil {
		return nil, fmt.Errorf("failed to parse legacy payload: %w", err)
	}

	record := &types.DecryptedRecord{
		BloodType:     legacy.BloodType,
		Quantity:      legacy.Quantity,
		BloodPressure: legacy.BloodPressure,
		Notes:         legacy.Notes,
	}
	if record.Quantity == "" {
		record.Quantity = legacy.Volume
	}
	if record.Notes == "" {
		record.Notes = legacy.DoctorNotes
	}

	return record, nil
}

// GenerateSecret generates a new random 256-bit master secret, base64 encoded
func GenerateSecret() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(key), nil
}
