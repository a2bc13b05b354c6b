// Package cryptox encrypts credentials at rest. The engine never persists a
// provider access token in plaintext.
package cryptox

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Encryptor defines the interface for encryption and decryption of stored
// credential material.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// KMSClient is the subset of *kms.Client methods used by KMSEncryptor.
type KMSClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSEncryptor implements Encryptor using AWS KMS.
type KMSEncryptor struct {
	client KMSClient
	keyID  string
}

// NewKMSEncryptor creates a KMS-backed Encryptor. keyID can be a key ID,
// key ARN, or alias name (e.g. "alias/taskdock-credential-key").
func NewKMSEncryptor(client KMSClient, keyID string) *KMSEncryptor {
	return &KMSEncryptor{client: client, keyID: keyID}
}

// Encrypt encrypts the plaintext with the configured key and returns the
// ciphertext base64-encoded.
func (e *KMSEncryptor) Encrypt(ctx context.Context, plaintext string) (string, error) {
	out, err := e.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(e.keyID),
		Plaintext: []byte(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("kms encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

// Decrypt decrypts base64-encoded ciphertext produced by Encrypt.
func (e *KMSEncryptor) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	out, err := e.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: decoded,
		KeyId:          aws.String(e.keyID),
	})
	if err != nil {
		return "", fmt.Errorf("kms decrypt: %w", err)
	}
	return string(out.Plaintext), nil
}

const plainPrefix = "plain:"

// PlainEncryptor is a pass-through Encryptor for tests and local development
// where no KMS key is available.
type PlainEncryptor struct{}

func NewPlainEncryptor() *PlainEncryptor {
	return &PlainEncryptor{}
}

func (PlainEncryptor) Encrypt(_ context.Context, plaintext string) (string, error) {
	return plainPrefix + plaintext, nil
}

func (PlainEncryptor) Decrypt(_ context.Context, ciphertext string) (string, error) {
	return strings.TrimPrefix(ciphertext, plainPrefix), nil
}
