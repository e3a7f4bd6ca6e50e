package kms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrDecryptionFailed = errors.New("decryption failed")

// Sealer does envelope encryption of paste content: a fresh data key per
// paste, wrapped by the Adapter with the paste id as encryption context.
type Sealer struct {
	adapter *Adapter
	keks    *KEKCache
	wipe    func([]byte)
}

func NewSealer(adapter *Adapter, keks *KEKCache, wipe func([]byte)) *Sealer {
	if wipe == nil {
		wipe = wipeBytes
	}
	return &Sealer{adapter: adapter, keks: keks, wipe: wipe}
}

func pasteContext(id string) EncryptionContext {
	return EncryptionContext{"paste_id": id}
}

func (s *Sealer) Seal(ctx context.Context, id string, content []byte) (sealed, wrappedDEK []byte, err error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, nil, fmt.Errorf("generate dek: %w", err)
	}
	defer s.wipe(dek)
	// the id doubles as associated data so a row copied under another id fails to open
	sealed, err = AEADSeal(content, dek, []byte(id))
	if err != nil {
		return nil, nil, fmt.Errorf("seal content: %w", err)
	}
	wrappedDEK, err = s.adapter.Encrypt(ctx, dek, pasteContext(id))
	if err != nil {
		return nil, nil, fmt.Errorf("wrap dek: %w", err)
	}
	return sealed, wrappedDEK, nil
}

func (s *Sealer) Open(ctx context.Context, id string, sealed, wrappedDEK []byte) ([]byte, error) {
	var (
		dek []byte
		err error
	)
	if s.keks != nil {
		dek, err = s.keks.DecryptDEK(ctx, wrappedDEK, pasteContext(id))
	} else {
		dek, err = s.adapter.Decrypt(ctx, wrappedDEK, pasteContext(id))
	}
	if err != nil {
		return nil, fmt.Errorf("unwrap dek: %w", err)
	}
	defer s.wipe(dek)
	plain, err := AEADOpen(sealed, dek, []byte(id))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// Probe round-trips a throwaway key through the provider.
func (s *Sealer) Probe(ctx context.Context) error {
	probe := []byte("pastelite-probe")
	wrapped, err := s.adapter.Encrypt(ctx, probe, pasteContext("probe"))
	if err != nil {
		return err
	}
	_, err = s.adapter.Decrypt(ctx, wrapped, pasteContext("probe"))
	return err
}

func (s *Sealer) Stop() {
	if s.keks != nil {
		s.keks.Stop()
	}
}

func GenerateDEK() ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	return dek, nil
}

func AEADSeal(plaintext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func AEADOpen(ciphertext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return aead.Open(nil, nonce, ciphertext, aad)
}
