package kms

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

const testLocalKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func localAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := NewAdapter(context.Background(), Config{LocalKey: testLocalKey, FailClosed: true})
	if err != nil {
		t.Fatalf("failed to create adapter: %v", err)
	}
	return a
}

func TestEncryptionContextAAD(t *testing.T) {
	adapter := localAdapter(t)
	ctx := context.Background()
	plaintext := []byte("data key material")

	t.Run("matching context succeeds", func(t *testing.T) {
		encCtx := EncryptionContext{"paste_id": "abc"}
		ciphertext, err := adapter.Encrypt(ctx, plaintext, encCtx)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		got, err := adapter.Decrypt(ctx, ciphertext, encCtx)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("got %q, want %q", got, plaintext)
		}
	})

	t.Run("different paste id fails", func(t *testing.T) {
		ciphertext, err := adapter.Encrypt(ctx, plaintext, EncryptionContext{"paste_id": "abc"})
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		if _, err := adapter.Decrypt(ctx, ciphertext, EncryptionContext{"paste_id": "xyz"}); err == nil {
			t.Error("decryption succeeded under another paste id")
		}
	})

	t.Run("missing context fails", func(t *testing.T) {
		ciphertext, err := adapter.Encrypt(ctx, plaintext, EncryptionContext{"paste_id": "abc"})
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		if _, err := adapter.Decrypt(ctx, ciphertext, nil); err == nil {
			t.Error("decryption succeeded without context")
		}
	})

	t.Run("key order does not matter", func(t *testing.T) {
		a := EncryptionContext{"a": "1", "z": "26", "m": "13"}
		b := EncryptionContext{"z": "26", "a": "1", "m": "13"}
		ciphertext, err := adapter.Encrypt(ctx, plaintext, a)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		if _, err := adapter.Decrypt(ctx, ciphertext, b); err != nil {
			t.Errorf("context serialization is not deterministic: %v", err)
		}
	})
}

func TestNewAdapterConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := NewAdapter(ctx, Config{}); !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
	if _, err := NewAdapter(ctx, Config{LocalKey: "not-base64!"}); err == nil {
		t.Error("expected an error for a malformed local key")
	}
	if _, err := NewAdapter(ctx, Config{LocalKey: "c2hvcnQ="}); err == nil {
		t.Error("expected an error for a short local key")
	}
	if _, err := NewAdapter(ctx, Config{LocalKey: testLocalKey, RequirePrimary: true}); err == nil {
		t.Error("expected an error when a primary is required and none is configured")
	}
	a, err := NewAdapter(ctx, Config{LocalKey: testLocalKey})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Provider() != "local" {
		t.Errorf("expected local provider, got %s", a.Provider())
	}
}

func TestAdapterFallback(t *testing.T) {
	down := &mockProvider{
		name: "vault",
		encryptFunc: func(ctx context.Context, plaintext, encContext []byte) ([]byte, error) {
			return nil, errors.New("connection refused")
		},
	}
	local, err := newLocalProvider(testLocalKey)
	if err != nil {
		t.Fatalf("local provider: %v", err)
	}
	ctx := context.Background()

	closed := &Adapter{primary: down, fallback: local, failClosed: true}
	if _, err := closed.Encrypt(ctx, []byte("k"), nil); err == nil {
		t.Error("fail-closed adapter fell back to the local key")
	}

	open := &Adapter{primary: down, fallback: local}
	if _, err := open.Encrypt(ctx, []byte("k"), nil); err != nil {
		t.Errorf("fail-open adapter did not fall back: %v", err)
	}

	strict := &Adapter{primary: down, fallback: local, requirePrimary: true}
	if _, err := strict.Encrypt(ctx, []byte("k"), nil); err == nil {
		t.Error("adapter requiring a primary fell back to the local key")
	}
}
