package kms

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestSealerRoundTrip(t *testing.T) {
	adapter := localAdapter(t)
	keks := NewKEKCache(adapter, time.Minute)
	sealer := NewSealer(adapter, keks, nil)
	defer sealer.Stop()

	ctx := context.Background()
	content := []byte("hello <b>world</b>\n")
	sealed, wrapped, err := sealer.Seal(ctx, "abc123", content)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if bytes.Contains(sealed, content) {
		t.Fatal("sealed blob contains the plaintext")
	}

	for i := 0; i < 2; i++ {
		got, err := sealer.Open(ctx, "abc123", sealed, wrapped)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("got %q, want %q", got, content)
		}
	}
}

func TestSealerBindsPasteID(t *testing.T) {
	adapter := localAdapter(t)
	sealer := NewSealer(adapter, nil, nil)
	ctx := context.Background()

	sealed, wrapped, err := sealer.Seal(ctx, "abc123", []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := sealer.Open(ctx, "zzz999", sealed, wrapped); err == nil {
		t.Error("opened a paste under another id")
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := sealer.Open(ctx, "abc123", tampered, wrapped); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed for tampered content, got %v", err)
	}
}

func TestSealerWipesKeys(t *testing.T) {
	adapter := localAdapter(t)
	var wiped int
	sealer := NewSealer(adapter, nil, func(b []byte) {
		wiped++
		wipeBytes(b)
	})
	ctx := context.Background()
	sealed, wrapped, err := sealer.Seal(ctx, "abc123", []byte("x"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := sealer.Open(ctx, "abc123", sealed, wrapped); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if wiped != 2 {
		t.Errorf("expected the data key to be wiped after seal and open, got %d wipes", wiped)
	}
}

func TestSealerProbe(t *testing.T) {
	sealer := NewSealer(localAdapter(t), nil, nil)
	if err := sealer.Probe(context.Background()); err != nil {
		t.Errorf("probe failed: %v", err)
	}
}
