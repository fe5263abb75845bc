package qr

import (
	"bytes"
	"testing"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func TestPNG(t *testing.T) {
	image, err := PNG("boarding-token", 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(image, pngMagic) {
		t.Fatalf("expected PNG output")
	}
}

func TestPNGEmptyToken(t *testing.T) {
	if _, err := PNG("", 0); err != ErrEmptyToken {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
}
