package signer_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/opentrail/opentrail/internal/signer"
)

func TestSignAndVerify(t *testing.T) {
	s, err := signer.NewEphemeral()
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("canonical entry bytes")
	sig, err := s.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}

	if !signer.Verify(s.PublicKey(), msg, sig) {
		t.Error("valid signature did not verify")
	}
	if signer.Verify(s.PublicKey(), []byte("tampered"), sig) {
		t.Error("signature verified against different message")
	}
}

func TestVerify_malformedInputsReturnFalse(t *testing.T) {
	s, err := signer.NewEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("msg")
	sig, _ := s.Sign(msg)

	cases := []struct {
		name string
		pub  []byte
		sig  []byte
	}{
		{"nil public key", nil, sig},
		{"short public key", []byte{1, 2, 3}, sig},
		{"nil signature", s.PublicKey(), nil},
		{"truncated signature", s.PublicKey(), sig[:10]},
	}
	for _, tc := range cases {
		if signer.Verify(tc.pub, msg, tc.sig) {
			t.Errorf("%s: Verify returned true", tc.name)
		}
	}
}

func TestVerify_flippedBitFails(t *testing.T) {
	s, err := signer.NewEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("payload")
	sig, _ := s.Sign(msg)

	bad := bytes.Clone(sig)
	bad[0] ^= 0x01
	if signer.Verify(s.PublicKey(), msg, bad) {
		t.Error("flipped-bit signature verified")
	}
}

func TestLoadOrCreate_persistsAcrossReopens(t *testing.T) {
	dir := t.TempDir()

	s1, err := signer.LoadOrCreate(dir)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := signer.LoadOrCreate(dir)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(s1.PublicKey(), s2.PublicKey()) {
		t.Error("reopened signer has a different public key")
	}

	// Signatures from the first instance verify under the reloaded key.
	msg := []byte("survives restart")
	sig, _ := s1.Sign(msg)
	if !signer.Verify(s2.PublicKey(), msg, sig) {
		t.Error("signature does not verify after key reload")
	}
}

func TestLoadOrCreate_keyFilePermissions(t *testing.T) {
	dir := t.TempDir()
	if _, err := signer.LoadOrCreate(dir); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, "signing.key"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("signing.key permissions: got %o, want 600", perm)
	}
}

func TestPublicKeyPEM_roundTrip(t *testing.T) {
	s, err := signer.NewEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	pemBytes, err := s.PublicKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	pub, err := signer.ParsePublicKeyPEM(pemBytes)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pub, s.PublicKey()) {
		t.Error("PEM round trip changed the public key")
	}
}
