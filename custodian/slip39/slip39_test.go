package slip39

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
)

func TestSplitReconstructAllCombinations(t *testing.T) {
	secret := make([]byte, 32)
	rand.Read(secret)

	shares, err := Split(secret, 3, 5, "family-passphrase")
	if err != nil {
		t.Fatalf("Failed to split: %v", err)
	}
	if len(shares) != 5 {
		t.Fatalf("Expected 5 shares, got %d", len(shares))
	}

	// Every 3-of-5 combination must reconstruct the secret.
	for i := 0; i < 5; i++ {
		for j := i + 1; j < 5; j++ {
			for k := j + 1; k < 5; k++ {
				subset := []string{shares[i], shares[j], shares[k]}
				got, err := Reconstruct(subset, "family-passphrase")
				if err != nil {
					t.Fatalf("Combination %d,%d,%d failed: %v", i, j, k, err)
				}
				if !bytes.Equal(got, secret) {
					t.Fatalf("Combination %d,%d,%d reconstructed wrong secret", i, j, k)
				}
			}
		}
	}
}

func TestReconstructInsufficientShares(t *testing.T) {
	secret := make([]byte, 16)
	rand.Read(secret)

	shares, err := Split(secret, 3, 5, "")
	if err != nil {
		t.Fatalf("Failed to split: %v", err)
	}

	_, err = Reconstruct(shares[:2], "")
	if err == nil {
		t.Fatal("Expected error with 2 of 3 required shares")
	}
	var sErr *Error
	if !errors.As(err, &sErr) {
		t.Errorf("Expected *Error, got %T", err)
	}
}

func TestReconstructWrongPassphraseSilentlyWrong(t *testing.T) {
	secret := make([]byte, 32)
	rand.Read(secret)

	shares, err := Split(secret, 2, 3, "right")
	if err != nil {
		t.Fatalf("Failed to split: %v", err)
	}

	// Wrong passphrase yields a structurally valid but different key,
	// never an error. Callers must verify the result themselves.
	got, err := Reconstruct(shares[:2], "wrong")
	if err != nil {
		t.Fatalf("Wrong passphrase must not error: %v", err)
	}
	if len(got) != 32 {
		t.Errorf("Expected 32-byte result, got %d", len(got))
	}
	if bytes.Equal(got, secret) {
		t.Error("Wrong passphrase reconstructed the real secret")
	}
}

func TestSplitParameterValidation(t *testing.T) {
	even := make([]byte, 16)

	if _, err := Split(make([]byte, 8), 2, 3, ""); err == nil {
		t.Error("Expected error for short secret")
	}
	if _, err := Split(make([]byte, 31), 2, 3, ""); err == nil {
		t.Error("Expected error for odd-length secret")
	}
	if _, err := Split(even, 6, 5, ""); err == nil {
		t.Error("Expected error for threshold above total")
	}
	if _, err := Split(even, 0, 5, ""); err == nil {
		t.Error("Expected error for zero threshold")
	}
	if _, err := Split(even, 2, 17, ""); err == nil {
		t.Error("Expected error for more than 16 shares")
	}
}

func TestThresholdOne(t *testing.T) {
	secret := make([]byte, 16)
	rand.Read(secret)

	shares, err := Split(secret, 1, 3, "pw")
	if err != nil {
		t.Fatalf("Failed to split: %v", err)
	}
	for i, s := range shares {
		got, err := Reconstruct([]string{s}, "pw")
		if err != nil {
			t.Fatalf("Share %d alone failed: %v", i, err)
		}
		if !bytes.Equal(got, secret) {
			t.Errorf("Share %d reconstructed wrong secret", i)
		}
	}
}

func TestTwoOfTwo(t *testing.T) {
	secret := make([]byte, 32)
	rand.Read(secret)

	shares, err := Split(secret, 2, 2, "")
	if err != nil {
		t.Fatalf("Failed to split: %v", err)
	}
	got, err := Reconstruct(shares, "")
	if err != nil {
		t.Fatalf("Failed to reconstruct: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Error("Reconstructed wrong secret")
	}

	// Order must not matter.
	got, err = Reconstruct([]string{shares[1], shares[0]}, "")
	if err != nil {
		t.Fatalf("Reversed order failed: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Error("Reversed order reconstructed wrong secret")
	}
}

func TestMnemonicWordCount(t *testing.T) {
	secret16 := make([]byte, 16)
	shares, err := Split(secret16, 2, 3, "")
	if err != nil {
		t.Fatalf("Failed to split 16-byte secret: %v", err)
	}
	if n := len(strings.Fields(shares[0])); n != 20 {
		t.Errorf("Expected 20 words for a 16-byte secret, got %d", n)
	}

	secret32 := make([]byte, 32)
	shares, err = Split(secret32, 2, 3, "")
	if err != nil {
		t.Fatalf("Failed to split 32-byte secret: %v", err)
	}
	if n := len(strings.Fields(shares[0])); n != 33 {
		t.Errorf("Expected 33 words for a 32-byte secret, got %d", n)
	}
}

func TestValidateShare(t *testing.T) {
	secret := make([]byte, 16)
	rand.Read(secret)
	shares, err := Split(secret, 2, 3, "")
	if err != nil {
		t.Fatalf("Failed to split: %v", err)
	}

	if !ValidateShare(shares[0]) {
		t.Error("Valid share rejected")
	}
	if ValidateShare("too short") {
		t.Error("Short text accepted")
	}
}

func TestParseShareChecksum(t *testing.T) {
	secret := make([]byte, 16)
	rand.Read(secret)
	shares, err := Split(secret, 2, 3, "")
	if err != nil {
		t.Fatalf("Failed to split: %v", err)
	}

	if _, err := parseShare(shares[0]); err != nil {
		t.Fatalf("Valid share failed to parse: %v", err)
	}

	// Swap two distinct words; the checksum must catch it.
	words := strings.Fields(shares[0])
	i, j := 5, 6
	for words[i] == words[j] && j < len(words)-1 {
		j++
	}
	if words[i] != words[j] {
		words[i], words[j] = words[j], words[i]
		if _, err := parseShare(strings.Join(words, " ")); err == nil {
			t.Error("Corrupted share parsed without error")
		}
	}
}

func TestReconstructRejectsMixedShareSets(t *testing.T) {
	secret := make([]byte, 16)
	rand.Read(secret)

	setA, err := Split(secret, 2, 3, "")
	if err != nil {
		t.Fatalf("Failed to split: %v", err)
	}
	setB, err := Split(secret, 2, 3, "")
	if err != nil {
		t.Fatalf("Failed to split: %v", err)
	}

	// Random identifiers differ between splits, so mixing sets fails.
	if _, err := Reconstruct([]string{setA[0], setB[1]}, ""); err == nil {
		t.Error("Shares from different splits accepted together")
	}
}

func TestReconstructRejectsGarbage(t *testing.T) {
	if _, err := Reconstruct([]string{"not a mnemonic at all"}, ""); err == nil {
		t.Error("Garbage mnemonic accepted")
	}
	if _, err := Reconstruct(nil, ""); err == nil {
		t.Error("Empty share set accepted")
	}
}

func TestWordlistInvariants(t *testing.T) {
	if len(wordlist) != 1024 {
		t.Fatalf("Expected 1024 words, got %d", len(wordlist))
	}
	seen := make(map[string]bool)
	for i, w := range wordlist {
		if seen[w] {
			t.Errorf("Duplicate word %q at index %d", w, i)
		}
		seen[w] = true
		if len(w) < 4 || len(w) > 8 {
			t.Errorf("Word %q length out of range", w)
		}
		if i > 0 && wordlist[i-1] >= w {
			t.Errorf("Wordlist not sorted at index %d", i)
		}
		if wordIndex[w] != i {
			t.Errorf("Index lookup wrong for %q", w)
		}
	}
}

func TestFeistelRoundTrip(t *testing.T) {
	secret := make([]byte, 32)
	rand.Read(secret)

	ems := encryptMasterSecret(secret, "pw", 0, 12345)
	if bytes.Equal(ems, secret) {
		t.Error("Encrypted secret equals plaintext")
	}
	back := decryptMasterSecret(ems, "pw", 0, 12345)
	if !bytes.Equal(back, secret) {
		t.Error("Feistel round trip changed the secret")
	}

	// A different identifier yields a different decryption.
	other := decryptMasterSecret(ems, "pw", 0, 54321)
	if bytes.Equal(other, secret) {
		t.Error("Identifier does not bind the cipher")
	}
}

func TestInterpolate(t *testing.T) {
	// A degree-1 polynomial through two points is exact everywhere.
	p0 := point{x: 0, y: []byte{0x53, 0x01}}
	p1 := point{x: 1, y: []byte{0xAA, 0x02}}

	got, err := interpolate([]point{p0, p1}, 0)
	if err != nil {
		t.Fatalf("Interpolation failed: %v", err)
	}
	if !bytes.Equal(got, p0.y) {
		t.Error("Interpolation at a known point disagrees")
	}

	// Evaluate at a third point, then reconstruct p0 from p1 and it.
	y2, err := interpolate([]point{p0, p1}, 2)
	if err != nil {
		t.Fatalf("Interpolation failed: %v", err)
	}
	back, err := interpolate([]point{p1, {x: 2, y: y2}}, 0)
	if err != nil {
		t.Fatalf("Interpolation failed: %v", err)
	}
	if !bytes.Equal(back, p0.y) {
		t.Error("Reconstruction from shifted points disagrees")
	}
}

func TestRS1024(t *testing.T) {
	data := []int{1, 2, 3, 4, 5, 6, 7, 8}
	withChecksum := append(append([]int{}, data...), rs1024CreateChecksum(data)...)
	if !rs1024VerifyChecksum(withChecksum) {
		t.Fatal("Fresh checksum failed verification")
	}
	withChecksum[3] ^= 1
	if rs1024VerifyChecksum(withChecksum) {
		t.Error("Corrupted data passed checksum")
	}
}
