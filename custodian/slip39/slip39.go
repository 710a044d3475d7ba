// Package slip39 implements SLIP-0039 style threshold secret sharing:
// Shamir's scheme over GF(256) with mnemonic-encoded shares, an RS1024
// checksum, and passphrase protection of the shared master secret.
//
// Only the single-group configuration is supported (group threshold 1),
// which is what key recovery needs: any `threshold` of `total` member
// shares reconstruct the secret.
package slip39

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinSecretBytes and MaxSecretBytes bound the shared secret size.
	// The secret must also be of even length for the Feistel cipher.
	MinSecretBytes = 16
	MaxSecretBytes = 256

	// MaxShares is the largest member count a single group can hold
	// (member indexes are 4 bits on the wire).
	MaxShares = 16

	minMnemonicWords = 20

	digestIndex     = 254
	secretIndex     = 255
	digestLenBytes  = 4
	prefixBits      = 40 // identifier + flags + group/member parameters
	prefixWordCount = 4

	roundCount         = 4
	baseIterationCount = 10000
)

// Error is the failure type for all share operations: parameter
// validation, malformed or corrupted shares, and insufficient share sets.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return "slip39: " + e.Message
}

func newError(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

var errEmptyShareSet = newError("no shares provided")

type share struct {
	identifier      int
	iterationExp    int
	groupIndex      int
	groupThreshold  int
	groupCount      int
	memberIndex     int
	memberThreshold int
	value           []byte
}

// Split splits secret into total mnemonic shares such that any threshold
// of them reconstruct it. The passphrase, which may be empty, protects
// the shared secret; it is needed again at reconstruction time.
func Split(secret []byte, threshold, total int, passphrase string) ([]string, error) {
	n := len(secret)
	if n < MinSecretBytes || n > MaxSecretBytes {
		return nil, newError("secret must be between %d and %d bytes, got %d", MinSecretBytes, MaxSecretBytes, n)
	}
	if n%2 != 0 {
		return nil, newError("secret length must be even, got %d bytes", n)
	}
	if threshold < 1 || total < 1 || threshold > total {
		return nil, newError("invalid threshold %d of %d", threshold, total)
	}
	if total > MaxShares {
		return nil, newError("at most %d shares are supported, got %d", MaxShares, total)
	}

	identifier, err := randomIdentifier()
	if err != nil {
		return nil, err
	}
	const iterationExp = 0

	ems := encryptMasterSecret(secret, passphrase, iterationExp, identifier)

	var values [][]byte
	if threshold == 1 {
		for i := 0; i < total; i++ {
			v := make([]byte, n)
			copy(v, ems)
			values = append(values, v)
		}
	} else {
		base := make([]point, 0, threshold)
		for i := 0; i < threshold-2; i++ {
			v := make([]byte, n)
			if _, err := rand.Read(v); err != nil {
				return nil, newError("entropy source failed: %v", err)
			}
			base = append(base, point{x: byte(i), y: v})
		}
		randomPart := make([]byte, n-digestLenBytes)
		if _, err := rand.Read(randomPart); err != nil {
			return nil, newError("entropy source failed: %v", err)
		}
		digestValue := append(shareDigest(randomPart, ems), randomPart...)
		base = append(base, point{x: digestIndex, y: digestValue})
		base = append(base, point{x: secretIndex, y: ems})

		for i := 0; i < total; i++ {
			v, err := interpolate(base, byte(i))
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
	}

	mnemonics := make([]string, total)
	for i, v := range values {
		s := share{
			identifier:      identifier,
			iterationExp:    iterationExp,
			groupIndex:      0,
			groupThreshold:  1,
			groupCount:      1,
			memberIndex:     i,
			memberThreshold: threshold,
			value:           v,
		}
		mnemonics[i] = s.mnemonic()
	}
	return mnemonics, nil
}

// Reconstruct recovers the secret from a threshold-sized (or larger) set
// of shares.
//
// A wrong passphrase does not fail: it silently yields a different
// secret of the same length. That is inherent to the scheme - the
// passphrase decryption has no integrity check - so every caller must
// verify the result against independent material (the stored verifier
// HMAC) before trusting it.
func Reconstruct(mnemonics []string, passphrase string) ([]byte, error) {
	if len(mnemonics) == 0 {
		return nil, errEmptyShareSet
	}

	shares := make([]*share, 0, len(mnemonics))
	for i, m := range mnemonics {
		s, err := parseShare(m)
		if err != nil {
			return nil, newError("share %d: %v", i+1, err)
		}
		shares = append(shares, s)
	}

	first := shares[0]
	byIndex := make(map[int]*share, len(shares))
	for _, s := range shares {
		if s.identifier != first.identifier || s.iterationExp != first.iterationExp {
			return nil, newError("shares belong to different share sets")
		}
		if s.memberThreshold != first.memberThreshold || len(s.value) != len(first.value) {
			return nil, newError("shares have inconsistent parameters")
		}
		if prev, ok := byIndex[s.memberIndex]; ok {
			if !hmac.Equal(prev.value, s.value) {
				return nil, newError("conflicting shares with member index %d", s.memberIndex)
			}
			continue
		}
		byIndex[s.memberIndex] = s
	}

	threshold := first.memberThreshold
	if len(byIndex) < threshold {
		return nil, newError("insufficient shares: have %d distinct, need %d", len(byIndex), threshold)
	}

	var ems []byte
	if threshold == 1 {
		ems = first.value
	} else {
		points := make([]point, 0, threshold)
		for _, s := range byIndex {
			points = append(points, point{x: byte(s.memberIndex), y: s.value})
			if len(points) == threshold {
				break
			}
		}
		secret, err := interpolate(points, secretIndex)
		if err != nil {
			return nil, err
		}
		digestValue, err := interpolate(points, digestIndex)
		if err != nil {
			return nil, err
		}
		digest, randomPart := digestValue[:digestLenBytes], digestValue[digestLenBytes:]
		if !hmac.Equal(digest, shareDigest(randomPart, secret)) {
			return nil, newError("share set failed digest verification")
		}
		ems = secret
	}

	return decryptMasterSecret(ems, passphrase, first.iterationExp, first.identifier), nil
}

// ValidateShare is a cheap structural sanity check for user input: the
// text is non-empty and long enough to be a share. It is not a
// cryptographic validity proof; Reconstruct performs the real checks.
func ValidateShare(text string) bool {
	return len(strings.Fields(text)) >= minMnemonicWords
}

// --- share encoding ---

func (s *share) words() []int {
	w := &bitWriter{}
	w.write(uint(s.identifier), 15)
	w.write(0, 1) // non-extendable share set
	w.write(uint(s.iterationExp), 4)
	w.write(uint(s.groupIndex), 4)
	w.write(uint(s.groupThreshold-1), 4)
	w.write(uint(s.groupCount-1), 4)
	w.write(uint(s.memberIndex), 4)
	w.write(uint(s.memberThreshold-1), 4)

	valueWords := (len(s.value)*8 + 9) / 10
	pad := uint(valueWords*10 - len(s.value)*8)
	w.write(0, pad)
	for _, b := range s.value {
		w.write(uint(b), 8)
	}

	data := w.words
	return append(data, rs1024CreateChecksum(data)...)
}

func (s *share) mnemonic() string {
	words := s.words()
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = wordlist[w]
	}
	return strings.Join(parts, " ")
}

func parseShare(mnemonic string) (*share, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(mnemonic)))
	if len(fields) < minMnemonicWords {
		return nil, newError("share has %d words, need at least %d", len(fields), minMnemonicWords)
	}
	words := make([]int, len(fields))
	for i, f := range fields {
		idx, ok := wordIndex[f]
		if !ok {
			return nil, newError("unrecognized word %q", f)
		}
		words[i] = idx
	}
	if !rs1024VerifyChecksum(words) {
		return nil, newError("checksum verification failed")
	}

	data := words[:len(words)-checksumWords]
	r := &bitReader{words: data}
	identifier := int(r.read(15))
	extendable := r.read(1)
	iterationExp := int(r.read(4))
	groupIndex := int(r.read(4))
	groupThreshold := int(r.read(4)) + 1
	groupCount := int(r.read(4)) + 1
	memberIndex := int(r.read(4))
	memberThreshold := int(r.read(4)) + 1

	if extendable != 0 {
		return nil, newError("extendable share sets are not supported")
	}
	if groupThreshold != 1 || groupCount != 1 || groupIndex != 0 {
		return nil, newError("multi-group share sets are not supported")
	}

	valueWords := len(data) - prefixWordCount
	valueBits := valueWords * 10
	n := valueBits / 8
	pad := uint(valueBits - n*8)
	if n < MinSecretBytes || n%2 != 0 {
		return nil, newError("invalid share value length %d bytes", n)
	}
	if r.read(pad) != 0 {
		return nil, newError("invalid share padding")
	}
	value := make([]byte, n)
	for i := range value {
		value[i] = byte(r.read(8))
	}

	return &share{
		identifier:      identifier,
		iterationExp:    iterationExp,
		groupIndex:      groupIndex,
		groupThreshold:  groupThreshold,
		groupCount:      groupCount,
		memberIndex:     memberIndex,
		memberThreshold: memberThreshold,
		value:           value,
	}, nil
}

// --- master secret encryption ---

// The shared secret is not the master secret itself but its encryption
// under a 4-round PBKDF2 Feistel network keyed by the passphrase. Any
// passphrase decrypts successfully, so possession of enough shares plus
// a guessed passphrase never produces an error oracle.

func encryptMasterSecret(secret []byte, passphrase string, iterationExp, identifier int) []byte {
	return feistel(secret, passphrase, iterationExp, identifier, true)
}

func decryptMasterSecret(ems []byte, passphrase string, iterationExp, identifier int) []byte {
	return feistel(ems, passphrase, iterationExp, identifier, false)
}

func feistel(data []byte, passphrase string, iterationExp, identifier int, forward bool) []byte {
	half := len(data) / 2
	l := append([]byte(nil), data[:half]...)
	r := append([]byte(nil), data[half:]...)

	iterations := (baseIterationCount / roundCount) << uint(iterationExp)
	idSalt := []byte{'s', 'h', 'a', 'm', 'i', 'r', byte(identifier >> 8), byte(identifier)}

	for i := 0; i < roundCount; i++ {
		step := i
		if !forward {
			step = roundCount - 1 - i
		}
		password := append([]byte{byte(step)}, []byte(passphrase)...)
		salt := append(append([]byte(nil), idSalt...), r...)
		f := pbkdf2.Key(password, salt, iterations, len(r), sha256.New)
		next := make([]byte, len(l))
		for k := range l {
			next[k] = l[k] ^ f[k]
		}
		l, r = r, next
	}
	return append(r, l...)
}

func shareDigest(randomPart, sharedSecret []byte) []byte {
	mac := hmac.New(sha256.New, randomPart)
	mac.Write(sharedSecret)
	return mac.Sum(nil)[:digestLenBytes]
}

func randomIdentifier() (int, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, newError("entropy source failed: %v", err)
	}
	return (int(b[0])&0x7F)<<8 | int(b[1]), nil
}

// --- 10-bit word packing ---

type bitWriter struct {
	acc   uint
	nbits uint
	words []int
}

func (w *bitWriter) write(v, n uint) {
	if n == 0 {
		return
	}
	w.acc = w.acc<<n | (v & (1<<n - 1))
	w.nbits += n
	for w.nbits >= 10 {
		w.nbits -= 10
		w.words = append(w.words, int(w.acc>>w.nbits)&1023)
	}
	w.acc &= 1<<w.nbits - 1
}

type bitReader struct {
	words []int
	pos   uint
}

// read returns the next n bits, or 0 if the stream is exhausted. Callers
// size their reads from the word count, so exhaustion cannot happen on
// checksummed input.
func (r *bitReader) read(n uint) uint {
	var v uint
	for i := uint(0); i < n; i++ {
		if r.pos >= uint(len(r.words))*10 {
			return v
		}
		word := uint(r.words[r.pos/10])
		v = v<<1 | (word>>(9-r.pos%10))&1
		r.pos++
	}
	return v
}
