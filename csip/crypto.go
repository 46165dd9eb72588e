package csip

import (
	"crypto/aes"

	"github.com/aead/cmac"
)

// Inputs fixed by the SIRK encryption function
var (
	sirkencSalt = []byte("SIRKenc")
	csisKeyID   = []byte("csis")
)

// testSampleKey is K from the CSIS sample data, big-endian as printed
var testSampleKey = [16]byte{
	0x67, 0x6e, 0x1b, 0x9b, 0xd4, 0x48, 0x69, 0x6f,
	0x06, 0x1e, 0xc6, 0x22, 0x3c, 0xe5, 0xce, 0xd9,
}

// TestSampleKey returns the sample data key in the little-endian order a
// host stores LTKs in.
func TestSampleKey() [16]byte {
	return swap(testSampleKey)
}

func aesCMAC(key, msg []byte) ([16]byte, error) {
	var out [16]byte
	block, err := aes.NewCipher(key)
	if err != nil {
		return out, err
	}
	sum, err := cmac.Sum(msg, block, aes.BlockSize)
	if err != nil {
		return out, err
	}
	copy(out[:], sum)
	return out, nil
}

// s1 is the salt generation function: AES-CMAC with a zero key
func s1(m []byte) ([16]byte, error) {
	var zero [16]byte
	return aesCMAC(zero[:], m)
}

// k1 is the key derivation function: T = CMAC_salt(N), k1 = CMAC_T(P)
func k1(n []byte, salt [16]byte, p []byte) ([16]byte, error) {
	t, err := aesCMAC(salt[:], n)
	if err != nil {
		return [16]byte{}, err
	}
	return aesCMAC(t[:], p)
}

// SEF encrypts sirk with the little-endian key k. Both values are in the
// little-endian order they have over the air.
func SEF(k, sirk [16]byte) ([16]byte, error) {
	salt, err := s1(sirkencSalt)
	if err != nil {
		return [16]byte{}, err
	}
	kBE := swap(k)
	mask, err := k1(kBE[:], salt, csisKeyID)
	if err != nil {
		return [16]byte{}, err
	}
	mask = swap(mask)

	var out [16]byte
	for i := range out {
		out[i] = mask[i] ^ sirk[i]
	}
	return out, nil
}

// SDF decrypts an encrypted SIRK. The function is its own inverse.
func SDF(k, encrypted [16]byte) ([16]byte, error) {
	return SEF(k, encrypted)
}

// SIH is the resolvable set identifier hash: e(sirk, padding || r) mod 2^24
func SIH(sirk [16]byte, r uint32) (uint32, error) {
	var plain [16]byte
	putLE24(plain[:], r)

	res, err := encryptLE(sirk, plain)
	if err != nil {
		return 0, err
	}
	return getLE24(res[:]), nil
}

// encryptLE runs AES-128 on little-endian key and data, returning a
// little-endian result.
func encryptLE(key, plain [16]byte) ([16]byte, error) {
	keyBE := swap(key)
	block, err := aes.NewCipher(keyBE[:])
	if err != nil {
		return [16]byte{}, err
	}
	var out [16]byte
	in := swap(plain)
	block.Encrypt(out[:], in[:])
	return swap(out), nil
}

func swap(b [16]byte) [16]byte {
	var out [16]byte
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}

func putLE24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func getLE24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
