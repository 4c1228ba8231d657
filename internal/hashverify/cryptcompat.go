package hashverify

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strconv"
	"strings"
)

const b64Alphabet = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func b64From24Bit(b2, b1, b0 byte, n int) string {
	v := uint32(b2)<<16 | uint32(b1)<<8 | uint32(b0)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = b64Alphabet[v&0x3f]
		v >>= 6
	}
	return string(out)
}

// md5Crypt reproduces the FreeBSD-style "$1$salt$hash" algorithm and
// returns the full "$1$salt$hash" string for the given plaintext and the
// salt found in existing.
func md5Crypt(password, existing string) (string, error) {
	salt, err := extractSalt(existing, "$1$")
	if err != nil {
		return "", err
	}
	pw := []byte(password)
	s := []byte(salt)

	altCtx := md5.New()
	altCtx.Write(pw)
	altCtx.Write(s)
	altCtx.Write(pw)
	alt := altCtx.Sum(nil)

	ctx := md5.New()
	ctx.Write(pw)
	ctx.Write([]byte("$1$"))
	ctx.Write(s)

	for cnt := len(pw); cnt > 0; cnt -= 16 {
		if cnt > 16 {
			ctx.Write(alt)
		} else {
			ctx.Write(alt[:cnt])
		}
	}

	for cnt := len(pw); cnt != 0; cnt >>= 1 {
		if cnt&1 != 0 {
			ctx.Write([]byte{0})
		} else {
			ctx.Write(pw[:1])
		}
	}

	final := ctx.Sum(nil)

	for i := 0; i < 1000; i++ {
		c := md5.New()
		if i&1 != 0 {
			c.Write(pw)
		} else {
			c.Write(final)
		}
		if i%3 != 0 {
			c.Write(s)
		}
		if i%7 != 0 {
			c.Write(pw)
		}
		if i&1 != 0 {
			c.Write(final)
		} else {
			c.Write(pw)
		}
		final = c.Sum(nil)
	}

	out := b64From24Bit(final[0], final[6], final[12], 4) +
		b64From24Bit(final[1], final[7], final[13], 4) +
		b64From24Bit(final[2], final[8], final[14], 4) +
		b64From24Bit(final[3], final[9], final[15], 4) +
		b64From24Bit(final[4], final[10], final[5], 4) +
		b64From24Bit(0, 0, final[11], 2)

	return "$1$" + salt + "$" + out, nil
}

const (
	shaRoundsDefault = 5000
	shaRoundsMin     = 1000
	shaRoundsMax     = 999999999
)

// sha2Crypt reproduces glibc's sha256-crypt/sha512-crypt ("$5$"/"$6$")
// algorithm and returns the full hash string for comparison against
// existing, whose salt (and optional explicit rounds=N) is reused as-is.
func sha2Crypt(password, existing string, bits int) (string, error) {
	prefix := fmt.Sprintf("$%d$", map[int]int{256: 5, 512: 6}[bits])
	rest := strings.TrimPrefix(existing, prefix)
	if rest == existing {
		return "", ErrUnsupportedFormat
	}

	rounds := shaRoundsDefault
	explicitRounds := false
	if strings.HasPrefix(rest, "rounds=") {
		end := strings.IndexByte(rest, '$')
		if end < 0 {
			return "", ErrUnsupportedFormat
		}
		n, err := strconv.Atoi(strings.TrimPrefix(rest[:end], "rounds="))
		if err != nil {
			return "", ErrUnsupportedFormat
		}
		rounds = clamp(n, shaRoundsMin, shaRoundsMax)
		explicitRounds = true
		rest = rest[end+1:]
	}

	saltEnd := strings.IndexByte(rest, '$')
	if saltEnd < 0 {
		return "", ErrUnsupportedFormat
	}
	salt := rest[:saltEnd]
	if len(salt) > 16 {
		salt = salt[:16]
	}

	newHash := sha256.New
	if bits == 512 {
		newHash = sha512.New
	}

	da := shaCryptDigestA(newHash, []byte(password), []byte(salt))
	p := shaCryptRepeat(newHash, []byte(password), []byte(password), len(password))

	dsCtx := newHash()
	repeats := 16 + int(da[0])
	for i := 0; i < repeats; i++ {
		dsCtx.Write([]byte(salt))
	}
	ds := dsCtx.Sum(nil)
	sSeq := repeatToLength(ds, len(salt))

	digest := da
	for i := 0; i < rounds; i++ {
		c := newHash()
		if i&1 != 0 {
			c.Write(p)
		} else {
			c.Write(digest)
		}
		if i%3 != 0 {
			c.Write(sSeq)
		}
		if i%7 != 0 {
			c.Write(p)
		}
		if i&1 != 0 {
			c.Write(digest)
		} else {
			c.Write(p)
		}
		digest = c.Sum(nil)
	}

	var encoded string
	if bits == 256 {
		encoded = encodeSHA256(digest)
	} else {
		encoded = encodeSHA512(digest)
	}

	result := prefix
	if explicitRounds {
		result += fmt.Sprintf("rounds=%d$", rounds)
	}
	result += salt + "$" + encoded
	return result, nil
}

// shaCryptDigestA computes digest A per the sha-crypt specification.
func shaCryptDigestA(newHash func() hash.Hash, password, salt []byte) []byte {
	bCtx := newHash()
	bCtx.Write(password)
	bCtx.Write(salt)
	bCtx.Write(password)
	b := bCtx.Sum(nil)
	digestSize := len(b)

	aCtx := newHash()
	aCtx.Write(password)
	aCtx.Write(salt)

	cnt := len(password)
	for cnt > digestSize {
		aCtx.Write(b)
		cnt -= digestSize
	}
	aCtx.Write(b[:cnt])

	for cnt = len(password); cnt != 0; cnt >>= 1 {
		if cnt&1 != 0 {
			aCtx.Write(b)
		} else {
			aCtx.Write(password)
		}
	}

	return aCtx.Sum(nil)
}

// shaCryptRepeat computes digest DP (repeating `unit` len(password) times)
// and expands it to the requested output length, per the sha-crypt spec's
// P/S byte-sequence construction.
func shaCryptRepeat(newHash func() hash.Hash, password, unit []byte, outLen int) []byte {
	ctx := newHash()
	for i := 0; i < len(password); i++ {
		ctx.Write(unit)
	}
	return repeatToLength(ctx.Sum(nil), outLen)
}

func repeatToLength(digest []byte, outLen int) []byte {
	if outLen == 0 {
		return nil
	}
	out := make([]byte, 0, outLen)
	for len(out) < outLen {
		remaining := outLen - len(out)
		if remaining >= len(digest) {
			out = append(out, digest...)
		} else {
			out = append(out, digest[:remaining]...)
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func encodeSHA256(d []byte) string {
	return b64From24Bit(d[0], d[10], d[20], 4) +
		b64From24Bit(d[21], d[1], d[11], 4) +
		b64From24Bit(d[12], d[22], d[2], 4) +
		b64From24Bit(d[3], d[13], d[23], 4) +
		b64From24Bit(d[24], d[4], d[14], 4) +
		b64From24Bit(d[15], d[25], d[5], 4) +
		b64From24Bit(d[6], d[16], d[26], 4) +
		b64From24Bit(d[27], d[7], d[17], 4) +
		b64From24Bit(d[18], d[28], d[8], 4) +
		b64From24Bit(d[9], d[19], d[29], 4) +
		b64From24Bit(0, d[31], d[30], 3)
}

func encodeSHA512(d []byte) string {
	return b64From24Bit(d[0], d[21], d[42], 4) +
		b64From24Bit(d[22], d[43], d[1], 4) +
		b64From24Bit(d[44], d[2], d[23], 4) +
		b64From24Bit(d[3], d[24], d[45], 4) +
		b64From24Bit(d[25], d[46], d[4], 4) +
		b64From24Bit(d[47], d[5], d[26], 4) +
		b64From24Bit(d[6], d[27], d[48], 4) +
		b64From24Bit(d[28], d[49], d[7], 4) +
		b64From24Bit(d[50], d[8], d[29], 4) +
		b64From24Bit(d[9], d[30], d[51], 4) +
		b64From24Bit(d[31], d[52], d[10], 4) +
		b64From24Bit(d[53], d[11], d[32], 4) +
		b64From24Bit(d[12], d[33], d[54], 4) +
		b64From24Bit(d[34], d[55], d[13], 4) +
		b64From24Bit(d[56], d[14], d[35], 4) +
		b64From24Bit(d[15], d[36], d[57], 4) +
		b64From24Bit(d[37], d[58], d[16], 4) +
		b64From24Bit(d[59], d[17], d[38], 4) +
		b64From24Bit(d[18], d[39], d[60], 4) +
		b64From24Bit(d[40], d[61], d[19], 4) +
		b64From24Bit(d[62], d[20], d[41], 4) +
		b64From24Bit(0, 0, d[63], 2)
}

func extractSalt(existing, prefix string) (string, error) {
	rest := strings.TrimPrefix(existing, prefix)
	if rest == existing {
		return "", ErrUnsupportedFormat
	}
	end := strings.IndexByte(rest, '$')
	if end < 0 {
		return "", ErrUnsupportedFormat
	}
	return rest[:end], nil
}
