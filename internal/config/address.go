package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ValidateAddress checks that addr is a 0x-prefixed 20-byte hex address and,
// when it uses mixed case, that the case encodes a valid EIP-55 checksum.
func ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, "0x") {
		return errors.New("wallet address must start with 0x")
	}
	body := addr[2:]
	if len(body) != 40 {
		return fmt.Errorf("wallet address must have 40 hex digits, got %d", len(body))
	}
	if _, err := hex.DecodeString(body); err != nil {
		return fmt.Errorf("wallet address is not hex: %w", err)
	}

	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	if want := ChecksumAddress(addr); want != addr {
		return fmt.Errorf("wallet address checksum mismatch, expected %s", want)
	}
	return nil
}

// ChecksumAddress returns the EIP-55 form of a 0x-prefixed hex address.
func ChecksumAddress(addr string) string {
	lower := strings.ToLower(strings.TrimPrefix(addr, "0x"))

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := []byte(lower)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if nibble >= 8 {
			out[i] = c - 32
		}
	}
	return "0x" + string(out)
}
