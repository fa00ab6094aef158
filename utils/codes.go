package utils

import (
	"crypto/rand"
	"fmt"
	"strings"

	"petition-rewards/models"

	"github.com/gosimple/slug"
)

// crockford is Crockford's base32 alphabet: no I, L, O or U, so codes survive being read aloud.
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	couponSuffixLen   = 8
	referralSuffixLen = 4
	referralPrefixMax = 6
)

// RandomCode returns n characters drawn uniformly from the Crockford alphabet.
func RandomCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = crockford[b&31]
	}
	return string(buf), nil
}

// CouponCode builds "<TIER>-XXXXXXXX", e.g. "ENGAGED-7K2M9QXD".
func CouponCode(level models.Level) (string, error) {
	suffix, err := RandomCode(couponSuffixLen)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", level, suffix), nil
}

// ReferralCode builds "REF-<NAME>-XXXX" from the local part of email.
func ReferralCode(email string) (string, error) {
	suffix, err := RandomCode(referralSuffixLen)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("REF-%s-%s", referralPrefix(email), suffix), nil
}

func referralPrefix(email string) string {
	local, _, _ := strings.Cut(email, "@")
	name := strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, strings.ToUpper(slug.Make(local)))
	if len(name) > referralPrefixMax {
		name = name[:referralPrefixMax]
	}
	if name == "" {
		return "AMI"
	}
	return name
}

// NormalizeCode trims and upper-cases a user-supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
