package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"keyhoney-serverless/internal/kvstore"
)

const otpKeyPrefix = "otp:"

func otpKey(email string) string {
	return otpKeyPrefix + email
}

// generateOTP draws a code uniformly from [10^(n-1), 10^n - 1] so the
// leading digit is never zero and the string length is always n.
func (s *Service) generateOTP() (string, error) {
	min := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.otpLength-1)), nil)
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.otpLength)), nil)
	span := new(big.Int).Sub(max, min)

	offset, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}

	return new(big.Int).Add(min, offset).String(), nil
}

// storeOTP overwrites any prior record for the email, implicitly
// invalidating an unconsumed code.
func (s *Service) storeOTP(ctx context.Context, email, code string) error {
	record := otpRecord{
		Code:      code,
		ExpiresAt: s.now().UTC().Add(s.otpTTL).Unix(),
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode otp record: %w", err)
	}

	if err := s.kv.Put(ctx, otpKey(email), encoded, s.otpTTL); err != nil {
		return fmt.Errorf("store otp record: %w", err)
	}

	return nil
}

// validateOTP reports whether the submitted code matches the live record
// for the email. A missing record, an expired record, and a wrong code
// are indistinguishable to the caller.
func (s *Service) validateOTP(ctx context.Context, email, submitted string) (bool, error) {
	raw, err := s.kv.Get(ctx, otpKey(email))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("read otp record: %w", err)
	}

	var record otpRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return false, fmt.Errorf("decode otp record: %w", err)
	}

	if s.now().UTC().Unix() > record.ExpiresAt {
		return false, nil
	}

	return constantTimeEqual(record.Code, submitted), nil
}

func (s *Service) clearOTP(ctx context.Context, email string) error {
	if err := s.kv.Delete(ctx, otpKey(email)); err != nil {
		return fmt.Errorf("clear otp record: %w", err)
	}

	return nil
}

// constantTimeEqual hashes both operands before the constant-time
// compare so neither the content nor the length of the stored code
// leaks through timing.
func constantTimeEqual(a, b string) bool {
	hashA := sha256.Sum256([]byte(a))
	hashB := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(hashA[:], hashB[:]) == 1
}
