package token

import (
	"fmt"

	"github.com/knadh/oathkey/internal/hexcodec"
	"github.com/knadh/oathkey/pkg/models"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

// localCode computes the code of a software entry. A HOTP entry's counter
// is advanced after every code.
func (m *Manager) localCode(e models.Entry) (string, error) {
	if len(e.Secret) == 0 {
		return "", ErrNoSecret
	}

	var (
		secret = hexcodec.EncodeSecret(e.Secret)
		digits = otp.Digits(e.Digits)
		alg    = otp.AlgorithmSHA1
	)
	if e.Algorithm == models.AlgorithmSHA256 {
		alg = otp.AlgorithmSHA256
	}

	if e.Type == models.TypeTOTP {
		code, err := totp.GenerateCodeCustom(secret, m.opt.Now().Add(m.opt.ClockOffset), totp.ValidateOpts{
			Period:    uint(e.Period),
			Digits:    digits,
			Algorithm: alg,
		})
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrCodeUnavailable, err)
		}
		return code, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The stored entry holds the live counter.
	i := e.Index - 1
	if i < 0 || i >= len(m.local) || m.local[i].Issuer != e.Issuer {
		return "", ErrNotFound
	}

	code, err := hotp.GenerateCodeCustom(secret, m.local[i].Counter, hotp.ValidateOpts{
		Digits:    digits,
		Algorithm: alg,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCodeUnavailable, err)
	}
	m.local[i].Counter++

	return code, nil
}
