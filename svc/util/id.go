package util

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

const (
	base62Chars     = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	DefaultIDLength = 10
	maxIDRetries    = 5
)

// ErrIDExhausted is returned when every candidate id was already taken.
var ErrIDExhausted = errors.New("id collision after 5 retries")

// GenID draws random base62 ids and hands each to claim until one sticks.
// claim reports taken=true when the id already exists.
func GenID(length int, claim func(id string) (taken bool, err error)) (string, error) {
	if length <= 0 {
		length = DefaultIDLength
	}
	for retry := 0; retry < maxIDRetries; retry++ {
		id, err := RandomID(length)
		if err != nil {
			return "", err
		}
		taken, err := claim(id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrIDExhausted
}

// RandomID returns length uniformly distributed base62 characters.
func RandomID(length int) (string, error) {
	out := make([]byte, 0, length)
	buf := make([]byte, length+length/2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		for _, b := range buf {
			// 248 = 62*4; larger bytes would bias the modulo.
			if b >= 248 {
				continue
			}
			out = append(out, base62Chars[b%62])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
