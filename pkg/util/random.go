package util

import (
	"math/rand"
	"sync"
	"time"
)

const digits = "0123456789"

var (
	mu sync.Mutex
	r  = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RandomDigits returns a numeric string of exactly n digits. Leading zeros
// are allowed, so the space is 10^n.
func RandomDigits(n int) string {
	mu.Lock()
	defer mu.Unlock()
	b := make([]byte, n)
	for i := range b {
		b[i] = digits[r.Intn(len(digits))]
	}
	return string(b)
}
