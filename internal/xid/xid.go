package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// Barcode returns a random 13-digit code for products created without one.
func Barcode() string {
	max := big.NewInt(9_000_000_000_000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return fmt.Sprintf("%013d", time.Now().UnixNano()%10_000_000_000_000)
	}
	return fmt.Sprintf("%d", n.Int64()+1_000_000_000_000)
}
