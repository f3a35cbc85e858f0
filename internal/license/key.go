package license

import (
	"crypto/rand"
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// NewKey returns an opaque license key such as AIMG-PRO-ABCD-EFGH-...
func NewKey(t Tier) (string, error) {
	// 15 bytes => 24 base32 chars (no padding)
	b := make([]byte, 15)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	s := strings.ToUpper(enc.EncodeToString(b))
	var parts []string
	for i := 0; i < len(s); i += 4 {
		end := i + 4
		if end > len(s) {
			end = len(s)
		}
		parts = append(parts, s[i:end])
	}
	prefix := "AIMG-FREE-"
	if t != TierFree {
		prefix = "AIMG-PRO-"
	}
	return prefix + strings.Join(parts, "-"), nil
}

func NewID() string {
	return uuid.NewString()
}
