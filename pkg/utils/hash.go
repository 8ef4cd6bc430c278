package utils

import (
	"crypto/md5"
	"fmt"
	"regexp"
	"strings"
)

var unsafeFileChars = regexp.MustCompile(`[^\w\s().'-]`)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// SafeFileName turns a cache key into a file name. Keys that would collide
// after sanitising or are too long get a hash suffix.
func SafeFileName(key string) string {
	safe := unsafeFileChars.ReplaceAllString(key, "_")
	safe = strings.Join(strings.Fields(safe), "_")
	safe = strings.Trim(safe, "._")
	if safe == "" || safe != key || len(safe) > 80 {
		if len(safe) > 64 {
			safe = safe[:64]
		}
		return safe + "-" + HashString(key)[:12]
	}
	return safe
}
