package vstbridge

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
)

// GenerateEndpoint returns a fresh, collision-free Unix socket path for a
// per-plugin bridge session, created alongside the plugin image itself.
// The name embeds the plugin name so log prefixes and stray socket files
// are attributable.
func GenerateEndpoint(imagePath string) (string, error) {
	dir := filepath.Dir(imagePath)
	name := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))

	for {
		suffix, err := randomHex(8)
		if err != nil {
			return "", err
		}
		candidate := filepath.Join(dir, fmt.Sprintf("vstbridge-%s-%s.sock", name, suffix))
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
}

// GroupEndpoint returns the deterministic socket path shared by every
// plugin instance configured into the same group. Instances converge on
// one bridge process only when group name, compat prefix, and architecture
// all agree: the prefix and the architecture both feed the hash, so two
// groups with the same name under different prefixes or word sizes can
// never collide.
func GroupEndpoint(baseDir, group, prefix string, arch Architecture) string {
	h := fnv.New64a()
	h.Write([]byte(prefix))
	h.Write([]byte{0})
	h.Write([]byte(arch.String()))

	return filepath.Join(baseDir,
		fmt.Sprintf("vstbridge-group-%s-%x-%s.sock", group, h.Sum64(), arch))
}

// randomHex returns length hex characters from a cryptographically secure
// source.
func randomHex(length int) (string, error) {
	raw := make([]byte, (length+1)/2)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating endpoint suffix: %w", err)
	}
	return hex.EncodeToString(raw)[:length], nil
}
