package payload

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// LoadKeyFile reads a hex encoded AES-128 key from the first line of path.
// Create one with: openssl rand -hex 16 > payload_aes_key.hex
func LoadKeyFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("empty key file %s", path)
	}

	key, err := hex.DecodeString(strings.TrimSpace(sc.Text()))
	if err != nil {
		return nil, fmt.Errorf("can't decode key file %s: %w", path, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size %d in %s, want %d", len(key), path, KeySize)
	}
	return key, nil
}
