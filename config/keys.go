package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when the key file is readable by
// anyone but its owner.
var ErrInsecurePermissions = fmt.Errorf("key file has insecure permissions")

// Keys is the node's secret material.
type Keys struct {
	// Seed derives the node's ed25519 key deterministically. Nil means a
	// random key.
	Seed *uint64 `toml:"seed"`

	// AgeIdentity is the AGE-SECRET-KEY used to seal held fragments. Empty
	// means a fresh identity per run.
	AgeIdentity string `toml:"age_identity"`
}

// LoadKeys reads a key file. The file must be mode 0400 or 0600.
func LoadKeys(path string) (*Keys, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		mode := info.Mode().Perm()
		if mode&0077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400 or 0600)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var k Keys
	if _, err := toml.DecodeFile(path, &k); err != nil {
		return nil, err
	}
	return &k, nil
}
