package x360pad

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2s"
)

// defaultSerial is used when no machine identity is available at all.
const defaultSerial = "0000000"

// DeriveSerial produces a stable 7-digit hex serial for this machine, the
// format a real controller reports. Hashing the machine id (hostname as
// fallback) keeps the serial constant across restarts without persisting
// anything.
func DeriveSerial() string {
	seed, err := os.ReadFile("/etc/machine-id")
	if err != nil || len(seed) == 0 {
		host, herr := os.Hostname()
		if herr != nil || host == "" {
			return defaultSerial
		}
		seed = []byte(host)
	}
	sum := blake2s.Sum256(seed)
	v := binary.BigEndian.Uint32(sum[:4]) & 0x0fffffff
	return fmt.Sprintf("%07X", v)
}
