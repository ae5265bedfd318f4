package chain

import (
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// TronAddressVersion is the version byte of mainnet TRON addresses.
const TronAddressVersion = 0x41

// ValidAddress reports whether addr is a well-formed base58check TRON address.
func ValidAddress(addr string) bool {
	if len(addr) != 34 || !strings.HasPrefix(addr, "T") {
		return false
	}
	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return false
	}
	return version == TronAddressVersion && len(payload) == 20
}
