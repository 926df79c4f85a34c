package ingester

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress canonicalizes a Hyperliquid wallet address. Wallets are
// 20-byte EVM addresses; operator input and upstream payloads arrive with
// mixed case, with or without the 0x prefix, and occasionally as the literal
// "nil" placeholder for empty optionals.
//
// The canonical form is lowercase hex with the 0x prefix, which is what the
// upstream info endpoint expects in the user field and what the wallets
// table stores uniquely.
func NormalizeAddress(input string) (string, error) {
	s := strings.TrimSpace(input)
	switch strings.ToLower(s) {
	case "", "nil", "<nil>", "null":
		return "", fmt.Errorf("empty address")
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("invalid wallet address %q", input)
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}
