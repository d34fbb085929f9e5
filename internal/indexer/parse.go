package indexer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddress validates a configured contract address.
func ParseAddress(input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return common.Address{}, errors.New("address is empty")
	}
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("invalid address: %s", input)
	}
	addr := common.HexToAddress(input)
	if addr == (common.Address{}) {
		return common.Address{}, errors.New("zero address")
	}
	return addr, nil
}
