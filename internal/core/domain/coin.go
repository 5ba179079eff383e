package domain

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

type Outpoint struct {
	TxHash string
	N      uint32
}

func (o *Outpoint) FromString(s string) error {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return fmt.Errorf("invalid outpoint string: %s", s)
	}
	o.TxHash = parts[0]
	n, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid vout string: %s", parts[1])
	}
	o.N = uint32(n)
	return nil
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxHash, o.N)
}

// Coin is an unspent output plus enough data to spend it. AssetId is empty
// for native BTC coins; colored coins carry the overlay asset id and quantity.
type Coin struct {
	Outpoint
	ScriptPubKey  string
	Amount        uint64
	AssetId       string
	AssetQuantity uint64
}

func (c Coin) IsColored() bool {
	return c.AssetId != ""
}

func (c Coin) Script() ([]byte, error) {
	return hex.DecodeString(c.ScriptPubKey)
}
