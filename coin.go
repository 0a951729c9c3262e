package trademirror

import (
	"fmt"
	"strings"
)

// Coin is a currency symbol scoped to a single exchange.
type Coin string

type Pair struct {
	Base, Quote Coin
}

func ParsePair(pair string) (Pair, error) {
	symbols := strings.Split(pair, "/")

	if len(symbols) != 2 || symbols[0] == "" || symbols[1] == "" {
		return Pair{}, fmt.Errorf("malformed pair: [%v]", pair)
	}

	return Pair{
		Base:  Coin(symbols[0]),
		Quote: Coin(symbols[1]),
	}, nil
}

func (p Pair) String() string {
	return string(p.Base + p.Quote)
}

// Fund is a named partition of an exchange account's balance. It attributes
// holds, orders and fills to a strategy without needing a separate exchange
// account per strategy.
type Fund string

const FundMain Fund = "Main"
