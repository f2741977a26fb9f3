package symbols

import (
	"strings"

	"ratesflow/internal/model"
)

// Encode converts a pair to the symbol an exchange expects in requests.
// Supported exchanges: binance, bybit, ftx, huobi, okx. Unknown exchanges get
// the bare concatenation.
func Encode(exchange string, inst model.Instrument, p model.Pair) string {
	u, q := strings.ToUpper(p.Underlying), strings.ToUpper(p.Quote)
	switch strings.ToLower(exchange) {
	case model.Binance:
		// coin-margined perpetuals are listed as BTCUSD_PERP
		if inst == model.Perp && q == "USD" {
			return u + q + "_PERP"
		}
		return u + q
	case model.Bybit:
		return u + q
	case model.FTX:
		if inst == model.Perp {
			return u + "-PERP"
		}
		return u + "/" + q
	case model.Huobi:
		if inst == model.Spot {
			return strings.ToLower(u + q)
		}
		return u + "-" + q
	case model.OKX:
		if inst == model.Perp {
			return u + "-" + q + "-SWAP"
		}
		return u + "-" + q
	default:
		return u + q
	}
}

// Lookup resolves exchange symbols back to pairs using the pairs a caller
// asked for. Concatenated symbols such as BTCUSDT are never split by guessing.
type Lookup struct {
	exchange string
	inst     model.Instrument
	bySymbol map[string]model.Pair
}

// NewLookup indexes pairs by their encoded symbol for one exchange.
func NewLookup(exchange string, inst model.Instrument, pairs []model.Pair) *Lookup {
	l := &Lookup{
		exchange: strings.ToLower(exchange),
		inst:     inst,
		bySymbol: make(map[string]model.Pair, len(pairs)),
	}
	for _, p := range pairs {
		l.bySymbol[strings.ToUpper(Encode(exchange, inst, p))] = p
	}
	return l
}

// Resolve returns the pair behind an exchange symbol. Matching ignores case.
func (l *Lookup) Resolve(symbol string) (model.Pair, bool) {
	p, ok := l.bySymbol[strings.ToUpper(symbol)]
	return p, ok
}

// Symbols returns the encoded symbols in the lookup.
func (l *Lookup) Symbols() []string {
	out := make([]string, 0, len(l.bySymbol))
	for s := range l.bySymbol {
		out = append(out, s)
	}
	return out
}

func (l *Lookup) Len() int { return len(l.bySymbol) }
