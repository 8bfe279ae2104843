package types

// IsValidSymbol reports whether s is an acceptable canonical symbol:
// non-empty, uppercase alphanumerics plus '.', '-', '/', no whitespace.
func IsValidSymbol(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '/':
		default:
			return false
		}
	}
	return true
}

// ValidTrade reports whether a trade payload satisfies price > 0, size >= 1
func ValidTrade(p *TradePayload) bool {
	return p != nil && p.Price > 0 && p.Size >= 1
}

// ValidBar reports whether all four OHLC values are positive and
// low <= min(open, close) <= max(open, close) <= high.
func ValidBar(p *BarPayload) bool {
	if p == nil {
		return false
	}
	if p.Open <= 0 || p.High <= 0 || p.Low <= 0 || p.Close <= 0 {
		return false
	}
	lo, hi := p.Open, p.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	return p.Low <= lo && hi <= p.High
}

// ValidDepth reports whether the bid side is non-increasing and the ask
// side non-decreasing in price.
func ValidDepth(p *DepthPayload) bool {
	if p == nil {
		return false
	}
	for i := 1; i < len(p.Bids); i++ {
		if p.Bids[i].Price > p.Bids[i-1].Price {
			return false
		}
	}
	for i := 1; i < len(p.Asks); i++ {
		if p.Asks[i].Price < p.Asks[i-1].Price {
			return false
		}
	}
	return true
}
