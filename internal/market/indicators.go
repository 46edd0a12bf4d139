package market

// SMA is the simple mean of the last n prices; with fewer than n it averages
// what is available.
func SMA(prices []float64, n int) float64 {
	if len(prices) == 0 || n <= 0 {
		return 0
	}
	if n > len(prices) {
		n = len(prices)
	}
	sum := 0.0
	for _, p := range prices[len(prices)-n:] {
		sum += p
	}
	return sum / float64(n)
}

// RSI is Wilder's relative strength index over period. Returns the neutral
// 50 until period+1 points exist.
func RSI(prices []float64, period int) float64 {
	if period <= 0 || len(prices) < period+1 {
		return 50
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// BandPosition locates the last price within the window's high/low, 0.5 when
// the window is flat.
func BandPosition(prices []float64) float64 {
	if len(prices) == 0 {
		return 0.5
	}
	lo, hi := prices[0], prices[0]
	for _, p := range prices {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	if hi == lo {
		return 0.5
	}
	return (prices[len(prices)-1] - lo) / (hi - lo)
}
