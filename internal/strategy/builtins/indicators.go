package builtins

import "math"

// sma returns the simple moving average of the last period values, or NaN
// when there is not enough data.
func sma(values []float64, period int) float64 {
	if len(values) < period || period <= 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// stddev returns the population standard deviation of the last period values.
func stddev(values []float64, period int) float64 {
	mean := sma(values, period)
	if math.IsNaN(mean) {
		return math.NaN()
	}
	var sq float64
	for _, v := range values[len(values)-period:] {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(period))
}

// rsiSeries computes the Wilder-smoothed relative strength index for the
// whole price series. Entries before the warm-up period are NaN.
func rsiSeries(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(closes) <= period || period <= 0 {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
