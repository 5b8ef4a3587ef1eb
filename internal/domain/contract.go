package domain

import "time"

// Quarterly futures expire in March, June, September, and December on the
// third Friday of the month.
var quarterlyMonths = []time.Month{time.March, time.June, time.September, time.December}

// ThirdFriday returns the third Friday of the given month in loc.
func ThirdFriday(year int, month time.Month, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	daysToFriday := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, daysToFriday+14)
}

// FrontContract returns the nearest quarterly contract whose expiry is more
// than rollDays away from now. Contracts inside the roll window are skipped
// so positions are never opened in a contract about to expire.
func FrontContract(ticker, secType, exchange, currency string, now time.Time, rollDays int) Contract {
	loc := now.Location()
	for year := now.Year(); ; year++ {
		for _, month := range quarterlyMonths {
			expiry := ThirdFriday(year, month, loc)
			if now.Before(expiry.AddDate(0, 0, -rollDays)) {
				return Contract{
					Ticker:   ticker,
					SecType:  secType,
					Exchange: exchange,
					Currency: currency,
					Expiry:   expiry.Format("200601"),
				}
			}
		}
	}
}
