package risk

// sectorMap groups the default trading universe plus common large caps.
// Static on purpose: concentration buckets only need to be stable, not
// exhaustive, and unknown symbols fall into "Other".
var sectorMap = map[string]string{
	"AAPL": "Technology",
	"MSFT": "Technology",
	"GOOG": "Technology",
	"GOOGL": "Technology",
	"META": "Technology",
	"NVDA": "Technology",
	"AMD":  "Technology",
	"INTC": "Technology",
	"CRM":  "Technology",
	"ORCL": "Technology",
	"ADBE": "Technology",

	"AMZN": "Consumer Discretionary",
	"TSLA": "Consumer Discretionary",
	"HD":   "Consumer Discretionary",
	"NKE":  "Consumer Discretionary",
	"MCD":  "Consumer Discretionary",
	"SBUX": "Consumer Discretionary",

	"JPM": "Financials",
	"BAC": "Financials",
	"WFC": "Financials",
	"GS":  "Financials",
	"MS":  "Financials",
	"V":   "Financials",
	"MA":  "Financials",

	"JNJ":  "Healthcare",
	"PFE":  "Healthcare",
	"UNH":  "Healthcare",
	"ABBV": "Healthcare",
	"MRK":  "Healthcare",
	"LLY":  "Healthcare",

	"XOM": "Energy",
	"CVX": "Energy",
	"COP": "Energy",

	"PG":  "Consumer Staples",
	"KO":  "Consumer Staples",
	"PEP": "Consumer Staples",
	"WMT": "Consumer Staples",
	"COST": "Consumer Staples",

	"BA":  "Industrials",
	"CAT": "Industrials",
	"UPS": "Industrials",
	"GE":  "Industrials",

	"DIS":  "Communication Services",
	"NFLX": "Communication Services",
	"T":    "Communication Services",
	"VZ":   "Communication Services",
}

// SectorFor returns the sector bucket for a symbol
func SectorFor(symbol string) string {
	if sector, ok := sectorMap[symbol]; ok {
		return sector
	}
	return "Other"
}
