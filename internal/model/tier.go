package model

// Tier bounds what a user's plan allows: how often checks may run and how
// many alerts each channel may deliver per window.
type Tier struct {
	Name               string `json:"name"`
	MinIntervalSeconds int    `json:"min_interval_seconds"`
	HourlyAlertMax     int64  `json:"hourly_alert_max"`
	MonthlyAlertMax    int64  `json:"monthly_alert_max"`
}

var tiers = map[string]Tier{
	"free": {Name: "free", MinIntervalSeconds: 300, HourlyAlertMax: 10, MonthlyAlertMax: 100},
	"pro":  {Name: "pro", MinIntervalSeconds: 30, HourlyAlertMax: 100, MonthlyAlertMax: 5000},
}

// TierByName resolves a tier tag; unknown tags fall back to free.
func TierByName(name string) Tier {
	if t, ok := tiers[name]; ok {
		return t
	}
	return tiers["free"]
}
