package telemetry

// Unit conversions applied at the schema boundary. Everything downstream of
// the validator speaks km/h, °C, and kPa.

const (
	mpsToKmh = 3.6
	mphToKmh = 1.609344
	psiToKPa = 6.894757
)

// KmhFromMps converts metres per second to km/h.
func KmhFromMps(v float64) float64 { return v * mpsToKmh }

// KmhFromMph converts miles per hour to km/h.
func KmhFromMph(v float64) float64 { return v * mphToKmh }

// KPaFromPSI converts pounds per square inch to kilopascals.
func KPaFromPSI(v float64) float64 { return v * psiToKPa }

// CFromF converts Fahrenheit to Celsius.
func CFromF(v float64) float64 { return (v - 32) * 5 / 9 }
