// Package skycoord provides the spherical astronomy helpers used by the alert
// filter: galactic latitude of an equatorial position and angular separation.
package skycoord

import "math"

// North galactic pole and galactic longitude of the north celestial pole,
// J2000 (ICRS), degrees.
const (
	galacticPoleRA  = 192.85948
	galacticPoleDec = 27.12825
)

const (
	degPerRad       = 180 / math.Pi
	arcsecPerRadian = 3600 * degPerRad
)

// DegToRad converts degrees to radians.
func DegToRad(deg float64) float64 { return deg / degPerRad }

// RadToDeg converts radians to degrees.
func RadToDeg(rad float64) float64 { return rad * degPerRad }

// RadToArcsec converts radians to arcseconds.
func RadToArcsec(rad float64) float64 { return rad * arcsecPerRadian }

// GalacticLatitude returns the galactic latitude b in degrees of the
// equatorial position (raDeg, decDeg).
func GalacticLatitude(raDeg, decDeg float64) float64 {
	ra, dec := DegToRad(raDeg), DegToRad(decDeg)
	raGP, decGP := DegToRad(galacticPoleRA), DegToRad(galacticPoleDec)

	sinB := math.Sin(dec)*math.Sin(decGP) + math.Cos(dec)*math.Cos(decGP)*math.Cos(ra-raGP)
	// rounding can push |sinB| just past 1 at the poles
	sinB = math.Max(-1, math.Min(1, sinB))
	return RadToDeg(math.Asin(sinB))
}

// Separation returns the angular distance in radians between two positions
// given in radians. It uses the Vincenty formula, which is stable for both
// tiny and antipodal separations.
func Separation(ra1, dec1, ra2, dec2 float64) float64 {
	sdRA, cdRA := math.Sincos(ra2 - ra1)
	sDec1, cDec1 := math.Sincos(dec1)
	sDec2, cDec2 := math.Sincos(dec2)

	num1 := cDec2 * sdRA
	num2 := cDec1*sDec2 - sDec1*cDec2*cdRA
	denom := sDec1*sDec2 + cDec1*cDec2*cdRA

	return math.Atan2(math.Hypot(num1, num2), denom)
}

// SeparationArcsec returns the angular distance in arcseconds between two
// positions given in radians.
func SeparationArcsec(ra1, dec1, ra2, dec2 float64) float64 {
	return RadToArcsec(Separation(ra1, dec1, ra2, dec2))
}
