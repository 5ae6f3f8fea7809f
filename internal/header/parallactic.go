package header

import "math"

// SubaruLatitude is the observatory latitude in degrees.
const SubaruLatitude = 19.823806

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }

// ParallacticAngleHADec returns the parallactic angle in degrees East of North
// for hour angle ha (hours), declination dec and latitude lat (degrees).
func ParallacticAngleHADec(ha, dec, lat float64) float64 {
	h := ha * math.Pi / 12
	d := deg2rad(dec)
	l := deg2rad(lat)
	return rad2deg(math.Atan2(math.Sin(h), math.Tan(l)*math.Cos(d)-math.Sin(d)*math.Cos(h)))
}

// ParallacticAngleAltAz returns the parallactic angle in degrees East of North
// from altitude and azimuth (degrees, azimuth measured from North).
func ParallacticAngleAltAz(alt, az, lat float64) float64 {
	a := deg2rad(az) - math.Pi
	e := deg2rad(alt)
	l := deg2rad(lat)
	sinAz, cosAz := math.Sin(a), math.Cos(a)
	sinAlt, cosAlt := math.Sin(e), math.Cos(e)
	sinLat, cosLat := math.Sin(l), math.Cos(l)

	dec := math.Asin(sinAlt*sinLat - cosAlt*cosLat*cosAz)
	ha := math.Atan2(sinAz, cosAz*sinLat+math.Tan(e)*cosLat)
	return rad2deg(math.Atan2(math.Sin(ha), math.Tan(l)*math.Cos(dec)-math.Sin(dec)*math.Cos(ha)))
}

// DerotationAngle returns the angle that rotates a frame to North-up.
func DerotationAngle(pa, pupilOffset float64) float64 {
	return pa + pupilOffset
}
