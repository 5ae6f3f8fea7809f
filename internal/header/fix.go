package header

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// PupilOffset is the instrument angle offset in degrees added to the parallactic angle.
const PupilOffset = 140.4

const isoLayout = "2006-01-02T15:04:05.999999999"

// FullFrame is the unbinned detector size in pixels along each axis.
const FullFrame = 512

// Detector holds the characteristics of the Ultra 897 EMCCD cameras.
type Detector struct {
	Bias        float64 // adu
	Gain        float64 // e-/adu
	EMGain      float64
	DarkCurrent float64 // e-/s/pix
	ExcessNoise float64
	ReadNoise   float64 // e- RMS
	PixelScale  float64 // mas/pix
	PAOffset    float64 // deg
	FullWell    float64 // e-
}

// EMCCD returns the detector model for the given EM multiplication factor.
// A non-positive factor is treated as no multiplication.
func EMCCD(emgain float64) Detector {
	if emgain <= 0 {
		emgain = 1
	}
	return Detector{
		Bias:        200,
		Gain:        4.5,
		EMGain:      emgain,
		DarkCurrent: 1.5e-4,
		ExcessNoise: math.Sqrt2,
		ReadNoise:   82,
		PixelScale:  6.24,
		PAOffset:    0,
		FullWell:    8e5,
	}
}

// EffectiveGain is the conversion gain after EM multiplication.
func (d Detector) EffectiveGain() float64 { return d.Gain / d.EMGain }

func (d Detector) cards(h Header) Header {
	return h.With("BIAS", d.Bias, "[adu] Bias offset").
		With("GAIN", d.Gain, "[e-/adu] Detector gain").
		With("DC", d.DarkCurrent, "[e-/s/pix] Detector dark current").
		With("ENF", d.ExcessNoise, "Detector excess noise factor").
		With("EFFGAIN", d.EffectiveGain(), "[e-/adu] Detector effective gain").
		With("RN", d.ReadNoise, "[e-] RMS read noise").
		With("PXSCALE", d.PixelScale, "[mas/pix] Pixel scale").
		With("PAOFFSET", d.PAOffset, "[deg] Parallactic angle offset").
		With("FULLWELL", d.FullWell, "[e-] Full well of detector register")
}

// Fix normalizes raw acquisition metadata. Crop-origin cards need NAXIS1 and
// NAXIS2; detector cards need U_EMGAIN. It never fails: cards it cannot
// repair are left untouched and reported through the returned warnings.
func Fix(h Header) (Header, []string) {
	var warnings []string
	out := Header{cards: h.Cards()}

	for _, key := range []string{"UT-STR", "UT-END", "HST-STR", "HST-END"} {
		v, ok := out.String(key)
		if ok && strings.Count(v, ":") == 3 {
			i := strings.LastIndex(v, ":")
			out = out.With(key, v[:i]+"."+v[i+1:], "")
		}
	}

	for _, key := range []string{"UT", "HST"} {
		if !out.Has(key+"-STR") || !out.Has(key+"-END") {
			continue
		}
		mid, err := midpointISO(out, key)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
			continue
		}
		out = out.With(key, mid, "")
	}

	start, okStart := out.Float("MJD-STR")
	end, okEnd := out.Float("MJD-END")
	if okStart && okEnd {
		out = out.With("MJD", start+(end-start)/2, "")
	}

	if !out.Has("DETECTOR") {
		if cam, ok := out.Int("U_CAMERA"); ok {
			out = out.With("DETECTOR", fmt.Sprintf("VCAM%d - Ultra 897", cam), "Name of the detector")
		}
	}
	if !out.Has("OBS-MOD") {
		out = out.With("OBS-MOD", "IPOL", "Observation mode")
	}
	if c, ok := out.Get("U_EMGAIN"); ok {
		out = out.With("DETGAIN", c.Value, "Detector multiplication factor")
	}
	if c, ok := out.Get("U_HWPANG"); ok {
		out = out.With("RET-ANG1", c.Value, "[deg] Position angle of first retarder plate")
		out = out.With("RETPLAT1", "HWP(NIR)", "Identifier of first retarder plate")
	}
	if state, ok := out.Int("U_FLCSTT"); ok {
		flc := "B"
		if state == 1 {
			flc = "A"
		}
		out = out.With("U_FLC", flc, "VAMPIRES FLC State")
	}
	if !out.Has("EXPTIME") {
		if aq, ok := out.Float("U_AQTINT"); ok {
			out = out.With("EXPTIME", aq/1e6, "[s] Total integration time of the frame")
		} else {
			warnings = append(warnings, "EXPTIME: missing U_AQTINT")
		}
	}
	if !out.Has("FILTER01") {
		if c, ok := out.Get("U_FILTER"); ok {
			out = out.With("FILTER01", c.Value, "Primary filter name")
			out = out.With("FILTER02", "Unknown", "Secondary filter name")
		}
	}
	if !out.Has("PRD-MIN1") {
		rows, okY := out.Int("NAXIS2")
		cols, okX := out.Int("NAXIS1")
		if okY && okX {
			out = out.With("PRD-MIN1", math.RoundToEven(float64(FullFrame-cols)/2), "[pixel] Origin in X of the cropped window").
				With("PRD-MIN2", math.RoundToEven(float64(FullFrame-rows)/2), "[pixel] Origin in Y of the cropped window").
				With("PRD-RNG1", cols, "[pixel] Range in X of the cropped window").
				With("PRD-RNG2", rows, "[pixel] Range in Y of the cropped window")
		}
	}
	nframes := 1
	if n, ok := out.Int("NAXIS3"); ok {
		nframes = n
	}
	if !out.Has("TINT") {
		if exp, ok := out.Float("EXPTIME"); ok {
			out = out.With("TINT", exp*float64(nframes), "[s] Total integration time of file")
		}
	}
	if !out.Has("NFRAMES") {
		out = out.With("NFRAMES", nframes, "Number of frames in original file")
	}
	if !out.Has("PA") {
		if pa, ok := parallacticFromHeader(out); ok {
			out = out.With("PA", pa, "[deg] parallactic angle of target")
		}
	}
	if gain, ok := out.Float("U_EMGAIN"); ok {
		out = EMCCD(gain).cards(out)
	}
	out = out.With("INST-PA", PupilOffset, "[deg] Instrument angle offset")
	return out, warnings
}

func midpointISO(h Header, key string) (string, error) {
	date, ok := h.String("DATE-OBS")
	if !ok {
		return "", fmt.Errorf("missing DATE-OBS")
	}
	s, _ := h.String(key + "-STR")
	e, _ := h.String(key + "-END")
	ts, err := time.Parse(isoLayout, date+"T"+s)
	if err != nil {
		return "", err
	}
	te, err := time.Parse(isoLayout, date+"T"+e)
	if err != nil {
		return "", err
	}
	if te.Before(ts) {
		te = te.Add(24 * time.Hour)
	}
	mid := ts.Add(te.Sub(ts) / 2)
	return mid.Format("15:04:05.000"), nil
}

// parallacticFromHeader derives PA from LST/RA/DEC (hour angle) or, failing that,
// from ALTITUDE/AZIMUTH.
func parallacticFromHeader(h Header) (float64, bool) {
	lst, okL := sexagesimalCard(h, "LST")
	ra, okR := sexagesimalCard(h, "RA")
	dec, okD := sexagesimalCard(h, "DEC")
	if okL && okR && okD {
		return WrapAngle(ParallacticAngleHADec(lst-ra, dec, SubaruLatitude)), true
	}
	alt, okA := h.Float("ALTITUDE")
	az, okZ := h.Float("AZIMUTH")
	if okA && okZ {
		return WrapAngle(ParallacticAngleAltAz(alt, az, SubaruLatitude)), true
	}
	return 0, false
}

// sexagesimalCard reads a card holding either a number or "dd:mm:ss.s".
func sexagesimalCard(h Header, key string) (float64, bool) {
	if f, ok := h.Float(key); ok {
		return f, true
	}
	s, ok := h.String(key)
	if !ok {
		return 0, false
	}
	return ParseSexagesimal(s)
}

// ParseSexagesimal parses "[+-]dd:mm:ss.s" into decimal units of the leading field.
func ParseSexagesimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	sign := 1.0
	if strings.HasPrefix(s, "-") {
		sign = -1
		s = s[1:]
	} else {
		s = strings.TrimPrefix(s, "+")
	}
	parts := strings.Split(s, ":")
	if len(parts) == 0 || len(parts) > 3 {
		return 0, false
	}
	total := 0.0
	scale := 1.0
	for _, p := range parts {
		v, ok := toFloat(p)
		if !ok {
			return 0, false
		}
		total += v / scale
		scale *= 60
	}
	return sign * total, true
}

// WrapAngle maps degrees into [-180, 180).
func WrapAngle(deg float64) float64 {
	w := math.Mod(deg+180, 360)
	if w < 0 {
		w += 360
	}
	return w - 180
}
