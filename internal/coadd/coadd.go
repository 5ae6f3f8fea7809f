// Package coadd collapses a cube along its time axis.
package coadd

import (
	"strings"

	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/header"
)

// Method selects the collapse statistic.
type Method string

const (
	MethodMedian Method = "median"
	MethodMean   Method = "mean"
)

// ParseMethod validates a collapse method. The empty string selects median.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case "", MethodMedian:
		return MethodMedian, nil
	case MethodMean:
		return MethodMean, nil
	}
	return "", errors.Configf("unknown coadd method %q", s)
}

// Median returns the per-pixel NaN-ignoring median.
func Median(c *frame.Cube) (*frame.Frame, error) {
	return frame.Collapse(c.Frames, frame.NanMedian)
}

// Mean returns the per-pixel NaN-ignoring mean.
func Mean(c *frame.Cube) (*frame.Frame, error) {
	return frame.Collapse(c.Frames, frame.NanMean)
}

// Collapse reduces c with m and annotates the header with the method and frame count.
func Collapse(c *frame.Cube, m Method) (*frame.Frame, header.Header, error) {
	var (
		out *frame.Frame
		err error
	)
	switch m {
	case MethodMean:
		out, err = Mean(c)
	case MethodMedian, "":
		m = MethodMedian
		out, err = Median(c)
	default:
		return nil, c.Header, errors.Configf("unknown coadd method %q", m)
	}
	if err != nil {
		return nil, c.Header, err
	}
	hdr := c.Header.
		Without("NAXIS3").
		With("COL-METH", string(m), "collapse method").
		With("NCOADD", c.Len(), "frames combined")
	return out, hdr, nil
}
