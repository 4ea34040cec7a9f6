package processor

import (
	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/geo"
)

// datumAttribute records which datum a fix's coordinates are expressed
// in, making the transform stage idempotent across repeated runs
const datumAttribute = "datum"

// CoordinateTransform converts fix coordinates between geodetic datums.
// The conversion only fires inside the transform's region of validity;
// outside it, and for fixes already in the target datum, the stage is the
// identity.
type CoordinateTransform struct {
	baseStage
	from geo.Datum
	to   geo.Datum
}

// NewCoordinateTransform creates the stage converting from one datum to
// another
func NewCoordinateTransform(from, to geo.Datum, priority int) *CoordinateTransform {
	return &CoordinateTransform{
		baseStage: newBaseStage(priority),
		from:      from,
		to:        to,
	}
}

func (t *CoordinateTransform) Name() string { return "coordinate_transform" }

func (t *CoordinateTransform) Process(fix pkg.Fix) (pkg.Fix, error) {
	if t.from == t.to {
		return fix, nil
	}
	if fix.Attributes[datumAttribute] == string(t.to) {
		return fix, nil
	}
	if !geo.InTransformRegion(fix.Latitude, fix.Longitude) {
		return fix, nil
	}

	lat, lon := geo.Transform(fix.Latitude, fix.Longitude, t.from, t.to)
	fix = fix.Clone()
	fix.Latitude = lat
	fix.Longitude = lon
	if fix.Attributes == nil {
		fix.Attributes = make(map[string]string, 1)
	}
	fix.Attributes[datumAttribute] = string(t.to)
	return fix, nil
}
