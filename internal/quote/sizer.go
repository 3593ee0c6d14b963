package quote

import (
	"math"

	"github.com/tournevent/shipsync/pkg/shipper"
)

// Dimensions of a box in centimetres.
type Dimensions struct {
	Length float64
	Width  float64
	Height float64
}

// Bucket maps every weight up to MaxWeight (kg) to a default box.
type Bucket struct {
	MaxWeight float64
	Dimensions
}

// DefaultBuckets is the weight ladder used when products carry no dimensions.
var DefaultBuckets = []Bucket{
	{1, Dimensions{15, 15, 15}},
	{2, Dimensions{18, 18, 18}},
	{3, Dimensions{20, 20, 20}},
	{5, Dimensions{25, 25, 20}},
	{7, Dimensions{30, 25, 20}},
	{10, Dimensions{35, 30, 25}},
	{15, Dimensions{40, 35, 30}},
	{20, Dimensions{50, 40, 30}},
	{25, Dimensions{55, 45, 35}},
	{30, Dimensions{60, 50, 40}},
}

var (
	oversizeBox = Dimensions{60, 50, 40}
	emptyBox    = Dimensions{15, 15, 15}
)

const emptyCartWeight = 0.5

// Sizer turns a cart weight into parcels.
type Sizer struct {
	MaxWeight float64
	Buckets   []Bucket
}

// NewSizer creates a Sizer splitting above maxWeight kg.
func NewSizer(maxWeight float64) *Sizer {
	if maxWeight <= 0 {
		maxWeight = 30
	}
	return &Sizer{MaxWeight: maxWeight, Buckets: DefaultBuckets}
}

// DimensionsFor returns the smallest bucket holding weight.
func (s *Sizer) DimensionsFor(weight float64) Dimensions {
	for _, b := range s.Buckets {
		if weight <= b.MaxWeight {
			return b.Dimensions
		}
	}
	return oversizeBox
}

// Parcels splits totalWeight into ceil(total/max) parcels of equal weight.
// An empty cart yields one small 0.5 kg parcel.
func (s *Sizer) Parcels(totalWeight float64) []shipper.Parcel {
	if totalWeight <= 0 {
		return []shipper.Parcel{newParcel(emptyBox, emptyCartWeight)}
	}

	count := 1
	if totalWeight > s.MaxWeight {
		count = int(math.Ceil(totalWeight / s.MaxWeight))
	}
	per := totalWeight / float64(count)
	dims := s.DimensionsFor(per)

	parcels := make([]shipper.Parcel, count)
	for i := range parcels {
		parcels[i] = newParcel(dims, round3(per))
	}
	return parcels
}

func newParcel(d Dimensions, weight float64) shipper.Parcel {
	return shipper.Parcel{Length: d.Length, Width: d.Width, Height: d.Height, Weight: weight}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
