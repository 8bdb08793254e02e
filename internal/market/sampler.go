package market

import (
	"math"
	"math/rand"
)

// priceCategory is one band of the weighted initial-price distribution.
type priceCategory struct {
	name     string
	weight   float64
	min, max float64
	decimals int
}

// Category weights follow the observed token-price distribution: most
// instruments are small caps, a thin tail trades in the hundreds.
var priceCategories = []priceCategory{
	{"micro", 0.25, 0.0001, 0.01, 6},
	{"small", 0.30, 0.01, 1, 4},
	{"mid", 0.25, 1, 10, 3},
	{"large", 0.15, 10, 100, 2},
	{"mega", 0.05, 100, 1000, 2},
}

// SamplePrice draws a random initial price: a category by weight, then a
// log-uniform draw within the band, rounded to the band's precision.
func SamplePrice(rng *rand.Rand) float64 {
	r := rng.Float64()
	var cat priceCategory
	acc := 0.0
	for _, c := range priceCategories {
		acc += c.weight
		cat = c
		if r < acc {
			break
		}
	}
	return drawInCategory(rng, cat)
}

// SamplePriceInRange draws from the named category (micro, small, mid,
// large, mega), falling back to the weighted draw for unknown tags.
func SamplePriceInRange(rng *rand.Rand, tag string) float64 {
	for _, c := range priceCategories {
		if c.name == tag {
			return drawInCategory(rng, c)
		}
	}
	return SamplePrice(rng)
}

func drawInCategory(rng *rand.Rand, cat priceCategory) float64 {
	logMin := math.Log(cat.min)
	logMax := math.Log(cat.max)
	price := math.Exp(logMin + rng.Float64()*(logMax-logMin))

	pow := math.Pow(10, float64(cat.decimals))
	price = math.Round(price*pow) / pow
	if price < cat.min {
		price = cat.min
	}
	return price
}
