// Package rand generates readable random identifiers.
package rand

import (
	"fmt"
	mrand "math/rand/v2"
)

var treatments = []string{
	"annealed", "tempered", "quenched", "forged", "cast",
	"drawn", "rolled", "hardened", "soaked", "normalized",
	"aged", "brazed", "sintered", "glowing", "molten",
}

var metals = []string{
	"iron", "steel", "copper", "brass", "bronze",
	"nickel", "cobalt", "titanium", "chrome", "tungsten",
	"zinc", "tin", "alloy", "ingot", "billet",
}

// NewName returns a name such as "tempered-cobalt-4821".
func NewName() string {
	return fmt.Sprintf("%s-%s-%04d",
		treatments[mrand.IntN(len(treatments))],
		metals[mrand.IntN(len(metals))],
		mrand.IntN(10000))
}
