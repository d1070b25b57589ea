package utils

import (
	"crypto/rand"
	"math/big"
	"strings"
)

var roomWords = [][]string{
	{
		"otter", "panda", "koala", "heron", "lynx", "gecko", "puffin", "badger", "marmot", "walrus",
		"ibis", "bison", "tapir", "okapi", "quokka", "beaver", "falcon", "magpie", "seal", "yak",
	},
	{
		"ramen", "waffle", "taco", "curry", "mochi", "bagel", "gnocchi", "falafel", "samosa", "paella",
		"pretzel", "crepe", "dumpling", "risotto", "churro", "kimchi", "tofu", "pho", "scone", "nacho",
	},
	{
		"amber", "cobalt", "maple", "cedar", "ember", "willow", "meadow", "harbor", "comet", "pebble",
		"lantern", "velvet", "breeze", "canyon", "glacier", "meteor", "orchid", "prism", "thistle", "tundra",
	},
	{
		"sunny", "brisk", "cozy", "lucky", "mellow", "nimble", "plucky", "quiet", "rapid", "sleepy",
		"spry", "witty", "jolly", "bold", "calm", "eager", "fuzzy", "gentle", "merry", "zesty",
	},
}

// GenerateRoomID returns a memorable room name such as "sunny-otter-ramen-comet".
func GenerateRoomID() string {
	order := []int{3, 0, 1, 2}
	words := make([]string, 0, len(order))
	for _, i := range order {
		list := roomWords[i]
		words = append(words, list[randomIndex(len(list))])
	}
	return strings.Join(words, "-")
}

func randomIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(err)
	}
	return int(v.Int64())
}
