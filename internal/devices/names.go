package devices

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

var adjectives = []string{
	"AGILE", "BRAVE", "BRISK", "BUBBLY", "CALM", "CHEERY", "CLEVER", "COSMIC",
	"CRISP", "DAPPER", "DIZZY", "EAGER", "FANCY", "FEISTY", "FROSTY", "FUZZY",
	"GENTLE", "GIDDY", "GOLDEN", "GRUMPY", "HAPPY", "HASTY", "JAZZY", "JOLLY",
	"LIVELY", "LUCKY", "MELLOW", "MIGHTY", "NIMBLE", "PLUCKY", "PROUD", "QUIET",
	"QUIRKY", "RAPID", "ROWDY", "RUSTY", "SASSY", "SHINY", "SILLY", "SLEEPY",
	"SNAPPY", "SNEAKY", "SPICY", "STURDY", "SUNNY", "SWIFT", "TIDY", "WACKY",
}

var nouns = []string{
	"ALPACA", "BADGER", "BEAVER", "BISON", "CAMEL", "CONDOR", "COYOTE", "CRANE",
	"DINGO", "DOLPHIN", "FALCON", "FERRET", "GECKO", "GIBBON", "HERON", "IBEX",
	"IGUANA", "JACKAL", "KOALA", "LEMUR", "LLAMA", "LYNX", "MARMOT", "MOOSE",
	"NARWHAL", "OCELOT", "OTTER", "PANDA", "PELICAN", "PENGUIN", "PUFFIN", "QUOKKA",
	"RACCOON", "RAVEN", "SALMON", "SEAL", "SLOTH", "SPARROW", "TAPIR", "TOUCAN",
	"TURTLE", "VOLE", "WALRUS", "WEASEL", "WOMBAT", "YAK", "ZEBRA", "MANTIS",
}

// GenerateName derives a stable ADJECTIVE-NOUN short name from a serial.
func GenerateName(id types.DeviceID) string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	h := xxhash.Sum64(buf[:])
	adj := adjectives[h%uint64(len(adjectives))]
	noun := nouns[(h>>32)%uint64(len(nouns))]
	return adj + "-" + noun
}
