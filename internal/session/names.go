package session

import (
	"fmt"
	"math/rand"
)

// adjectives 会话名用的形容词
var adjectives = []string{
	"amber", "azure", "coral", "crimson", "cyan", "emerald", "golden", "indigo",
	"jade", "obsidian", "ruby", "sapphire", "scarlet", "silver", "violet",
	"agile", "bold", "brave", "bright", "calm", "clever", "cosmic", "crystal",
	"keen", "lively", "mighty", "noble", "quick", "rapid", "serene", "sharp",
	"silent", "sleek", "sonic", "steady", "stellar", "swift", "vivid", "wild",
	"binary", "cyber", "digital", "hyper", "nano", "neural", "pixel", "quantum",
	"turbo", "ultra", "virtual", "atomic", "electric", "fusion", "laser", "plasma",
}

// nouns 会话名用的名词
var nouns = []string{
	"falcon", "phoenix", "dragon", "tiger", "panther", "eagle", "wolf", "hawk",
	"raven", "cobra", "viper", "jaguar", "lynx", "orca", "shark", "condor",
	"comet", "nebula", "nova", "pulsar", "quasar", "meteor", "galaxy", "orbit",
	"eclipse", "aurora", "horizon", "zenith",
	"beacon", "circuit", "cipher", "forge", "nexus", "prism", "pulse", "relay",
	"signal", "spark", "surge", "vertex", "vector", "matrix",
	"flame", "frost", "storm", "thunder", "wave", "lightning", "ember",
	"glacier", "ocean", "river", "shadow", "tide", "volt",
}

// GenerateName 生成形如 swift-falcon 的会话名
func GenerateName() string {
	adj := adjectives[rand.Intn(len(adjectives))]
	noun := nouns[rand.Intn(len(nouns))]
	return fmt.Sprintf("%s-%s", adj, noun)
}

// NameForServer 生成带服务器名前缀的会话名
func NameForServer(serverName string) string {
	if serverName == "" {
		return GenerateName()
	}
	return fmt.Sprintf("%s-%s", serverName, GenerateName())
}
