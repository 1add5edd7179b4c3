package utils

import "hash/fnv"

// Ihash takes a key and a range.
func Ihash(key string, n int) int {
	return int(hash32(key)&0x7fffffff) % n
}

// SpaceID maps a topic name to the consensus space its partitions live in.
// Every host derives the same id from the same name.
func SpaceID(name string) int {
	return int(hash32(name) & 0x7fffffff)
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
