package telemetry

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
)

// GenerateInstanceID returns a unique string for this process (hostname+pid+random).
// It tags metrics and logs so several replicas sharing one database can be told apart.
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)
	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(rnd)
}
