package tagcache

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"time"
)

// instanceID reduces the ABA probability of tag-version tokens across
// process restarts (§9): crc32(pid || "@" || hostname), packed big-endian
// into 4 bytes. Any stable per-process 32-bit value would do; this mirrors
// the source's derivation exactly so operators comparing tokens across a
// Go and a non-Go deployment see the same shape.
var (
	instanceOnce sync.Once
	instanceID   uint32
)

func getInstanceID() uint32 {
	instanceOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		seed := fmt.Sprintf("%d@%s", os.Getpid(), host)
		instanceID = crc32.ChecksumIEEE([]byte(seed))
	})
	return instanceID
}

// newTagVersion generates a fresh tag-version token: random_u32 ||
// instance_id_u32 (§3). Tokens are only ever produced by the
// create-if-absent path in the tag-version store; nothing else in this
// package fabricates one.
func newTagVersion() []byte {
	buf := make([]byte, 8)
	var r [4]byte
	if _, err := rand.Read(r[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable entropy
		// starvation; fall back to a time based scramble so the
		// adapter degrades instead of panicking, at the cost of the
		// collision guarantee documented in §1 ("probabilistic").
		binary.BigEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
		binary.BigEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(buf))
	} else {
		copy(buf[0:4], r[:])
	}
	binary.BigEndian.PutUint32(buf[4:8], getInstanceID())
	return buf
}
