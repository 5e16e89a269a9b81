package coordinator

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"io"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var monotonicPool = sync.Pool{
	New: func() any {
		var seed int64
		if err := binary.Read(cryptorand.Reader, binary.BigEndian, &seed); err != nil {
			panic("crypto/rand: " + err.Error())
		}
		rand := mathrand.New(mathrand.NewSource(seed))
		return ulid.Monotonic(rand, uint64(rand.Int63()))
	},
}

// newRunID returns a sortable campaign id.
func newRunID(t time.Time) (ulid.ULID, error) {
	mono := monotonicPool.Get().(io.Reader)
	defer monotonicPool.Put(mono)
	return ulid.New(ulid.Timestamp(t), mono)
}
