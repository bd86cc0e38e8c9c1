package ids

import (
	"sync"
	"time"
)

// epoch of every generated id: 2020-01-01 UTC
var epochMS = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Generator hands out 63-bit snowflake ids: 41 bits of milliseconds since
// epochMS, 10 bits of node, 12 bits of sequence.
type Generator struct {
	mu       sync.Mutex
	nodeID   int64 // 0~1023
	seq      int64 // 0~4095
	lastTSMS int64
	now      func() time.Time
}

func NewGenerator(nodeID int64) *Generator {
	if nodeID < 0 || nodeID > 1023 {
		nodeID = 1
	}
	return &Generator{nodeID: nodeID, now: time.Now}
}

var (
	defaultGen *Generator
	once       sync.Once
)

func initDefault() {
	once.Do(func() {
		defaultGen = NewGenerator(1)
	})
}

// Generate returns an id from the process generator.
func Generate() int64 {
	initDefault()
	return defaultGen.Next()
}

// SetNodeID 设置 nodeID（0~1023），在 main() 初始化时调用
func SetNodeID(nodeID int64) {
	initDefault()
	if nodeID < 0 || nodeID > 1023 {
		nodeID = 1
	}
	defaultGen.mu.Lock()
	defaultGen.nodeID = nodeID
	defaultGen.mu.Unlock()
}

// Next returns the next id; ids from one generator are strictly increasing.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := g.now().UnixMilli()
		if now < g.lastTSMS {
			// clock went backwards: wait it out
			time.Sleep(time.Duration(g.lastTSMS-now) * time.Millisecond)
			continue
		}
		if now == g.lastTSMS {
			g.seq = (g.seq + 1) & 0xFFF
			if g.seq == 0 {
				for now <= g.lastTSMS {
					now = g.now().UnixMilli()
				}
			}
		} else {
			g.seq = 0
		}
		g.lastTSMS = now

		ts := (now - epochMS) & ((1 << 41) - 1)
		return (ts << 22) | (g.nodeID << 12) | g.seq
	}
}

// NodeOf extracts the node bits of an id.
func NodeOf(id int64) int64 {
	return (id >> 12) & 0x3FF
}
