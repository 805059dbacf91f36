package ordercode

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cassiomorais/paylink/internal/domain/payment"
)

// Generator produces candidate order codes. Candidates are not guaranteed
// unique; the Allocator checks them against the store.
type Generator interface {
	Next() payment.OrderCode
}

const (
	// 5 node bits and 7 step bits leave 41 bits of milliseconds, so codes stay
	// below 2^53 and survive a round trip through a JSON number.
	nodeBits = 5
	stepBits = 7
)

// epoch is the zero point for generated codes (2024-01-01T00:00:00Z).
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var configureOnce sync.Once

// SnowflakeGenerator issues time-ordered codes that are unique per node.
type SnowflakeGenerator struct {
	node *snowflake.Node
}

// NewSnowflakeGenerator creates a generator for the given node id (0-31).
func NewSnowflakeGenerator(nodeID int64) (*SnowflakeGenerator, error) {
	configureOnce.Do(func() {
		snowflake.NodeBits = nodeBits
		snowflake.StepBits = stepBits
		snowflake.Epoch = epoch.UnixMilli()
	})

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node %d: %w", nodeID, err)
	}
	return &SnowflakeGenerator{node: node}, nil
}

func (g *SnowflakeGenerator) Next() payment.OrderCode {
	return payment.OrderCode(g.node.Generate().Int64())
}
