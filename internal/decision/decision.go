// Package decision picks which scanned tags to connect to in a cycle.
package decision

import (
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/ctgate/internal/radio"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	DefaultRSSIThreshold  = -80
	DefaultMaxConnections = 1
)

// Policy is the selection rule. An empty AllowList allows every tag.
type Policy struct {
	AllowList      []string
	RSSIThreshold  int
	MaxConnections int
}

// DefaultPolicy allows every tag at or above -80 dBm, one per cycle.
func DefaultPolicy() Policy {
	return Policy{RSSIThreshold: DefaultRSSIThreshold, MaxConnections: DefaultMaxConnections}
}

// Engine applies a Policy. It keeps no state between calls.
type Engine struct {
	allow     map[string]struct{}
	threshold int
	max       int
	logger    *logrus.Logger
}

func NewEngine(p Policy, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	allow := make(map[string]struct{}, len(p.AllowList))
	for _, a := range p.AllowList {
		allow[strings.ToUpper(strings.TrimSpace(a))] = struct{}{}
	}
	return &Engine{allow: allow, threshold: p.RSSIThreshold, max: p.MaxConnections, logger: logger}
}

// Select returns the addresses to connect to, in scan order and without
// duplicates, stopping at the connection cap. A tag qualifies when its
// signal is at or above the threshold, it is allowed, and it has log data.
func (e *Engine) Select(results []radio.ScanResult) []string {
	selected := orderedmap.New[string, radio.ScanResult]()

	for _, r := range results {
		if e.max > 0 && selected.Len() >= e.max {
			break
		}

		addr := strings.ToUpper(r.Address)
		if !radio.ValidAddress(addr) {
			e.logger.WithField("address", r.Address).Warn("Skipping scan result with invalid address")
			continue
		}
		if _, dup := selected.Get(addr); dup {
			continue
		}
		if !e.qualifies(addr, r) {
			continue
		}

		selected.Set(addr, r)
		e.logger.WithFields(logrus.Fields{"address": addr, "rssi": r.RSSI}).Debug("Selected tag")
	}

	out := make([]string, 0, selected.Len())
	for pair := selected.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func (e *Engine) qualifies(addr string, r radio.ScanResult) bool {
	if r.RSSI < e.threshold || !r.DataAvailable {
		return false
	}
	if len(e.allow) == 0 {
		return true
	}
	_, ok := e.allow[addr]
	return ok
}
