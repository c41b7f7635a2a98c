package woot

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ID identifies a row and the operation that created it.
type ID struct {
	SiteID string `json:"siteId"`
	Clock  int64  `json:"clock"`
}

var (
	FirstID = ID{Clock: -1}
	LastID  = ID{Clock: math.MaxInt64}
)

func (id ID) IsFirst() bool { return id == FirstID }
func (id ID) IsLast() bool  { return id == LastID }

func (id ID) IsSentinel() bool {
	return id.IsFirst() || id.IsLast()
}

func (id ID) validate() error {
	if id.IsSentinel() {
		return nil
	}
	if strings.TrimSpace(id.SiteID) == "" {
		return fmt.Errorf("identifier %s has no site id", id)
	}
	if id.Clock < 0 || id.Clock == math.MaxInt64 {
		return fmt.Errorf("identifier %s has clock out of range", id)
	}
	return nil
}

func sentinelRank(id ID) int {
	switch {
	case id.IsFirst():
		return -1
	case id.IsLast():
		return 1
	default:
		return 0
	}
}

// Compare orders ids by clock, then by site id. FirstID sorts below every
// id and LastID above.
func Compare(a, b ID) int {
	ra, rb := sentinelRank(a), sentinelRank(b)
	if ra != 0 || rb != 0 {
		switch {
		case ra < rb:
			return -1
		case ra > rb:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a.Clock < b.Clock:
		return -1
	case a.Clock > b.Clock:
		return 1
	}
	return strings.Compare(a.SiteID, b.SiteID)
}

func (id ID) Less(other ID) bool {
	return Compare(id, other) < 0
}

func (id ID) String() string {
	switch {
	case id.IsFirst():
		return "FIRST"
	case id.IsLast():
		return "LAST"
	}
	return id.SiteID + ":" + strconv.FormatInt(id.Clock, 10)
}
