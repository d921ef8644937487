package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/workunit"
)

// Redis key naming conventions for the index.
// All keys are prefixed with "taskcrew:" to avoid collisions.

const defaultKeyPrefix = "taskcrew:"

// readyKey returns the Sorted Set of claimable units: taskcrew:ready:{type}
func (x *Index) readyKey(workerType string) string {
	return x.prefix + "ready:" + workerType
}

// delayedKey returns the Sorted Set of backing-off units: taskcrew:delayed:{type}
func (x *Index) delayedKey(workerType string) string {
	return x.prefix + "delayed:" + workerType
}

// readyMember encodes creation order ahead of the ID so equal priorities
// pop FIFO. Microseconds are the finest precision every durable store
// round-trips, so a resync rebuilds the exact same member.
func readyMember(u *workunit.WorkUnit) string {
	return fmt.Sprintf("%017d:%s", u.CreatedAt.UnixMicro(), u.ID.String())
}

// delayedMember carries the priority so promotion can rebuild the ready
// score.
func delayedMember(u *workunit.WorkUnit) string {
	return strconv.Itoa(u.Priority) + "|" + readyMember(u)
}

func scoreMillis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// parseMember extracts the unit ID from a ready member.
func parseMember(member string) (id.WorkUnitID, error) {
	i := strings.IndexByte(member, ':')
	if i < 0 {
		return id.Nil, fmt.Errorf("taskcrew/redis: malformed member %q", member)
	}
	return id.ParseWorkUnitID(member[i+1:])
}
