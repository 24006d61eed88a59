package table

import (
	"strconv"
	"strings"
)

// keySep separates the channel name from the fd in a membership key. NUL
// cannot appear in a UTF-8 channel name, which keeps prefix scans exact.
const keySep = "\x00"

// ChannelsTable records channel membership as presence keys of the form
// channel NUL fd. A channel with no members has no keys.
type ChannelsTable struct {
	t *Table
}

// NewChannelsTable creates a channels table with the given capacity.
func NewChannelsTable(capacity int) *ChannelsTable {
	return &ChannelsTable{t: New("channels", capacity)}
}

func membershipKey(channel string, fd uint64) string {
	return channel + keySep + strconv.FormatUint(fd, 10)
}

// Add records fd as a member of channel. Adding an existing membership is a
// no-op; a full table returns ErrCapacityExhausted.
func (c *ChannelsTable) Add(channel string, fd uint64) error {
	_, err := c.t.Insert(membershipKey(channel, fd), nil)
	return err
}

// Remove deletes the membership and reports whether it existed.
func (c *ChannelsTable) Remove(channel string, fd uint64) bool {
	return c.t.Delete(membershipKey(channel, fd))
}

// Contains reports whether fd is a member of channel.
func (c *ChannelsTable) Contains(channel string, fd uint64) bool {
	_, ok := c.t.Get(membershipKey(channel, fd))
	return ok
}

// Members returns the fds subscribed to channel in unspecified order.
func (c *ChannelsTable) Members(channel string) []uint64 {
	var fds []uint64
	prefix := channel + keySep
	c.t.ScanPrefix(prefix, func(key string, _ []byte) bool {
		fd, err := strconv.ParseUint(key[len(prefix):], 10, 64)
		if err == nil {
			fds = append(fds, fd)
		}
		return true
	})
	return fds
}

// ChannelsOf returns every channel fd is subscribed to. Used for disconnect
// cleanup; a full-table scan filtered by suffix.
func (c *ChannelsTable) ChannelsOf(fd uint64) []string {
	suffix := keySep + strconv.FormatUint(fd, 10)
	var channels []string
	c.t.Scan(func(key string, _ []byte) bool {
		if strings.HasSuffix(key, suffix) {
			channels = append(channels, key[:len(key)-len(suffix)])
		}
		return true
	})
	return channels
}

// DropFD removes every membership of fd and returns the channels it left.
func (c *ChannelsTable) DropFD(fd uint64) []string {
	channels := c.ChannelsOf(fd)
	for _, ch := range channels {
		c.t.Delete(membershipKey(ch, fd))
	}
	return channels
}

// Len returns the number of membership records.
func (c *ChannelsTable) Len() int { return c.t.Len() }
