package ir

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ChannelName is the structured form of "<domain>-<name>-<version>".
// Bumping Version is the supported schema migration: the new channel seeds
// its baseline from Prior().
type ChannelName struct {
	Domain  string
	Name    string
	Version int
}

// ParseChannelName splits a channel name on its first and last dash.
// The name part may itself contain dashes.
func ParseChannelName(s string) (ChannelName, error) {
	first := strings.IndexByte(s, '-')
	last := strings.LastIndexByte(s, '-')
	if first <= 0 || last == first || last == len(s)-1 {
		return ChannelName{}, fmt.Errorf("channel name %q: want <domain>-<name>-<version>", s)
	}

	version, err := strconv.Atoi(s[last+1:])
	if err != nil || version < 0 {
		return ChannelName{}, fmt.Errorf("channel name %q: version must be a non-negative integer", s)
	}

	return ChannelName{
		Domain:  s[:first],
		Name:    s[first+1 : last],
		Version: version,
	}, nil
}

// String formats the channel name.
func (c ChannelName) String() string {
	return fmt.Sprintf("%s-%s-%d", c.Domain, c.Name, c.Version)
}

// Prior returns the previous version of the channel.
// Returns false for version 0, which has nothing to migrate from.
func (c ChannelName) Prior() (ChannelName, bool) {
	if c.Version <= 0 {
		return ChannelName{}, false
	}
	c.Version--
	return c, true
}

// Next returns the next version of the channel.
func (c ChannelName) Next() ChannelName {
	c.Version++
	return c
}

var reservedKeyChars = regexp.MustCompile(`[/.$\[\]#!]`)

var escapedKeyChars = regexp.MustCompile(`![0-9a-fA-F]{2}`)

// EncodeKey escapes characters that are unsafe in storage keys and URLs
// ("/", ".", "$", "[", "]", "#", "!") as "!XX" with XX the uppercase hex
// code. "!" is used instead of "%" so encoded keys survive URL handling.
func EncodeKey(component string) string {
	return reservedKeyChars.ReplaceAllStringFunc(component, func(m string) string {
		return fmt.Sprintf("!%02X", m[0])
	})
}

// DecodeKey reverses EncodeKey.
func DecodeKey(component string) string {
	return escapedKeyChars.ReplaceAllStringFunc(component, func(m string) string {
		b, err := strconv.ParseUint(m[1:], 16, 8)
		if err != nil {
			return m
		}
		return string(rune(b))
	})
}
