package bridge

import (
	"errors"
	"strings"
)

var ErrBadChannel = errors.New("channel cannot be mapped to a subject")

// ChannelToSubject maps a:b:c to a.b.c. Channels containing '.' or empty
// segments have no subject.
func ChannelToSubject(channel string) (string, error) {
	if channel == "" || strings.ContainsAny(channel, ". \t\r\n*>") {
		return "", ErrBadChannel
	}
	subject := strings.ReplaceAll(channel, ":", ".")
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return "", ErrBadChannel
		}
	}
	return subject, nil
}

func SubjectToChannel(subject string) string {
	return strings.ReplaceAll(subject, ".", ":")
}

// PrefixWildcard turns a channel prefix such as provision:log: into the
// subject pattern provision.log.> matching every channel under it. The
// prefix must end with ':'; a partial token such as log- has no wildcard.
func PrefixWildcard(prefix string) (string, error) {
	trimmed, ok := strings.CutSuffix(prefix, ":")
	if !ok {
		return "", ErrBadChannel
	}
	subject, err := ChannelToSubject(trimmed)
	if err != nil {
		return "", err
	}
	return subject + ".>", nil
}
