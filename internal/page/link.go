package page

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
)

var (
	reURLFull    = regexp.MustCompile(`^(https?)://.*`)
	reURLDomain  = regexp.MustCompile(`^(https?)://([^/]+)(/?.*)`)
	reBaseDomain = regexp.MustCompile(`(ww[^\.]*\.)?(.+)`)
)

// Link is an immutable view of one hyperlink. URLs are lowercased on
// construction; relative URLs are absolutised against the parent.
type Link struct {
	URL         string
	Domain      string
	BaseDomain  string
	IsFull      bool
	IsSecure    bool
	IsExternal  bool
	IsSubdomain bool
}

// NewLink builds a Link from a raw href and the link of the page it
// was found on. A relative href without a parent is useless and
// rejected.
func NewLink(rawURL string, parent *Link) (*Link, error) {
	l := &Link{
		URL: strings.ToLower(rawURL),
	}
	l.IsSecure = strings.HasPrefix(l.URL, "https")
	l.IsFull = reURLFull.MatchString(l.URL)

	if l.IsFull {
		if m := reURLDomain.FindStringSubmatch(l.URL); m != nil {
			l.Domain = m[2]
			l.BaseDomain = reBaseDomain.FindStringSubmatch(l.Domain)[2]
		}
	}

	if parent != nil {
		if !l.IsFull {
			l.IsSecure = parent.IsSecure
			l.Domain = parent.Domain
			l.BaseDomain = parent.BaseDomain
		}
		l.IsExternal = parent.BaseDomain != l.BaseDomain
		if l.IsExternal {
			l.IsSubdomain = strings.Contains(l.BaseDomain, parent.BaseDomain)
		}
	} else {
		l.IsExternal = l.IsFull
	}

	if !l.IsFull {
		if parent == nil {
			return nil, errors.New("relative URL is useless without parent")
		}
		if !strings.HasPrefix(l.URL, "/") {
			l.URL = "/" + l.URL
		}
	}
	return l, nil
}

// Protocol returns the scheme implied by the link's security flag.
func (l *Link) Protocol() string {
	if l.IsSecure {
		return "https"
	}
	return "http"
}

// Full returns the absolute form of the link.
func (l *Link) Full() string {
	if l.IsFull {
		return l.URL
	}
	return l.Protocol() + "://" + l.Domain + l.URL
}

// Hash returns the SHA-1 hex digest of the absolute URL.
func (l *Link) Hash() (string, error) {
	if l.Domain == "" {
		return "", errors.New("hash of a relative URL is useless")
	}
	sum := sha1.Sum([]byte(l.Full()))
	return hex.EncodeToString(sum[:]), nil
}

func (l *Link) String() string {
	var flags strings.Builder
	if l.IsFull {
		flags.WriteByte('F')
	} else {
		flags.WriteByte('r')
	}
	switch {
	case l.IsSubdomain:
		flags.WriteByte('x')
	case l.IsExternal:
		flags.WriteByte('X')
	default:
		flags.WriteByte('d')
	}
	if l.IsSecure {
		flags.WriteByte('S')
	} else {
		flags.WriteByte('u')
	}
	s := l.URL + " [" + flags.String() + "]"
	if !l.IsFull {
		s += " @ " + l.Domain
	}
	return s
}
