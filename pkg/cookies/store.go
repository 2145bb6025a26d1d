// Package cookies holds the credentials of a single run. A Store is built
// once from a cookie file or a browser profile and handed to every HTTP
// component that needs it.
package cookies

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// AllowList is the set of cookie names forwarded in the explicit Cookie header
var AllowList = []string{"SESSDATA", "bili_jct", "buvid3", "DedeUserID", "DedeUserID__ckMd5"}

// Entry is one cookie as stored in a Netscape cookie file
type Entry struct {
	Domain            string
	IncludeSubdomains bool
	Path              string
	Secure            bool
	HttpOnly          bool
	Expires           int64
	Name              string
	Value             string
}

// Store is a cookie jar plus the ordered entries it was loaded from
type Store struct {
	jar     *cookiejar.Jar
	entries []Entry
}

// NewStore returns an empty store
func NewStore() *Store {
	jar, _ := cookiejar.New(nil)
	return &Store{jar: jar}
}

// Jar returns the underlying jar for http.Client
func (s *Store) Jar() http.CookieJar {
	return s.jar
}

// Len returns the number of loaded entries
func (s *Store) Len() int {
	return len(s.entries)
}

// Entries returns a copy of the loaded entries
func (s *Store) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Add records e and stores it in the jar. An entry with the same domain,
// path and name replaces the previous one.
func (s *Store) Add(e Entry) {
	if e.Name == "" {
		return
	}
	if e.Path == "" {
		e.Path = "/"
	}

	replaced := false
	for i := range s.entries {
		if s.entries[i].Domain == e.Domain && s.entries[i].Path == e.Path && s.entries[i].Name == e.Name {
			s.entries[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		s.entries = append(s.entries, e)
	}

	host := strings.TrimPrefix(e.Domain, ".")
	if host == "" {
		return
	}
	c := &http.Cookie{
		Name:     e.Name,
		Value:    e.Value,
		Path:     e.Path,
		Secure:   e.Secure,
		HttpOnly: e.HttpOnly,
	}
	if e.IncludeSubdomains || strings.HasPrefix(e.Domain, ".") {
		c.Domain = host
	}
	if e.Expires > 0 {
		c.Expires = time.Unix(e.Expires, 0)
	}
	s.jar.SetCookies(&url.URL{Scheme: "https", Host: host, Path: "/"}, []*http.Cookie{c})
}

// Header renders the allow-listed cookies as "k=v; k2=v2" in allow-list order.
// The last loaded value of a name wins. Empty when none are present.
func (s *Store) Header() string {
	values := make(map[string]string)
	for _, e := range s.entries {
		values[e.Name] = e.Value
	}

	var pairs []string
	for _, name := range AllowList {
		if v, ok := values[name]; ok {
			pairs = append(pairs, name+"="+v)
		}
	}
	return strings.Join(pairs, "; ")
}

// Collect pulls cookies the jar received during the run back into the
// entries, attributing them to the host of each URL.
func (s *Store) Collect(urls ...*url.URL) {
	for _, u := range urls {
		for _, c := range s.jar.Cookies(u) {
			if s.hasName(c.Name, u.Hostname()) {
				s.update(c.Name, c.Value, u.Hostname())
				continue
			}
			s.entries = append(s.entries, Entry{
				Domain: u.Hostname(),
				Path:   "/",
				Secure: u.Scheme == "https",
				Name:   c.Name,
				Value:  c.Value,
			})
		}
	}
}

func (s *Store) hasName(name, host string) bool {
	for _, e := range s.entries {
		if e.Name == name && domainMatches(host, e.Domain) {
			return true
		}
	}
	return false
}

func (s *Store) update(name, value, host string) {
	for i := range s.entries {
		if s.entries[i].Name == name && domainMatches(host, s.entries[i].Domain) {
			s.entries[i].Value = value
		}
	}
}

func domainMatches(host, domain string) bool {
	d := strings.TrimPrefix(domain, ".")
	return host == d || strings.HasSuffix(host, "."+d)
}
