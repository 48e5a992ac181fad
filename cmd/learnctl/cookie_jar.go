package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// persistentJar keeps server cookies, the refresh cookie in particular, in a
// file so a session can be renewed by a later run of the CLI.
type persistentJar struct {
	mutex    sync.Mutex
	inner    *cookiejar.Jar
	path     string
	saved    map[string]savedCookie
	writeErr error
	now      func() time.Time
}

type savedCookie struct {
	Origin   string    `json:"origin"`
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"http_only,omitempty"`
}

func (cookie savedCookie) key() string {
	return cookie.Origin + "|" + cookie.Domain + "|" + cookie.Path + "|" + cookie.Name
}

func (cookie savedCookie) httpCookie() *http.Cookie {
	return &http.Cookie{
		Name:     cookie.Name,
		Value:    cookie.Value,
		Domain:   cookie.Domain,
		Path:     cookie.Path,
		Expires:  cookie.Expires,
		Secure:   cookie.Secure,
		HttpOnly: cookie.HttpOnly,
	}
}

// newPersistentJar loads previously saved cookies from path. An empty path
// keeps cookies in memory only.
func newPersistentJar(path string) (*persistentJar, error) {
	inner, jarErr := cookiejar.New(nil)
	if jarErr != nil {
		return nil, fmt.Errorf("learnctl.cookies.new: %w", jarErr)
	}
	jar := &persistentJar{inner: inner, path: path, saved: make(map[string]savedCookie), now: time.Now}
	if path == "" {
		return jar, nil
	}
	content, readErr := os.ReadFile(path)
	if errors.Is(readErr, fs.ErrNotExist) {
		return jar, nil
	}
	if readErr != nil {
		return nil, fmt.Errorf("learnctl.cookies.read: %w", readErr)
	}
	var entries []savedCookie
	if decodeErr := json.Unmarshal(content, &entries); decodeErr != nil {
		return nil, fmt.Errorf("learnctl.cookies.decode: %w", decodeErr)
	}
	now := jar.now()
	for _, entry := range entries {
		if !entry.Expires.IsZero() && !entry.Expires.After(now) {
			continue
		}
		origin, parseErr := url.Parse(entry.Origin)
		if parseErr != nil {
			continue
		}
		inner.SetCookies(origin, []*http.Cookie{entry.httpCookie()})
		jar.saved[entry.key()] = entry
	}
	return jar, nil
}

// SetCookies implements http.CookieJar and rewrites the cookie file.
func (jar *persistentJar) SetCookies(target *url.URL, cookies []*http.Cookie) {
	jar.inner.SetCookies(target, cookies)
	if jar.path == "" {
		return
	}

	jar.mutex.Lock()
	defer jar.mutex.Unlock()
	now := jar.now()
	origin := (&url.URL{Scheme: target.Scheme, Host: target.Host}).String()
	for _, cookie := range cookies {
		entry := savedCookie{
			Origin:   origin,
			Name:     cookie.Name,
			Value:    cookie.Value,
			Domain:   cookie.Domain,
			Path:     cookie.Path,
			Secure:   cookie.Secure,
			HttpOnly: cookie.HttpOnly,
		}
		switch {
		case cookie.MaxAge > 0:
			entry.Expires = now.Add(time.Duration(cookie.MaxAge) * time.Second)
		case !cookie.Expires.IsZero():
			entry.Expires = cookie.Expires
		}
		expired := cookie.MaxAge < 0 || (!entry.Expires.IsZero() && !entry.Expires.After(now))
		if expired || cookie.Value == "" {
			delete(jar.saved, entry.key())
			continue
		}
		jar.saved[entry.key()] = entry
	}
	jar.writeErr = jar.persistLocked()
}

// Cookies implements http.CookieJar.
func (jar *persistentJar) Cookies(target *url.URL) []*http.Cookie {
	return jar.inner.Cookies(target)
}

// Err reports the last failure to write the cookie file.
func (jar *persistentJar) Err() error {
	jar.mutex.Lock()
	defer jar.mutex.Unlock()
	return jar.writeErr
}

func (jar *persistentJar) persistLocked() error {
	entries := make([]savedCookie, 0, len(jar.saved))
	for _, entry := range jar.saved {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(left, right int) bool {
		return entries[left].key() < entries[right].key()
	})
	content, encodeErr := json.MarshalIndent(entries, "", "  ")
	if encodeErr != nil {
		return fmt.Errorf("learnctl.cookies.encode: %w", encodeErr)
	}
	if mkdirErr := os.MkdirAll(filepath.Dir(jar.path), 0o700); mkdirErr != nil {
		return fmt.Errorf("learnctl.cookies.mkdir: %w", mkdirErr)
	}
	if writeErr := os.WriteFile(jar.path, content, 0o600); writeErr != nil {
		return fmt.Errorf("learnctl.cookies.write: %w", writeErr)
	}
	return nil
}
