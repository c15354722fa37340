// Copyright (c) 2020 aerth <aerth@riseup.net>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// package greylist implements a basic whitelisting/blacklisting and
// rate-limiting http.Handler.
//
// It reads 2 files (whitelist file, blacklist file) and has option to
// periodically refresh the lists. It also provides an additional
// Blacklist(r) method for temporary bans, and fixed-window per-client
// request caps via SetRateLimit and the standalone RateLimiter type.
// Whitelisted IPs bypass the caps.
package greylist

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

const DefaultTemporaryBlacklistTime = time.Hour

// ClientIP derives the client key for list and limit lookups. First hop of
// X-Forwarded-For wins when present (ok behind a reverse proxy).
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RateLimiter counts requests per client in fixed windows and rejects with
// a 429 once the cap is hit. Counters reset when their window expires.
type RateLimiter struct {
	max     int
	window  time.Duration
	message string

	mu   sync.Mutex
	hits map[string]*hitWindow
}

type hitWindow struct {
	start time.Time
	count int
}

// NewRateLimiter accepts a cap, a window, and the fixed message sent with
// 429 responses.
func NewRateLimiter(max int, window time.Duration, message string) *RateLimiter {
	return &RateLimiter{
		max:     max,
		window:  window,
		message: message,
		hits:    make(map[string]*hitWindow),
	}
}

// Allow reports whether one more request from ip fits in the current window.
func (rl *RateLimiter) Allow(ip string) bool {
	return rl.allow(ip, time.Now())
}

func (rl *RateLimiter) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok := rl.hits[ip]
	if !ok || now.Sub(w.start) >= rl.window {
		if len(rl.hits) > 4096 {
			rl.sweep(now)
		}
		rl.hits[ip] = &hitWindow{start: now, count: 1}
		return true
	}
	if w.count >= rl.max {
		return false
	}
	w.count++
	return true
}

// sweep drops expired windows. caller holds mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for ip, w := range rl.hits {
		if now.Sub(w.start) >= rl.window {
			delete(rl.hits, ip)
		}
	}
}

// Protect wraps a http.Handler with the cap.
func (rl *RateLimiter) Protect(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			http.Error(w, rl.message, http.StatusTooManyRequests)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// List is a greylist instance
type List struct {
	whitelistFilename, blacklistFilename string
	underlyingHandler                    http.Handler
	whitelist, blacklist                 map[string]struct{}
	cache                                <-chan time.Time
	lastTime                             time.Time
	mu                                   sync.RWMutex
	temporaryBlacklist                   map[string]time.Time
	refreshRate                          time.Duration
	temporaryBlacklistTime               time.Duration
	limiter                              *RateLimiter
}

// New accepts whitelist filename, blacklist filename, and a refreshrate duration
// If the files don't exist or are empty, they are not used, and read errors will not be reported.
// refreshRate can be 0, in which case no automatic refreshing is done. (see RefreshLists())
//
// After calling New(), a program can use l.Protect() to wrap a http.Handler.
//
// By default, temporary bans are one hour.
// To change this, call l.SetTemporaryBlacklistTime(time.Duration)
func New(whitelistFilename, blacklistFilename string, refreshRate time.Duration) *List {
	var tick <-chan time.Time
	if refreshRate > 0 {
		tick = time.Tick(refreshRate)
	}
	l := &List{
		whitelistFilename:      whitelistFilename,
		blacklistFilename:      blacklistFilename,
		cache:                  tick,
		whitelist:              make(map[string]struct{}),
		blacklist:              make(map[string]struct{}),
		temporaryBlacklist:     make(map[string]time.Time),
		temporaryBlacklistTime: DefaultTemporaryBlacklistTime,
		refreshRate:            refreshRate,
	}
	go l.RefreshLists()
	return l
}

// Protect a http.Handler
//
// http.ListenAndServe(":8080", glist.Protect(myHandler))
func (l *List) Protect(h http.Handler) http.Handler {
	l.underlyingHandler = h
	return l
}

// SetTemporaryBlacklistTime sets the duration that offenders will be blacklisted for
func (l *List) SetTemporaryBlacklistTime(d time.Duration) {
	l.temporaryBlacklistTime = d
}

// SetRateLimit installs a general fixed-window cap checked on every request
// from non-whitelisted IPs.
func (l *List) SetRateLimit(max int, window time.Duration, message string) {
	l.limiter = NewRateLimiter(max, window, message)
}

// Blacklist adds a temporary ban to an ip address
func (l *List) Blacklist(r *http.Request) {
	ip := ClientIP(r)
	l.mu.Lock()
	l.temporaryBlacklist[ip] = time.Now().Add(l.temporaryBlacklistTime)
	l.mu.Unlock()
	log.Printf("greylist: blacklisting for %s: %q", l.temporaryBlacklistTime, ip)
}

// ServeHTTP implements http.Handler interface
func (l *List) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// check cache time, refresh if necessary
	if l.refreshRate > 0 {
		select {
		case <-l.cache:
			go l.RefreshLists()
		default:
		}
	}

	ip := ClientIP(r)

	// locked for map reads, unlock asap (before setting headers or writing to conn)
	l.mu.RLock()
	if _, ok := l.whitelist[ip]; ok {
		l.mu.RUnlock()
		l.underlyingHandler.ServeHTTP(w, r)
		return
	}
	if _, ok := l.blacklist[ip]; ok {
		l.mu.RUnlock()
		log.Printf("greylist: blocking blacklisted ip %q", ip)
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	t, temporarilyBanned := l.temporaryBlacklist[ip]
	l.mu.RUnlock()
	if temporarilyBanned {
		if t.After(time.Now()) {
			log.Printf("greylist: blocking (temp) blacklisted ip %q (until %s)", ip, time.Until(t))
			http.Error(w, fmt.Sprintf("You have been blocked for %s", time.Until(t)), http.StatusForbidden)
			return
		}
		log.Printf("greylist: removing temporary blacklist ip %q", ip)
		l.mu.Lock()
		delete(l.temporaryBlacklist, ip)
		l.mu.Unlock()
	}

	if l.limiter != nil && !l.limiter.Allow(ip) {
		log.Printf("greylist: rate limiting ip %q", ip)
		http.Error(w, l.limiter.message, http.StatusTooManyRequests)
		return
	}

	// serve it
	l.underlyingHandler.ServeHTTP(w, r)
}

// RefreshLists reads the whitelist and blacklist files and sets new maps (removed ips will not be in new map)
// Errors are ignored, in case the file doesn't exist or is not readable.
func (l *List) RefreshLists() {
	t1 := time.Now()
	l1 := l.refreshList(l.whitelistFilename, &l.whitelist)
	l2 := l.refreshList(l.blacklistFilename, &l.blacklist)
	if l.refreshRate > 0 {
		log.Printf("greylist: refreshed lists from file in %s, whitelisted %d, blacklisted %d. next refresh is in %s.",
			time.Since(t1), l1, l2, l.refreshRate)
	}
	l.lastTime = time.Now()
}

func (l *List) refreshList(filename string, target *map[string]struct{}) int {
	if filename == "" {
		return 0
	}
	f, err := os.Open(filename)
	if err != nil {
		return 0
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.ModTime().After(l.lastTime) {
		return 0
	}
	ips := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if ip := scanner.Text(); ip != "" {
			ips[ip] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("error scanning %s: %v", filename, err)
	}
	l.mu.Lock()
	*target = ips
	l.mu.Unlock()
	return len(ips)
}
