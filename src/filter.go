package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
)

// AccessFilter refuses requests by client address or by requested host
type AccessFilter struct {
	blockedHosts map[string]bool
	blockedNets  []*net.IPNet
	mu           sync.RWMutex
}

// NewAccessFilter creates a filter with no rules
func NewAccessFilter() *AccessFilter {
	return &AccessFilter{
		blockedHosts: make(map[string]bool),
	}
}

// LoadRules replaces the rules with those in filePath. Each line holds an
// IP address, a CIDR block, a host name or a "*.domain" wildcard. A missing
// file leaves the filter empty.
func (f *AccessFilter) LoadRules(filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			f.replace(make(map[string]bool), nil)
			return nil
		}
		return fmt.Errorf("failed to open filter file: %w", err)
	}
	defer file.Close()

	hosts := make(map[string]bool)
	var nets []*net.IPNet

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" {
			continue
		}

		if ipnet, ok := parseNet(line); ok {
			nets = append(nets, ipnet)
		} else {
			hosts[line] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read filter file: %w", err)
	}

	f.replace(hosts, nets)
	return nil
}

func (f *AccessFilter) replace(hosts map[string]bool, nets []*net.IPNet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockedHosts = hosts
	f.blockedNets = nets
}

// parseNet reads a single address as a host-sized network
func parseNet(s string) (*net.IPNet, bool) {
	if _, ipnet, err := net.ParseCIDR(s); err == nil {
		return ipnet, true
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, false
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip, bits = v4, 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, true
}

// Check returns an error wrapping ErrForbidden when the environment's client
// address or server name matches a rule.
func (f *AccessFilter) Check(env Env) error {
	if rule, blocked := f.clientBlocked(env.String(EnvRemoteAddr)); blocked {
		return fmt.Errorf("%w: client matches %s", ErrForbidden, rule)
	}
	if rule, blocked := f.hostBlocked(env.String(EnvServerName)); blocked {
		return fmt.Errorf("%w: host matches %s", ErrForbidden, rule)
	}
	return nil
}

func (f *AccessFilter) clientBlocked(remoteAddr string) (string, bool) {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", false
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, n := range f.blockedNets {
		if n.Contains(ip) {
			return n.String(), true
		}
	}
	return "", false
}

func (f *AccessFilter) hostBlocked(host string) (string, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return "", false
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	// Check exact match
	if f.blockedHosts[host] {
		return host, true
	}

	// Check suffix matching (e.g., *.example.com)
	for rule := range f.blockedHosts {
		if strings.HasPrefix(rule, "*.") {
			suffix := rule[2:]
			if strings.HasSuffix(host, "."+suffix) || host == suffix {
				return rule, true
			}
		}
	}
	return "", false
}

// RuleCount returns the number of host rules and address rules
func (f *AccessFilter) RuleCount() (int, int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.blockedHosts), len(f.blockedNets)
}
