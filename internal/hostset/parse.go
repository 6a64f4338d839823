package hostset

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/cryshana/tcplb/internal/logx"
)

// ParseFile reads the host-list file format described in spec.md §6: plain
// text, one entry per line, leading/trailing whitespace trimmed, lines
// shorter than two characters ignored, each remaining line parsed as
// "host:port" and resolved via the system resolver. Unparseable or
// unresolvable lines are logged and skipped rather than failing the whole
// parse, mirroring original_source's HostManager::parse_hosts but upgraded
// per spec.md to skip-and-log instead of blindly collecting bad lines.
//
// A resulting empty set is not an error from ParseFile's point of view —
// spec.md §6 says the *process* should exit 0 in that case, but that is a
// decision for the caller (cmd/tcplb), not this parser. Callers that need
// the error should pass the result to NewSet, which returns ErrEmptyHostSet.
func ParseFile(path string) ([]Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hostset: open %q: %w", path, err)
	}
	defer f.Close()

	var endpoints []Endpoint
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) < 2 {
			continue
		}

		ep, err := resolveHostPort(line)
		if err != nil {
			logx.Warnf("hostset", -1, "skipping unparseable host line", map[string]any{
				"line": line,
				"err":  err.Error(),
			})
			continue
		}
		endpoints = append(endpoints, ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("hostset: read %q: %w", path, err)
	}

	return endpoints, nil
}

// resolveHostPort parses and resolves a single "host:port" entry. When the
// hostname resolves to multiple addresses, IPv4 is preferred; otherwise the
// first address returned by the resolver is used, per spec.md §6.
func resolveHostPort(hostport string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("split host:port: %w", err)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return Endpoint{}, fmt.Errorf("resolve %q: no addresses", host)
	}

	chosen := ips[0]
	for _, ip := range ips {
		if ip.To4() != nil {
			chosen = ip
			break
		}
	}

	addr := &net.TCPAddr{IP: chosen}
	tmp, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(chosen.String(), port))
	if err != nil {
		return Endpoint{}, fmt.Errorf("resolve port %q: %w", port, err)
	}
	addr.Port = tmp.Port

	return NewEndpoint(addr), nil
}
