// internal/portscan/scanner.go

// Package portscan discovers TCP ports listening on the remote host by
// parsing the output of remote listing commands. It is a best-effort
// diagnostic: when no listing tool is available the scan yields an empty
// result instead of an error.
package portscan

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"sshdeck/internal/mux"
	"sshdeck/internal/transport"
)

// Record is a point-in-time fact about one listening port. Records are never
// mutated, only regenerated on rescan.
type Record struct {
	Port        int
	BindAddress string
	Process     string
}

// Executor runs a command on the remote host and returns its stdout and exit
// status.
type Executor interface {
	Execute(ctx context.Context, command string) (stdout []byte, exitStatus int, err error)
}

// TransportExecutor adapts a pooled transport to the Executor interface using
// a one-shot exec channel per command.
type TransportExecutor struct {
	Transport *transport.Transport
}

func (e TransportExecutor) Execute(ctx context.Context, command string) ([]byte, int, error) {
	return mux.Exec(ctx, e.Transport, command)
}

const (
	primaryCommand  = "ss -tlnp"
	fallbackCommand = "netstat -tlnp"
)

// Scanner lists remote listening ports via an injected executor.
type Scanner struct {
	exec    Executor
	ranking Ranking
	logger  *slog.Logger
}

func NewScanner(exec Executor, ranking Ranking, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if len(ranking.PreferredPorts) == 0 && len(ranking.DevProcesses) == 0 {
		ranking = DefaultRanking()
	}
	return &Scanner{exec: exec, ranking: ranking, logger: logger.With("component", "portscan")}
}

// ListListeningPorts runs the primary listing command, falling back to the
// secondary when the primary is unavailable, and parses whichever output it
// got. Ports are deduplicated (first occurrence wins) and sorted by ranking
// class, ties broken by ascending port number. When neither command succeeds
// the result is empty, not an error.
func (s *Scanner) ListListeningPorts(ctx context.Context) ([]Record, error) {
	out, ok := s.run(ctx, primaryCommand)
	if !ok {
		out, ok = s.run(ctx, fallbackCommand)
	}
	if !ok {
		s.logger.Debug("no listing command available on remote host")
		return nil, nil
	}

	records := parseListing(out)
	s.sortRecords(records)
	return records, ctx.Err()
}

func (s *Scanner) run(ctx context.Context, command string) ([]byte, bool) {
	out, status, err := s.exec.Execute(ctx, command)
	if err != nil || status != 0 {
		s.logger.Debug("listing command failed", "command", command, "status", status, "error", err)
		return nil, false
	}
	return out, true
}

func (s *Scanner) sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		ci, cj := s.ranking.class(records[i]), s.ranking.class(records[j])
		if ci != cj {
			return ci < cj
		}
		return records[i].Port < records[j].Port
	})
}

var (
	// ss: users:(("node",pid=1,fd=1))
	ssProcessRe = regexp.MustCompile(`\(\("([^"]+)"`)
	// netstat: 123/node
	netstatProcessRe = regexp.MustCompile(`^\d+/(\S+)`)
)

// parseListing handles both known formats line by line:
//
//	LISTEN 0 4096 127.0.0.1:3000 0.0.0.0:* users:(("node",pid=1,fd=1))
//	tcp    0 0    127.0.0.1:3000 0.0.0.0:* LISTEN 123/node
//
// Header lines and lines for non-listening sockets are skipped. The first
// address:port column on a line is the local bind address; the peer column
// never parses as a concrete port on a listening socket and falls out
// naturally.
func parseListing(out []byte) []Record {
	var records []Record
	seen := make(map[int]bool)

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}

		switch fields[0] {
		case "State", "Netid", "Proto", "Active":
			continue
		}

		isSS := fields[0] == "LISTEN"
		isNetstat := strings.HasPrefix(fields[0], "tcp")
		if !isSS && !isNetstat {
			continue
		}
		if isNetstat && !containsField(fields, "LISTEN") {
			continue
		}

		addr, port, ok := firstHostPort(fields)
		if !ok {
			continue
		}
		if seen[port] {
			continue
		}
		seen[port] = true

		records = append(records, Record{
			Port:        port,
			BindAddress: addr,
			Process:     processName(line, isSS),
		})
	}

	return records
}

func containsField(fields []string, want string) bool {
	for _, f := range fields {
		if f == want {
			return true
		}
	}
	return false
}

// firstHostPort returns the first field that parses as address:port with a
// concrete numeric port.
func firstHostPort(fields []string) (string, int, bool) {
	for _, f := range fields {
		addr, port, ok := splitHostPort(f)
		if ok {
			return addr, port, true
		}
	}
	return "", 0, false
}

func splitHostPort(field string) (string, int, bool) {
	i := strings.LastIndex(field, ":")
	if i < 0 {
		return "", 0, false
	}
	port, err := strconv.Atoi(field[i+1:])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	addr := field[:i]
	addr = strings.TrimPrefix(addr, "[")
	addr = strings.TrimSuffix(addr, "]")
	// "*", "::" and the empty host are all wildcard binds.
	if addr == "" || addr == "*" || addr == "::" {
		addr = "0.0.0.0"
	}
	return addr, port, true
}

func processName(line string, isSS bool) string {
	if isSS {
		if m := ssProcessRe.FindStringSubmatch(line); m != nil {
			return m[1]
		}
		return ""
	}
	for _, f := range strings.Fields(line) {
		if m := netstatProcessRe.FindStringSubmatch(f); m != nil {
			return m[1]
		}
	}
	return ""
}
