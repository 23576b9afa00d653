// internal/portscan/ranking.go

package portscan

import "strings"

// Ranking orders scan results so the ports a developer most likely wants to
// tunnel to come first. Both lists are data, not constants: callers may load
// them from configuration.
type Ranking struct {
	// PreferredPorts are well-known development server ports.
	PreferredPorts []int `yaml:"preferred_ports"`
	// DevProcesses are process-name prefixes of known development tools.
	DevProcesses []string `yaml:"dev_processes"`
}

// DefaultRanking returns the built-in lists.
func DefaultRanking() Ranking {
	return Ranking{
		PreferredPorts: []int{
			3000, 3001, 4200, 5000, 5173, 8000, 8080, 8081, 8888, 9000,
		},
		DevProcesses: []string{
			"node", "npm", "pnpm", "yarn", "bun", "deno", "vite", "next",
			"python", "flask", "uvicorn", "gunicorn", "django", "rails",
			"ruby", "php", "java", "dotnet", "webpack",
		},
	}
}

// class buckets a record: 0 preferred port, 1 known dev process, 2 the rest.
// Ties within a bucket break by ascending port number.
func (r Ranking) class(rec Record) int {
	for _, p := range r.PreferredPorts {
		if rec.Port == p {
			return 0
		}
	}
	proc := strings.ToLower(rec.Process)
	if proc != "" {
		for _, name := range r.DevProcesses {
			if strings.HasPrefix(proc, strings.ToLower(name)) {
				return 1
			}
		}
	}
	return 2
}
