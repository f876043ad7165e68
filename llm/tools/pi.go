// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maruel/pichat/internal"
	"golang.org/x/sync/errgroup"
)

// Definitions of the system status tools.
var (
	PiStatus = Definition{
		Name:        "get_raspberry_pi_status",
		Description: "Gets CPU temperature, memory usage, and disk usage",
	}
	SystemUptime = Definition{
		Name:        "get_system_uptime",
		Description: "Gets system uptime and boot time",
	}
	NetworkInfo = Definition{
		Name:        "get_network_info",
		Description: "Gets network interfaces and traffic statistics",
	}
	TopProcesses = Definition{
		Name:        "get_top_processes",
		Description: "Gets top 5 processes by CPU and memory usage",
	}
)

// PiDefinitions is the default tool set.
var PiDefinitions = []Definition{PiStatus, SystemUptime, NetworkInfo, TopProcesses}

// now is overridden in tests.
var now = time.Now

// PiTools returns the system status tools implemented by running commands
// through r.
func PiTools(r Runner) []Tool {
	return []Tool{
		{Definition: PiStatus, Call: func(ctx context.Context) string {
			return gather(ctx, "could not retrieve Pi status",
				query{"cpu_temp", func(ctx context.Context) (any, error) { return cpuTemp(ctx, r) }},
				query{"memory_usage", func(ctx context.Context) (any, error) { return memoryUsage(ctx, r) }},
				query{"disk_usage", func(ctx context.Context) (any, error) { return diskUsage(ctx, r) }},
			)
		}},
		{Definition: SystemUptime, Call: func(ctx context.Context) string {
			return gather(ctx, "could not retrieve uptime",
				query{"uptime", func(ctx context.Context) (any, error) { return uptime(ctx, r) }},
			)
		}},
		{Definition: NetworkInfo, Call: func(ctx context.Context) string {
			return gather(ctx, "could not retrieve network info",
				query{"interfaces", func(ctx context.Context) (any, error) { return interfaces(ctx, r) }},
				query{"addresses", func(ctx context.Context) (any, error) { return addresses(ctx, r) }},
			)
		}},
		{Definition: TopProcesses, Call: func(ctx context.Context) string {
			return gather(ctx, "could not retrieve process list",
				query{"by_cpu", func(ctx context.Context) (any, error) { return topProcesses(ctx, r, "-%cpu") }},
				query{"by_memory", func(ctx context.Context) (any, error) { return topProcesses(ctx, r, "-%mem") }},
			)
		}},
	}
}

// query is one independent lookup feeding a field of the result.
type query struct {
	field string
	run   func(ctx context.Context) (any, error)
}

// gather runs the queries concurrently. A failed query sets its field to
// Unavailable without affecting the others. When any query failed, the
// result carries "error" and "details".
//
// A single query's value is merged into the result when it is a map.
func gather(ctx context.Context, msg string, queries ...query) string {
	values := make([]any, len(queries))
	errs := make([]error, len(queries))
	// Not errgroup.WithContext: one failure must not cancel its siblings.
	eg := errgroup.Group{}
	for i, q := range queries {
		eg.Go(func() error {
			defer func() {
				if v := recover(); v != nil {
					errs[i] = fmt.Errorf("%s: panic: %v", q.field, v)
				}
			}()
			if values[i], errs[i] = q.run(ctx); errs[i] != nil {
				errs[i] = fmt.Errorf("%s: %w", q.field, errs[i])
			}
			return nil
		})
	}
	_ = eg.Wait()

	out := map[string]any{}
	var failed []string
	for i, q := range queries {
		if errs[i] != nil {
			internal.Logger(ctx).Warn("tools", "field", q.field, "err", errs[i])
			out[q.field] = Unavailable
			failed = append(failed, q.field)
			continue
		}
		if m, ok := values[i].(map[string]any); ok && len(queries) == 1 {
			for k, v := range m {
				out[k] = v
			}
			continue
		}
		out[q.field] = values[i]
	}
	if len(failed) != 0 {
		out["error"] = msg + ": " + strings.Join(failed, ", ")
		out["details"] = errors.Join(errs...).Error()
	}
	b, err := json.Marshal(out)
	if err != nil {
		return ErrorResult(msg, err)
	}
	return string(b)
}

// cpuTemp reads the SoC temperature, reported in millidegrees Celsius.
func cpuTemp(ctx context.Context, r Runner) (string, error) {
	out, err := r.Run(ctx, "cat /sys/class/thermal/thermal_zone0/temp")
	if err != nil {
		return "", err
	}
	milli, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return "", fmt.Errorf("unexpected temperature %q", out)
	}
	return fmt.Sprintf("%.1f°C", float64(milli)/1000), nil
}

// memoryUsage parses the "Mem:" line of `free -b`.
func memoryUsage(ctx context.Context, r Runner) (string, error) {
	out, err := r.Run(ctx, "free -b")
	if err != nil {
		return "", err
	}
	for _, l := range strings.Split(out, "\n") {
		f := strings.Fields(l)
		if len(f) < 3 || f[0] != "Mem:" {
			continue
		}
		total, err1 := strconv.ParseFloat(f[1], 64)
		used, err2 := strconv.ParseFloat(f[2], 64)
		if err1 != nil || err2 != nil || total == 0 {
			return "", fmt.Errorf("unexpected memory line %q", l)
		}
		return fmt.Sprintf("%.1f%%", used*100/total), nil
	}
	return "", fmt.Errorf("no memory line in %q", out)
}

// diskUsage returns the Capacity column of `df -P /`.
func diskUsage(ctx context.Context, r Runner) (string, error) {
	out, err := r.Run(ctx, "df -P /")
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return "", fmt.Errorf("unexpected df output %q", out)
	}
	f := strings.Fields(lines[len(lines)-1])
	if len(f) < 5 || !strings.HasSuffix(f[4], "%") {
		return "", fmt.Errorf("unexpected df line %q", lines[len(lines)-1])
	}
	return f[4], nil
}

// uptime parses /proc/uptime.
func uptime(ctx context.Context, r Runner) (map[string]any, error) {
	out, err := r.Run(ctx, "cat /proc/uptime")
	if err != nil {
		return nil, err
	}
	f := strings.Fields(out)
	if len(f) == 0 {
		return nil, fmt.Errorf("unexpected uptime %q", out)
	}
	secs, err := strconv.ParseFloat(f[0], 64)
	if err != nil {
		return nil, fmt.Errorf("unexpected uptime %q", out)
	}
	d := time.Duration(secs) * time.Second
	return map[string]any{
		"uptime":         humanDuration(d),
		"uptime_seconds": int64(secs),
		"boot_time":      now().Add(-d).Format(time.RFC3339),
	}, nil
}

// humanDuration formats d as "3 days, 4 hours, 5 minutes".
func humanDuration(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	hours := int(d/time.Hour) % 24
	minutes := int(d/time.Minute) % 60
	var parts []string
	add := func(n int, unit string) {
		if n == 0 {
			return
		}
		if n != 1 {
			unit += "s"
		}
		parts = append(parts, strconv.Itoa(n)+" "+unit)
	}
	add(days, "day")
	add(hours, "hour")
	add(minutes, "minute")
	if len(parts) == 0 {
		return "less than a minute"
	}
	return strings.Join(parts, ", ")
}

type netInterface struct {
	Name    string `json:"name"`
	RxBytes int64  `json:"rx_bytes"`
	TxBytes int64  `json:"tx_bytes"`
}

// interfaces parses /proc/net/dev.
func interfaces(ctx context.Context, r Runner) ([]netInterface, error) {
	out, err := r.Run(ctx, "cat /proc/net/dev")
	if err != nil {
		return nil, err
	}
	var ifs []netInterface
	for _, l := range strings.Split(out, "\n") {
		name, stats, ok := strings.Cut(l, ":")
		if !ok || strings.Contains(name, "|") {
			continue
		}
		f := strings.Fields(stats)
		if len(f) < 9 {
			continue
		}
		rx, err1 := strconv.ParseInt(f[0], 10, 64)
		tx, err2 := strconv.ParseInt(f[8], 10, 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("unexpected interface line %q", l)
		}
		ifs = append(ifs, netInterface{Name: strings.TrimSpace(name), RxBytes: rx, TxBytes: tx})
	}
	if len(ifs) == 0 {
		return nil, errors.New("no network interface found")
	}
	return ifs, nil
}

// addresses returns the host's IP addresses.
func addresses(ctx context.Context, r Runner) ([]string, error) {
	out, err := r.Run(ctx, "hostname -I")
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

type process struct {
	PID     int     `json:"pid"`
	Command string  `json:"command"`
	CPU     float64 `json:"cpu_percent"`
	Memory  float64 `json:"memory_percent"`
}

// topProcesses lists the 5 first processes sorted by the ps sort key.
func topProcesses(ctx context.Context, r Runner, sort string) ([]process, error) {
	out, err := r.Run(ctx, "ps -eo pid,comm,%cpu,%mem --no-headers --sort="+sort+" | head -n 5")
	if err != nil {
		return nil, err
	}
	var procs []process
	for _, l := range strings.Split(strings.TrimSpace(out), "\n") {
		f := strings.Fields(l)
		if len(f) < 4 {
			continue
		}
		// The command may contain spaces; the numeric columns are at both ends.
		n := len(f)
		pid, err1 := strconv.Atoi(f[0])
		cpu, err2 := strconv.ParseFloat(f[n-2], 64)
		mem, err3 := strconv.ParseFloat(f[n-1], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("unexpected ps line %q", l)
		}
		procs = append(procs, process{PID: pid, Command: strings.Join(f[1:n-2], " "), CPU: cpu, Memory: mem})
	}
	if len(procs) == 0 {
		return nil, fmt.Errorf("unexpected ps output %q", out)
	}
	return procs, nil
}
