// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package health

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	ps "github.com/mitchellh/go-ps"
	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/failsafe/internal/config"
	"grimm.is/failsafe/internal/errors"
)

// DefaultMinFreePercent is the disk headroom threshold when none is configured.
const DefaultMinFreePercent = 10

// ProcessCheck reports failure when no running process matches the given
// executable name.
func ProcessCheck(name string, executable string, critical bool) Check {
	return Check{
		Name:     name,
		Critical: critical,
		Run: func(ctx context.Context) error {
			procs, err := ps.Processes()
			if err != nil {
				return errors.Wrap(err, errors.KindInternal, "failed to list processes")
			}
			for _, p := range procs {
				if p.Executable() == executable {
					return nil
				}
			}
			return errors.Errorf(errors.KindUnavailable, "process %q not running", executable)
		},
	}
}

// PortCheck reports failure when the given TCP address does not accept a
// connection within the check timeout.
func PortCheck(name string, addr string, critical bool) Check {
	return Check{
		Name:     name,
		Critical: critical,
		Run: func(ctx context.Context) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return errors.Wrapf(err, errors.KindUnavailable, "port %s not accepting connections", addr)
			}
			conn.Close()
			return nil
		},
	}
}

// DNSCheck reports failure when a test query against the given server does
// not return an answer within the check timeout.
func DNSCheck(name string, server string, fqdn string, critical bool) Check {
	if fqdn == "" {
		fqdn = "localhost."
	}
	return Check{
		Name:     name,
		Critical: critical,
		Run: func(ctx context.Context) error {
			msg := new(dns.Msg)
			msg.SetQuestion(dns.Fqdn(fqdn), dns.TypeA)
			msg.RecursionDesired = true

			client := new(dns.Client)
			resp, _, err := client.ExchangeContext(ctx, msg, server)
			if err != nil {
				return errors.Wrapf(err, errors.KindUnavailable, "query to %s failed", server)
			}
			if resp.Rcode == dns.RcodeServerFailure || resp.Rcode == dns.RcodeRefused {
				return errors.Errorf(errors.KindUnavailable,
					"server %s answered %s", server, dns.RcodeToString[resp.Rcode])
			}
			return nil
		},
	}
}

// PingCheck reports failure when the given host does not answer an ICMP echo
// within the check timeout. Used for the peer-visible address state signal.
func PingCheck(name string, host string, critical bool) Check {
	return Check{
		Name:     name,
		Critical: critical,
		Run: func(ctx context.Context) error {
			pinger, err := probing.NewPinger(host)
			if err != nil {
				return errors.Wrap(err, errors.KindInternal, "failed to create pinger")
			}
			pinger.Count = 1
			pinger.SetPrivileged(false)
			if deadline, ok := ctx.Deadline(); ok {
				pinger.Timeout = time.Until(deadline)
			}

			if err := pinger.RunWithContext(ctx); err != nil {
				return errors.Wrapf(err, errors.KindUnavailable, "ping to %s failed", host)
			}
			if pinger.Statistics().PacketsRecv == 0 {
				return errors.Errorf(errors.KindUnavailable, "no echo reply from %s", host)
			}
			return nil
		},
	}
}

// DiskCheck reports failure when the filesystem holding path has less than
// minFreePercent free space. Platform-specific implementation in
// disk_linux.go / disk_stub.go.
func DiskCheck(name string, path string, minFreePercent int, critical bool) Check {
	if minFreePercent <= 0 {
		minFreePercent = DefaultMinFreePercent
	}
	return Check{
		Name:     name,
		Critical: critical,
		Run: func(ctx context.Context) error {
			free, err := diskFreePercent(path)
			if err != nil {
				return errors.Wrapf(err, errors.KindInternal, "failed to stat %s", path)
			}
			if free < float64(minFreePercent) {
				return errors.Errorf(errors.KindUnavailable,
					"only %.1f%% free on %s (minimum %d%%)", free, path, minFreePercent)
			}
			return nil
		},
	}
}

// FromConfig builds checks from configuration.
func FromConfig(cfgs []config.CheckConfig, defaultTimeout time.Duration) ([]Check, error) {
	checks := make([]Check, 0, len(cfgs))
	for _, c := range cfgs {
		var chk Check
		switch c.Type {
		case "process":
			chk = ProcessCheck(c.Name, c.Target, c.Critical)
		case "port":
			chk = PortCheck(c.Name, c.Target, c.Critical)
		case "dns":
			chk = DNSCheck(c.Name, c.Target, c.Query, c.Critical)
		case "disk":
			chk = DiskCheck(c.Name, c.Target, c.MinFreePercent, c.Critical)
		case "ping":
			chk = PingCheck(c.Name, c.Target, c.Critical)
		default:
			return nil, errors.Errorf(errors.KindValidation, "unknown check type %q", c.Type)
		}
		if c.Timeout > 0 {
			chk.Timeout = time.Duration(c.Timeout) * time.Second
		} else if defaultTimeout > 0 {
			chk.Timeout = defaultTimeout
		}
		checks = append(checks, chk)
	}
	return checks, nil
}
