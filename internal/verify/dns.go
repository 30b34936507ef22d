package verify

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
)

// Resolver finds the mail exchangers for a domain, best preference first.
// An empty slice with a nil error means the domain has no mail servers.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]string, error)
}

// NetResolver resolves through the system resolver.
type NetResolver struct {
	Resolver *net.Resolver
}

func (r NetResolver) LookupMX(ctx context.Context, domain string) ([]string, error) {
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	records, err := res.LookupMX(ctx, domain)
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return nil, nil
	}
	if err != nil && len(records) == 0 {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })
	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Host, ".")
		// RFC 7505 null MX: the domain accepts no mail.
		if host == "" {
			continue
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

// StaticResolver answers from a fixed table. Domains not in the table have
// no MX records.
type StaticResolver map[string][]string

func (s StaticResolver) LookupMX(_ context.Context, domain string) ([]string, error) {
	return s[domain], nil
}
