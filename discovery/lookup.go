package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

var (
	// ErrReceiverNotFound means no advertised receiver matched the lookup.
	ErrReceiverNotFound = errors.New("discovery: receiver not found")
	// ErrAmbiguousReceiver means an empty lookup matched more than one receiver.
	ErrAmbiguousReceiver = errors.New("discovery: more than one receiver found")
)

// Receiver is an advertised cryptsend listener.
type Receiver struct {
	DeviceID  string
	Name      string
	Version   int
	Cipher    string
	HostName  string
	Port      int
	Addresses []string
}

// Address returns host:port for dialing, preferring IPv4.
func (r Receiver) Address() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(r.Port))
}

// Browse collects receivers advertised during one scan window.
func Browse(ctx context.Context, config Config) ([]Receiver, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Receiver)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				receiver, ok := parseEntry(entry, cfg.DeviceID)
				if !ok {
					continue
				}
				collected[receiver.DeviceID] = receiver
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Receiver, 0, len(collected))
	for _, receiver := range collected {
		out = append(out, receiver)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Lookup finds the receiver whose name or device ID matches query. An empty
// query succeeds only when exactly one receiver is advertised.
func Lookup(ctx context.Context, config Config, query string) (Receiver, error) {
	receivers, err := Browse(ctx, config)
	if err != nil {
		return Receiver{}, err
	}

	query = strings.TrimSpace(query)
	if query == "" {
		switch len(receivers) {
		case 0:
			return Receiver{}, ErrReceiverNotFound
		case 1:
			return receivers[0], nil
		default:
			return Receiver{}, fmt.Errorf("%w: %s", ErrAmbiguousReceiver, receiverNames(receivers))
		}
	}

	for _, receiver := range receivers {
		if receiver.DeviceID == query || strings.EqualFold(receiver.Name, query) {
			return receiver, nil
		}
	}
	return Receiver{}, fmt.Errorf("%w: %q", ErrReceiverNotFound, query)
}

func receiverNames(receivers []Receiver) string {
	names := make([]string, 0, len(receivers))
	for _, receiver := range receivers {
		names = append(names, receiver.Name)
	}
	return strings.Join(names, ", ")
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (Receiver, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return Receiver{}, false
	}
	if entry.Port <= 0 {
		return Receiver{}, false
	}
	if cipher := txt["cipher"]; cipher != "" && cipher != CipherSuite {
		return Receiver{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, group := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		sorted := make([]string, 0, len(group))
		for _, ip := range group {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			sorted = append(sorted, raw)
		}
		sort.Strings(sorted)
		addresses = append(addresses, sorted...)
	}
	if len(addresses) == 0 && entry.HostName == "" {
		return Receiver{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return Receiver{
		DeviceID:  deviceID,
		Name:      name,
		Version:   version,
		Cipher:    txt["cipher"],
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
