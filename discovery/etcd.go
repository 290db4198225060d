// Package discovery keeps a directory of buzzer devices in etcd so UDP
// devices on different subnets can find each other. Each device holds a
// leased key /<prefix>/devices/<name> whose value is its host:port; the
// key disappears when the device stops renewing.
package discovery

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/buzzer"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func devicesPrefix(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return strings.TrimRight(prefix, "/") + "/devices/"
}

func DeviceKey(prefix, name string) string { return devicesPrefix(prefix) + name }

// DeviceName is the inverse of DeviceKey.
func DeviceName(prefix, key string) (string, bool) {
	name, ok := strings.CutPrefix(key, devicesPrefix(prefix))
	return name, ok && name != ""
}

// RegisterDevice writes name -> addr under a lease of ttl seconds and keeps
// it alive until cancel is called.
func RegisterDevice(ctx context.Context, cli *clientv3.Client, prefix, name, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, DeviceKey(prefix, name), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("register %s: %w", name, err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keep alive: %w", err)
	}
	// responses must be drained or the client logs a full channel
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

func ListDevices(ctx context.Context, cli *clientv3.Client, prefix string) (map[string]string, error) {
	devices, _, err := list(ctx, cli, prefix)
	return devices, err
}

func list(ctx context.Context, cli *clientv3.Client, prefix string) (map[string]string, int64, error) {
	resp, err := cli.Get(ctx, devicesPrefix(prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("list devices: %w", err)
	}
	devices := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if name, ok := DeviceName(prefix, string(kv.Key)); ok {
			devices[name] = string(kv.Value)
		}
	}
	return devices, resp.Header.Revision, nil
}

// WatchDevices calls fn with the whole directory once at start and again
// after every change, until ctx is done. fn owns the map it is given.
func WatchDevices(ctx context.Context, cli *clientv3.Client, prefix string, log *zap.Logger, fn func(map[string]string)) error {
	if log == nil {
		log = zap.NewNop()
	}
	devices, rev, err := list(ctx, cli, prefix)
	if err != nil {
		return err
	}
	fn(maps.Clone(devices))

	wch := cli.Watch(ctx, devicesPrefix(prefix), clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	go func() {
		for wr := range wch {
			if err := wr.Err(); err != nil {
				log.Warn("device watch error", zap.Error(err))
				continue
			}
			if applyEvents(devices, prefix, wr.Events) {
				fn(maps.Clone(devices))
			}
		}
		log.Debug("device watch stopped")
	}()
	return nil
}

// applyEvents folds watch events into devices and reports whether anything
// changed.
func applyEvents(devices map[string]string, prefix string, events []*clientv3.Event) bool {
	changed := false
	for _, ev := range events {
		name, ok := DeviceName(prefix, string(ev.Kv.Key))
		if !ok {
			continue
		}
		switch ev.Type {
		case mvccpb.PUT:
			if devices[name] != string(ev.Kv.Value) {
				devices[name] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := devices[name]; ok {
				delete(devices, name)
				changed = true
			}
		}
	}
	return changed
}

// Peers lists every address except self's, sorted.
func Peers(devices map[string]string, self string) []string {
	var out []string
	for name, addr := range devices {
		if name != self {
			out = append(out, addr)
		}
	}
	slices.Sort(out)
	return out
}
